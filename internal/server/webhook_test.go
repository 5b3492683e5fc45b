package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWebhook(secret, project string) (*WebhookHandler, *[]string) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	wh := NewWebhookHandler(secret, project, logrus.NewEntry(logger))
	triggered := &[]string{}
	wh.SetOnMergeRequestEvent(func(projectPath string) {
		*triggered = append(*triggered, projectPath)
	})
	return wh, triggered
}

const mrEventBody = `{
	"object_kind": "merge_request",
	"project": {"id": 42, "path_with_namespace": "group/project"}
}`

func TestWebhookTriggersOnMergeRequestEvent(t *testing.T) {
	t.Parallel()
	wh, triggered := newTestWebhook("", "group/project")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(mrEventBody))
	rec := httptest.NewRecorder()
	wh.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, *triggered, 1)
	assert.Equal(t, "group/project", (*triggered)[0])
}

func TestWebhookIgnoresOtherProjects(t *testing.T) {
	t.Parallel()
	wh, triggered := newTestWebhook("", "group/project")

	body := `{"object_kind": "merge_request", "project": {"id": 7, "path_with_namespace": "other/project"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	wh.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ignored")
	assert.Empty(t, *triggered)
}

func TestWebhookMatchesNumericProjectID(t *testing.T) {
	t.Parallel()
	wh, triggered := newTestWebhook("", "42")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(mrEventBody))
	rec := httptest.NewRecorder()
	wh.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, *triggered, 1)
	assert.Equal(t, "group/project", (*triggered)[0])
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	t.Parallel()
	wh, triggered := newTestWebhook("", "group/project")

	body := `{"object_kind": "push", "project": {"path_with_namespace": "group/project"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	wh.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, *triggered)
}

func TestWebhookValidatesSecretToken(t *testing.T) {
	t.Parallel()
	wh, triggered := newTestWebhook("hook-secret", "group/project")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(mrEventBody))
	req.Header.Set("X-Gitlab-Token", "wrong")
	rec := httptest.NewRecorder()
	wh.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, *triggered)

	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(mrEventBody))
	req.Header.Set("X-Gitlab-Token", "hook-secret")
	rec = httptest.NewRecorder()
	wh.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, *triggered, 1)
}

func TestWebhookRejectsNonPost(t *testing.T) {
	t.Parallel()
	wh, _ := newTestWebhook("", "group/project")

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	wh.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	t.Parallel()
	wh, triggered := newTestWebhook("", "group/project")

	for _, body := range []string{"not json", `{"object_kind": "merge_request"}`} {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		rec := httptest.NewRecorder()
		wh.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
	assert.Empty(t, *triggered)
}
