package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"
)

// WebhookHandler receives GitLab webhook events and triggers an immediate
// sync for merge request activity, instead of waiting for the next
// interval tick. It validates the X-Gitlab-Token header when a secret
// token is configured and only reacts to events from the configured
// project.
type WebhookHandler struct {
	secretToken string
	project     string
	logger      *logrus.Entry
	onMREvent   func(projectPath string)
}

// NewWebhookHandler creates a handler. If secretToken is empty, token
// validation is skipped. project is the synced project as configured, a
// numeric ID or a full path; events from other projects are acknowledged
// but ignored.
func NewWebhookHandler(secretToken, project string, logger *logrus.Entry) *WebhookHandler {
	return &WebhookHandler{
		secretToken: secretToken,
		project:     project,
		logger:      logger.WithField("component", "webhook"),
	}
}

// SetOnMergeRequestEvent registers the callback invoked for merge request
// events.
func (wh *WebhookHandler) SetOnMergeRequestEvent(fn func(projectPath string)) {
	wh.onMREvent = fn
}

// webhookPayload is the minimal envelope needed to determine the event
// type and the project it belongs to.
type webhookPayload struct {
	ObjectKind string `json:"object_kind"`
	Project    struct {
		ID                int    `json:"id"`
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
}

// matchesProject reports whether the event belongs to the configured
// project, accepting either its full path or its numeric ID.
func (wh *WebhookHandler) matchesProject(payload webhookPayload) bool {
	if wh.project == "" {
		return true
	}
	if payload.Project.PathWithNamespace == wh.project {
		return true
	}
	return payload.Project.ID > 0 && strconv.Itoa(payload.Project.ID) == wh.project
}

// ServeHTTP implements http.Handler.
func (wh *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if wh.secretToken != "" {
		token := r.Header.Get("X-Gitlab-Token")
		if token != wh.secretToken {
			wh.logger.Warn("webhook received with invalid token")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	// Limit the body to 1 MB to prevent abuse.
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		wh.logger.WithError(err).Error("failed to read webhook body")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		wh.logger.WithError(err).Error("failed to parse webhook payload")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	projectPath := payload.Project.PathWithNamespace
	if projectPath == "" {
		wh.logger.Warn("webhook payload missing project path")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	wh.logger.WithFields(logrus.Fields{
		"object_kind": payload.ObjectKind,
		"project":     projectPath,
	}).Debug("webhook event received")

	if !wh.matchesProject(payload) {
		wh.logger.WithField("project", projectPath).
			Debug("webhook event for unrelated project ignored")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ignored"}`))
		return
	}

	if payload.ObjectKind == "merge_request" && wh.onMREvent != nil {
		wh.onMREvent(projectPath)
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"accepted"}`))
}
