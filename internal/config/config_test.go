package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
gitlab:
  url: https://gitlab.example.com
  project: group/project
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://gitlab.example.com", cfg.GitLab.URL)
	assert.Equal(t, "group/project", cfg.GitLab.Project)

	// Unset values fall back to defaults.
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.Server.ListenAddress)
	assert.Equal(t, "GMS_GITLAB_TOKEN", cfg.GitLab.TokenEnv)
	assert.Equal(t, 100, cfg.GitLab.PageSize)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval())
	assert.Equal(t, 30*24*time.Hour, cfg.Sync.RecordTTL())
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("GMS_GITLAB_URL", "https://env.example.com")
	t.Setenv("GMS_SYNC_INTERVAL", "60")
	t.Setenv("GMS_GITLAB_USE_GRAPHQL", "true")

	path := writeConfigFile(t, `
gitlab:
  url: https://file.example.com
  project: group/project
sync:
  interval_seconds: 300
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.GitLab.URL)
	assert.Equal(t, 60, cfg.Sync.IntervalSeconds)
	assert.True(t, cfg.GitLab.UseGraphQL)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("GMS_GITLAB_URL", "https://gitlab.example.com")
	t.Setenv("GMS_GITLAB_PROJECT", "group/project")
	t.Setenv("GMS_STORE_BACKEND", "dynamodb")
	t.Setenv("GMS_STORE_TABLE", "mr-sync")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "group/project", cfg.GitLab.Project)
	assert.Equal(t, "dynamodb", cfg.Store.Backend)
	assert.Equal(t, "mr-sync", cfg.Store.Table)
}

func TestFromEnvRejectsMissingProject(t *testing.T) {
	t.Setenv("GMS_GITLAB_URL", "https://gitlab.example.com")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation")
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		cfg := &Config{}
		ApplyDefaults(cfg)
		cfg.GitLab.Project = "group/project"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad url", func(c *Config) { c.GitLab.URL = "not a url" }},
		{"bad backend", func(c *Config) { c.Store.Backend = "cassandra" }},
		{"negative interval", func(c *Config) { c.Sync.IntervalSeconds = -5 }},
		{"oversized page", func(c *Config) { c.GitLab.PageSize = 500 }},
		{"dynamodb without table", func(c *Config) { c.Store.Backend = "dynamodb"; c.Store.Table = "" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}

	assert.NoError(t, Validate(base()), "the baseline itself must be valid")
}

func TestRedactedJSONMasksSecrets(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.GitLab.Token = "glpat-supersecret"
	cfg.Server.Webhook.SecretToken = "hook-secret"
	cfg.Checkpoint.RedisURL = "redis://:password@localhost:6379/0"

	data, err := cfg.RedactedJSON()
	require.NoError(t, err)

	out := string(data)
	assert.NotContains(t, out, "supersecret")
	assert.NotContains(t, out, "hook-secret")
	assert.NotContains(t, out, "password")
	assert.True(t, strings.Contains(out, "****"))
}

func TestRedactedLeavesOriginalIntact(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.GitLab.Token = "glpat-supersecret"

	_ = cfg.Redacted()
	assert.Equal(t, "glpat-supersecret", cfg.GitLab.Token)
}
