// Package config provides configuration loading, validation, and defaults
// for gitlab-mr-syncer.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for gitlab-mr-syncer.
type Config struct {
	Log        LogConfig        `yaml:"log"        json:"log"`
	Server     ServerConfig     `yaml:"server"     json:"server"`
	GitLab     GitLabConfig     `yaml:"gitlab"     json:"gitlab"`
	Sync       SyncConfig       `yaml:"sync"       json:"sync"`
	Store      StoreConfig      `yaml:"store"      json:"store"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" json:"checkpoint"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"  json:"level"  env:"GMS_LOG_LEVEL"  validate:"omitempty,oneof=trace debug info warn error fatal panic"`
	Format string `yaml:"format" json:"format" env:"GMS_LOG_FORMAT" validate:"omitempty,oneof=text json"`
}

// ServerConfig holds HTTP server settings for daemon mode.
type ServerConfig struct {
	ListenAddress string        `yaml:"listen_address" json:"listen_address" env:"GMS_LISTEN_ADDRESS" validate:"required"`
	EnablePprof   bool          `yaml:"enable_pprof"   json:"enable_pprof"   env:"GMS_ENABLE_PPROF"`
	Webhook       WebhookConfig `yaml:"webhook"        json:"webhook"`
}

// WebhookConfig holds GitLab webhook receiver settings. When enabled,
// merge request events trigger an immediate sync instead of waiting for
// the next interval tick.
type WebhookConfig struct {
	Enabled     bool   `yaml:"enabled"      json:"enabled"      env:"GMS_WEBHOOK_ENABLED"`
	SecretToken string `yaml:"secret_token" json:"secret_token" env:"GMS_WEBHOOK_SECRET_TOKEN"`
}

// GitLabConfig holds GitLab API connection settings.
type GitLabConfig struct {
	URL string `yaml:"url" json:"url" env:"GMS_GITLAB_URL" validate:"required,url"`

	// Token is the access token, usually left empty in files and supplied
	// through the environment variable named by TokenEnv.
	Token    string `yaml:"token"     json:"token"     env:"GMS_GITLAB_TOKEN"`
	TokenEnv string `yaml:"token_env" json:"token_env" validate:"required"`

	// Project is the project to sync: numeric ID or full path.
	Project string `yaml:"project" json:"project" env:"GMS_GITLAB_PROJECT" validate:"required"`

	MaxRPS             int  `yaml:"max_requests_per_second"   json:"max_requests_per_second"   env:"GMS_GITLAB_MAX_RPS"       validate:"omitempty,min=0"`
	BurstRPS           int  `yaml:"burst_requests_per_second" json:"burst_requests_per_second" env:"GMS_GITLAB_BURST_RPS"     validate:"omitempty,min=0"`
	PageSize           int  `yaml:"page_size"                 json:"page_size"                 env:"GMS_GITLAB_PAGE_SIZE"     validate:"omitempty,min=1,max=100"`
	PageTimeoutSeconds int  `yaml:"page_timeout_seconds"      json:"page_timeout_seconds"      env:"GMS_GITLAB_PAGE_TIMEOUT"  validate:"omitempty,min=1"`
	UseGraphQL         bool `yaml:"use_graphql"               json:"use_graphql"               env:"GMS_GITLAB_USE_GRAPHQL"`
}

// PageTimeout returns the per-page request timeout as a time.Duration.
func (c GitLabConfig) PageTimeout() time.Duration {
	return time.Duration(c.PageTimeoutSeconds) * time.Second
}

// SyncConfig holds ingestion run settings.
type SyncConfig struct {
	IntervalSeconds     int `yaml:"interval_seconds"      json:"interval_seconds"      env:"GMS_SYNC_INTERVAL"       validate:"omitempty,min=1"`
	RecordTTLHours      int `yaml:"record_ttl_hours"      json:"record_ttl_hours"      env:"GMS_SYNC_RECORD_TTL"     validate:"omitempty,min=1"`
	StoreTimeoutSeconds int `yaml:"store_timeout_seconds" json:"store_timeout_seconds" env:"GMS_SYNC_STORE_TIMEOUT"  validate:"omitempty,min=1"`
}

// Interval returns the poll interval as a time.Duration.
func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// RecordTTL returns the per-record time-to-live as a time.Duration.
func (c SyncConfig) RecordTTL() time.Duration {
	return time.Duration(c.RecordTTLHours) * time.Hour
}

// StoreTimeout returns the per-operation store timeout as a time.Duration.
func (c SyncConfig) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSeconds) * time.Second
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend string `yaml:"backend" json:"backend" env:"GMS_STORE_BACKEND" validate:"omitempty,oneof=memory dynamodb"`
	Table   string `yaml:"table"   json:"table"   env:"GMS_STORE_TABLE"`
	Region  string `yaml:"region"  json:"region"  env:"GMS_STORE_REGION"`
}

// CheckpointConfig optionally routes checkpoint storage to Redis instead
// of the record backend.
type CheckpointConfig struct {
	RedisURL string `yaml:"redis_url" json:"redis_url" env:"GMS_CHECKPOINT_REDIS_URL"`
}

// Load reads a YAML configuration file, applies defaults, and applies
// environment variable overrides. The caller validates after layering any
// further overrides (CLI flags) on top.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{}
	ApplyDefaults(cfg)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// FromEnv builds a configuration from defaults and environment variables
// alone, for environments without a config file (Lambda).
func FromEnv() (*Config, error) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv walks the config struct and overwrites fields that have an
// "env" tag if the corresponding environment variable is set.
func ApplyEnv(cfg *Config) {
	applyEnvOverrides(cfg)
}

func applyEnvOverrides(cfg *Config) {
	applyEnvOverridesOnValue(reflect.ValueOf(cfg))
}

func applyEnvOverridesOnValue(v reflect.Value) {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return
	}

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if fieldVal.Kind() == reflect.Struct {
			applyEnvOverridesOnValue(fieldVal.Addr())
			continue
		}

		envKey := field.Tag.Get("env")
		if envKey == "" {
			continue
		}

		envVal, ok := os.LookupEnv(envKey)
		if !ok {
			continue
		}

		setFieldFromString(fieldVal, envVal)
	}
}

// setFieldFromString sets a reflect.Value from a string, supporting the
// field kinds used in Config.
func setFieldFromString(field reflect.Value, raw string) {
	if !field.CanSet() {
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)

	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err == nil {
			field.SetBool(b)
		}

	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err == nil {
			field.SetInt(int64(n))
		}

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(raw, ",")
			result := make([]string, 0, len(parts))
			for _, p := range parts {
				if s := strings.TrimSpace(p); s != "" {
					result = append(result, s)
				}
			}
			field.Set(reflect.ValueOf(result))
		}
	}
}

// redactString replaces a secret string with "****" if non-empty.
func redactString(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// Redacted returns a copy of the Config with sensitive fields masked.
func (c *Config) Redacted() Config {
	cp := *c
	cp.GitLab.Token = redactString(cp.GitLab.Token)
	cp.Server.Webhook.SecretToken = redactString(cp.Server.Webhook.SecretToken)
	cp.Checkpoint.RedisURL = redactString(cp.Checkpoint.RedisURL)
	return cp
}

// RedactedJSON returns the config as indented JSON with secrets masked.
func (c *Config) RedactedJSON() ([]byte, error) {
	redacted := c.Redacted()
	data, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshalling redacted config: %w", err)
	}
	return data, nil
}
