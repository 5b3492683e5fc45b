package config

// ApplyDefaults sets the baseline configuration. YAML unmarshalling and
// environment overrides are applied on top of these values.
func ApplyDefaults(cfg *Config) {
	// --- Log ---
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	// --- Server ---
	cfg.Server.ListenAddress = ":8080"

	// --- GitLab ---
	cfg.GitLab.URL = "https://gitlab.com"
	cfg.GitLab.TokenEnv = "GMS_GITLAB_TOKEN"
	cfg.GitLab.MaxRPS = 10
	cfg.GitLab.BurstRPS = 20
	cfg.GitLab.PageSize = 100
	cfg.GitLab.PageTimeoutSeconds = 10

	// --- Sync ---
	cfg.Sync.IntervalSeconds = 300
	cfg.Sync.RecordTTLHours = 720 // 30 days
	cfg.Sync.StoreTimeoutSeconds = 5

	// --- Store ---
	cfg.Store.Backend = "memory"
}
