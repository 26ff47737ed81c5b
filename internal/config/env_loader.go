package config

import "strings"

// Load builds the configuration from environment variables only.
func Load() *Config {
	defaults := GetDefaults()
	cfg := baseConfigFromEnv(defaults)

	applyCustodyEnvVars(cfg)
	applyWhitelistEnvVars(cfg)
	applyRateLimitEnvVars(cfg)
	applyHealthEnvVars(cfg)
	applyOAuthEnvVars(cfg, defaults)

	return cfg
}

func baseConfigFromEnv(defaults DefaultValues) *Config {
	return &Config{
		EncryptionKey: getenv("TOKEN_ENCRYPTION_KEY", ""),
		TokenDir:      getenv("TOKEN_DIR", defaults.TokenDir),

		CacheTTLSec:    defaults.CacheTTLSec,
		LockTimeoutSec: defaults.LockTimeoutSec,

		WhitelistPath:             getenv("WHITELIST_PATH", defaults.WhitelistPath),
		WhitelistKey:              getenv("WHITELIST_KEY", defaults.WhitelistKey),
		WhitelistWatchIntervalSec: defaults.WhitelistWatchIntervalSec,

		UsersFile: getenv("USERS_FILE", defaults.UsersFile),

		RateLimitsJSON: getenv("RATE_LIMITS", ""),
		RateLimitsFile: getenv("RATE_LIMITS_FILE", ""),
		FloodRPS:       defaults.FloodRPS,
		FloodBurst:     defaults.FloodBurst,

		HealthIntervalSec:   defaults.HealthIntervalSec,
		HealthBatchSize:     defaults.HealthBatchSize,
		RefreshAheadSec:     defaults.RefreshAheadSec,
		MaintLockTimeoutSec: defaults.MaintLockTimeoutSec,

		AuthPolicy: getenv("AUTH_POLICY", "whitelist-or-credential"),

		OpsAddr: getenv("OPS_ADDR", defaults.OpsAddr),
		Debug:   getenvBool("DEBUG", false),
		LogFile: getenv("LOG_FILE", ""),
	}
}

func applyCustodyEnvVars(cfg *Config) {
	setIntFromEnv("TOKEN_CACHE_TTL_SEC", func(n int) { cfg.CacheTTLSec = n })
	setIntFromEnv("TOKEN_LOCK_TIMEOUT_SEC", func(n int) { cfg.LockTimeoutSec = n })
}

func applyWhitelistEnvVars(cfg *Config) {
	setIntFromEnv("WHITELIST_WATCH_INTERVAL", func(n int) { cfg.WhitelistWatchIntervalSec = n })
}

func applyRateLimitEnvVars(cfg *Config) {
	setIntFromEnv("FLOOD_RPS", func(n int) { cfg.FloodRPS = n })
	setIntFromEnv("FLOOD_BURST", func(n int) { cfg.FloodBurst = n })
}

func applyHealthEnvVars(cfg *Config) {
	setIntFromEnv("HEALTHCHECK_INTERVAL_SEC", func(n int) { cfg.HealthIntervalSec = n })
	setIntFromEnv("HEALTHCHECK_BATCH_SIZE", func(n int) { cfg.HealthBatchSize = n })
	setIntFromEnv("REFRESH_AHEAD_SEC", func(n int) { cfg.RefreshAheadSec = n })
	setIntFromEnv("MAINT_LOCK_TIMEOUT_SEC", func(n int) { cfg.MaintLockTimeoutSec = n })
}

func applyOAuthEnvVars(cfg *Config, defaults DefaultValues) {
	cfg.OAuthClientID = getenv("OAUTH_CLIENT_ID", "")
	cfg.OAuthClientSecret = getenv("OAUTH_CLIENT_SECRET", "")
	cfg.OAuthAuthURL = getenv("OAUTH_AUTH_URL", "https://accounts.google.com/o/oauth2/v2/auth")
	cfg.OAuthTokenURL = getenv("OAUTH_TOKEN_URL", "https://oauth2.googleapis.com/token")
	cfg.OAuthRedirectURI = getenv("OAUTH_REDIRECT_URI", "http://localhost:8085/oauth2callback")
	if raw := getenv("OAUTH_SCOPES", ""); raw != "" {
		cfg.OAuthScopes = splitAndTrim(raw, ",")
	} else {
		cfg.OAuthScopes = append([]string(nil), defaults.OAuthScopes...)
	}
}

func splitAndTrim(input, sep string) []string {
	parts := strings.Split(input, sep)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
