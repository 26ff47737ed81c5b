package config

import "time"

// Config carries every runtime setting the bot core needs.
// Values are loaded once at startup from environment variables; the only
// setting with its own reload path is the whitelist source, which the
// whitelist manager watches on its own.
type Config struct {
	// Credential custody
	EncryptionKey  string
	TokenDir       string
	CacheTTLSec    int
	LockTimeoutSec int

	// Whitelist
	WhitelistPath             string
	WhitelistKey              string
	WhitelistWatchIntervalSec int

	// Roles
	UsersFile string

	// Rate limiting
	RateLimitsJSON string
	RateLimitsFile string
	FloodRPS       int
	FloodBurst     int

	// Health check
	HealthIntervalSec   int
	HealthBatchSize     int
	RefreshAheadSec     int
	MaintLockTimeoutSec int

	// Access policy for the authorized level: "whitelist-or-credential"
	// grants non-whitelisted users access when they hold a credential,
	// "whitelist-only" does not.
	AuthPolicy string

	// OAuth client used for user credentials
	OAuthClientID     string
	OAuthClientSecret string
	OAuthAuthURL      string
	OAuthTokenURL     string
	OAuthRedirectURI  string
	OAuthScopes       []string

	// Ops / logging
	OpsAddr string
	Debug   bool
	LogFile string
}

// DefaultValues centralizes fallback settings applied before env overrides.
type DefaultValues struct {
	TokenDir                  string
	CacheTTLSec               int
	LockTimeoutSec            int
	WhitelistPath             string
	WhitelistKey              string
	WhitelistWatchIntervalSec int
	UsersFile                 string
	FloodRPS                  int
	FloodBurst                int
	HealthIntervalSec         int
	HealthBatchSize           int
	RefreshAheadSec           int
	MaintLockTimeoutSec       int
	OpsAddr                   string
	OAuthScopes               []string
}

// GetDefaults returns the built-in defaults.
func GetDefaults() DefaultValues {
	return DefaultValues{
		TokenDir:                  "data/tokens",
		CacheTTLSec:               300,
		LockTimeoutSec:            5,
		WhitelistPath:             ".env",
		WhitelistKey:              "USER_WHITELIST",
		WhitelistWatchIntervalSec: 30,
		UsersFile:                 "data/users.json",
		FloodRPS:                  10,
		FloodBurst:                20,
		HealthIntervalSec:         900,
		HealthBatchSize:           10,
		RefreshAheadSec:           3600,
		MaintLockTimeoutSec:       5,
		OpsAddr:                   ":8035",
		OAuthScopes: []string{
			"https://www.googleapis.com/auth/drive",
			"https://www.googleapis.com/auth/drive.file",
		},
	}
}

// CacheTTL returns the token cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}

// LockTimeout returns the advisory-lock acquisition timeout.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSec) * time.Second
}

// WhitelistWatchInterval returns the whitelist poll interval.
func (c *Config) WhitelistWatchInterval() time.Duration {
	return time.Duration(c.WhitelistWatchIntervalSec) * time.Second
}

// HealthInterval returns the health-check tick interval.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSec) * time.Second
}

// RefreshAhead returns the proactive refresh lead time.
func (c *Config) RefreshAhead() time.Duration {
	return time.Duration(c.RefreshAheadSec) * time.Second
}

// MaintLockTimeout returns the health-check per-identity lock timeout.
func (c *Config) MaintLockTimeout() time.Duration {
	return time.Duration(c.MaintLockTimeoutSec) * time.Second
}
