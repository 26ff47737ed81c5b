package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"drivegate/internal/access"
	"drivegate/internal/config"
	"drivegate/internal/health"
	"drivegate/internal/logging"
	"drivegate/internal/ops"
	"drivegate/internal/provider"
	"drivegate/internal/ratelimit"
	"drivegate/internal/roles"
	"drivegate/internal/token"
	"drivegate/internal/tokencrypt"
	"drivegate/internal/whitelist"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}

	log.Info("Starting drivegate")

	if strings.TrimSpace(cfg.OAuthClientID) == "" || strings.TrimSpace(cfg.OAuthClientSecret) == "" {
		log.Warn("OAuth client credentials are not configured; authorization flows will be unavailable")
	}

	codec := tokencrypt.New(cfg.EncryptionKey)
	providerCfg := provider.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		AuthURL:      cfg.OAuthAuthURL,
		TokenURL:     cfg.OAuthTokenURL,
		RedirectURI:  cfg.OAuthRedirectURI,
		Scopes:       cfg.OAuthScopes,
	}

	store, err := token.NewStore(token.Options{
		BaseDir: cfg.TokenDir,
		Codec:   codec,
		Loader: func(data []byte) (token.Credential, error) {
			return provider.Deserialize(providerCfg, data)
		},
		CacheTTL:    cfg.CacheTTL(),
		LockTimeout: cfg.LockTimeout(),
	})
	if err != nil {
		log.WithError(err).Fatal("failed to open credential store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wl := whitelist.NewManager(cfg.WhitelistPath, cfg.WhitelistKey, cfg.WhitelistWatchInterval())
	wl.Start(ctx)

	roleStore := roles.NewStore(cfg.UsersFile, wl.Contains)

	limiter := ratelimit.NewService(loadRateLimits(cfg), nil)
	if limiter.Enabled() {
		log.Info("Rate limiting enabled")
	}

	engine := access.NewEngine(access.EngineOptions{
		Whitelist: wl,
		Roles:     roleStore,
		Store:     store,
		Limiter:   limiter,
		Policy:    access.ParsePolicy(cfg.AuthPolicy),
	})
	wl.OnReload(engine.InvalidateCache)

	gate := access.NewInterceptor(engine, nil, access.InterceptorOptions{
		FloodRPS:   cfg.FloodRPS,
		FloodBurst: cfg.FloodBurst,
		Levels:     defaultCommandLevels(),
	})
	log.WithField("public_default", string(gate.LevelFor("start"))).
		Debug("access gate ready")

	job, err := health.NewJob(health.Options{
		Store:        store,
		Interval:     cfg.HealthInterval(),
		BatchSize:    cfg.HealthBatchSize,
		RefreshAhead: cfg.RefreshAhead(),
		LockTimeout:  cfg.MaintLockTimeout(),
		Alert: func(message string) {
			log.Warn(message)
		},
	})
	if err != nil {
		log.WithError(err).Fatal("failed to build health-check job")
	}
	job.Start(ctx)

	opsServer := ops.NewServer(cfg.OpsAddr, ops.NewEngine(cfg, ops.Dependencies{
		Whitelist: wl,
		Health:    job,
		Store:     store,
	}))
	opsServer.Start()
	log.WithField("addr", cfg.OpsAddr).Info("Ops server listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("Shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	_ = opsServer.Shutdown(shutdownCtx)
	job.Stop()
	wl.Stop()
	cancel()
	log.Info("Shutdown complete")
}

// loadRateLimits prefers the YAML table file, falling back to the inline
// JSON environment value.
func loadRateLimits(cfg *config.Config) ratelimit.Table {
	if cfg.RateLimitsFile != "" {
		table, err := ratelimit.LoadTableFile(cfg.RateLimitsFile)
		if err != nil {
			log.WithError(err).Warn("failed to load rate-limit table file")
		} else {
			return table
		}
	}
	if cfg.RateLimitsJSON != "" {
		return ratelimit.ParseTableJSON(cfg.RateLimitsJSON)
	}
	return nil
}

// defaultCommandLevels mirrors the built-in command tiers; the messaging
// layer can override per command before wrapping handlers.
func defaultCommandLevels() map[string]access.Level {
	return map[string]access.Level{
		"start":   access.LevelPublic,
		"help":    access.LevelPublic,
		"ping":    access.LevelPublic,
		"auth":    access.LevelAuthorized,
		"token":   access.LevelAuthorized,
		"revoke":  access.LevelAuthorized,
		"upload":  access.LevelAuthorized,
		"cancel":  access.LevelAuthorized,
		"status":  access.LevelAdmin,
		"users":   access.LevelAdmin,
		"cleanup": access.LevelAdmin,
	}
}
