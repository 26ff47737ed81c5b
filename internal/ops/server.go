package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"drivegate/internal/config"
	"drivegate/internal/health"
	"drivegate/internal/token"
	"drivegate/internal/whitelist"
)

// Dependencies are the runtime services the ops endpoints report on.
type Dependencies struct {
	Whitelist *whitelist.Manager
	Health    *health.Job
	Store     *token.Store
}

// NewEngine builds the operational HTTP surface: liveness, status, and a
// forced whitelist reload. It makes no authorization decisions; access
// control happens in the bot's command path only.
func NewEngine(cfg *config.Config, deps Dependencies) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	_ = engine.SetTrustedProxies([]string{})
	engine.Use(gin.Recovery())

	started := time.Now()

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	engine.GET("/status", func(c *gin.Context) {
		payload := gin.H{
			"uptime_seconds": int64(time.Since(started).Seconds()),
		}
		if deps.Whitelist != nil {
			payload["whitelist_size"] = deps.Whitelist.Size()
		}
		if deps.Store != nil {
			payload["token_cache_entries"] = deps.Store.CacheSize()
			payload["known_users"] = len(deps.Store.KnownUserIDs())
		}
		if deps.Health != nil {
			metrics, at := deps.Health.LastRun()
			payload["health"] = gin.H{
				"last_run":     formatTickTime(at),
				"cursor":       deps.Health.Cursor(),
				"last_metrics": metrics,
			}
		}
		c.JSON(http.StatusOK, payload)
	})

	engine.POST("/reload", func(c *gin.Context) {
		if deps.Whitelist == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "whitelist manager not running"})
			return
		}
		changed, err := deps.Whitelist.Reload(true, "ops")
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "reload failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"reloaded": changed})
	})

	return engine
}

func formatTickTime(at time.Time) string {
	if at.IsZero() {
		return ""
	}
	return at.UTC().Format(time.RFC3339)
}

// Server runs the ops engine on its own listener.
type Server struct {
	http *http.Server
}

// NewServer binds an engine to addr.
func NewServer(addr string, engine *gin.Engine) *Server {
	return &Server{http: &http.Server{Addr: addr, Handler: engine}}
}

// Start serves in a background goroutine until Shutdown.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("ops server exited")
		}
	}()
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
