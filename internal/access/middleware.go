package access

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"drivegate/internal/logging"
)

// Request is one inbound command from the messaging layer. A zero UserID
// means the transport could not identify the sender.
type Request struct {
	UserID  int64
	ChatID  int64
	Command string
	Text    string
}

// Handler processes a request that passed the access gate.
type Handler func(ctx context.Context, req Request) error

// Responder delivers short user-facing notices back to a chat.
type Responder interface {
	Reply(ctx context.Context, chatID int64, text string) error
}

var denyMessages = map[string]string{
	ReasonMissingIdentity:  "Could not identify you. Please try again later.",
	ReasonNotWhitelisted:   "You are not on the access list. Contact an administrator.",
	ReasonNoCredential:     "You have not completed authorization yet. Send /auth to get started.",
	ReasonAdminRequired:    "This command requires administrator permissions.",
	ReasonUnsupportedLevel: "This command is misconfigured. Contact an administrator.",
}

const defaultNoticeSuppression = 5 * time.Second

// InterceptorOptions configures the access gate in front of handlers.
type InterceptorOptions struct {
	// FloodRPS and FloodBurst bound the total request rate across all
	// users. Zero RPS disables the guard.
	FloodRPS   int
	FloodBurst int

	// Levels maps command names to required levels. Commands not listed
	// default to public.
	Levels map[string]Level
}

// Interceptor wraps command handlers with the decision engine: it evaluates
// access, short-circuits denials with one short notice, and forwards allowed
// requests. Duplicate rate-limit notices to the same user and command are
// suppressed while the cooldown runs.
type Interceptor struct {
	engine    *Engine
	responder Responder
	flood     *rate.Limiter
	now       func() time.Time

	mu            sync.Mutex
	levels        map[string]Level
	suppressUntil map[string]time.Time
}

// NewInterceptor builds the gate around an engine.
func NewInterceptor(engine *Engine, responder Responder, opts InterceptorOptions) *Interceptor {
	i := &Interceptor{
		engine:        engine,
		responder:     responder,
		now:           time.Now,
		levels:        make(map[string]Level),
		suppressUntil: make(map[string]time.Time),
	}
	for name, level := range opts.Levels {
		i.levels[name] = level
	}
	if opts.FloodRPS > 0 {
		burst := opts.FloodBurst
		if burst <= 0 {
			burst = opts.FloodRPS
		}
		i.flood = rate.NewLimiter(rate.Limit(opts.FloodRPS), burst)
	}
	return i
}

// SetLevel registers or overrides the required level for a command.
func (i *Interceptor) SetLevel(command string, level Level) {
	i.mu.Lock()
	i.levels[command] = level
	i.mu.Unlock()
}

// LevelFor returns the required level for a command, public when unset.
func (i *Interceptor) LevelFor(command string) Level {
	i.mu.Lock()
	defer i.mu.Unlock()
	if level, ok := i.levels[command]; ok {
		return level
	}
	return LevelPublic
}

// Wrap gates a handler behind the decision engine for the named command.
func (i *Interceptor) Wrap(command string, handler Handler) Handler {
	return func(ctx context.Context, req Request) error {
		requestID := uuid.NewString()

		if i.flood != nil && !i.flood.Allow() {
			log.WithFields(log.Fields{
				"request_id": requestID,
				"command":    command,
			}).Debug("request dropped by flood guard")
			return nil
		}

		level := i.LevelFor(command)
		start := time.Now()
		decision := i.engine.Evaluate(req.UserID, level, command)

		fields := log.Fields{
			"request_id":     requestID,
			"command":        command,
			"level":          string(level),
			"masked_user_id": logging.MaskUserID(req.UserID),
			"reason":         decision.Reason,
			"latency_ms":     float64(time.Since(start).Microseconds()) / 1000.0,
		}
		if decision.Via != "" {
			fields["via"] = decision.Via
		}

		if decision.Allowed {
			log.WithFields(fields).Debug("access granted")
			return handler(ctx, req)
		}

		log.WithFields(fields).Info("access denied")

		if decision.Reason == ReasonRateLimited {
			if i.shouldNotifyRateLimit(req.UserID, command, decision) {
				i.notify(ctx, req.ChatID, rateLimitMessage(decision))
			}
			return nil
		}

		if msg, ok := denyMessages[decision.Reason]; ok {
			i.notify(ctx, req.ChatID, msg)
		}
		return nil
	}
}

// shouldNotifyRateLimit reports whether this denial warrants a user-facing
// notice, and arms the suppression window when it does.
func (i *Interceptor) shouldNotifyRateLimit(userID int64, command string, decision Decision) bool {
	window := metadataSeconds(decision, "cooldown_seconds")
	if window <= 0 {
		window = metadataSeconds(decision, "retry_after")
	}
	suppression := defaultNoticeSuppression
	if window > 0 {
		suppression = time.Duration(window * float64(time.Second))
	}

	key := fmt.Sprintf("%d:%s", userID, command)
	now := i.now()

	i.mu.Lock()
	defer i.mu.Unlock()
	if until, ok := i.suppressUntil[key]; ok && now.Before(until) {
		return false
	}
	i.suppressUntil[key] = now.Add(suppression)
	return true
}

func (i *Interceptor) notify(ctx context.Context, chatID int64, text string) {
	if i.responder == nil || chatID == 0 {
		return
	}
	if err := i.responder.Reply(ctx, chatID, text); err != nil {
		log.WithError(err).Warn("failed to deliver denial notice")
	}
}

func rateLimitMessage(decision Decision) string {
	retry := metadataSeconds(decision, "retry_after")
	if retry > 0 {
		return fmt.Sprintf("Too many requests. Try again in %ds.", int(math.Ceil(retry)))
	}
	return "Too many requests. Please slow down."
}

func metadataSeconds(decision Decision, key string) float64 {
	if decision.Metadata == nil {
		return 0
	}
	if v, ok := decision.Metadata[key].(float64); ok {
		return v
	}
	return 0
}
