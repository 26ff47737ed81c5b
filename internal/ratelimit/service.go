package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Outcome is the result of checking a command against its configured limits.
type Outcome struct {
	Allowed    bool
	LimitName  string
	RetryAfter time.Duration
	Cooldown   time.Duration
	Limit      int
	Window     time.Duration
	Scope      string
}

// Allow is the zero-cost outcome for unlimited commands.
func Allow() Outcome { return Outcome{Allowed: true} }

// Factory builds a limiter from a validated entry config.
type Factory func(EntryConfig) (Limiter, error)

// DefaultClassMap registers the limiter classes the service understands.
var DefaultClassMap = map[string]Factory{
	"fixed_window": func(cfg EntryConfig) (Limiter, error) {
		return NewFixedWindow(cfg.Limit, secDuration(cfg.WindowSec), secDuration(cfg.CooldownSec))
	},
}

type serviceEntry struct {
	name    string
	limiter Limiter
	levels  map[string]struct{}
	scope   string
	cfg     EntryConfig
}

// Service walks a static table of per-command limit entries. Configuration is
// loaded once at startup; unknown limiter classes are skipped with a warning
// so a single bad entry fails open rather than blocking every command.
type Service struct {
	entries map[string][]serviceEntry
}

// NewService builds a service from the table. A nil or empty table produces a
// service that allows everything.
func NewService(table Table, classMap map[string]Factory) *Service {
	if classMap == nil {
		classMap = DefaultClassMap
	}
	svc := &Service{entries: make(map[string][]serviceEntry)}
	for command, configs := range table {
		var entries []serviceEntry
		for index, cfg := range configs {
			entry, err := buildEntry(command, index, cfg, classMap)
			if err != nil {
				log.WithError(err).Warnf("ratelimit: skipping entry %d for command %s", index, command)
				continue
			}
			entries = append(entries, entry)
		}
		if len(entries) > 0 {
			svc.entries[command] = entries
		}
	}
	return svc
}

func buildEntry(command string, index int, cfg EntryConfig, classMap map[string]Factory) (serviceEntry, error) {
	class := cfg.Class
	if class == "" {
		class = "fixed_window"
	}
	factory, ok := classMap[class]
	if !ok {
		return serviceEntry{}, fmt.Errorf("unknown limiter class %q", class)
	}
	limiter, err := factory(cfg)
	if err != nil {
		return serviceEntry{}, err
	}

	name := cfg.Name
	if name == "" {
		name = command + ":" + strconv.Itoa(index)
	}
	levels := make(map[string]struct{}, len(cfg.Levels))
	for _, level := range cfg.Levels {
		levels[strings.ToLower(strings.TrimSpace(level))] = struct{}{}
	}
	scope := strings.ToLower(strings.TrimSpace(cfg.Scope))
	if scope == "" {
		scope = "user"
	}

	return serviceEntry{name: name, limiter: limiter, levels: levels, scope: scope, cfg: cfg}, nil
}

// Enabled reports whether any limits are configured.
func (s *Service) Enabled() bool {
	return s != nil && len(s.entries) > 0
}

// Check registers a hit for command by userID at the given access level and
// returns the first violated entry, or an allow outcome. Entries whose level
// filter does not match the caller's level are skipped.
func (s *Service) Check(command string, userID int64, level string) Outcome {
	if !s.Enabled() {
		return Allow()
	}
	entries, ok := s.entries[command]
	if !ok {
		return Allow()
	}

	levelKey := strings.ToLower(strings.TrimSpace(level))
	for _, entry := range entries {
		if len(entry.levels) > 0 {
			if _, match := entry.levels[levelKey]; !match {
				continue
			}
		}

		key := buildKey(command, entry.scope, userID)
		hit := entry.limiter.Hit(key)
		if !hit.Allowed {
			return Outcome{
				Allowed:    false,
				LimitName:  entry.name,
				RetryAfter: hit.RetryAfter,
				Cooldown:   secDuration(entry.cfg.CooldownSec),
				Limit:      entry.cfg.Limit,
				Window:     secDuration(entry.cfg.WindowSec),
				Scope:      entry.scope,
			}
		}
	}
	return Allow()
}

// buildKey partitions counters by scope: "global" shares one counter across
// all identities, anything else gets per-user partitioning.
func buildKey(command, scope string, userID int64) string {
	if scope == "global" {
		return "global:" + command
	}
	return scope + ":" + command + ":" + strconv.FormatInt(userID, 10)
}

func secDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
