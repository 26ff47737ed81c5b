package access

import (
	"sync"
	"time"

	"drivegate/internal/ratelimit"
	"drivegate/internal/roles"
	"drivegate/internal/token"
)

// Level is the access tier a command requires.
type Level string

const (
	LevelPublic     Level = "public"
	LevelAuthorized Level = "authorized"
	LevelAdmin      Level = "admin"
)

// Policy selects how the authorized level treats non-whitelisted users.
type Policy string

const (
	// PolicyWhitelistOrCredential grants authorized access to whitelisted
	// users and to anyone holding a usable credential.
	PolicyWhitelistOrCredential Policy = "whitelist-or-credential"

	// PolicyWhitelistOnly grants authorized access to whitelisted users
	// only; a credential on its own is not enough.
	PolicyWhitelistOnly Policy = "whitelist-only"
)

// ParsePolicy maps a config value onto a known policy, defaulting to
// whitelist-or-credential for anything unrecognized.
func ParsePolicy(raw string) Policy {
	if Policy(raw) == PolicyWhitelistOnly {
		return PolicyWhitelistOnly
	}
	return PolicyWhitelistOrCredential
}

// Decision reason codes. Every evaluation produces exactly one of these.
const (
	ReasonAllow            = "allow"
	ReasonMissingIdentity  = "deny-missing-identity"
	ReasonNoCredential     = "deny-no-credential"
	ReasonAdminRequired    = "deny-admin-required"
	ReasonNotWhitelisted   = "deny-not-whitelisted"
	ReasonRateLimited      = "rate-limited"
	ReasonUnsupportedLevel = "policy-error-unsupported-level"
)

// Decision is the verdict for one inbound command. It is produced fresh per
// call and never persisted.
type Decision struct {
	Allowed  bool
	Reason   string
	Via      string
	Metadata map[string]any
}

// Whitelist answers membership queries against the live snapshot.
type Whitelist interface {
	Contains(id int64) bool
}

// RoleChecker answers elevated-role queries.
type RoleChecker interface {
	HasPermission(id int64, required string) bool
}

// CredentialSource is the slice of the token store the engine needs for
// possession checks.
type CredentialSource interface {
	Load(userID int64) (token.Result, error)
}

const defaultPossessionTTL = 30 * time.Second

type possessionEntry struct {
	has    bool
	bucket int64
}

// Engine composes whitelist membership, credential possession, role checks,
// and rate limits into one allow/deny verdict per request. Evaluate never
// returns an error: misconfiguration surfaces as a deny decision. Safe for
// concurrent use.
type Engine struct {
	whitelist Whitelist
	roleCheck RoleChecker
	store     CredentialSource
	limiter   *ratelimit.Service
	policy    Policy

	possessionTTL time.Duration
	now           func() time.Time

	mu         sync.Mutex
	possession map[int64]possessionEntry
}

// EngineOptions wires an Engine. Whitelist is required; a nil limiter
// disables rate limiting and a nil store makes every possession check fail.
type EngineOptions struct {
	Whitelist     Whitelist
	Roles         RoleChecker
	Store         CredentialSource
	Limiter       *ratelimit.Service
	Policy        Policy
	PossessionTTL time.Duration
}

// NewEngine builds a decision engine from its collaborators.
func NewEngine(opts EngineOptions) *Engine {
	e := &Engine{
		whitelist:     opts.Whitelist,
		roleCheck:     opts.Roles,
		store:         opts.Store,
		limiter:       opts.Limiter,
		policy:        opts.Policy,
		possessionTTL: opts.PossessionTTL,
		now:           time.Now,
		possession:    make(map[int64]possessionEntry),
	}
	if e.policy == "" {
		e.policy = PolicyWhitelistOrCredential
	}
	if e.possessionTTL <= 0 {
		e.possessionTTL = defaultPossessionTTL
	}
	return e
}

// Evaluate decides whether userID may run command at the required level.
// A zero userID means the caller could not establish an identity.
func (e *Engine) Evaluate(userID int64, level Level, command string) Decision {
	if userID == 0 {
		return Decision{Reason: ReasonMissingIdentity}
	}

	switch level {
	case LevelPublic:
		if limited, ok := e.maybeRateLimit(userID, level, command); ok {
			return limited
		}
		return Decision{Allowed: true, Reason: ReasonAllow, Via: "public"}

	case LevelAdmin:
		if !e.whitelist.Contains(userID) {
			return Decision{Reason: ReasonNotWhitelisted}
		}
		if e.roleCheck == nil || !e.roleCheck.HasPermission(userID, roles.RoleAdmin) {
			return Decision{Reason: ReasonAdminRequired}
		}
		if limited, ok := e.maybeRateLimit(userID, level, command); ok {
			return limited
		}
		return Decision{Allowed: true, Reason: ReasonAllow, Via: "whitelist"}

	case LevelAuthorized:
		if e.whitelist.Contains(userID) {
			if limited, ok := e.maybeRateLimit(userID, level, command); ok {
				return limited
			}
			return Decision{Allowed: true, Reason: ReasonAllow, Via: "whitelist"}
		}
		if e.policy == PolicyWhitelistOnly {
			return Decision{Reason: ReasonNotWhitelisted}
		}
		if !e.hasCredential(userID) {
			return Decision{Reason: ReasonNoCredential}
		}
		if limited, ok := e.maybeRateLimit(userID, level, command); ok {
			return limited
		}
		return Decision{Allowed: true, Reason: ReasonAllow, Via: "credential"}
	}

	return Decision{
		Reason:   ReasonUnsupportedLevel,
		Metadata: map[string]any{"level": string(level)},
	}
}

// InvalidateCache drops every cached possession lookup. Wired to the
// whitelist manager's reload notification.
func (e *Engine) InvalidateCache() {
	e.mu.Lock()
	e.possession = make(map[int64]possessionEntry)
	e.mu.Unlock()
}

// InvalidateUser drops one user's cached possession lookup, for use right
// after an authorization or revocation changes what is on disk.
func (e *Engine) InvalidateUser(userID int64) {
	e.mu.Lock()
	delete(e.possession, userID)
	e.mu.Unlock()
}

// hasCredential reports possession of a loadable credential, cached in TTL
// buckets so steady traffic does not stat the filesystem per message.
func (e *Engine) hasCredential(userID int64) bool {
	if e.store == nil {
		return false
	}

	bucket := e.now().Unix() / int64(e.possessionTTL.Seconds())
	e.mu.Lock()
	entry, ok := e.possession[userID]
	e.mu.Unlock()
	if ok && entry.bucket == bucket {
		return entry.has
	}

	result, err := e.store.Load(userID)
	has := err == nil && (result.State == token.StateValid || result.State == token.StateExpired)

	e.mu.Lock()
	e.possession[userID] = possessionEntry{has: has, bucket: bucket}
	e.mu.Unlock()
	return has
}

func (e *Engine) maybeRateLimit(userID int64, level Level, command string) (Decision, bool) {
	if command == "" || !e.limiter.Enabled() {
		return Decision{}, false
	}

	outcome := e.limiter.Check(command, userID, string(level))
	if outcome.Allowed {
		return Decision{}, false
	}

	via := "rate_limit"
	if outcome.LimitName != "" {
		via = "rate_limit:" + outcome.LimitName
	}
	return Decision{
		Reason: ReasonRateLimited,
		Via:    via,
		Metadata: map[string]any{
			"command":          command,
			"limit":            outcome.LimitName,
			"retry_after":      outcome.RetryAfter.Seconds(),
			"cooldown_seconds": outcome.Cooldown.Seconds(),
			"limit_size":       outcome.Limit,
			"interval_seconds": outcome.Window.Seconds(),
			"scope":            outcome.Scope,
			"level":            string(level),
		},
	}, true
}
