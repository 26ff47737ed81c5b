package token

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"drivegate/internal/logging"
)

// State describes what the store found for one user's credential file.
type State string

const (
	StateAbsent        State = "absent"
	StateValid         State = "valid"
	StateExpired       State = "expired"
	StateCorrupted     State = "corrupted"
	StateRefreshFailed State = "refresh_failed"
)

// Credential is the store's view of a user credential. The OAuth
// implementation lives in internal/provider; the store only loads, refreshes,
// and persists through this interface.
type Credential interface {
	IsExpired() bool
	ExpiresAt() time.Time
	Refresh(ctx context.Context) error
	Serialize() ([]byte, error)
}

// Loader decodes a decrypted credential payload.
type Loader func(data []byte) (Credential, error)

// Result reports the outcome of a store operation for one user.
type Result struct {
	UserID        int64
	Path          string
	State         State
	Credential    Credential
	Refreshed     bool
	Err           string
	QuarantinedTo string
	LatencyMS     float64
}

// Fields renders the result for structured logging with masked identifiers.
func (r Result) Fields() log.Fields {
	fields := log.Fields{
		"masked_user_id": logging.MaskUserID(r.UserID),
		"state":          string(r.State),
		"refreshed":      r.Refreshed,
		"latency_ms":     r.LatencyMS,
	}
	if r.Err != "" {
		fields["error"] = r.Err
	}
	if r.QuarantinedTo != "" {
		fields["quarantined_to"] = logging.MaskPath(r.QuarantinedTo)
	}
	return fields
}

type cacheEntry struct {
	result     Result
	mtime      time.Time
	size       int64
	observedAt time.Time
}
