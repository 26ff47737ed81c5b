package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// Log lines never carry raw user IDs or token paths. Every identifier goes
// through a one-way digest so entries stay correlatable without being
// reversible.

func digest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}

// MaskUserID produces a stable, non-reversible label for a user identity.
func MaskUserID(userID int64) string {
	if userID == 0 {
		return "user-anon"
	}
	return "user-" + digest(strconv.FormatInt(userID, 10))
}

// MaskPath produces a stable, non-reversible label for a filesystem path.
func MaskPath(path string) string {
	if path == "" {
		return "path-unknown"
	}
	return "path-" + digest(filepath.Clean(path))
}

// TokenFields builds the common structured fields for token-store log entries.
// Extras passed in take precedence on key conflicts.
func TokenFields(userID int64, path, event string, extras log.Fields) log.Fields {
	fields := log.Fields{
		"masked_user_id": MaskUserID(userID),
		"token_event":    event,
	}
	if path != "" {
		fields["masked_path"] = MaskPath(path)
	}
	for k, v := range extras {
		fields[k] = v
	}
	return fields
}
