package roles

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"drivegate/internal/logging"
)

// Role tiers, lowest to highest.
const (
	RoleUser       = "user"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

var roleOrder = map[string]int{
	RoleUser:       0,
	RoleAdmin:      1,
	RoleSuperAdmin: 2,
}

// Store persists user role assignments in a small JSON document of the form
// {"users": {"<id>": {"role": "...", "name": "..."}}}. Whitelisted identities
// are implicit super admins regardless of the stored role and can never be
// demoted or removed here.
type Store struct {
	path       string
	superAdmin func(int64) bool

	mu     sync.Mutex
	data   []byte
	loaded bool
}

// NewStore builds a role store. superAdmin reports whether an identity is on
// the admin whitelist; nil means no implicit super admins.
func NewStore(path string, superAdmin func(int64) bool) *Store {
	if superAdmin == nil {
		superAdmin = func(int64) bool { return false }
	}
	return &Store{path: path, superAdmin: superAdmin}
}

// Role returns the effective role for an identity.
func (s *Store) Role(id int64) string {
	if s.superAdmin(id) {
		return RoleSuperAdmin
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	role := gjson.GetBytes(s.data, userPath(id)+".role").String()
	if _, known := roleOrder[role]; !known {
		return RoleUser
	}
	return role
}

// HasPermission reports whether the identity's role meets the required tier.
func (s *Store) HasPermission(id int64, required string) bool {
	return roleOrder[s.Role(id)] >= roleOrder[required]
}

// SetRole assigns a role (and optional display name) to an identity.
func (s *Store) SetRole(id int64, role, name string) error {
	if _, known := roleOrder[role]; !known {
		return fmt.Errorf("roles: unknown role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	data, err := sjson.SetBytes(s.data, userPath(id)+".role", role)
	if err != nil {
		return fmt.Errorf("roles: set role: %w", err)
	}
	if name != "" {
		if data, err = sjson.SetBytes(data, userPath(id)+".name", name); err != nil {
			return fmt.Errorf("roles: set name: %w", err)
		}
	}
	if err := s.persistLocked(data); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"masked_user_id": logging.MaskUserID(id),
		"role":           role,
	}).Info("role updated")
	return nil
}

// Remove drops an identity's role record. Whitelisted super admins cannot be
// removed. It reports whether a record was deleted.
func (s *Store) Remove(id int64) (bool, error) {
	if s.superAdmin(id) {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	if !gjson.GetBytes(s.data, userPath(id)).Exists() {
		return false, nil
	}
	data, err := sjson.DeleteBytes(s.data, userPath(id))
	if err != nil {
		return false, fmt.Errorf("roles: remove: %w", err)
	}
	if err := s.persistLocked(data); err != nil {
		return false, err
	}
	return true, nil
}

// List returns every stored identity and its role.
func (s *Store) List() map[int64]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	out := make(map[int64]string)
	gjson.GetBytes(s.data, "users").ForEach(func(key, value gjson.Result) bool {
		id, err := strconv.ParseInt(key.String(), 10, 64)
		if err != nil {
			return true
		}
		role := value.Get("role").String()
		if _, known := roleOrder[role]; !known {
			role = RoleUser
		}
		out[id] = role
		return true
	})
	return out
}

func (s *Store) loadLocked() {
	if s.loaded {
		return
	}
	s.loaded = true
	s.data = []byte(`{"users":{}}`)

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warnf("roles: cannot read %s, starting empty", logging.MaskPath(s.path))
		}
		return
	}
	if !gjson.ValidBytes(raw) || !gjson.GetBytes(raw, "users").IsObject() {
		log.Warnf("roles: malformed store at %s, starting empty", logging.MaskPath(s.path))
		return
	}
	s.data = raw
}

func (s *Store) persistLocked(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("roles: prepare directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("roles: write store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("roles: persist store: %w", err)
	}
	s.data = data
	return nil
}

func userPath(id int64) string {
	return "users." + strconv.FormatInt(id, 10)
}
