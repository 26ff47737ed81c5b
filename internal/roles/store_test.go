package roles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, super ...int64) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.json")
	superSet := make(map[int64]struct{}, len(super))
	for _, id := range super {
		superSet[id] = struct{}{}
	}
	return NewStore(path, func(id int64) bool {
		_, ok := superSet[id]
		return ok
	})
}

func TestDefaultRoleIsUser(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, RoleUser, s.Role(42))
	assert.True(t, s.HasPermission(42, RoleUser))
	assert.False(t, s.HasPermission(42, RoleAdmin))
}

func TestWhitelistedIsSuperAdmin(t *testing.T) {
	s := newTestStore(t, 7)
	assert.Equal(t, RoleSuperAdmin, s.Role(7))
	assert.True(t, s.HasPermission(7, RoleAdmin))
}

func TestSetRolePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	s := NewStore(path, nil)

	require.NoError(t, s.SetRole(42, RoleAdmin, "Alex"))
	assert.Equal(t, RoleAdmin, s.Role(42))

	// a fresh store sees the persisted assignment
	again := NewStore(path, nil)
	assert.Equal(t, RoleAdmin, again.Role(42))
	assert.True(t, again.HasPermission(42, RoleAdmin))
}

func TestSetRoleRejectsUnknown(t *testing.T) {
	s := newTestStore(t)
	require.Error(t, s.SetRole(1, "emperor", ""))
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetRole(42, RoleAdmin, ""))

	removed, err := s.Remove(42)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, RoleUser, s.Role(42))

	removed, err = s.Remove(42)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRemoveProtectsWhitelisted(t *testing.T) {
	s := newTestStore(t, 7)
	removed, err := s.Remove(7)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, RoleSuperAdmin, s.Role(7))
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetRole(1, RoleAdmin, ""))
	require.NoError(t, s.SetRole(2, RoleUser, "Sam"))

	users := s.List()
	assert.Equal(t, map[int64]string{1: RoleAdmin, 2: RoleUser}, users)
}

func TestMalformedStoreStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))

	s := NewStore(path, nil)
	assert.Equal(t, RoleUser, s.Role(1))
	assert.Empty(t, s.List())
}
