package whitelist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSource(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestInitialLoadEnvStyle(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	writeSource(t, path, "USER_WHITELIST=111,222, 333\nOTHER=zzz\n", time.Now())

	m := NewManager(path, "USER_WHITELIST", time.Minute)
	assert.True(t, m.Contains(111))
	assert.True(t, m.Contains(333))
	assert.False(t, m.Contains(444))
	assert.Equal(t, []int64{111, 222, 333}, m.Snapshot())
}

func TestInitialLoadBareList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whitelist.txt")
	writeSource(t, path, "10,20,junk,30\n", time.Now())

	m := NewManager(path, "USER_WHITELIST", time.Minute)
	assert.Equal(t, []int64{10, 20, 30}, m.Snapshot())
}

func TestReloadUnchangedMtimeNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeSource(t, path, "USER_WHITELIST=1\n", base)

	m := NewManager(path, "USER_WHITELIST", time.Minute)

	// rewrite the content but pin the same mtime: no swap without force
	writeSource(t, path, "USER_WHITELIST=1,2\n", base)
	changed, err := m.Reload(false, "test")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.False(t, m.Contains(2))
}

func TestReloadDetectsMtimeChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeSource(t, path, "USER_WHITELIST=1\n", base)

	m := NewManager(path, "USER_WHITELIST", time.Minute)

	writeSource(t, path, "USER_WHITELIST=1,2\n", base.Add(time.Minute))
	changed, err := m.Reload(false, "test")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, m.Contains(2))
}

func TestForcedReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeSource(t, path, "USER_WHITELIST=1\n", base)

	m := NewManager(path, "USER_WHITELIST", time.Minute)

	writeSource(t, path, "USER_WHITELIST=5\n", base)
	changed, err := m.Reload(true, "manual")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, m.Contains(5))
	assert.False(t, m.Contains(1))
}

func TestMissingFileFallsBackToEnv(t *testing.T) {
	t.Setenv("TEST_WHITELIST_KEY", "77,88")
	path := filepath.Join(t.TempDir(), "absent.env")

	m := NewManager(path, "TEST_WHITELIST_KEY", time.Minute)
	assert.True(t, m.Contains(77))
	assert.True(t, m.Contains(88))
}

func TestOnReloadListener(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	writeSource(t, path, "USER_WHITELIST=1\n", time.Now())

	m := NewManager(path, "USER_WHITELIST", time.Minute)
	calls := 0
	m.OnReload(func() { calls++ })

	_, err := m.Reload(true, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWatcherPicksUpEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	writeSource(t, path, "USER_WHITELIST=1\n", time.Now())

	m := NewManager(path, "USER_WHITELIST", time.Hour)
	m.Start(context.Background())
	defer m.Stop()

	writeSource(t, path, "USER_WHITELIST=1,99\n", time.Now())

	require.Eventually(t, func() bool {
		return m.Contains(99)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestStopIsBounded(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	writeSource(t, path, "USER_WHITELIST=1\n", time.Now())

	m := NewManager(path, "USER_WHITELIST", time.Hour)
	m.Start(context.Background())

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestParseIDList(t *testing.T) {
	ids := ParseIDList(" 1, 2,x,,3 ")
	assert.Len(t, ids, 3)
	_, ok := ids[2]
	assert.True(t, ok)
}
