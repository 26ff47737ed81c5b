package whitelist

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"drivegate/internal/logging"
)

// Manager owns the privileged-identity set. The set is loaded from a small
// env-style text source and replaced wholesale on every reload, so readers
// never observe a partially-updated snapshot. A background loop picks up
// external edits without restart; see watch.go.
type Manager struct {
	path     string
	key      string
	interval time.Duration

	mu         sync.RWMutex
	ids        map[int64]struct{}
	mtime      time.Time
	haveMtime  bool
	lastReload time.Time
	listeners  []func()

	startOnce sync.Once
	cancel    func()
	done      chan struct{}
}

// NewManager builds a manager and performs the initial load. The source file
// may be absent at startup; the environment variable named by key is the
// fallback.
func NewManager(path, key string, interval time.Duration) *Manager {
	m := &Manager{
		path:     path,
		key:      key,
		interval: interval,
		ids:      make(map[int64]struct{}),
		done:     make(chan struct{}),
	}
	if _, err := m.Reload(true, "startup"); err != nil {
		log.WithError(err).Warn("whitelist: initial load failed")
	}
	return m
}

// OnReload registers fn to run after every snapshot swap. Used by the access
// engine to drop its possession cache when membership changes.
func (m *Manager) OnReload(fn func()) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Contains reports whether id is whitelisted in the current snapshot.
func (m *Manager) Contains(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ids[id]
	return ok
}

// Snapshot returns the sorted current membership.
func (m *Manager) Snapshot() []int64 {
	m.mu.RLock()
	out := make([]int64, 0, len(m.ids))
	for id := range m.ids {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Size returns the current membership count.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// Reload re-reads the source and swaps the snapshot. Without force, an
// unchanged source modification time is a no-op. It reports whether a swap
// happened.
func (m *Manager) Reload(force bool, source string) (bool, error) {
	mtime, haveMtime := m.sourceMtime()

	m.mu.Lock()
	if !force && m.haveMtime == haveMtime && (!haveMtime || mtime.Equal(m.mtime)) && !m.lastReload.IsZero() {
		m.mu.Unlock()
		return false, nil
	}

	ids, err := m.loadIDs()
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	m.ids = ids
	m.mtime = mtime
	m.haveMtime = haveMtime
	m.lastReload = time.Now().UTC()
	listeners := append([]func(){}, m.listeners...)
	size := len(ids)
	m.mu.Unlock()

	masked := make([]string, 0, size)
	for id := range ids {
		masked = append(masked, logging.MaskUserID(id))
	}
	sort.Strings(masked)
	log.WithFields(log.Fields{
		"event":       "whitelist_reload",
		"source":      source,
		"masked_path": logging.MaskPath(m.path),
		"size":        size,
		"members":     masked,
	}).Info("whitelist reloaded")

	for _, fn := range listeners {
		fn()
	}
	return true, nil
}

func (m *Manager) sourceMtime() (time.Time, bool) {
	info, err := os.Stat(m.path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// loadIDs parses the source file. Lines of the form KEY=v1,v2 are matched
// against the configured key; a file without any '=' is treated as a bare
// comma-separated list. The environment variable of the same name is the
// fallback when the file yields nothing.
func (m *Manager) loadIDs() (map[int64]struct{}, error) {
	raw := ""
	data, err := os.ReadFile(m.path)
	if err == nil {
		raw = extractValue(string(data), m.key)
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if raw == "" {
		raw = os.Getenv(m.key)
	}
	return ParseIDList(raw), nil
}

func extractValue(content, key string) string {
	hasAssign := strings.Contains(content, "=")
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !hasAssign {
			return line
		}
		name, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		if strings.TrimSpace(name) == key {
			return strings.Trim(strings.TrimSpace(value), `"'`)
		}
	}
	return ""
}

// ParseIDList parses a comma-separated list of integer identities, ignoring
// anything non-numeric.
func ParseIDList(raw string) map[int64]struct{} {
	ids := make(map[int64]struct{})
	for _, part := range strings.Split(raw, ",") {
		candidate := strings.TrimSpace(part)
		if candidate == "" {
			continue
		}
		if id, err := strconv.ParseInt(candidate, 10, 64); err == nil {
			ids[id] = struct{}{}
		}
	}
	return ids
}
