package token

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"drivegate/internal/logging"
	"drivegate/internal/tokencrypt"
)

const (
	defaultCacheTTL    = 5 * time.Minute
	defaultLockTimeout = 5 * time.Second

	refreshFailureWindow    = 24 * time.Hour
	refreshFailureThreshold = 3

	quarantineDirName = "quarantine"
)

// ErrUserLockTimeout is returned when another operation holds a user's
// in-process lock past the wait budget.
var ErrUserLockTimeout = errors.New("token: timed out waiting for user lock")

// Options configures a Store.
type Options struct {
	// BaseDir holds one token_<id>.json per user plus the quarantine subdir.
	BaseDir string

	// Codec seals payloads at rest. Required.
	Codec *tokencrypt.Codec

	// Loader decodes decrypted payloads into credentials. Required.
	Loader Loader

	// CacheTTL bounds how long a load result is served without re-reading
	// disk. Zero means the default of five minutes.
	CacheTTL time.Duration

	// LockTimeout bounds waits on user and file locks. Zero means five
	// seconds.
	LockTimeout time.Duration
}

// Store owns the credential files for all users: loading with a TTL cache,
// refreshing behind per-user locks, atomic persistence, and quarantine of
// anything it can no longer trust. Safe for concurrent use.
type Store struct {
	baseDir     string
	codec       *tokencrypt.Codec
	loader      Loader
	cacheTTL    time.Duration
	lockTimeout time.Duration
	now         func() time.Time

	mu              sync.Mutex
	cache           map[int64]cacheEntry
	userLocks       map[int64]chan struct{}
	refreshFailures map[int64][]time.Time
}

// NewStore creates a store rooted at opts.BaseDir, creating the directory
// when missing.
func NewStore(opts Options) (*Store, error) {
	if opts.BaseDir == "" {
		return nil, fmt.Errorf("token: base directory is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("token: codec is required")
	}
	if opts.Loader == nil {
		return nil, fmt.Errorf("token: loader is required")
	}

	s := &Store{
		baseDir:         opts.BaseDir,
		codec:           opts.Codec,
		loader:          opts.Loader,
		cacheTTL:        opts.CacheTTL,
		lockTimeout:     opts.LockTimeout,
		now:             time.Now,
		cache:           make(map[int64]cacheEntry),
		userLocks:       make(map[int64]chan struct{}),
		refreshFailures: make(map[int64][]time.Time),
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = defaultCacheTTL
	}
	if s.lockTimeout <= 0 {
		s.lockTimeout = defaultLockTimeout
	}
	if err := ensureDir(s.baseDir); err != nil {
		return nil, err
	}
	return s, nil
}

// TokenPath returns the credential file path for a user.
func (s *Store) TokenPath(userID int64) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("token_%d.json", userID))
}

// Load reads a user's credential, serving from cache while the entry is
// fresh and the file on disk is unchanged. All expected outcomes are encoded
// in the result state; the error return is reserved for the policy case of
// ciphertext with no configured key.
func (s *Store) Load(userID int64) (Result, error) {
	start := time.Now()
	path := s.TokenPath(userID)

	st, statErr := os.Stat(path)
	if entry, ok := s.cachedEntry(userID); ok && s.now().Sub(entry.observedAt) < s.cacheTTL {
		if statErr == nil && entry.mtime.Equal(st.ModTime()) && entry.size == st.Size() {
			return entry.result, nil
		}
		if statErr != nil && os.IsNotExist(statErr) {
			return entry.result, nil
		}
	}

	if statErr != nil && os.IsNotExist(statErr) {
		result := Result{
			UserID:    userID,
			Path:      path,
			State:     StateAbsent,
			LatencyMS: latencyMS(start),
		}
		s.updateCache(userID, result, time.Time{}, 0)
		log.WithFields(logging.TokenFields(userID, path, "absent", nil)).
			Debug("no credentials on record")
		return result, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return s.corruptedResult(userID, path, "read_error", start), nil
	}

	plaintext, err := s.codec.Decrypt(data)
	if err != nil {
		switch {
		case errors.Is(err, tokencrypt.ErrKeyMissing):
			result := s.corruptedResult(userID, path, "missing_key", start)
			log.WithFields(logging.TokenFields(userID, path, "missing_key", nil)).
				Error("encrypted credentials require a configured key")
			return result, fmt.Errorf("token: load user credential: %w", err)
		default:
			return s.corruptedResult(userID, path, "decrypt_failed", start), nil
		}
	}

	cred, err := s.loader(plaintext)
	if err != nil {
		result := s.corruptedResult(userID, path, "decode_failed", start)
		result.Err = err.Error()
		return result, nil
	}

	state := StateValid
	if cred.IsExpired() {
		state = StateExpired
	}
	result := Result{
		UserID:     userID,
		Path:       path,
		State:      state,
		Credential: cred,
		LatencyMS:  latencyMS(start),
	}
	s.updateCache(userID, result, st.ModTime(), st.Size())
	log.WithFields(logging.TokenFields(userID, path, string(state), nil)).
		Debug("loaded credentials")
	return result, nil
}

// Prepare loads a user's credential and refreshes it when the access token
// has expired. The returned result reflects the refresh outcome when one was
// attempted.
func (s *Store) Prepare(ctx context.Context, userID int64) (Result, error) {
	result, err := s.Load(userID)
	if err != nil {
		return result, err
	}
	if result.State == StateExpired && result.Credential != nil {
		return s.Refresh(ctx, userID, result.Credential), nil
	}
	return result, nil
}

// Refresh exchanges the user's refresh token for a fresh access token and
// persists the outcome, serialized per user. Failures are tracked in a
// rolling window; three within twenty-four hours quarantine the file.
func (s *Store) Refresh(ctx context.Context, userID int64, cred Credential) Result {
	start := time.Now()
	path := s.TokenPath(userID)

	if cred == nil {
		result := Result{
			UserID:    userID,
			Path:      path,
			State:     StateRefreshFailed,
			Err:       "missing_credential",
			LatencyMS: latencyMS(start),
		}
		s.updateCache(userID, result, time.Time{}, 0)
		return result
	}

	release, err := s.acquireUser(userID)
	if err != nil {
		return Result{
			UserID:    userID,
			Path:      path,
			State:     StateRefreshFailed,
			Err:       "lock_timeout",
			LatencyMS: latencyMS(start),
		}
	}
	defer release()

	if err := cred.Refresh(ctx); err != nil {
		result := s.noteRefreshFailure(userID, path, err, start)
		log.WithError(err).WithFields(logging.TokenFields(userID, path, "refresh_failed", nil)).
			Warn("token refresh failed")
		return result
	}

	if err := s.atomicSave(cred, path); err != nil {
		result := s.noteRefreshFailure(userID, path, err, start)
		log.WithError(err).WithFields(logging.TokenFields(userID, path, "persist_failed", nil)).
			Warn("failed to persist refreshed token")
		return result
	}

	result := Result{
		UserID:     userID,
		Path:       path,
		State:      StateValid,
		Credential: cred,
		Refreshed:  true,
		LatencyMS:  latencyMS(start),
	}
	s.clearFailures(userID)
	s.cacheAgainstDisk(userID, result, path)
	log.WithFields(logging.TokenFields(userID, path, "refresh", nil)).
		Info("refreshed access token")
	return result
}

// Store persists a credential for a user, replacing whatever was on disk.
func (s *Store) Store(userID int64, cred Credential) (Result, error) {
	start := time.Now()
	path := s.TokenPath(userID)

	release, err := s.acquireUser(userID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	if err := s.atomicSave(cred, path); err != nil {
		return Result{}, err
	}

	result := Result{
		UserID:     userID,
		Path:       path,
		State:      StateValid,
		Credential: cred,
		LatencyMS:  latencyMS(start),
	}
	s.clearFailures(userID)
	s.cacheAgainstDisk(userID, result, path)
	log.WithFields(logging.TokenFields(userID, path, "store", nil)).
		Info("stored credentials")
	return result, nil
}

// Quarantine moves a user's credential file into the quarantine directory.
// It reports the destination and whether a file was moved.
func (s *Store) Quarantine(userID int64, reason string) (string, bool) {
	path := s.TokenPath(userID)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	dest, err := s.quarantineFile(userID, path, reason)
	if err != nil {
		return "", false
	}
	return dest, true
}

// ClearCache drops the cached load result for one user.
func (s *Store) ClearCache(userID int64) {
	s.mu.Lock()
	delete(s.cache, userID)
	s.mu.Unlock()
}

// ClearAllCache drops every cached load result.
func (s *Store) ClearAllCache() {
	s.mu.Lock()
	s.cache = make(map[int64]cacheEntry)
	s.mu.Unlock()
}

// CacheSize reports how many load results are currently cached.
func (s *Store) CacheSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// KnownUserIDs returns every user the store knows about, from the token
// directory and the cache combined, sorted ascending.
func (s *Store) KnownUserIDs() []int64 {
	seen := make(map[int64]struct{})

	s.mu.Lock()
	for id := range s.cache {
		seen[id] = struct{}{}
	}
	s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir)
	if err == nil {
		for _, entry := range entries {
			name := entry.Name()
			if !strings.HasPrefix(name, "token_") || !strings.HasSuffix(name, ".json") {
				continue
			}
			id, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "token_"), ".json"), 10, 64)
			if err != nil {
				continue
			}
			seen[id] = struct{}{}
		}
	}

	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// WithMaintenanceLock runs fn while holding the user's maintenance lock
// file. A held lock past the timeout returns ErrLockTimeout without running
// fn, so background sweeps skip users with in-flight operations.
func (s *Store) WithMaintenanceLock(userID int64, timeout time.Duration, fn func() error) error {
	release, err := acquireFileLock(s.TokenPath(userID)+".maint.lock", timeout)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// atomicSave persists a credential with no window where a reader can see a
// partial file: lock, serialize and encrypt into a temp file in the target
// directory, rename over the destination, tighten permissions.
func (s *Store) atomicSave(cred Credential, path string) error {
	dir := filepath.Dir(path)
	if err := ensureDir(dir); err != nil {
		return err
	}

	release, err := acquireFileLock(path+".lock", s.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	tmp, err := os.CreateTemp(dir, "tmp_token_*.json")
	if err != nil {
		return fmt.Errorf("token: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	write := func() error {
		plaintext, err := cred.Serialize()
		if err != nil {
			return err
		}
		sealed, err := s.codec.Encrypt(plaintext)
		if err != nil {
			return err
		}
		if err := os.WriteFile(tmpPath, sealed, 0o600); err != nil {
			return fmt.Errorf("token: write temp file: %w", err)
		}
		if err := os.Rename(tmpPath, path); err != nil {
			return fmt.Errorf("token: replace credential file: %w", err)
		}
		return os.Chmod(path, 0o600)
	}
	if err := write(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// quarantineFile moves path into the quarantine directory under a
// timestamped name. The file is preserved even when the move fails.
func (s *Store) quarantineFile(userID int64, path, reason string) (string, error) {
	quarantineDir := filepath.Join(s.baseDir, quarantineDirName)
	if err := ensureDir(quarantineDir); err != nil {
		log.WithError(err).WithFields(logging.TokenFields(userID, path, "quarantine_failed", nil)).
			Error("failed to prepare quarantine directory")
		return "", err
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	timestamp := s.now().UTC().Format("20060102150405")
	dest := filepath.Join(quarantineDir, fmt.Sprintf("%s_%s.json", stem, timestamp))

	if err := os.Rename(path, dest); err != nil {
		log.WithError(err).WithFields(logging.TokenFields(userID, path, "quarantine_failed", log.Fields{
			"quarantine_reason": reason,
		})).Error("failed to quarantine token file")
		return "", err
	}

	log.WithFields(logging.TokenFields(userID, path, "quarantine", log.Fields{
		"quarantine_reason": reason,
		"quarantine_path":   logging.MaskPath(dest),
	})).Warn("quarantined token file")

	s.updateCache(userID, Result{
		UserID:        userID,
		Path:          path,
		State:         StateCorrupted,
		Err:           reason,
		QuarantinedTo: dest,
	}, time.Time{}, 0)
	return dest, nil
}

// corruptedResult quarantines the file and caches a Corrupted result for it.
func (s *Store) corruptedResult(userID int64, path, reason string, start time.Time) Result {
	dest, _ := s.quarantineFile(userID, path, reason)
	result := Result{
		UserID:        userID,
		Path:          path,
		State:         StateCorrupted,
		Err:           reason,
		QuarantinedTo: dest,
		LatencyMS:     latencyMS(start),
	}
	s.updateCache(userID, result, time.Time{}, 0)
	return result
}

// noteRefreshFailure records a failure in the rolling window and quarantines
// the file once the threshold is crossed.
func (s *Store) noteRefreshFailure(userID int64, path string, cause error, start time.Time) Result {
	now := s.now()
	cutoff := now.Add(-refreshFailureWindow)

	s.mu.Lock()
	failures := s.refreshFailures[userID]
	kept := failures[:0]
	for _, at := range failures {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	s.refreshFailures[userID] = kept
	count := len(kept)
	s.mu.Unlock()

	quarantined := ""
	if count >= refreshFailureThreshold {
		quarantined, _ = s.quarantineFile(userID, path, "refresh_failures")
	}

	result := Result{
		UserID:        userID,
		Path:          path,
		State:         StateRefreshFailed,
		Err:           cause.Error(),
		QuarantinedTo: quarantined,
		LatencyMS:     latencyMS(start),
	}
	s.updateCache(userID, result, time.Time{}, 0)
	return result
}

func (s *Store) clearFailures(userID int64) {
	s.mu.Lock()
	delete(s.refreshFailures, userID)
	s.mu.Unlock()
}

func (s *Store) cachedEntry(userID int64) (cacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[userID]
	return entry, ok
}

func (s *Store) updateCache(userID int64, result Result, mtime time.Time, size int64) {
	s.mu.Lock()
	s.cache[userID] = cacheEntry{
		result:     result,
		mtime:      mtime,
		size:       size,
		observedAt: s.now(),
	}
	s.mu.Unlock()
}

// cacheAgainstDisk caches a result keyed to the file's current mtime and
// size so the next load sees it fresh without a re-read.
func (s *Store) cacheAgainstDisk(userID int64, result Result, path string) {
	st, err := os.Stat(path)
	if err != nil {
		s.updateCache(userID, result, time.Time{}, 0)
		return
	}
	s.updateCache(userID, result, st.ModTime(), st.Size())
}

// acquireUser takes the in-process lock serializing mutations for one user.
func (s *Store) acquireUser(userID int64) (func(), error) {
	s.mu.Lock()
	ch, ok := s.userLocks[userID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.userLocks[userID] = ch
	}
	s.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-time.After(s.lockTimeout):
		return nil, fmt.Errorf("%w: %s", ErrUserLockTimeout, logging.MaskUserID(userID))
	}
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("token: create directory %s: %w", logging.MaskPath(dir), err)
	}
	// Best effort on pre-existing directories with looser modes.
	_ = os.Chmod(dir, 0o700)
	return nil
}

func latencyMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
