package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"drivegate/internal/logging"
	"drivegate/internal/token"
)

const (
	defaultInterval     = 15 * time.Minute
	defaultBatchSize    = 10
	defaultRefreshAhead = time.Hour
	defaultLockTimeout  = 5 * time.Second
)

// Metrics aggregates one sweep tick.
type Metrics struct {
	Processed       int `json:"processed"`
	TotalUsers      int `json:"total_users"`
	RefreshAttempts int `json:"refresh_attempts"`
	Refreshed       int `json:"refresh_success"`
	RefreshFailures int `json:"refresh_failures"`
	Quarantined     int `json:"quarantined"`
	Skipped         int `json:"skipped"`
}

// SuccessRate is refresh successes over attempts, 1.0 when nothing was tried.
func (m Metrics) SuccessRate() float64 {
	if m.RefreshAttempts == 0 {
		return 1.0
	}
	return float64(m.Refreshed) / float64(m.RefreshAttempts)
}

// Options configures the health-check job.
type Options struct {
	Store *token.Store

	// Interval between sweeps. Zero means fifteen minutes.
	Interval time.Duration

	// BatchSize bounds identities processed per tick. Zero means ten.
	BatchSize int

	// RefreshAhead refreshes credentials expiring within this window even
	// before they are expired. Zero means one hour.
	RefreshAhead time.Duration

	// LockTimeout bounds the wait for each user's maintenance lock; a held
	// lock skips the user for this tick. Zero means five seconds.
	LockTimeout time.Duration

	// Alert receives one message per tick that saw failures or
	// quarantines. Optional.
	Alert func(message string)
}

// Job sweeps known credentials on a timer, refreshing those at or near
// expiry and quarantining the ones that keep failing. A cursor into the
// sorted identity list persists between ticks so small batches still cover
// everyone eventually.
type Job struct {
	store        *token.Store
	interval     time.Duration
	batchSize    int
	refreshAhead time.Duration
	lockTimeout  time.Duration
	alert        func(string)
	now          func() time.Time

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	mu          sync.Mutex
	cursor      int
	lastMetrics Metrics
	lastTick    time.Time
}

// NewJob builds the job around a store.
func NewJob(opts Options) (*Job, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("health: store is required")
	}
	j := &Job{
		store:        opts.Store,
		interval:     opts.Interval,
		batchSize:    opts.BatchSize,
		refreshAhead: opts.RefreshAhead,
		lockTimeout:  opts.LockTimeout,
		alert:        opts.Alert,
		now:          time.Now,
		done:         make(chan struct{}),
	}
	if j.interval <= 0 {
		j.interval = defaultInterval
	}
	if j.batchSize <= 0 {
		j.batchSize = defaultBatchSize
	}
	if j.refreshAhead <= 0 {
		j.refreshAhead = defaultRefreshAhead
	}
	if j.lockTimeout <= 0 {
		j.lockTimeout = defaultLockTimeout
	}
	return j, nil
}

// Start launches the sweep loop. Stop with Stop or by cancelling ctx.
func (j *Job) Start(ctx context.Context) {
	j.startOnce.Do(func() {
		ctx, j.cancel = context.WithCancel(ctx)
		go j.loop(ctx)
	})
}

// Stop halts the loop and waits briefly for it to exit.
func (j *Job) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	select {
	case <-j.done:
	case <-time.After(2 * time.Second):
	}
}

func (j *Job) loop(ctx context.Context) {
	defer close(j.done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep tick and returns its metrics.
func (j *Job) RunOnce(ctx context.Context) Metrics {
	tickID := uuid.NewString()

	ids := j.store.KnownUserIDs()

	j.mu.Lock()
	cursor := j.cursor
	j.mu.Unlock()

	batch, nextCursor := selectBatch(ids, cursor, j.batchSize)

	metrics := Metrics{TotalUsers: len(ids)}
	for _, userID := range batch {
		j.processUser(ctx, userID, &metrics)
	}

	j.mu.Lock()
	j.cursor = nextCursor
	j.lastMetrics = metrics
	j.lastTick = j.now()
	j.mu.Unlock()

	log.WithFields(log.Fields{
		"tick_id":          tickID,
		"processed":        metrics.Processed,
		"total_users":      metrics.TotalUsers,
		"refresh_attempts": metrics.RefreshAttempts,
		"refresh_success":  metrics.Refreshed,
		"refresh_failures": metrics.RefreshFailures,
		"quarantined":      metrics.Quarantined,
		"skipped":          metrics.Skipped,
		"success_rate":     metrics.SuccessRate(),
		"next_cursor":      nextCursor,
	}).Info("token health check completed")

	if j.alert != nil && (metrics.RefreshFailures > 0 || metrics.Quarantined > 0) {
		j.alert(fmt.Sprintf(
			"Token health check detected issues: failures=%d, quarantined=%d.",
			metrics.RefreshFailures, metrics.Quarantined,
		))
	}
	return metrics
}

// LastRun reports the most recent tick's metrics and completion time.
func (j *Job) LastRun() (Metrics, time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastMetrics, j.lastTick
}

// Cursor exposes the sweep position for status reporting.
func (j *Job) Cursor() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cursor
}

func (j *Job) processUser(ctx context.Context, userID int64, metrics *Metrics) {
	err := j.store.WithMaintenanceLock(userID, j.lockTimeout, func() error {
		result, err := j.store.Prepare(ctx, userID)
		if err != nil {
			return err
		}
		metrics.Processed++
		j.handleResult(ctx, userID, result, metrics)
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, token.ErrLockTimeout):
		metrics.Skipped++
		log.WithField("masked_user_id", logging.MaskUserID(userID)).
			Debug("skipped maintenance for user with active lock")
	default:
		metrics.RefreshFailures++
		log.WithError(err).WithField("masked_user_id", logging.MaskUserID(userID)).
			Error("token maintenance failed for user")
	}
}

func (j *Job) handleResult(ctx context.Context, userID int64, result token.Result, metrics *Metrics) {
	switch result.State {
	case token.StateAbsent:
		return

	case token.StateValid:
		if result.Refreshed {
			metrics.RefreshAttempts++
			metrics.Refreshed++
			return
		}
		if result.Credential != nil && j.withinRefreshAhead(result) {
			metrics.RefreshAttempts++
			refreshed := j.store.Refresh(ctx, userID, result.Credential)
			switch {
			case refreshed.State == token.StateValid && refreshed.Refreshed:
				metrics.Refreshed++
			case refreshed.State == token.StateRefreshFailed:
				metrics.RefreshFailures++
				if refreshed.QuarantinedTo != "" {
					metrics.Quarantined++
				}
			}
		}

	case token.StateRefreshFailed:
		// Prepare attempted the refresh for an expired credential.
		metrics.RefreshAttempts++
		metrics.RefreshFailures++
		if result.QuarantinedTo != "" {
			metrics.Quarantined++
		}

	case token.StateCorrupted:
		if result.QuarantinedTo != "" {
			metrics.Quarantined++
		}

	case token.StateExpired:
		// Still expired after Prepare means no usable credential to
		// refresh with.
		metrics.RefreshFailures++
	}
}

// withinRefreshAhead reports whether a usable credential expires inside the
// refresh-ahead window. Credentials without a recorded expiry are left alone.
func (j *Job) withinRefreshAhead(result token.Result) bool {
	cred := result.Credential
	if cred == nil {
		return false
	}
	if cred.IsExpired() {
		return true
	}
	expiry := cred.ExpiresAt()
	if expiry.IsZero() {
		return false
	}
	return expiry.Sub(j.now()) <= j.refreshAhead
}

// selectBatch picks up to batchSize identities starting at cursor, wrapping
// around the sorted list, and returns the cursor for the next tick.
func selectBatch(ids []int64, cursor, batchSize int) ([]int64, int) {
	if len(ids) == 0 {
		return nil, cursor
	}

	total := len(ids)
	start := cursor % total
	count := batchSize
	if count > total {
		count = total
	}

	batch := make([]int64, 0, count)
	index := start
	for n := 0; n < count; n++ {
		batch = append(batch, ids[index])
		index = (index + 1) % total
	}
	return batch, index
}
