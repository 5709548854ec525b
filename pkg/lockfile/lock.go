package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/asterlane/engram/internal/observability"
	"github.com/rs/zerolog"
)

// Record is the on-disk representation of lock ownership.
type Record struct {
	OwnerPID   int       `json:"owner_pid"`
	OwnerHost  string    `json:"owner_host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// TimeoutError is returned when Acquire gives up. It carries the last owner
// record observed so operators can tell who is holding the lock.
type TimeoutError struct {
	Resource string
	Timeout  time.Duration
	Owner    *Record
}

func (e *TimeoutError) Error() string {
	if e.Owner != nil {
		return fmt.Sprintf("timed out acquiring lock %q after %s (held by pid %d on %s since %s)",
			e.Resource, e.Timeout, e.Owner.OwnerPID, e.Owner.OwnerHost, e.Owner.AcquiredAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("timed out acquiring lock %q after %s", e.Resource, e.Timeout)
}

// Config holds lock manager configuration.
type Config struct {
	// Dir is the directory lock files live in. Created if absent.
	Dir string
	// StaleAfter is the age past which a held lock is presumed abandoned.
	StaleAfter time.Duration
	// RetryInterval is the default wait between acquisition attempts.
	RetryInterval time.Duration
	Logger        zerolog.Logger
}

// Manager coordinates lock files for one process identity.
type Manager struct {
	dir           string
	host          string
	pid           int
	staleAfter    time.Duration
	retryInterval time.Duration
	logger        zerolog.Logger
}

// New creates a lock manager rooted at cfg.Dir.
func New(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("lock directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 50 * time.Millisecond
	}

	observability.EnsureRegistered()

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	return &Manager{
		dir:           cfg.Dir,
		host:          host,
		pid:           os.Getpid(),
		staleAfter:    cfg.StaleAfter,
		retryInterval: cfg.RetryInterval,
		logger:        cfg.Logger,
	}, nil
}

func (m *Manager) lockPath(resource string) string {
	return filepath.Join(m.dir, resource+".lock")
}

// Acquire blocks until the lock for resource is held or timeout elapses.
// It is the plain blocking entry point for short-lived helper processes;
// the wait is a real sleep, no event loop required.
func (m *Manager) Acquire(resource string, timeout, retryInterval time.Duration) error {
	if retryInterval <= 0 {
		retryInterval = m.retryInterval
	}
	start := time.Now()
	deadline := start.Add(timeout)

	for {
		ok, owner, err := m.tryAcquire(resource)
		if err != nil {
			return err
		}
		if ok {
			observability.RecordLockWait(resource, time.Since(start))
			return nil
		}
		if time.Now().After(deadline) {
			observability.RecordLockTimeout(resource)
			m.logger.Warn().Str("resource", resource).Dur("timeout", timeout).Msg("Lock acquisition timed out")
			return &TimeoutError{Resource: resource, Timeout: timeout, Owner: owner}
		}
		time.Sleep(retryInterval)
	}
}

// AcquireContext is the cooperative variant for the daemon's concurrent
// request handling: it retries until ctx is done instead of sleeping against
// a fixed deadline.
func (m *Manager) AcquireContext(ctx context.Context, resource string, retryInterval time.Duration) error {
	if retryInterval <= 0 {
		retryInterval = m.retryInterval
	}
	start := time.Now()

	for {
		ok, owner, err := m.tryAcquire(resource)
		if err != nil {
			return err
		}
		if ok {
			observability.RecordLockWait(resource, time.Since(start))
			return nil
		}

		select {
		case <-ctx.Done():
			observability.RecordLockTimeout(resource)
			return &TimeoutError{Resource: resource, Timeout: time.Since(start), Owner: owner}
		case <-time.After(retryInterval):
		}
	}
}

// tryAcquire attempts a single exclusive-create. It returns the owner record
// observed when the lock is contended, so callers can report diagnostics.
func (m *Manager) tryAcquire(resource string) (bool, *Record, error) {
	path := m.lockPath(resource)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err == nil {
		rec := Record{OwnerPID: m.pid, OwnerHost: m.host, AcquiredAt: time.Now().UTC()}
		data, merr := json.Marshal(rec)
		if merr == nil {
			_, merr = file.Write(data)
		}
		file.Close()
		if merr != nil {
			os.Remove(path)
			return false, nil, fmt.Errorf("failed to write lock record: %w", merr)
		}
		return true, nil, nil
	}
	if !os.IsExist(err) {
		return false, nil, fmt.Errorf("failed to create lock file: %w", err)
	}

	owner, readErr := m.readRecord(path)
	if readErr != nil {
		// Unparsable or vanished record: treat as stale so a partial write
		// from a crashed owner cannot wedge the resource.
		m.logger.Warn().Str("resource", resource).Err(readErr).Msg("Breaking unreadable lock record")
		os.Remove(path)
		return false, nil, nil
	}

	// Reentrant: the caller already holds this lock.
	if owner.OwnerPID == m.pid && owner.OwnerHost == m.host {
		return true, owner, nil
	}

	if time.Since(owner.AcquiredAt) > m.staleAfter {
		m.logger.Warn().
			Str("resource", resource).
			Int("owner_pid", owner.OwnerPID).
			Str("owner_host", owner.OwnerHost).
			Time("acquired_at", owner.AcquiredAt).
			Msg("Breaking stale lock")
		observability.RecordStaleLockBroken()
		os.Remove(path)
		return false, owner, nil
	}

	return false, owner, nil
}

func (m *Manager) readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.AcquiredAt.IsZero() {
		return nil, errors.New("lock record missing acquired_at")
	}
	return &rec, nil
}

// Release drops the lock for resource. Releasing a lock that is not held is
// a no-op.
func (m *Manager) Release(resource string) {
	if err := os.Remove(m.lockPath(resource)); err != nil && !os.IsNotExist(err) {
		m.logger.Warn().Str("resource", resource).Err(err).Msg("Failed to remove lock file")
	}
}

// WithLock acquires resource, runs fn, and releases on every exit path.
func (m *Manager) WithLock(resource string, timeout time.Duration, fn func() error) error {
	if err := m.Acquire(resource, timeout, 0); err != nil {
		return err
	}
	defer m.Release(resource)
	return fn()
}

// WithLockContext is WithLock built on the cooperative acquire path.
func (m *Manager) WithLockContext(ctx context.Context, resource string, fn func() error) error {
	if err := m.AcquireContext(ctx, resource, 0); err != nil {
		return err
	}
	defer m.Release(resource)
	return fn()
}

// Owner returns the current owner record for resource, or nil when unheld.
// Read without synchronization; for diagnostics only.
func (m *Manager) Owner(resource string) *Record {
	rec, err := m.readRecord(m.lockPath(resource))
	if err != nil {
		return nil
	}
	return rec
}
