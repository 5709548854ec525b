package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/asterlane/engram/pkg/lockfile"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	locks, err := lockfile.New(lockfile.Config{
		Dir:           filepath.Join(dir, "locks"),
		RetryInterval: time.Millisecond,
		Logger:        logger,
	})
	require.NoError(t, err)

	r, err := New(Config{
		Path:        filepath.Join(dir, "registry.json"),
		SessionsDir: filepath.Join(dir, "sessions"),
		Locks:       locks,
		LockTimeout: time.Second,
		PruneAfter:  24 * time.Hour,
		Logger:      logger,
	})
	require.NoError(t, err)
	return r
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestRegisterAndList(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Register(Entry{SessionID: "s1", AgentLabel: "claude", Project: "engram"}))
	require.NoError(t, r.Register(Entry{SessionID: "s2", AgentLabel: "cursor", Project: "engram"}))

	entries, err := r.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Registration fills owner identity and timestamps.
	assert.Equal(t, os.Getpid(), entries[0].OwnerPID)
	assert.False(t, entries[0].StartedAt.IsZero())

	// No lock file survives.
	assert.Nil(t, lockOwner(t, r), "registry lock must be released")
}

func lockOwner(t *testing.T, r *Registry) *lockfile.Record {
	t.Helper()
	return r.locks.Owner(LockResource)
}

func TestRegister_NoLostUpdates(t *testing.T) {
	r := newTestRegistry(t)

	const n = 20
	for i := 0; i < n; i++ {
		err := r.Register(Entry{
			SessionID:  fmt.Sprintf("session-%02d", i),
			AgentLabel: "agent",
			OwnerHost:  fmt.Sprintf("host-%02d", i),
			OwnerPID:   1000 + i,
			Project:    "engram",
		})
		require.NoError(t, err)
	}

	entries, err := r.List()
	require.NoError(t, err)
	assert.Len(t, entries, n, "every sequential registration must survive")
}

func TestRegister_DuplicateIDReplaces(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Register(Entry{SessionID: "s1", AgentLabel: "first"}))
	require.NoError(t, r.Register(Entry{SessionID: "s1", AgentLabel: "second"}))

	entries, err := r.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "second", entries[0].AgentLabel)
}

func TestUnregister(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Register(Entry{SessionID: "s1"}))
	require.NoError(t, r.Unregister("s1"))

	entries, err := r.List()
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Session directory is gone with the entry.
	_, statErr := os.Stat(r.SessionDir("s1"))
	assert.True(t, os.IsNotExist(statErr))

	// Unknown ids are a no-op.
	assert.NoError(t, r.Unregister("s1"))
}

func TestPruneStale_MissingDirectory(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Register(Entry{SessionID: "live"}))
	require.NoError(t, r.Register(Entry{SessionID: "crashed"}))

	// Simulate a crash: the session directory vanished without Unregister.
	require.NoError(t, os.RemoveAll(r.SessionDir("crashed")))

	removed, err := r.PruneStale()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	entries, err := r.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "live", entries[0].SessionID)
}

func TestPruneStale_AgedForeignEntry(t *testing.T) {
	r := newTestRegistry(t)

	// Foreign entry older than the threshold, directory still present.
	old := Entry{
		SessionID: "aged",
		StartedAt: time.Now().Add(-25 * time.Hour),
		OwnerHost: "other-host",
		OwnerPID:  99999,
	}
	require.NoError(t, os.MkdirAll(r.SessionDir("aged"), 0700))
	require.NoError(t, r.Register(old))

	// Our own aged entry stays.
	mine := Entry{SessionID: "mine", StartedAt: time.Now().Add(-25 * time.Hour)}
	require.NoError(t, r.Register(mine))

	removed, err := r.PruneStale()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	entries, err := r.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "mine", entries[0].SessionID)
}

func TestLoad_CorruptDocumentTreatedAsEmpty(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, os.WriteFile(r.Path(), []byte("{broken"), 0600))

	entries, err := r.List()
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The next write repairs the document.
	require.NoError(t, r.Register(Entry{SessionID: "s1"}))
	entries, err = r.List()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoad_SchemaViolationTreatedAsEmpty(t *testing.T) {
	r := newTestRegistry(t)

	// Valid JSON, wrong shape.
	require.NoError(t, os.WriteFile(r.Path(), []byte(`{"sessions": [{"started_at": "2026-01-01T00:00:00Z"}]}`), 0600))

	entries, err := r.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWatcher_FiresOnRegistryChange(t *testing.T) {
	r := newTestRegistry(t)
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	changed := make(chan struct{}, 1)
	w, err := NewWatcher(r.Path(), logger, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, r.Register(Entry{SessionID: "s1"}))

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not fire after registry write")
	}
}
