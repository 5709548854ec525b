package vectorcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/asterlane/engram/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory store.Store with switchable failure. failPing
// breaks only the reachability probe, leaving queries working.
type fakeStore struct {
	scars    []store.Scar
	fail     bool
	failPing bool
}

func (f *fakeStore) ListScars(ctx context.Context) ([]store.Scar, error) {
	if f.fail {
		return nil, store.ErrUnavailable
	}
	return append([]store.Scar(nil), f.scars...), nil
}

func (f *fakeStore) CountScars(ctx context.Context) (int, error) {
	if f.fail {
		return 0, store.ErrUnavailable
	}
	return len(f.scars), nil
}

func (f *fakeStore) LatestUpdatedAt(ctx context.Context) (time.Time, error) {
	if f.fail {
		return time.Time{}, store.ErrUnavailable
	}
	var latest time.Time
	for _, s := range f.scars {
		if s.UpdatedAt.After(latest) {
			latest = s.UpdatedAt
		}
	}
	return latest, nil
}

func (f *fakeStore) SearchScars(ctx context.Context, embedding []float32, k int) ([]store.ScoredScar, error) {
	if f.fail {
		return nil, store.ErrUnavailable
	}
	return nil, nil
}

func (f *fakeStore) GetAssignment(ctx context.Context, subjectID, itemID string) (*store.Assignment, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) InsertAssignment(ctx context.Context, a store.Assignment) error {
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.fail || f.failPing {
		return store.ErrUnavailable
	}
	return nil
}

func testScars() []store.Scar {
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	return []store.Scar{
		{ID: "s1", Title: "Check context cancellation", Description: "goroutine leak after timeout", Severity: "high",
			Embedding: []float32{1, 0, 0}, UpdatedAt: base},
		{ID: "s2", Title: "Run migrations before deploy", Description: "schema drift broke writes", Severity: "medium",
			Embedding: []float32{0, 1, 0}, UpdatedAt: base.Add(time.Hour)},
		{ID: "s3", Title: "Pin dependency versions", Description: "transitive bump broke build", Severity: "low",
			Embedding: []float32{0, 0, 1}, UpdatedAt: base.Add(2 * time.Hour)},
	}
}

func newTestManager(t *testing.T, fs *fakeStore) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Store:      fs,
		ExportPath: filepath.Join(t.TempDir(), "scars-export.json"),
		TTLMinutes: 15,
		Logger:     zerolog.New(os.Stdout).Level(zerolog.Disabled),
	})
	require.NoError(t, err)
	return m
}

func TestMetadata_StaleBeforeFirstLoad(t *testing.T) {
	m := newTestManager(t, &fakeStore{})

	assert.False(t, m.IsReady())
	meta := m.GetMetadata()
	assert.False(t, meta.Success)
	assert.Equal(t, 0, meta.ItemCount)
	assert.True(t, meta.IsStale)

	_, err := m.Search([]float32{1, 0, 0}, 5)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestLoad_EmptyThenPopulated(t *testing.T) {
	fs := &fakeStore{}
	m := newTestManager(t, fs)
	ctx := context.Background()

	meta, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, meta.ItemCount)
	assert.True(t, m.IsReady())

	fs.scars = testScars()
	meta, err = m.Load(ctx)
	require.NoError(t, err)
	assert.True(t, m.IsReady())
	assert.Equal(t, 3, meta.ItemCount)
	assert.False(t, meta.IsStale)
}

func TestReload_MetadataMatchesInputExactly(t *testing.T) {
	fs := &fakeStore{scars: testScars()}
	m := newTestManager(t, fs)
	ctx := context.Background()

	_, err := m.Load(ctx)
	require.NoError(t, err)

	// Replace the whole set and reload: metadata must describe the new set,
	// never a mix of old and new.
	newLatest := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	fs.scars = []store.Scar{
		{ID: "n1", Title: "a", Description: "d", Embedding: []float32{1, 0, 0}, UpdatedAt: newLatest},
		{ID: "n2", Title: "b", Description: "d", Embedding: []float32{0, 1, 0}, UpdatedAt: newLatest.Add(-time.Hour)},
	}

	_, err = m.Reload(ctx)
	require.NoError(t, err)

	meta := m.GetMetadata()
	assert.Equal(t, 2, meta.ItemCount)
	assert.Equal(t, newLatest, meta.LatestUpdatedAt)
}

func TestLoad_FailureKeepsPriorSnapshot(t *testing.T) {
	fs := &fakeStore{scars: testScars()}
	m := newTestManager(t, fs)
	ctx := context.Background()

	_, err := m.Load(ctx)
	require.NoError(t, err)

	fs.fail = true
	meta, err := m.Load(ctx)
	require.Error(t, err)
	assert.False(t, meta.Success)
	assert.Equal(t, 0, meta.ItemCount)

	// Prior snapshot still serves.
	assert.True(t, m.IsReady())
	results, err := m.Search([]float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "s1", results[0].Scar.ID)
}

func TestSearch_RanksByCosine(t *testing.T) {
	m := newTestManager(t, &fakeStore{scars: testScars()})
	_, err := m.Load(context.Background())
	require.NoError(t, err)

	results, err := m.Search([]float32{0, 1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "s2", results[0].Scar.ID)
	assert.Greater(t, results[0].Score, results[1].Score)

	// Mismatched dimensions are skipped, not scored.
	results, err = m.Search([]float32{1, 0}, 3)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStaleness_AfterTTLExpiry(t *testing.T) {
	m := newTestManager(t, &fakeStore{scars: testScars()})
	_, err := m.Load(context.Background())
	require.NoError(t, err)

	for _, ttlMinutes := range []int{1, 5, 60} {
		require.NoError(t, m.SetTTL(ttlMinutes))

		// Backdate the snapshot just past the TTL boundary.
		m.mu.Lock()
		m.snap.loadedAt = time.Now().Add(-time.Duration(ttlMinutes)*time.Minute - time.Second)
		m.mu.Unlock()
		assert.True(t, m.GetMetadata().IsStale, "ttl=%dm", ttlMinutes)

		m.mu.Lock()
		m.snap.loadedAt = time.Now()
		m.mu.Unlock()
		assert.False(t, m.GetMetadata().IsStale, "ttl=%dm", ttlMinutes)
	}
}

func TestSetTTL_Invalid(t *testing.T) {
	m := newTestManager(t, &fakeStore{})
	assert.Error(t, m.SetTTL(0))
	assert.Error(t, m.SetTTL(-5))
}

func TestStatus(t *testing.T) {
	fs := &fakeStore{scars: testScars()}
	m := newTestManager(t, fs)

	info := m.Status()
	assert.False(t, info.Initialized)
	assert.True(t, info.IsStale)

	_, err := m.Load(context.Background())
	require.NoError(t, err)

	info = m.Status()
	assert.True(t, info.Initialized)
	assert.Equal(t, 3, info.ItemCount)
	assert.False(t, info.IsStale)
	assert.GreaterOrEqual(t, info.AgeMinutes, 0.0)
}

func TestHealth(t *testing.T) {
	fs := &fakeStore{scars: testScars()}
	m := newTestManager(t, fs)
	ctx := context.Background()

	// No snapshot yet: out of sync.
	health := m.Health(ctx)
	assert.Equal(t, StatusOutOfSync, health.Status)
	assert.True(t, health.NeedsRefresh)

	_, err := m.Load(ctx)
	require.NoError(t, err)

	health = m.Health(ctx)
	assert.Equal(t, StatusHealthy, health.Status)
	assert.False(t, health.NeedsRefresh)
	assert.Equal(t, 3, health.LocalCount)
	assert.Equal(t, 3, health.RemoteCount)

	// Remote gains a scar: divergence outranks staleness.
	fs.scars = append(fs.scars, store.Scar{
		ID: "s4", Title: "new", Description: "d", Embedding: []float32{1, 1, 0},
		UpdatedAt: time.Now().UTC(),
	})
	health = m.Health(ctx)
	assert.Equal(t, StatusOutOfSync, health.Status)
	assert.True(t, health.NeedsRefresh)

	// Unreachable store.
	fs.fail = true
	health = m.Health(ctx)
	assert.Equal(t, StatusUnavailable, health.Status)
	assert.True(t, health.NeedsRefresh)
}

func TestHealth_PingFailureReportsUnavailable(t *testing.T) {
	fs := &fakeStore{scars: testScars()}
	m := newTestManager(t, fs)
	ctx := context.Background()

	_, err := m.Load(ctx)
	require.NoError(t, err)

	// The reachability probe alone failing is enough: queries still work
	// but the store is reported unavailable.
	fs.failPing = true
	health := m.Health(ctx)
	assert.Equal(t, StatusUnavailable, health.Status)
	assert.True(t, health.NeedsRefresh)
	assert.Equal(t, 3, health.LocalCount)
	assert.Contains(t, health.Details, "unreachable")
}

func TestHealth_StaleByTTL(t *testing.T) {
	fs := &fakeStore{scars: testScars()}
	m := newTestManager(t, fs)
	ctx := context.Background()

	_, err := m.Load(ctx)
	require.NoError(t, err)

	m.mu.Lock()
	m.snap.loadedAt = time.Now().Add(-16 * time.Minute)
	m.mu.Unlock()

	health := m.Health(ctx)
	assert.Equal(t, StatusStale, health.Status)
	assert.True(t, health.NeedsRefresh)
}

func TestFlush(t *testing.T) {
	fs := &fakeStore{scars: testScars()}
	m := newTestManager(t, fs)
	ctx := context.Background()

	_, err := m.Load(ctx)
	require.NoError(t, err)

	fs.scars = fs.scars[:1]
	result := m.Flush(ctx)
	assert.True(t, result.Success)
	assert.Equal(t, 3, result.PreviousCount)
	assert.Equal(t, 1, result.NewCount)
	assert.GreaterOrEqual(t, result.ElapsedMs, int64(0))

	// Failed flush keeps the prior count and reports failure.
	fs.fail = true
	result = m.Flush(ctx)
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.PreviousCount)
	assert.Equal(t, 1, result.NewCount)
}
