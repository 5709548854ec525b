package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(SQLiteConfig{
		Path:      filepath.Join(t.TempDir(), "scars.db"),
		Dimension: 4,
		Logger:    zerolog.New(os.Stdout).Level(zerolog.Disabled),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_InvalidConfig(t *testing.T) {
	_, err := NewSQLiteStore(SQLiteConfig{Path: "", Dimension: 4})
	assert.Error(t, err)

	_, err = NewSQLiteStore(SQLiteConfig{Path: ":memory:", Dimension: 0})
	assert.Error(t, err)
}

func TestUpsertAndListScars(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	scars := []Scar{
		{ID: "s1", Title: "Always check ctx", Description: "forgot ctx cancellation", Severity: "high",
			Embedding: []float32{1, 0, 0, 0}, UpdatedAt: time.Now().Add(-time.Hour)},
		{ID: "s2", Title: "Migrations first", Description: "schema drift incident", Severity: "medium",
			Embedding: []float32{0, 1, 0, 0}, UpdatedAt: time.Now()},
	}
	for _, scar := range scars {
		require.NoError(t, s.UpsertScar(ctx, scar))
	}

	got, err := s.ListScars(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Newest first.
	assert.Equal(t, "s2", got[0].ID)
	assert.Equal(t, []float32{0, 1, 0, 0}, got[0].Embedding)

	count, err := s.CountScars(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestLatestUpdatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	latest, err := s.LatestUpdatedAt(ctx)
	require.NoError(t, err)
	assert.True(t, latest.IsZero())

	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertScar(ctx, Scar{
		ID: "s1", Title: "t", Description: "d", Severity: "low",
		Embedding: []float32{1, 0, 0, 0}, UpdatedAt: updated,
	}))

	latest, err = s.LatestUpdatedAt(ctx)
	require.NoError(t, err)
	assert.Equal(t, updated, latest)
}

func TestSearchScars(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertScar(ctx, Scar{
		ID: "near", Title: "near", Description: "d", Severity: "low",
		Embedding: []float32{1, 0, 0, 0},
	}))
	require.NoError(t, s.UpsertScar(ctx, Scar{
		ID: "far", Title: "far", Description: "d", Severity: "low",
		Embedding: []float32{0, 0, 0, 1},
	}))

	results, err := s.SearchScars(ctx, []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "near", results[0].Scar.ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestInsertAssignment_ConflictIsTyped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := Assignment{SubjectID: "agent-1", ItemID: "scar-1", VariantID: "strict"}
	require.NoError(t, s.InsertAssignment(ctx, first))

	// Second insert for the same key must surface the typed conflict.
	second := Assignment{SubjectID: "agent-1", ItemID: "scar-1", VariantID: "gentle"}
	err := s.InsertAssignment(ctx, second)
	assert.ErrorIs(t, err, ErrConflict)

	// The original record is untouched.
	got, err := s.GetAssignment(ctx, "agent-1", "scar-1")
	require.NoError(t, err)
	assert.Equal(t, "strict", got.VariantID)
}

func TestGetAssignment_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetAssignment(context.Background(), "nobody", "nothing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
