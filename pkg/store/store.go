// Package store defines the boundary to the remote relational store that
// holds scars (recorded lessons) and variant assignments. The rest of the
// system depends only on the Store interface and the typed sentinel errors;
// conflict handling is driven by errors.Is, never by error text.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConflict reports a uniqueness-constraint violation on insert.
	ErrConflict = errors.New("store: duplicate key")
	// ErrNotFound reports a missing record.
	ErrNotFound = errors.New("store: not found")
	// ErrUnavailable reports that the store cannot be reached.
	ErrUnavailable = errors.New("store: unavailable")
)

// Scar is a recorded lesson retrieved for similarity search.
type Scar struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
	Embedding   []float32 `json:"embedding,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ScoredScar is a scar with a similarity score in [0, 1].
type ScoredScar struct {
	Scar  Scar    `json:"scar"`
	Score float64 `json:"score"`
}

// Assignment maps a (subject, item) pair to exactly one phrasing variant.
// Immutable once created.
type Assignment struct {
	SubjectID  string    `json:"subject_id"`
	ItemID     string    `json:"item_id"`
	VariantID  string    `json:"variant_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

// Store is the conflict-detecting query/update surface of the remote store.
type Store interface {
	// ListScars returns all scars with embeddings, newest first.
	ListScars(ctx context.Context) ([]Scar, error)
	// CountScars returns the total scar count.
	CountScars(ctx context.Context) (int, error)
	// LatestUpdatedAt returns the newest scar update time, zero when empty.
	LatestUpdatedAt(ctx context.Context) (time.Time, error)
	// SearchScars is the remote similarity fallback used before the local
	// cache is ready.
	SearchScars(ctx context.Context, embedding []float32, k int) ([]ScoredScar, error)
	// GetAssignment returns ErrNotFound when no record exists for the key.
	GetAssignment(ctx context.Context, subjectID, itemID string) (*Assignment, error)
	// InsertAssignment returns ErrConflict when the key already exists.
	InsertAssignment(ctx context.Context, a Assignment) error
	// Ping reports reachability.
	Ping(ctx context.Context) error
}
