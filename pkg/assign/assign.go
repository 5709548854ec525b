// Package assign hands out exactly one phrasing variant per (subject, item)
// pair. Idempotence under concurrent first-time requests comes from the
// storage boundary's uniqueness constraint: optimistic insert, and on a
// typed conflict re-read and return whichever record won.
package assign

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/asterlane/engram/internal/observability"
	"github.com/asterlane/engram/pkg/store"
	"github.com/rs/zerolog"
)

// ErrNoAssignment is returned when the store cannot produce an assignment;
// callers fall back to behavior that ignores variants entirely.
var ErrNoAssignment = errors.New("assign: no assignment available")

// Service assigns variants through a conflict-detecting store.
type Service struct {
	store  store.Store
	logger zerolog.Logger
	// pick selects a candidate index; overridable in tests.
	pick func(n int) int
}

// New creates an assignment service.
func New(st store.Store, logger zerolog.Logger) (*Service, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	observability.EnsureRegistered()
	return &Service{
		store:  st,
		logger: logger,
		pick:   rand.IntN,
	}, nil
}

// GetOrAssign returns the variant assigned to (subjectID, itemID), creating
// it on first call by uniform-random choice from candidates. Repeated calls
// with the same key always yield the same variant, including when two
// first-time calls race: the loser's insert fails with store.ErrConflict and
// the winner's record is re-read and returned.
func (s *Service) GetOrAssign(ctx context.Context, subjectID, itemID string, candidates []string) (*store.Assignment, error) {
	if subjectID == "" || itemID == "" {
		return nil, errors.New("subject id and item id are required")
	}
	if len(candidates) == 0 {
		return nil, errors.New("at least one candidate is required")
	}

	existing, err := s.store.GetAssignment(ctx, subjectID, itemID)
	if err == nil {
		observability.RecordAssignment("existing")
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		observability.RecordAssignment("unavailable")
		return nil, fmt.Errorf("%w: %v", ErrNoAssignment, err)
	}

	assignment := store.Assignment{
		SubjectID:  subjectID,
		ItemID:     itemID,
		VariantID:  candidates[s.pick(len(candidates))],
		AssignedAt: time.Now().UTC(),
	}

	err = s.store.InsertAssignment(ctx, assignment)
	if err == nil {
		observability.RecordAssignment("created")
		s.logger.Debug().
			Str("subject_id", subjectID).
			Str("item_id", itemID).
			Str("variant_id", assignment.VariantID).
			Msg("Variant assigned")
		return &assignment, nil
	}

	if errors.Is(err, store.ErrConflict) {
		// Another caller won the race; their record is the assignment.
		observability.RecordAssignmentConflict()
		winner, rerr := s.store.GetAssignment(ctx, subjectID, itemID)
		if rerr != nil {
			observability.RecordAssignment("unavailable")
			return nil, fmt.Errorf("%w: reread after conflict failed: %v", ErrNoAssignment, rerr)
		}
		observability.RecordAssignment("conflict_resolved")
		return winner, nil
	}

	observability.RecordAssignment("unavailable")
	return nil, fmt.Errorf("%w: %v", ErrNoAssignment, err)
}
