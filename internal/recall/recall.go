// Package recall runs the retrieval pipeline: embed the query, search the
// vector cache (falling back to the remote store when the cache is not
// ready), and attach a phrasing variant to each hit.
package recall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/asterlane/engram/internal/observability"
	"github.com/asterlane/engram/pkg/assign"
	"github.com/asterlane/engram/pkg/embedding"
	"github.com/asterlane/engram/pkg/store"
	"github.com/asterlane/engram/pkg/vectorcache"
)

// DefaultVariants are the phrasing styles assigned per (subject, scar) pair
// when the caller does not supply its own candidate set.
var DefaultVariants = []string{"gentle", "direct", "reflective"}

// DefaultLimit caps a recall when the caller asks for zero or fewer results.
const DefaultLimit = 5

// Source tells the caller which tier served a recall.
const (
	SourceCache  = "cache"
	SourceRemote = "remote"
)

// Result is one retrieved scar with its similarity score and the variant
// assigned to the requesting subject.
type Result struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
	UpdatedAt   time.Time `json:"updated_at"`
	Score       float64   `json:"score"`
	VariantID   string    `json:"variant_id,omitempty"`
	Source      string    `json:"source"`
}

// Config holds recall service configuration.
type Config struct {
	Cache    *vectorcache.Manager
	Store    store.Store
	Assigner *assign.Service
	Embedder embedding.Provider
	Variants []string
	Logger   zerolog.Logger
}

// Service executes recalls.
type Service struct {
	cache    *vectorcache.Manager
	store    store.Store
	assigner *assign.Service
	embedder embedding.Provider
	variants []string
	logger   zerolog.Logger
}

// New creates a recall service.
func New(cfg Config) (*Service, error) {
	if cfg.Cache == nil {
		return nil, errors.New("cache manager is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("embedding provider is required")
	}
	variants := cfg.Variants
	if len(variants) == 0 {
		variants = DefaultVariants
	}

	return &Service{
		cache:    cfg.Cache,
		store:    cfg.Store,
		assigner: cfg.Assigner,
		embedder: cfg.Embedder,
		variants: variants,
		logger:   cfg.Logger.With().Str("component", "recall").Logger(),
	}, nil
}

// Recall embeds the query, retrieves the nearest scars, and attaches a
// phrasing variant per scar for the given subject. subjectID may be empty,
// in which case no variants are assigned.
func (s *Service) Recall(ctx context.Context, subjectID, query string, limit int) ([]Result, error) {
	if query == "" {
		return nil, errors.New("query is required")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, source, err := s.search(ctx, vector, limit)
	if err != nil {
		return nil, err
	}
	observability.RecordRecall(source)

	if subjectID != "" {
		s.attachVariants(ctx, subjectID, results)
	}

	s.logger.Debug().
		Str("source", source).
		Int("limit", limit).
		Int("results", len(results)).
		Msg("Recall complete")

	return results, nil
}

// search serves from the in-memory snapshot when it is ready, otherwise
// falls back to the remote store.
func (s *Service) search(ctx context.Context, vector []float32, limit int) ([]Result, string, error) {
	if s.cache.IsReady() {
		items, err := s.cache.Search(vector, limit)
		if err == nil {
			return cacheResults(items), SourceCache, nil
		}
		if !errors.Is(err, vectorcache.ErrNotReady) {
			return nil, "", fmt.Errorf("cache search failed: %w", err)
		}
		// Snapshot vanished between the readiness check and the search;
		// fall through to the remote store.
	}

	scored, err := s.store.SearchScars(ctx, vector, limit)
	if err != nil {
		return nil, "", fmt.Errorf("remote search failed: %w", err)
	}
	return remoteResults(scored), SourceRemote, nil
}

// attachVariants assigns a phrasing variant per result. Assignment failures
// leave the variant empty rather than failing the recall.
func (s *Service) attachVariants(ctx context.Context, subjectID string, results []Result) {
	if s.assigner == nil {
		return
	}
	for i := range results {
		a, err := s.assigner.GetOrAssign(ctx, subjectID, results[i].ID, s.variants)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("subject_id", subjectID).
				Str("scar_id", results[i].ID).
				Msg("Variant assignment unavailable, serving without variant")
			continue
		}
		results[i].VariantID = a.VariantID
	}
}

func cacheResults(items []vectorcache.ScoredItem) []Result {
	results := make([]Result, len(items))
	for i, it := range items {
		results[i] = Result{
			ID:          it.Scar.ID,
			Title:       it.Scar.Title,
			Description: it.Scar.Description,
			Severity:    it.Scar.Severity,
			UpdatedAt:   it.Scar.UpdatedAt,
			Score:       it.Score,
			Source:      SourceCache,
		}
	}
	return results
}

func remoteResults(scored []store.ScoredScar) []Result {
	results := make([]Result, len(scored))
	for i, sc := range scored {
		results[i] = Result{
			ID:          sc.Scar.ID,
			Title:       sc.Scar.Title,
			Description: sc.Scar.Description,
			Severity:    sc.Scar.Severity,
			UpdatedAt:   sc.Scar.UpdatedAt,
			Score:       sc.Score,
			Source:      SourceRemote,
		}
	}
	return results
}
