// Package vectorcache holds a full in-memory snapshot of scar embeddings for
// similarity search. The snapshot is immutable: refresh builds a replacement
// off to the side and swaps the manager's reference atomically, so a search
// in progress always finishes against the snapshot it started with. On every
// successful load a stripped, embedding-free copy is exported to disk for
// out-of-process keyword search by helper processes.
package vectorcache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/asterlane/engram/internal/observability"
	"github.com/asterlane/engram/pkg/store"
	"github.com/rs/zerolog"
)

// ErrNotReady is returned by Search before the first successful load.
// Callers are expected to check IsReady and use the remote fallback instead.
var ErrNotReady = errors.New("vectorcache: snapshot not loaded")

// Metadata describes the currently loaded snapshot.
type Metadata struct {
	Success         bool      `json:"success"`
	LoadedAt        time.Time `json:"loaded_at"`
	ItemCount       int       `json:"item_count"`
	LatestUpdatedAt time.Time `json:"latest_updated_at"`
	TTLMinutes      int       `json:"ttl_minutes"`
	IsStale         bool      `json:"is_stale"`
}

// ScoredItem is a snapshot entry with a cosine similarity score in [0, 1].
type ScoredItem struct {
	Scar  store.Scar `json:"scar"`
	Score float64    `json:"score"`
}

// snapshot is one complete, immutable load. Never mutated after construction.
type snapshot struct {
	items           []store.Scar
	loadedAt        time.Time
	latestUpdatedAt time.Time
}

// Config holds cache manager configuration.
type Config struct {
	Store store.Store
	// ExportPath is where the stripped copy for helper processes is written.
	ExportPath string
	// TTLMinutes is the snapshot trust window. Default 15.
	TTLMinutes int
	Logger     zerolog.Logger
}

// Manager owns the in-memory snapshot and its refresh lifecycle.
type Manager struct {
	store      store.Store
	exportPath string
	logger     zerolog.Logger

	mu   sync.RWMutex
	snap *snapshot // nil until first successful load
	ttl  time.Duration
}

// NewManager creates a cache manager. No snapshot exists until Load succeeds.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.TTLMinutes <= 0 {
		cfg.TTLMinutes = 15
	}

	observability.EnsureRegistered()

	return &Manager{
		store:      cfg.Store,
		exportPath: cfg.ExportPath,
		ttl:        time.Duration(cfg.TTLMinutes) * time.Minute,
		logger:     cfg.Logger,
	}, nil
}

// IsReady reports whether a snapshot has been loaded.
func (m *Manager) IsReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap != nil
}

// SetTTL changes the staleness window. Takes effect immediately for
// staleness computation and on the refresher's next tick.
func (m *Manager) SetTTL(minutes int) error {
	if minutes <= 0 {
		return errors.New("ttl must be positive")
	}
	m.mu.Lock()
	m.ttl = time.Duration(minutes) * time.Minute
	m.mu.Unlock()
	m.logger.Info().Int("ttl_minutes", minutes).Msg("Cache TTL updated")
	return nil
}

// GetMetadata returns metadata for the current snapshot. Before any
// successful load the metadata reports zero items and is_stale true.
func (m *Manager) GetMetadata() Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadataLocked()
}

func (m *Manager) metadataLocked() Metadata {
	ttlMinutes := int(m.ttl / time.Minute)
	if m.snap == nil {
		return Metadata{Success: false, ItemCount: 0, TTLMinutes: ttlMinutes, IsStale: true}
	}
	return Metadata{
		Success:         true,
		LoadedAt:        m.snap.loadedAt,
		ItemCount:       len(m.snap.items),
		LatestUpdatedAt: m.snap.latestUpdatedAt,
		TTLMinutes:      ttlMinutes,
		IsStale:         time.Since(m.snap.loadedAt) > m.ttl,
	}
}

// Load fetches the full scar set and swaps it in. Safe to call while
// searches are in flight; they keep reading the prior snapshot until the
// swap completes. Returns failure metadata when the store is unreachable,
// leaving any prior snapshot serving traffic.
func (m *Manager) Load(ctx context.Context) (Metadata, error) {
	start := time.Now()

	scars, err := m.store.ListScars(ctx)
	if err != nil {
		observability.RecordCacheReload(time.Since(start), false)
		m.logger.Error().Err(err).Msg("Snapshot load failed")
		return Metadata{Success: false, ItemCount: 0, IsStale: true}, fmt.Errorf("failed to load snapshot: %w", err)
	}

	// Build the replacement fully before touching the live reference.
	next := &snapshot{
		items:    scars,
		loadedAt: time.Now().UTC(),
	}
	for _, s := range scars {
		if s.UpdatedAt.After(next.latestUpdatedAt) {
			next.latestUpdatedAt = s.UpdatedAt
		}
	}

	m.mu.Lock()
	m.snap = next
	meta := m.metadataLocked()
	m.mu.Unlock()

	observability.RecordCacheReload(time.Since(start), true)
	observability.SetCacheItems(meta.ItemCount)

	if m.exportPath != "" {
		// Helper-process export is best effort; a failed write never
		// invalidates the in-memory snapshot.
		if err := m.export(next); err != nil {
			m.logger.Warn().Err(err).Str("path", m.exportPath).Msg("Failed to export helper snapshot")
		}
	}

	m.logger.Info().
		Int("items", meta.ItemCount).
		Dur("elapsed", time.Since(start)).
		Time("latest_updated_at", meta.LatestUpdatedAt).
		Msg("Snapshot loaded")

	return meta, nil
}

// Reload rebuilds the snapshot from the store. Identical to Load; the name
// exists for call sites that refresh an already-serving cache.
func (m *Manager) Reload(ctx context.Context) (Metadata, error) {
	return m.Load(ctx)
}

// Search returns the k nearest scars to queryVector by cosine similarity.
// Calling Search before IsReady returns ErrNotReady.
func (m *Manager) Search(queryVector []float32, k int) ([]ScoredItem, error) {
	if len(queryVector) == 0 {
		return nil, errors.New("query vector is required")
	}
	if k <= 0 {
		k = 10
	}

	m.mu.RLock()
	snap := m.snap
	m.mu.RUnlock()
	if snap == nil {
		return nil, ErrNotReady
	}

	// From here on we only touch the immutable snapshot reference.
	results := make([]ScoredItem, 0, len(snap.items))
	for _, item := range snap.items {
		if len(item.Embedding) != len(queryVector) {
			continue
		}
		results = append(results, ScoredItem{
			Scar:  item,
			Score: cosineSimilarity(queryVector, item.Embedding),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// cosineSimilarity maps cosine in [-1, 1] onto [0, 1].
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return (cos + 1) / 2
}
