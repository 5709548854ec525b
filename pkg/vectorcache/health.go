package vectorcache

import (
	"context"
	"fmt"
	"time"
)

// Health status values.
const (
	StatusHealthy     = "healthy"
	StatusStale       = "stale"
	StatusOutOfSync   = "out_of_sync"
	StatusUnavailable = "unavailable"
)

// StatusInfo is the operator-facing view of the cache.
type StatusInfo struct {
	Initialized     bool      `json:"initialized"`
	ItemCount       int       `json:"item_count"`
	LoadedAt        time.Time `json:"loaded_at"`
	AgeMinutes      float64   `json:"age_minutes"`
	TTLMinutes      int       `json:"ttl_minutes"`
	IsStale         bool      `json:"is_stale"`
	LatestUpdatedAt time.Time `json:"latest_updated_at"`
}

// HealthInfo is the point-in-time comparison against the remote store.
type HealthInfo struct {
	Status       string `json:"status"`
	LocalCount   int    `json:"local_count"`
	RemoteCount  int    `json:"remote_count"`
	NeedsRefresh bool   `json:"needs_refresh"`
	Details      string `json:"details"`
}

// FlushResult reports the outcome of an explicit refresh.
type FlushResult struct {
	Success       bool  `json:"success"`
	PreviousCount int   `json:"previous_count"`
	NewCount      int   `json:"new_count"`
	ElapsedMs     int64 `json:"elapsed_ms"`
}

// Status summarizes the current snapshot without touching the store.
func (m *Manager) Status() StatusInfo {
	meta := m.GetMetadata()
	info := StatusInfo{
		Initialized:     meta.Success,
		ItemCount:       meta.ItemCount,
		LoadedAt:        meta.LoadedAt,
		TTLMinutes:      meta.TTLMinutes,
		IsStale:         meta.IsStale,
		LatestUpdatedAt: meta.LatestUpdatedAt,
	}
	if meta.Success {
		info.AgeMinutes = time.Since(meta.LoadedAt).Minutes()
	}
	return info
}

// Health performs an explicit point-in-time check against the remote store.
// Divergence from the store (out_of_sync) outranks TTL expiry (stale); an
// unreachable store reports unavailable with whatever local state exists.
func (m *Manager) Health(ctx context.Context) HealthInfo {
	meta := m.GetMetadata()

	if err := m.store.Ping(ctx); err != nil {
		return HealthInfo{
			Status:       StatusUnavailable,
			LocalCount:   meta.ItemCount,
			NeedsRefresh: true,
			Details:      fmt.Sprintf("remote store unreachable: %v", err),
		}
	}

	remoteCount, err := m.store.CountScars(ctx)
	if err != nil {
		return HealthInfo{
			Status:       StatusUnavailable,
			LocalCount:   meta.ItemCount,
			NeedsRefresh: true,
			Details:      fmt.Sprintf("remote store unreachable: %v", err),
		}
	}
	remoteLatest, err := m.store.LatestUpdatedAt(ctx)
	if err != nil {
		return HealthInfo{
			Status:       StatusUnavailable,
			LocalCount:   meta.ItemCount,
			RemoteCount:  remoteCount,
			NeedsRefresh: true,
			Details:      fmt.Sprintf("remote store unreachable: %v", err),
		}
	}

	info := HealthInfo{
		LocalCount:  meta.ItemCount,
		RemoteCount: remoteCount,
	}

	switch {
	case !meta.Success:
		info.Status = StatusOutOfSync
		info.NeedsRefresh = true
		info.Details = "no snapshot loaded"
	case meta.ItemCount != remoteCount || !meta.LatestUpdatedAt.Equal(remoteLatest):
		info.Status = StatusOutOfSync
		info.NeedsRefresh = true
		info.Details = fmt.Sprintf("local snapshot diverged (local %d @ %s, remote %d @ %s)",
			meta.ItemCount, meta.LatestUpdatedAt.Format(time.RFC3339),
			remoteCount, remoteLatest.Format(time.RFC3339))
	case meta.IsStale:
		info.Status = StatusStale
		info.NeedsRefresh = true
		info.Details = fmt.Sprintf("snapshot older than %dm TTL", meta.TTLMinutes)
	default:
		info.Status = StatusHealthy
	}

	return info
}

// Flush forces an immediate reload and reports before/after counts.
func (m *Manager) Flush(ctx context.Context) FlushResult {
	start := time.Now()
	previous := m.GetMetadata().ItemCount

	meta, err := m.Reload(ctx)
	result := FlushResult{
		Success:       err == nil,
		PreviousCount: previous,
		NewCount:      meta.ItemCount,
		ElapsedMs:     time.Since(start).Milliseconds(),
	}
	if err != nil {
		// Prior snapshot keeps serving; the failure is already logged.
		result.NewCount = previous
	}
	return result
}
