package vectorcache

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/asterlane/engram/pkg/store"
)

// ExportedItem is a scar with its embedding stripped. Helper processes can
// keyword-search these without sharing the daemon's memory; this tier is
// eventually consistent and keyword-only by design.
type ExportedItem struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Export is the on-disk helper snapshot.
type Export struct {
	ExportedAt time.Time      `json:"exported_at"`
	Items      []ExportedItem `json:"items"`
}

// export writes the stripped snapshot via temp file and atomic rename, so a
// helper never reads a half-written file.
func (m *Manager) export(snap *snapshot) error {
	out := Export{
		ExportedAt: time.Now().UTC(),
		Items:      make([]ExportedItem, 0, len(snap.items)),
	}
	for _, item := range snap.items {
		out.Items = append(out.Items, ExportedItem{
			ID:          item.ID,
			Title:       item.Title,
			Description: item.Description,
			Severity:    item.Severity,
			UpdatedAt:   item.UpdatedAt,
		})
	}

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal export: %w", err)
	}

	tempPath := m.exportPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write export temp file: %w", err)
	}
	if err := os.Rename(tempPath, m.exportPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace export: %w", err)
	}
	return nil
}

// ReadExport loads the helper snapshot from disk.
func ReadExport(path string) (*Export, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read export: %w", err)
	}
	var out Export
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse export: %w", err)
	}
	return &out, nil
}

// KeywordSearch scores exported items by term frequency over title and
// description. It is the out-of-process fallback for helpers that cannot
// reach the daemon's in-memory snapshot.
func KeywordSearch(export *Export, query string, k int) []ScoredItem {
	if k <= 0 {
		k = 10
	}
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}

	var results []ScoredItem
	for _, item := range export.Items {
		haystack := strings.ToLower(item.Title + " " + item.Description)
		score := 0.0
		for _, term := range terms {
			score += float64(strings.Count(haystack, term))
		}
		if score == 0 {
			continue
		}
		results = append(results, ScoredItem{
			Scar: store.Scar{
				ID:          item.ID,
				Title:       item.Title,
				Description: item.Description,
				Severity:    item.Severity,
				UpdatedAt:   item.UpdatedAt,
			},
			Score: score / float64(len(terms)),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}
