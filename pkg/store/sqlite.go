package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// SQLiteStore implements Store on a SQLite database. It stands in for the
// hosted relational store: same schema, same conflict semantics.
type SQLiteStore struct {
	db     *sql.DB
	dim    int
	logger zerolog.Logger
}

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	// Path is the database file path, or ":memory:" for tests.
	Path string
	// Dimension is the embedding vector width for the vec0 table.
	Dimension int
	Logger    zerolog.Logger
}

// NewSQLiteStore opens (and if needed initializes) the scar database.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Dimension <= 0 {
		return nil, errors.New("embedding dimension is required")
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL for better concurrency between the daemon and helper tooling.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, dim: cfg.Dimension, logger: cfg.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS scars (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			severity TEXT NOT NULL DEFAULT 'medium',
			embedding TEXT,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_scars_updated ON scars(updated_at);

		CREATE TABLE IF NOT EXISTS assignments (
			subject_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			variant_id TEXT NOT NULL,
			assigned_at INTEGER NOT NULL,
			UNIQUE(subject_id, item_id)
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	vectorSchema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS scar_embeddings USING vec0(
			scar_id TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
	`, s.dim)
	if _, err := s.db.Exec(vectorSchema); err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}

	return nil
}

// UpsertScar writes a scar and its embedding. Used by ingestion tooling and
// tests; retrieval never mutates scars.
func (s *SQLiteStore) UpsertScar(ctx context.Context, scar Scar) error {
	if scar.ID == "" {
		return errors.New("scar id is required")
	}
	if scar.UpdatedAt.IsZero() {
		scar.UpdatedAt = time.Now().UTC()
	}

	embeddingJSON, err := json.Marshal(scar.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO scars (id, title, description, severity, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		scar.ID, scar.Title, scar.Description, scar.Severity, string(embeddingJSON), scar.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert scar: %w", err)
	}

	if len(scar.Embedding) > 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM scar_embeddings WHERE scar_id = ?", scar.ID); err != nil {
			return fmt.Errorf("failed to replace embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO scar_embeddings (scar_id, embedding) VALUES (?, ?)",
			scar.ID, string(embeddingJSON),
		); err != nil {
			return fmt.Errorf("failed to store embedding: %w", err)
		}
	}

	return tx.Commit()
}

// ListScars returns all scars with embeddings, newest first.
func (s *SQLiteStore) ListScars(ctx context.Context) ([]Scar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, severity, embedding, updated_at
		FROM scars ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scars: %w", err)
	}
	defer rows.Close()

	var scars []Scar
	for rows.Next() {
		var scar Scar
		var embeddingJSON sql.NullString
		var updatedAt int64
		if err := rows.Scan(&scar.ID, &scar.Title, &scar.Description, &scar.Severity, &embeddingJSON, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scar: %w", err)
		}
		scar.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		if embeddingJSON.Valid && embeddingJSON.String != "" {
			if err := json.Unmarshal([]byte(embeddingJSON.String), &scar.Embedding); err != nil {
				s.logger.Warn().Err(err).Str("scar_id", scar.ID).Msg("Skipping scar with unreadable embedding")
				continue
			}
		}
		scars = append(scars, scar)
	}
	return scars, rows.Err()
}

// CountScars returns the total scar count.
func (s *SQLiteStore) CountScars(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scars").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count scars: %w", err)
	}
	return count, nil
}

// LatestUpdatedAt returns the newest scar update time, zero when empty.
func (s *SQLiteStore) LatestUpdatedAt(ctx context.Context) (time.Time, error) {
	var updatedAt sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(updated_at) FROM scars").Scan(&updatedAt); err != nil {
		return time.Time{}, fmt.Errorf("failed to query latest update: %w", err)
	}
	if !updatedAt.Valid {
		return time.Time{}, nil
	}
	return time.Unix(updatedAt.Int64, 0).UTC(), nil
}

// SearchScars performs vector similarity search in the store. This is the
// remote fallback path used before the in-memory cache is ready.
func (s *SQLiteStore) SearchScars(ctx context.Context, embedding []float32, k int) ([]ScoredScar, error) {
	if k <= 0 {
		k = 10
	}
	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query embedding: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.title, s.description, s.severity, s.updated_at,
		       vec_distance_cosine(e.embedding, ?) AS distance
		FROM scar_embeddings e
		JOIN scars s ON s.id = e.scar_id
		ORDER BY distance ASC
		LIMIT ?`, string(embeddingJSON), k)
	if err != nil {
		return nil, fmt.Errorf("failed to search scars: %w", err)
	}
	defer rows.Close()

	var results []ScoredScar
	for rows.Next() {
		var scar Scar
		var updatedAt int64
		var distance float64
		if err := rows.Scan(&scar.ID, &scar.Title, &scar.Description, &scar.Severity, &updatedAt, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		scar.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		// Cosine distance is in [0, 2]; map to similarity in [0, 1].
		results = append(results, ScoredScar{Scar: scar, Score: 1.0 - distance/2.0})
	}
	return results, rows.Err()
}

// GetAssignment returns ErrNotFound when no record exists for the key.
func (s *SQLiteStore) GetAssignment(ctx context.Context, subjectID, itemID string) (*Assignment, error) {
	var a Assignment
	var assignedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT subject_id, item_id, variant_id, assigned_at
		FROM assignments WHERE subject_id = ? AND item_id = ?`,
		subjectID, itemID,
	).Scan(&a.SubjectID, &a.ItemID, &a.VariantID, &assignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	a.AssignedAt = time.Unix(assignedAt, 0).UTC()
	return &a, nil
}

// InsertAssignment returns ErrConflict when another caller already created
// the same (subject, item) key. The mapping from the driver's constraint
// error to ErrConflict is what keeps the assignment service free of error
// text inspection.
func (s *SQLiteStore) InsertAssignment(ctx context.Context, a Assignment) error {
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignments (subject_id, item_id, variant_id, assigned_at)
		VALUES (?, ?, ?, ?)`,
		a.SubjectID, a.ItemID, a.VariantID, a.AssignedAt.Unix(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert assignment: %w", err)
	}
	return nil
}

// Ping reports reachability.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
