// Package registry tracks the work sessions currently open across the
// daemon and any short-lived helper processes. All state lives in a single
// shared document on disk; every read and every read-modify-write runs under
// the "registry" lock, which is what eliminates the lost-update race between
// two processes appending concurrently.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/asterlane/engram/internal/observability"
	"github.com/asterlane/engram/pkg/lockfile"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// LockResource is the lock name guarding the registry document.
const LockResource = "registry"

// Entry describes one open work session.
type Entry struct {
	SessionID  string    `json:"session_id"`
	AgentLabel string    `json:"agent_label"`
	StartedAt  time.Time `json:"started_at"`
	OwnerHost  string    `json:"owner_host"`
	OwnerPID   int       `json:"owner_pid"`
	Project    string    `json:"project"`
}

type document struct {
	Sessions []Entry `json:"sessions"`
}

// documentSchema validates the shape of the registry document. A document
// that fails validation is corruption and is treated as empty.
const documentSchema = `{
	"type": "object",
	"required": ["sessions"],
	"properties": {
		"sessions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["session_id", "started_at"],
				"properties": {
					"session_id": {"type": "string", "minLength": 1},
					"agent_label": {"type": "string"},
					"started_at": {"type": "string"},
					"owner_host": {"type": "string"},
					"owner_pid": {"type": "integer"},
					"project": {"type": "string"}
				}
			}
		}
	}
}`

// Config holds registry configuration.
type Config struct {
	// Path is the registry document location.
	Path string
	// SessionsDir holds the per-session data directories whose presence
	// PruneStale checks.
	SessionsDir string
	Locks       *lockfile.Manager
	// LockTimeout bounds each critical section's acquisition wait.
	LockTimeout time.Duration
	// PruneAfter is the age past which entries from other processes are
	// removed even if their directory survives.
	PruneAfter time.Duration
	Logger     zerolog.Logger
}

// Registry is the session registry handle.
type Registry struct {
	path        string
	sessionsDir string
	locks       *lockfile.Manager
	lockTimeout time.Duration
	pruneAfter  time.Duration
	host        string
	pid         int
	schema      *gojsonschema.Schema
	logger      zerolog.Logger
}

// New creates a session registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Path == "" {
		return nil, errors.New("registry path is required")
	}
	if cfg.SessionsDir == "" {
		return nil, errors.New("sessions directory is required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("lock manager is required")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.PruneAfter <= 0 {
		cfg.PruneAfter = 24 * time.Hour
	}

	observability.EnsureRegistered()

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	if err := os.MkdirAll(cfg.SessionsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile registry schema: %w", err)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	return &Registry{
		path:        cfg.Path,
		sessionsDir: cfg.SessionsDir,
		locks:       cfg.Locks,
		lockTimeout: cfg.LockTimeout,
		pruneAfter:  cfg.PruneAfter,
		host:        host,
		pid:         os.Getpid(),
		schema:      schema,
		logger:      cfg.Logger,
	}, nil
}

// Path returns the registry document location.
func (r *Registry) Path() string {
	return r.path
}

// SessionDir returns the data directory for a session id.
func (r *Registry) SessionDir(sessionID string) string {
	return filepath.Join(r.sessionsDir, sessionID)
}

// load reads the document without locking. Corrupt, invalid, or missing
// documents come back empty; the next successful write repairs them.
func (r *Registry) load() document {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn().Err(err).Msg("Registry unreadable, treating as empty")
		}
		return document{}
	}

	result, err := r.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil || !result.Valid() {
		r.logger.Warn().Str("path", r.path).Msg("Registry failed schema validation, treating as empty")
		return document{}
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		r.logger.Warn().Err(err).Msg("Registry unparsable, treating as empty")
		return document{}
	}
	return doc
}

// save writes the full document via temp file and atomic rename.
func (r *Registry) save(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	tempPath := r.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write registry temp file: %w", err)
	}
	if err := os.Rename(tempPath, r.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace registry: %w", err)
	}
	return nil
}

// Register adds an entry to the registry and creates its session data
// directory. A duplicate session_id replaces the earlier entry.
func (r *Registry) Register(entry Entry) error {
	if entry.SessionID == "" {
		return errors.New("session id is required")
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = time.Now().UTC()
	}
	if entry.OwnerHost == "" {
		entry.OwnerHost = r.host
	}
	if entry.OwnerPID == 0 {
		entry.OwnerPID = r.pid
	}

	if err := os.MkdirAll(r.SessionDir(entry.SessionID), 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	return r.locks.WithLock(LockResource, r.lockTimeout, func() error {
		doc := r.load()

		kept := doc.Sessions[:0]
		for _, e := range doc.Sessions {
			if e.SessionID != entry.SessionID {
				kept = append(kept, e)
			}
		}
		doc.Sessions = append(kept, entry)

		if err := r.save(doc); err != nil {
			return err
		}

		observability.SetActiveSessions(len(doc.Sessions))
		r.logger.Info().
			Str("session_id", entry.SessionID).
			Str("agent", entry.AgentLabel).
			Str("project", entry.Project).
			Msg("Session registered")
		return nil
	})
}

// Unregister removes the entry for sessionID and its data directory.
// Unknown ids are a no-op.
func (r *Registry) Unregister(sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}

	err := r.locks.WithLock(LockResource, r.lockTimeout, func() error {
		doc := r.load()

		kept := doc.Sessions[:0]
		removed := false
		for _, e := range doc.Sessions {
			if e.SessionID == sessionID {
				removed = true
				continue
			}
			kept = append(kept, e)
		}
		doc.Sessions = kept

		if !removed {
			return nil
		}
		if err := r.save(doc); err != nil {
			return err
		}

		observability.SetActiveSessions(len(doc.Sessions))
		r.logger.Info().Str("session_id", sessionID).Msg("Session unregistered")
		return nil
	})
	if err != nil {
		return err
	}

	if err := os.RemoveAll(r.SessionDir(sessionID)); err != nil {
		r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to remove session directory")
	}
	return nil
}

// List returns the current entries. The read takes the registry lock so it
// observes every write that completed-and-released before it.
func (r *Registry) List() ([]Entry, error) {
	var entries []Entry
	err := r.locks.WithLock(LockResource, r.lockTimeout, func() error {
		entries = r.load().Sessions
		return nil
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// PruneStale removes entries whose session directory no longer exists (the
// session closed without clean deregistration) and entries from other
// processes older than the prune threshold. Returns the number removed.
func (r *Registry) PruneStale() (int, error) {
	removed := 0
	err := r.locks.WithLock(LockResource, r.lockTimeout, func() error {
		doc := r.load()

		kept := make([]Entry, 0, len(doc.Sessions))
		for _, e := range doc.Sessions {
			if r.isStale(e) {
				removed++
				r.logger.Info().
					Str("session_id", e.SessionID).
					Str("owner_host", e.OwnerHost).
					Int("owner_pid", e.OwnerPID).
					Msg("Pruning stale session")
				continue
			}
			kept = append(kept, e)
		}

		if removed == 0 {
			return nil
		}
		doc.Sessions = kept
		if err := r.save(doc); err != nil {
			return err
		}

		observability.SetActiveSessions(len(doc.Sessions))
		observability.RecordPrunedSessions(removed)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (r *Registry) isStale(e Entry) bool {
	if _, err := os.Stat(r.SessionDir(e.SessionID)); os.IsNotExist(err) {
		return true
	}
	if time.Since(e.StartedAt) > r.pruneAfter {
		// Only prune aged entries owned elsewhere; our own long session is
		// still live by definition.
		if e.OwnerHost != r.host || e.OwnerPID != r.pid {
			return true
		}
	}
	return false
}
