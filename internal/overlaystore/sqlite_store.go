// Package overlaystore persists per-slice vector overlays using SQLite.
package overlaystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tissuestack/viewer/internal/extent"
	"github.com/tissuestack/viewer/pkg/vector"
)

// ErrNotFound is returned for unknown overlay ids.
var ErrNotFound = errors.New("overlay not found")

// Overlay is the vector content drawn over one slice of a dataset plane.
type Overlay struct {
	ID        string           `json:"overlay_id"`
	DatasetID string           `json:"dataset_id"`
	Plane     extent.Plane     `json:"plane"`
	Slice     int              `json:"slice"`
	Name      string           `json:"name"`
	Commands  []vector.Command `json:"commands,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Store provides persistent storage for overlays using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based overlay store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS overlays (
		overlay_id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		plane TEXT NOT NULL,
		slice INTEGER NOT NULL,
		name TEXT DEFAULT '',
		commands_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_overlays_slice ON overlays(dataset_id, plane, slice);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Put stores o, replacing any overlay on the same dataset, plane and slice.
// A missing id is generated.
func (s *Store) Put(ctx context.Context, o *Overlay) error {
	if !o.Plane.Valid() {
		return fmt.Errorf("%w: %q", extent.ErrInvalidPlane, o.Plane)
	}
	if err := vector.Validate(o.Commands); err != nil {
		return err
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}

	commandsJSON, err := json.Marshal(o.Commands)
	if err != nil {
		return fmt.Errorf("failed to marshal commands: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM overlays WHERE dataset_id = ? AND plane = ? AND slice = ? AND overlay_id != ?
	`, o.DatasetID, string(o.Plane), o.Slice, o.ID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO overlays (overlay_id, dataset_id, plane, slice, name, commands_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(overlay_id) DO UPDATE SET
			dataset_id = excluded.dataset_id,
			plane = excluded.plane,
			slice = excluded.slice,
			name = excluded.name,
			commands_json = excluded.commands_json
	`,
		o.ID,
		o.DatasetID,
		string(o.Plane),
		o.Slice,
		o.Name,
		string(commandsJSON),
		o.CreatedAt.Format(time.RFC3339),
	); err != nil {
		return err
	}

	return tx.Commit()
}

// Get retrieves an overlay by id.
func (s *Store) Get(ctx context.Context, id string) (*Overlay, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT overlay_id, dataset_id, plane, slice, name, commands_json, created_at
		FROM overlays WHERE overlay_id = ?
	`, id)

	var o Overlay
	var commandsJSON, createdAtStr string
	err := row.Scan(&o.ID, &o.DatasetID, &o.Plane, &o.Slice, &o.Name, &commandsJSON, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(commandsJSON), &o.Commands); err != nil {
		return nil, fmt.Errorf("failed to unmarshal commands: %w", err)
	}
	o.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	return &o, nil
}

// Commands returns the drawing commands of overlay id.
func (s *Store) Commands(ctx context.Context, id string) ([]vector.Command, error) {
	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.Commands, nil
}

// SliceMappings maps slice indices of a dataset plane to overlay ids.
func (s *Store) SliceMappings(ctx context.Context, datasetID string, plane extent.Plane) (map[int]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT slice, overlay_id FROM overlays WHERE dataset_id = ? AND plane = ?
	`, datasetID, string(plane))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	mappings := make(map[int]string)
	for rows.Next() {
		var slice int
		var id string
		if err := rows.Scan(&slice, &id); err != nil {
			return nil, err
		}
		mappings[slice] = id
	}
	return mappings, rows.Err()
}

// Delete removes an overlay.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM overlays WHERE overlay_id = ?", id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
