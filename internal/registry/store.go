package registry

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists the latest snapshot per entity so the daemon publishes
// sensible state after a restart, before fresh reports arrive.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens the snapshot database and initializes the schema.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS entity_state (
			entity_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			attributes TEXT,
			context_id TEXT,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create entity_state table: %w", err)
	}
	return nil
}

// Save stores a snapshot, replacing any previous one for the entity.
func (s *Store) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO entity_state (entity_id, state, attributes, context_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			state = excluded.state,
			attributes = excluded.attributes,
			context_id = excluded.context_id,
			updated_at = excluded.updated_at
	`, snap.EntityID, snap.State, string(snap.Attributes), snap.ContextID, snap.LastUpdated.Unix())

	return err
}

// LoadAll returns every persisted snapshot.
func (s *Store) LoadAll() ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT entity_id, state, attributes, context_id, updated_at FROM entity_state
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var snap Snapshot
		var attrs, contextID sql.NullString
		var updatedAt int64

		if err := rows.Scan(&snap.EntityID, &snap.State, &attrs, &contextID, &updatedAt); err != nil {
			return nil, err
		}

		if attrs.Valid && attrs.String != "" {
			snap.Attributes = []byte(attrs.String)
		}
		snap.ContextID = contextID.String
		snap.LastUpdated = time.Unix(updatedAt, 0).UTC()
		snaps = append(snaps, snap)
	}

	return snaps, rows.Err()
}

// Delete removes the persisted snapshot for an entity.
func (s *Store) Delete(entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM entity_state WHERE entity_id = ?`, entityID)
	return err
}

// Clear removes every persisted snapshot.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM entity_state`)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
