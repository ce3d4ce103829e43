package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

const (
	keyDisplayName = "display_name"
	keyAllergens   = "allergens"
)

// Store persists the user profile as two key-value entries in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a new Store instance on an existing database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Load reads the persisted profile. A missing or corrupt entry falls back
// to the empty default; persistence problems are logged, never surfaced.
func (s *Store) Load(ctx context.Context) Profile {
	var p Profile

	name, err := s.get(ctx, keyDisplayName)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("Warning: failed to load display name, using default: %v", err)
		}
	} else {
		p.DisplayName = name
	}

	raw, err := s.get(ctx, keyAllergens)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("Warning: failed to load allergen list, using default: %v", err)
		}
		return p
	}

	var allergens []string
	if err := json.Unmarshal([]byte(raw), &allergens); err != nil {
		log.Printf("Warning: stored allergen list is corrupt, using default: %v", err)
		return p
	}
	p.Allergens = allergens
	return p
}

// Save writes both profile entries. Called on every mutation.
func (s *Store) Save(ctx context.Context, p Profile) error {
	allergens := p.Allergens
	if allergens == nil {
		allergens = []string{}
	}
	data, err := json.Marshal(allergens)
	if err != nil {
		return fmt.Errorf("failed to marshal allergen list: %w", err)
	}

	if err := s.put(ctx, keyDisplayName, p.DisplayName); err != nil {
		return fmt.Errorf("failed to save display name: %w", err)
	}
	if err := s.put(ctx, keyAllergens, string(data)); err != nil {
		return fmt.Errorf("failed to save allergen list: %w", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM profile_entries WHERE key = ?`, key,
	).Scan(&value)
	return value, err
}

func (s *Store) put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profile_entries (key, value, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	return err
}
