// Package pkgstore provides SQLite persistence for domain packages: the
// named, validated sources matches are started from.
package pkgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a package does not exist.
var ErrNotFound = errors.New("pkgstore: not found")

// ErrExists is returned when inserting an id that is already taken.
var ErrExists = errors.New("pkgstore: already exists")

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Package is a stored domain source.
type Package struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	GameID    string    `json:"gameId"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store provides SQLite persistence for domain packages.
type Store struct {
	db *sql.DB
}

// New opens the SQLite database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("pkgstore: open db: %w", err)
	}
	// SQLite allows one writer; a single connection keeps it from reporting busy.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pkgstore: enable WAL: %w", err)
	}
	return &Store{db: db}, nil
}

// NewFromDB wraps an existing sql.DB.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables.
func (s *Store) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS packages (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			game_id TEXT NOT NULL,
			source TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_game ON packages(game_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("pkgstore: migrate: %w", err)
		}
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreatePackage inserts p, assigning an id when it has none.
func (s *Store) CreatePackage(p *Package) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := s.db.Exec(
		`INSERT INTO packages (id, name, game_id, source, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.GameID, p.Source, p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return "", fmt.Errorf("%w: package %q", ErrExists, p.ID)
	}
	if err != nil {
		return "", fmt.Errorf("pkgstore: create package: %w", err)
	}
	return p.ID, nil
}

// UpdatePackage replaces the name, game id and source of an existing package.
func (s *Store) UpdatePackage(p *Package) error {
	p.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE packages SET name = ?, game_id = ?, source = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.GameID, p.Source, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("pkgstore: update package: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: package %q", ErrNotFound, p.ID)
	}
	return nil
}

// GetPackage fetches a package with its source.
func (s *Store) GetPackage(id string) (*Package, error) {
	p := &Package{}
	err := s.db.QueryRow(
		`SELECT id, name, game_id, source, created_at, updated_at FROM packages WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.GameID, &p.Source, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: package %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("pkgstore: get package: %w", err)
	}
	return p, nil
}

// ListPackages returns packages newest first, without sources.
func (s *Store) ListPackages(limit, offset int) ([]Package, int, error) {
	if limit <= 0 {
		limit = 20
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM packages").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pkgstore: count packages: %w", err)
	}

	rows, err := s.db.Query(
		`SELECT id, name, game_id, created_at, updated_at
		 FROM packages ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("pkgstore: list packages: %w", err)
	}
	defer rows.Close()

	pkgs := []Package{}
	for rows.Next() {
		p := Package{}
		if err := rows.Scan(&p.ID, &p.Name, &p.GameID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("pkgstore: scan package: %w", err)
		}
		pkgs = append(pkgs, p)
	}
	return pkgs, total, rows.Err()
}

// DeletePackage removes a package and the logs of its matches.
func (s *Store) DeletePackage(id string) error {
	res, err := s.db.Exec("DELETE FROM packages WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("pkgstore: delete package: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: package %q", ErrNotFound, id)
	}
	return nil
}
