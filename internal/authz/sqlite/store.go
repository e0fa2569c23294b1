// Package sqlite implements the permission oracle on the relational
// authorization store shared with the document REST API.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store resolves document access against a SQLite database.
type Store struct {
	db *sql.DB
}

// New opens the authorization database at dbPath. Use ":memory:" for an
// in-memory database (useful for testing).
func New(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite with WAL mode supports many readers but a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	store := &Store{db: db}

	if err := store.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) runMigrations() error {
	goose.SetDialect("sqlite3")
	goose.SetBaseFS(embedMigrations)

	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("goose up failed: %w", err)
	}
	return nil
}

// DB returns the underlying database connection for testing purposes.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CanAccess reports whether the user may access the document. Three checks
// in order, first match wins: an explicit per-document grant, membership in
// the document's owning workspace, and the user being the document's
// creator.
func (s *Store) CanAccess(ctx context.Context, userID, documentID string) (bool, error) {
	checks := []func(context.Context, string, string) (bool, error){
		s.hasExplicitGrant,
		s.isWorkspaceMember,
		s.isCreator,
	}
	for _, check := range checks {
		ok, err := check(ctx, userID, documentID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) hasExplicitGrant(ctx context.Context, userID, documentID string) (bool, error) {
	return s.exists(ctx,
		`SELECT 1 FROM document_permissions WHERE document_id = ? AND user_id = ?`,
		documentID, userID)
}

func (s *Store) isWorkspaceMember(ctx context.Context, userID, documentID string) (bool, error) {
	return s.exists(ctx,
		`SELECT 1
		 FROM documents d
		 JOIN workspace_members wm ON wm.workspace_id = d.workspace_id
		 WHERE d.id = ? AND wm.user_id = ?`,
		documentID, userID)
}

func (s *Store) isCreator(ctx context.Context, userID, documentID string) (bool, error) {
	return s.exists(ctx,
		`SELECT 1 FROM documents WHERE id = ? AND created_by = ?`,
		documentID, userID)
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("authorization query failed: %w", err)
	}
	return true, nil
}
