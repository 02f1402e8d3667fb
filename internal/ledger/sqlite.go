// Package ledger is the permanent transaction store. Finalized imports land
// here; sessions and their staging state never do.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/pmorris/ledgermill/internal/model"
)

// Store is the write target for finalized transactions and the source of the
// category vocabulary the categorization stage prompts with.
type Store interface {
	// SaveTransactions inserts transactions in one database transaction.
	// Records whose hash already exists are skipped, so a retried transfer
	// cannot create duplicates.
	SaveTransactions(ctx context.Context, transactions []model.Transaction) (int, error)

	// ListTransactions returns finalized transactions, newest first. A zero
	// limit means no limit.
	ListTransactions(ctx context.Context, limit int) ([]model.Transaction, error)

	// Categories returns the category names available for assignment.
	Categories(ctx context.Context) ([]string, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a new SQLite-backed ledger store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("dbPath must not be empty")
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't benefit from multiple connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
