package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/pmorris/ledgermill/internal/common"
	"github.com/pmorris/ledgermill/internal/model"
)

// SaveTransactions inserts transactions atomically and returns how many rows
// were actually written. Hash collisions with existing rows are skipped, so
// replaying a transfer after a crash converges on the same ledger state.
func (s *SQLiteStore) SaveTransactions(ctx context.Context, transactions []model.Transaction) (int, error) {
	if ctx == nil {
		return 0, fmt.Errorf("%w: context must not be nil", common.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateTransactions(transactions); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO transactions
			(id, hash, date, description, merchant, amount, category, source_session, imported_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	inserted := 0
	now := time.Now().UTC()
	for _, t := range transactions {
		hash := t.Hash
		if hash == "" {
			hash = t.GenerateHash()
		}
		importedAt := t.ImportedAt
		if importedAt.IsZero() {
			importedAt = now
		}

		res, execErr := stmt.ExecContext(ctx,
			t.ID, hash, t.Date, t.Description, t.Merchant,
			t.Amount, t.Category, t.SourceSession, importedAt)
		if execErr != nil {
			return 0, fmt.Errorf("failed to insert transaction %s: %w", t.ID, execErr)
		}
		affected, affErr := res.RowsAffected()
		if affErr != nil {
			return 0, fmt.Errorf("failed to read rows affected: %w", affErr)
		}
		inserted += int(affected)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transactions: %w", err)
	}
	return inserted, nil
}

// ListTransactions returns finalized transactions ordered by date descending.
func (s *SQLiteStore) ListTransactions(ctx context.Context, limit int) ([]model.Transaction, error) {
	if ctx == nil {
		return nil, fmt.Errorf("%w: context must not be nil", common.ErrInvalidInput)
	}

	query := `
		SELECT id, hash, date, description, COALESCE(merchant, ''), amount, category, COALESCE(source_session, ''), imported_at
		FROM transactions ORDER BY date DESC, id
	`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		if err := rows.Scan(&t.ID, &t.Hash, &t.Date, &t.Description, &t.Merchant,
			&t.Amount, &t.Category, &t.SourceSession, &t.ImportedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Categories returns category names in alphabetical order.
func (s *SQLiteStore) Categories(ctx context.Context) ([]string, error) {
	if ctx == nil {
		return nil, fmt.Errorf("%w: context must not be nil", common.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func validateTransactions(transactions []model.Transaction) error {
	for i, t := range transactions {
		if t.ID == "" {
			return fmt.Errorf("%w: transaction %d has empty id", common.ErrInvalidInput, i)
		}
		if t.Category == "" {
			return fmt.Errorf("%w: transaction %s has no category", common.ErrInvalidInput, t.ID)
		}
	}
	return nil
}
