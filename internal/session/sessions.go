package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pmorris/ledgermill/internal/common"
	"github.com/pmorris/ledgermill/internal/model"
)

// Save upserts the session row and replaces its batch records in one
// transaction. The version column is the optimistic-concurrency token: a
// stale in-memory session can never clobber a newer write.
func (s *SQLiteStore) Save(ctx context.Context, session *model.ImportSession) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateSession(session); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if session.Version == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (id, file_name, fingerprint, status, total_rows, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		`, session.ID, session.FileName, session.FileFingerprint, string(session.Status), session.TotalRows, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		session.Version = 1
		session.CreatedAt = now
	} else {
		res, updateErr := tx.ExecContext(ctx, `
			UPDATE sessions
			SET file_name = ?, fingerprint = ?, status = ?, total_rows = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?
		`, session.FileName, session.FileFingerprint, string(session.Status), session.TotalRows, now, session.ID, session.Version)
		if updateErr != nil {
			return fmt.Errorf("failed to update session: %w", updateErr)
		}
		affected, affErr := res.RowsAffected()
		if affErr != nil {
			return fmt.Errorf("failed to read rows affected: %w", affErr)
		}
		if affected == 0 {
			return fmt.Errorf("session %s at version %d: %w", session.ID, session.Version, common.ErrStaleSession)
		}
		session.Version++
	}
	session.UpdatedAt = now

	if _, err = tx.ExecContext(ctx, `DELETE FROM batches WHERE session_id = ?`, session.ID); err != nil {
		return fmt.Errorf("failed to clear batches: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO batches (session_id, stage, idx, range_start, range_end, status, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, b := range session.Batches {
		if _, err := stmt.ExecContext(ctx,
			session.ID, string(b.Stage), b.Index, b.Range.Start, b.Range.End,
			string(b.Status), b.RetryCount, b.LastError); err != nil {
			return fmt.Errorf("failed to insert batch %d: %w", b.Index, err)
		}
	}

	return tx.Commit()
}

// Load assembles the full session: row, batches, staged transactions in
// extraction order, and failed-batch diagnostics.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*model.ImportSession, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	session := &model.ImportSession{ID: id}
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT file_name, fingerprint, status, total_rows, version, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id).Scan(&session.FileName, &session.FileFingerprint, &status,
		&session.TotalRows, &session.Version, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, common.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	session.Status = model.SessionStatus(status)

	if session.Batches, err = s.loadBatches(ctx, id); err != nil {
		return nil, err
	}
	if session.Staged, err = s.loadStaged(ctx, id); err != nil {
		return nil, err
	}
	if session.FailedBatches, err = s.loadFailedBatches(ctx, id); err != nil {
		return nil, err
	}

	return session, nil
}

// FindByFingerprint returns the in-flight session for the given file
// fingerprint. Completed-then-approved and cancelled sessions are deleted, so
// any stored match is resumable.
func (s *SQLiteStore) FindByFingerprint(ctx context.Context, fingerprint string) (*model.ImportSession, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(fingerprint, "fingerprint"); err != nil {
		return nil, err
	}

	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM sessions WHERE fingerprint = ? ORDER BY created_at DESC LIMIT 1
	`, fingerprint).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fingerprint %s: %w", fingerprint, common.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session by fingerprint: %w", err)
	}

	return s.Load(ctx, id)
}

// List returns every session's header fields, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]model.ImportSession, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_name, fingerprint, status, total_rows, version, created_at, updated_at
		FROM sessions ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ImportSession
	for rows.Next() {
		var sess model.ImportSession
		var status string
		if err := rows.Scan(&sess.ID, &sess.FileName, &sess.FileFingerprint, &status,
			&sess.TotalRows, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sess.Status = model.SessionStatus(status)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SaveRows stores the original parsed rows for the session.
func (s *SQLiteStore) SaveRows(ctx context.Context, id string, rows []model.RawRow) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO session_rows (session_id, idx, fields) VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare row insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, row := range rows {
		fields, marshalErr := json.Marshal(row.Fields)
		if marshalErr != nil {
			return fmt.Errorf("failed to marshal row %d: %w", row.Index, marshalErr)
		}
		if _, err := stmt.ExecContext(ctx, id, row.Index, string(fields)); err != nil {
			return fmt.Errorf("failed to insert row %d: %w", row.Index, err)
		}
	}

	return tx.Commit()
}

// GetRows returns the session's original rows in order.
func (s *SQLiteStore) GetRows(ctx context.Context, id string) ([]model.RawRow, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, fields FROM session_rows WHERE session_id = ? ORDER BY idx
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.RawRow
	for rows.Next() {
		var row model.RawRow
		var fields string
		if err := rows.Scan(&row.Index, &fields); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(fields), &row.Fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal row %d: %w", row.Index, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// AppendStaged adds extraction output, preserving insertion order via the
// seq column. Conflicting IDs are ignored so a replayed checkpoint cannot
// duplicate candidates.
func (s *SQLiteStore) AppendStaged(ctx context.Context, id string, items []model.StagedTransaction) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.appendStagedTx(ctx, tx, id, items); err != nil {
		return err
	}
	if err := s.touchTx(ctx, tx, id); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) appendStagedTx(ctx context.Context, tx *sql.Tx, id string, items []model.StagedTransaction) error {
	var next int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), -1) + 1 FROM staged_transactions WHERE session_id = ?
	`, id).Scan(&next); err != nil {
		return fmt.Errorf("failed to compute staged sequence: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO staged_transactions
			(session_id, id, seq, range_start, range_end, date, description, merchant, amount, category, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare staged insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, item := range items {
		if _, err := stmt.ExecContext(ctx,
			id, item.ID, next, item.SourceRange.Start, item.SourceRange.End,
			item.Date, item.Description, item.Merchant, item.Amount,
			item.Category, item.Confidence); err != nil {
			return fmt.Errorf("failed to insert staged transaction %s: %w", item.ID, err)
		}
		next++
	}
	return nil
}

// ApplyCategoryUpdates assigns categories from a successful categorization
// batch. Updates naming unknown transaction IDs are skipped.
func (s *SQLiteStore) ApplyCategoryUpdates(ctx context.Context, id string, updates []model.CategoryUpdate) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.applyCategoryUpdatesTx(ctx, tx, id, updates); err != nil {
		return err
	}
	if err := s.touchTx(ctx, tx, id); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) applyCategoryUpdatesTx(ctx context.Context, tx *sql.Tx, id string, updates []model.CategoryUpdate) error {
	stmt, err := tx.PrepareContext(ctx, `
		UPDATE staged_transactions SET category = ?, confidence = ?
		WHERE session_id = ? AND id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare category update: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.Category, u.Confidence, id, u.TransactionID); err != nil {
			return fmt.Errorf("failed to update category for %s: %w", u.TransactionID, err)
		}
	}
	return nil
}

// CompleteBatch commits a batch's results together with its succeeded status
// in one transaction. Either both land or neither does, so a crash can never
// leave results staged under a batch that still looks runnable.
func (s *SQLiteStore) CompleteBatch(ctx context.Context, id string, stage model.Stage, index int, retryCount int, staged []model.StagedTransaction, updates []model.CategoryUpdate) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(staged) > 0 {
		if err := s.appendStagedTx(ctx, tx, id, staged); err != nil {
			return err
		}
	}
	if len(updates) > 0 {
		if err := s.applyCategoryUpdatesTx(ctx, tx, id, updates); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE batches SET status = ?, last_error = '', retry_count = ?
		WHERE session_id = ? AND stage = ? AND idx = ?
	`, string(model.BatchSucceeded), retryCount, id, string(stage), index)
	if err != nil {
		return fmt.Errorf("failed to mark batch succeeded: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("batch %d for stage %s in session %s: %w", index, stage, id, common.ErrSessionNotFound)
	}

	if err := s.touchTx(ctx, tx, id); err != nil {
		return err
	}

	return tx.Commit()
}

// MarkBatch checkpoints one batch's status.
func (s *SQLiteStore) MarkBatch(ctx context.Context, id string, stage model.Stage, index int, status model.BatchStatus, lastError string, retryCount int) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status = ?, last_error = ?, retry_count = ?
		WHERE session_id = ? AND stage = ? AND idx = ?
	`, string(status), lastError, retryCount, id, string(stage), index)
	if err != nil {
		return fmt.Errorf("failed to mark batch: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("batch %d for stage %s in session %s: %w", index, stage, id, common.ErrSessionNotFound)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// AppendFailedBatch records a terminal batch failure.
func (s *SQLiteStore) AppendFailedBatch(ctx context.Context, id string, rec model.FailedBatchRecord) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failed_batches (session_id, stage, range_start, range_end, error, retry_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, string(rec.Stage), rec.Range.Start, rec.Range.End, rec.Error, rec.RetryCount)
	if err != nil {
		return fmt.Errorf("failed to append failed batch: %w", err)
	}
	return nil
}

// ClearFailedBatches drops the session's failure diagnostics, typically
// before the affected batches get a fresh run.
func (s *SQLiteStore) ClearFailedBatches(ctx context.Context, id string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM failed_batches WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear failed batches: %w", err)
	}
	return nil
}

// Delete discards the session and all state staged under it.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, query := range []string{
		`DELETE FROM failed_batches WHERE session_id = ?`,
		`DELETE FROM staged_transactions WHERE session_id = ?`,
		`DELETE FROM batches WHERE session_id = ?`,
		`DELETE FROM session_rows WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, query, id); err != nil {
			return fmt.Errorf("failed to delete session state: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) loadBatches(ctx context.Context, id string) ([]model.BatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, idx, range_start, range_end, status, retry_count, COALESCE(last_error, '')
		FROM batches WHERE session_id = ? ORDER BY stage, idx
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.BatchRecord
	for rows.Next() {
		var b model.BatchRecord
		var stage, status string
		if err := rows.Scan(&stage, &b.Index, &b.Range.Start, &b.Range.End, &status, &b.RetryCount, &b.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		b.Stage = model.Stage(stage)
		b.Status = model.BatchStatus(status)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadStaged(ctx context.Context, id string) ([]model.StagedTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, range_start, range_end, date, description, merchant, amount, category, confidence
		FROM staged_transactions WHERE session_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query staged transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.StagedTransaction
	for rows.Next() {
		var t model.StagedTransaction
		var category sql.NullString
		var date sql.NullTime
		if err := rows.Scan(&t.ID, &t.SourceRange.Start, &t.SourceRange.End,
			&date, &t.Description, &t.Merchant, &t.Amount, &category, &t.Confidence); err != nil {
			return nil, fmt.Errorf("failed to scan staged transaction: %w", err)
		}
		if date.Valid {
			t.Date = date.Time
		}
		if category.Valid {
			t.Category = &category.String
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadFailedBatches(ctx context.Context, id string) ([]model.FailedBatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, range_start, range_end, COALESCE(error, ''), retry_count
		FROM failed_batches WHERE session_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.FailedBatchRecord
	for rows.Next() {
		var f model.FailedBatchRecord
		var stage string
		if err := rows.Scan(&stage, &f.Range.Start, &f.Range.End, &f.Error, &f.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan failed batch: %w", err)
		}
		f.Stage = model.Stage(stage)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) touchTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

func validateSession(session *model.ImportSession) error {
	if session == nil {
		return fmt.Errorf("%w: session must not be nil", common.ErrInvalidInput)
	}
	if session.ID == "" {
		return fmt.Errorf("%w: session id must not be empty", common.ErrInvalidInput)
	}
	if !session.Status.Valid() {
		return fmt.Errorf("%w: unknown session status %q", common.ErrInvalidInput, session.Status)
	}
	return nil
}
