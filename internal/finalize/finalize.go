// Package finalize moves reviewed sessions out of staging: approved
// transactions into the permanent ledger, everything else into the trash.
package finalize

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pmorris/ledgermill/internal/common"
	"github.com/pmorris/ledgermill/internal/ledger"
	"github.com/pmorris/ledgermill/internal/model"
	"github.com/pmorris/ledgermill/internal/session"
)

// Finalizer transfers staged transactions into the ledger and tears the
// session down afterward.
type Finalizer struct {
	sessions session.Store
	ledger   ledger.Store
}

// New creates a Finalizer over the two stores.
func New(sessions session.Store, ledgerStore ledger.Store) *Finalizer {
	return &Finalizer{sessions: sessions, ledger: ledgerStore}
}

// TransferResult summarizes one approval.
type TransferResult struct {
	SessionID    string
	Transferred  int
	Skipped      int
	Deduplicated int
}

// Approve transfers the session's categorized transactions into the ledger
// in one database transaction, then deletes the session. The ledger write
// happens first: if the process dies between the two steps, re-approving
// replays the transfer and the hash dedup keeps the ledger unchanged.
func (f *Finalizer) Approve(ctx context.Context, sessionID string) (*TransferResult, error) {
	sess, err := f.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := approvable(sess); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	transactions := make([]model.Transaction, 0, len(sess.Staged))
	skipped := 0
	for _, staged := range sess.Staged {
		if staged.Category == nil || *staged.Category == "" {
			skipped++
			continue
		}
		txn := model.Transaction{
			ID:            uuid.NewString(),
			Date:          staged.Date,
			Description:   staged.Description,
			Merchant:      staged.Merchant,
			Amount:        staged.Amount,
			Category:      *staged.Category,
			SourceSession: sess.ID,
			ImportedAt:    now,
		}
		txn.Hash = txn.GenerateHash()
		transactions = append(transactions, txn)
	}

	if len(transactions) == 0 {
		return nil, fmt.Errorf("%w: session %s has no categorized transactions", common.ErrInvalidState, sessionID)
	}

	inserted, err := f.ledger.SaveTransactions(ctx, transactions)
	if err != nil {
		return nil, fmt.Errorf("failed to transfer transactions: %w", err)
	}

	if err := f.sessions.Delete(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("transactions transferred but session cleanup failed, re-run approve: %w", err)
	}

	result := &TransferResult{
		SessionID:    sessionID,
		Transferred:  inserted,
		Skipped:      skipped,
		Deduplicated: len(transactions) - inserted,
	}

	slog.Info("Finalized import session",
		"session_id", sessionID,
		"transferred", result.Transferred,
		"skipped", result.Skipped,
		"deduplicated", result.Deduplicated)

	return result, nil
}

// Cancel discards the session and all of its staged state. Nothing reaches
// the ledger.
func (f *Finalizer) Cancel(ctx context.Context, sessionID string) error {
	sess, err := f.sessions.Load(ctx, sessionID)
	if err != nil {
		return err
	}

	if !sess.Status.CanTransition(model.StatusCancelled) {
		return fmt.Errorf("%w: cannot cancel session in status %s", common.ErrInvalidState, sess.Status)
	}

	if err := f.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to discard session: %w", err)
	}

	slog.Info("Cancelled import session",
		"session_id", sessionID,
		"staged_discarded", len(sess.Staged))

	return nil
}

// approvable enforces the review gate: a completed session, or a paused one
// holding at least one categorized transaction for partial finalization.
func approvable(sess *model.ImportSession) error {
	switch sess.Status {
	case model.StatusCompleted:
		return nil
	case model.StatusPaused:
		if sess.CategorizedCount() == 0 {
			return fmt.Errorf("%w: paused session %s has no categorized transactions to approve", common.ErrInvalidState, sess.ID)
		}
		return nil
	default:
		return fmt.Errorf("%w: session %s in status %s cannot be approved", common.ErrInvalidState, sess.ID, sess.Status)
	}
}
