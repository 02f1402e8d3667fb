// Package session persists import-session state so that a run survives
// process restarts: original rows, batch boundaries, per-batch status, staged
// transactions, and failed-batch diagnostics.
package session

import (
	"context"

	"github.com/pmorris/ledgermill/internal/model"
)

// Store is the durable, user-scoped checkpoint target for the pipeline. All
// writes are at-least-once durable relative to the calling process: once a
// call returns nil, the state is recoverable after a full restart.
type Store interface {
	// Load returns the full session or common.ErrSessionNotFound.
	Load(ctx context.Context, id string) (*model.ImportSession, error)

	// FindByFingerprint returns the in-flight session for a file, used to
	// resume instead of accidentally creating a duplicate.
	FindByFingerprint(ctx context.Context, fingerprint string) (*model.ImportSession, error)

	// Save upserts the session row and its batch records, bumping the
	// session's version. A version mismatch returns common.ErrStaleSession,
	// which enforces the single-active-orchestrator rule.
	Save(ctx context.Context, session *model.ImportSession) error

	// SaveRows stores the original parsed rows so resuming needs no
	// re-upload and reproduces the same batch boundaries.
	SaveRows(ctx context.Context, id string, rows []model.RawRow) error
	GetRows(ctx context.Context, id string) ([]model.RawRow, error)

	// AppendStaged adds extraction output. Re-appending the same IDs is a
	// no-op, so a crashed checkpoint can be replayed safely.
	AppendStaged(ctx context.Context, id string, items []model.StagedTransaction) error

	// ApplyCategoryUpdates assigns categories to staged transactions.
	ApplyCategoryUpdates(ctx context.Context, id string, updates []model.CategoryUpdate) error

	// CompleteBatch atomically records a batch's results (staged
	// transactions for extraction, category updates for categorization)
	// together with its succeeded status. A crash therefore either replays
	// the whole batch or skips it; results never outlive their checkpoint.
	CompleteBatch(ctx context.Context, id string, stage model.Stage, index int, retryCount int, staged []model.StagedTransaction, updates []model.CategoryUpdate) error

	// MarkBatch checkpoints one batch's status for one stage.
	MarkBatch(ctx context.Context, id string, stage model.Stage, index int, status model.BatchStatus, lastError string, retryCount int) error

	// AppendFailedBatch records a terminal batch failure for the user.
	AppendFailedBatch(ctx context.Context, id string, rec model.FailedBatchRecord) error

	// ClearFailedBatches drops the failure diagnostics recorded for the
	// session, used when a reset session re-runs its failed batches.
	ClearFailedBatches(ctx context.Context, id string) error

	// List returns every session's header fields, newest first. Batches,
	// rows, and staged transactions are not loaded.
	List(ctx context.Context) ([]model.ImportSession, error)

	// Delete discards the session and everything staged under it.
	Delete(ctx context.Context, id string) error

	Close() error
}
