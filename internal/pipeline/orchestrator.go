// Package pipeline coordinates an import session through its stages:
// uploading, extracting, categorizing, and the pause/resume edges between
// them. It owns the session state machine; the scheduler below it only knows
// about batches.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pmorris/ledgermill/internal/batcher"
	"github.com/pmorris/ledgermill/internal/common"
	"github.com/pmorris/ledgermill/internal/executor"
	"github.com/pmorris/ledgermill/internal/model"
	"github.com/pmorris/ledgermill/internal/scheduler"
	"github.com/pmorris/ledgermill/internal/session"
)

// Config holds pipeline tuning. Zero values fall back to defaults.
type Config struct {
	BatchSize     int
	ParallelCount int
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	StageTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.ParallelCount <= 0 {
		c.ParallelCount = 2
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// InvokerFactory builds the stage invokers for one run. The orchestrator
// resolves what each stage operates on (raw rows or staged candidates) and
// the factory binds that input to the AI client.
type InvokerFactory interface {
	Extraction(rows []model.RawRow) executor.StageInvoker
	Categorization(staged []model.StagedTransaction) executor.StageInvoker
}

// Orchestrator drives import sessions. One orchestrator runs at most one
// session at a time; the session store's version check rejects a second
// process working the same session.
type Orchestrator struct {
	store   session.Store
	factory InvokerFactory
	cfg     Config
	events  chan scheduler.Event
	cancel  context.CancelFunc
	mu      sync.Mutex
}

// New creates an Orchestrator.
func New(store session.Store, factory InvokerFactory, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:   store,
		factory: factory,
		cfg:     cfg.withDefaults(),
		events:  make(chan scheduler.Event, 256),
	}
}

// Events returns the observation stream: batch lifecycle and progress
// events, forwarded as the run produces them. Events are dropped rather
// than blocking the pipeline when no one is consuming.
func (o *Orchestrator) Events() <-chan scheduler.Event {
	return o.events
}

// Upload registers a statement's rows as a new session, or returns the
// existing session when the same file fingerprint is already in flight. The
// returned bool reports whether an existing session was found.
func (o *Orchestrator) Upload(ctx context.Context, fileName, fingerprint string, rows []model.RawRow) (*model.ImportSession, bool, error) {
	if len(rows) == 0 {
		return nil, false, fmt.Errorf("%w: no rows to import", common.ErrInvalidInput)
	}

	existing, err := o.store.FindByFingerprint(ctx, fingerprint)
	if err == nil {
		slog.Info("Statement already has a session, resuming it",
			"session_id", existing.ID,
			"status", existing.Status)
		return existing, true, nil
	}
	if !errors.Is(err, common.ErrSessionNotFound) {
		return nil, false, err
	}

	batches, err := batcher.Split(len(rows), o.cfg.BatchSize, model.StageExtraction)
	if err != nil {
		return nil, false, err
	}

	sess := &model.ImportSession{
		ID:              uuid.NewString(),
		FileName:        fileName,
		FileFingerprint: fingerprint,
		Status:          model.StatusUploading,
		TotalRows:       len(rows),
		Batches:         batches,
	}

	if err := o.store.Save(ctx, sess); err != nil {
		return nil, false, err
	}
	if err := o.store.SaveRows(ctx, sess.ID, rows); err != nil {
		return nil, false, err
	}

	slog.Info("Created import session",
		"session_id", sess.ID,
		"file", fileName,
		"rows", len(rows),
		"batches", len(batches))

	return sess, false, nil
}

// Run drives the session from its current status to completed, paused, or
// error. It blocks until one of those; Stop from another goroutine turns the
// run into a pause.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) (*model.ImportSession, error) {
	sess, err := o.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch sess.Status {
	case model.StatusUploading:
		if err := o.transition(ctx, sess, model.StatusExtracting); err != nil {
			return nil, err
		}
	case model.StatusIdle:
		// A session reset after an error. Failed batches get a fresh retry
		// budget and their diagnostics are dropped; succeeded batches and
		// their staged results are kept, so only the gaps run again.
		resetForRerun(sess)
		if err := o.store.ClearFailedBatches(ctx, sess.ID); err != nil {
			return nil, err
		}
		if err := o.transition(ctx, sess, model.StatusUploading); err != nil {
			return nil, err
		}
		if err := o.transition(ctx, sess, model.StatusExtracting); err != nil {
			return nil, err
		}
	case model.StatusExtracting, model.StatusCategorizing:
		// Recovering from a crash mid-run: in-flight batches never
		// checkpointed a terminal state, so they run again.
		resetInFlight(sess)
		if err := o.store.Save(ctx, sess); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: cannot run session in status %s", common.ErrInvalidState, sess.Status)
	}

	return o.execute(ctx, sess)
}

// Resume continues a paused session from the stage the pause interrupted.
// Succeeded batches are never re-run; terminally failed batches stay failed.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*model.ImportSession, error) {
	sess, err := o.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.StatusPaused {
		return nil, fmt.Errorf("%w: cannot resume session in status %s", common.ErrInvalidState, sess.Status)
	}

	target := model.StatusCategorizing
	if !sess.StageDone(model.StageExtraction) {
		target = model.StatusExtracting
	}

	resetInFlight(sess)
	if err := o.transition(ctx, sess, target); err != nil {
		return nil, err
	}

	return o.execute(ctx, sess)
}

// CategorizePaused categorizes whatever is staged so far and returns the
// session to paused, so a partial extraction can be reviewed with categories
// before deciding to resume or approve.
func (o *Orchestrator) CategorizePaused(ctx context.Context, sessionID string) (*model.ImportSession, error) {
	sess, err := o.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.StatusPaused {
		return nil, fmt.Errorf("%w: cannot categorize session in status %s", common.ErrInvalidState, sess.Status)
	}
	if len(sess.Staged) == 0 {
		return nil, fmt.Errorf("%w: nothing staged to categorize", common.ErrInvalidState)
	}

	resetInFlight(sess)
	if err := o.transition(ctx, sess, model.StatusCategorizing); err != nil {
		return nil, err
	}

	runCtx, done := o.arm(ctx)
	defer done()

	if err := o.runCategorization(ctx, runCtx, sess); err != nil {
		return nil, o.fail(ctx, sess, err)
	}

	if err := o.transition(ctx, sess, model.StatusPaused); err != nil {
		return nil, err
	}
	return sess, nil
}

// Stop requests a cooperative pause of the active run. In-flight batches
// finish and checkpoint; no new batch starts.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// Reset returns an errored session to idle. Staged transactions and
// succeeded batches are kept; a subsequent Run re-enters the pipeline and
// processes only what is still missing.
func (o *Orchestrator) Reset(ctx context.Context, sessionID string) (*model.ImportSession, error) {
	sess, err := o.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := o.transition(ctx, sess, model.StatusIdle); err != nil {
		return nil, err
	}
	return sess, nil
}

// Progress computes the progress projection for a session from its stored
// batch state.
func (o *Orchestrator) Progress(ctx context.Context, sessionID string) (model.Progress, error) {
	sess, err := o.store.Load(ctx, sessionID)
	if err != nil {
		return model.Progress{}, err
	}

	stage := model.StageExtraction
	if sess.StageDone(model.StageExtraction) {
		stage = model.StageCategorization
	}

	p := model.Progress{
		Stage:         stage,
		TotalRows:     sess.TotalRows,
		ParallelCount: o.cfg.ParallelCount,
	}
	for _, b := range sess.BatchesForStage(stage) {
		p.Total++
		switch b.Status {
		case model.BatchSucceeded:
			p.SucceededBatches++
		case model.BatchFailed:
			p.FailedBatches++
		}
		if b.RetryCount > 1 {
			p.RetriedBatches++
		}
	}
	p.Current = p.SucceededBatches + p.FailedBatches

	if stage == model.StageExtraction {
		p.ExpectedTransactions = sess.TotalRows
		p.ProcessedTransactions = len(sess.Staged)
	} else {
		p.ExpectedTransactions = len(sess.Staged)
		p.ProcessedTransactions = sess.CategorizedCount()
	}

	return p, nil
}

// execute runs the remaining stages for a session in extracting or
// categorizing status.
func (o *Orchestrator) execute(ctx context.Context, sess *model.ImportSession) (*model.ImportSession, error) {
	runCtx, done := o.arm(ctx)
	defer done()

	if sess.Status == model.StatusExtracting {
		rows, err := o.store.GetRows(ctx, sess.ID)
		if err != nil {
			return nil, o.fail(ctx, sess, err)
		}

		if err := o.runStage(ctx, runCtx, sess, model.StageExtraction, o.factory.Extraction(rows)); err != nil {
			return nil, o.fail(ctx, sess, err)
		}
		if runCtx.Err() != nil {
			return o.pause(ctx, sess)
		}

		if len(sess.Staged) == 0 {
			return nil, o.fail(ctx, sess, fmt.Errorf("extraction produced no transactions"))
		}
		if err := o.transition(ctx, sess, model.StatusCategorizing); err != nil {
			return nil, err
		}
	}

	if sess.Status == model.StatusCategorizing {
		if err := o.runCategorization(ctx, runCtx, sess); err != nil {
			return nil, o.fail(ctx, sess, err)
		}
		if runCtx.Err() != nil {
			return o.pause(ctx, sess)
		}

		if err := o.transition(ctx, sess, model.StatusCompleted); err != nil {
			return nil, err
		}
		slog.Info("Import session completed",
			"session_id", sess.ID,
			"staged", len(sess.Staged),
			"categorized", sess.CategorizedCount())
	}

	return sess, nil
}

// runCategorization extends the categorization batch sequence over any newly
// staged transactions and runs the pending batches.
func (o *Orchestrator) runCategorization(ctx context.Context, runCtx context.Context, sess *model.ImportSession) error {
	existing := sess.BatchesForStage(model.StageCategorization)
	added, err := batcher.Extend(existing, len(sess.Staged), o.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(added) > 0 {
		sess.Batches = append(sess.Batches, added...)
		if err := o.store.Save(ctx, sess); err != nil {
			return err
		}
	}

	return o.runStage(ctx, runCtx, sess, model.StageCategorization, o.factory.Categorization(sess.Staged))
}

// runStage feeds the stage's pending batches through the scheduler,
// checkpointing every outcome before forwarding it to observers. After the
// event stream closes the session is reloaded so in-memory state reflects
// the checkpoints.
func (o *Orchestrator) runStage(ctx context.Context, runCtx context.Context, sess *model.ImportSession, stage model.Stage, invoker executor.StageInvoker) error {
	pending := pendingBatches(sess, stage)
	if len(pending) > 0 {
		expected := sess.TotalRows
		if stage == model.StageCategorization {
			expected = len(sess.Staged)
		}

		events := scheduler.Run(runCtx, pending, invoker, scheduler.Config{
			ParallelCount:        o.cfg.ParallelCount,
			MaxRetries:           o.cfg.MaxRetries,
			BaseDelay:            o.cfg.BaseDelay,
			MaxDelay:             o.cfg.MaxDelay,
			StageTimeout:         o.cfg.StageTimeout,
			TotalRows:            sess.TotalRows,
			ExpectedTransactions: expected,
		})

		for ev := range events {
			if err := o.checkpoint(ctx, sess.ID, stage, ev); err != nil {
				// Drain so scheduler goroutines can exit before we bail.
				o.Stop()
				for range events {
				}
				return err
			}
			o.emit(ev)
		}
	}

	reloaded, err := o.store.Load(ctx, sess.ID)
	if err != nil {
		return err
	}
	*sess = *reloaded
	return nil
}

// checkpoint persists one scheduler event. A success commits its results and
// the batch's terminal status in one store transaction, so a crash either
// replays the whole batch or skips it; there is no window where results
// exist under a batch that still looks runnable.
func (o *Orchestrator) checkpoint(ctx context.Context, sessionID string, stage model.Stage, ev scheduler.Event) error {
	switch ev.Kind {
	case scheduler.EventBatchStarted:
		return o.store.MarkBatch(ctx, sessionID, stage, ev.Batch.Index, model.BatchInFlight, "", ev.Batch.RetryCount)

	case scheduler.EventBatchSucceeded:
		return o.store.CompleteBatch(ctx, sessionID, stage, ev.Batch.Index, ev.Batch.RetryCount,
			ev.Result.Extracted, ev.Result.Updates)

	case scheduler.EventBatchFailed:
		if err := o.store.MarkBatch(ctx, sessionID, stage, ev.Batch.Index, model.BatchFailed, ev.Batch.LastError, ev.Batch.RetryCount); err != nil {
			return err
		}
		return o.store.AppendFailedBatch(ctx, sessionID, model.FailedBatchRecord{
			Stage:      stage,
			Range:      ev.Batch.Range,
			Error:      ev.Batch.LastError,
			RetryCount: ev.Batch.RetryCount,
		})

	default:
		return nil
	}
}

// arm installs a cancel function for Stop and returns the run context.
func (o *Orchestrator) arm(ctx context.Context) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	return runCtx, func() {
		o.mu.Lock()
		o.cancel = nil
		o.mu.Unlock()
		cancel()
	}
}

func (o *Orchestrator) pause(ctx context.Context, sess *model.ImportSession) (*model.ImportSession, error) {
	if err := o.transition(ctx, sess, model.StatusPaused); err != nil {
		return nil, err
	}
	slog.Info("Import session paused",
		"session_id", sess.ID,
		"staged", len(sess.Staged))
	return sess, nil
}

// fail moves the session to error status, keeping the original cause as the
// returned error. Save failures here are logged, not returned: the cause
// matters more than the bookkeeping.
func (o *Orchestrator) fail(ctx context.Context, sess *model.ImportSession, cause error) error {
	if sess.Status.CanTransition(model.StatusError) {
		sess.Status = model.StatusError
		if err := o.store.Save(ctx, sess); err != nil {
			slog.Error("Failed to record session error status",
				"session_id", sess.ID,
				"error", err)
		}
	}
	return fmt.Errorf("session %s failed: %w", sess.ID, cause)
}

func (o *Orchestrator) transition(ctx context.Context, sess *model.ImportSession, next model.SessionStatus) error {
	if !sess.Status.CanTransition(next) {
		return fmt.Errorf("%w: no transition from %s to %s", common.ErrInvalidState, sess.Status, next)
	}
	sess.Status = next
	return o.store.Save(ctx, sess)
}

func (o *Orchestrator) emit(ev scheduler.Event) {
	select {
	case o.events <- ev:
	default:
	}
}

// pendingBatches returns the stage's non-terminal batches. Succeeded and
// failed batches are excluded, which is what makes resume idempotent.
func pendingBatches(sess *model.ImportSession, stage model.Stage) []model.BatchRecord {
	out := make([]model.BatchRecord, 0, len(sess.Batches))
	for _, b := range sess.Batches {
		if b.Stage == stage && !b.Status.Terminal() {
			b.Status = model.BatchPending
			out = append(out, b)
		}
	}
	return out
}

func resetInFlight(sess *model.ImportSession) {
	for i := range sess.Batches {
		if sess.Batches[i].Status == model.BatchInFlight {
			sess.Batches[i].Status = model.BatchPending
		}
	}
}

// resetForRerun returns failed and in-flight batches to pending with a fresh
// retry budget. Succeeded batches are untouched.
func resetForRerun(sess *model.ImportSession) {
	for i := range sess.Batches {
		switch sess.Batches[i].Status {
		case model.BatchInFlight, model.BatchFailed:
			sess.Batches[i].Status = model.BatchPending
			sess.Batches[i].RetryCount = 0
			sess.Batches[i].LastError = ""
		}
	}
	sess.FailedBatches = nil
}
