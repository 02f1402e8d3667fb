// Package scheduler drives many batches through the batch executor with a
// concurrency ceiling, collecting outcomes as they complete. It is a worker
// pool, not a fixed partition: as soon as one batch finishes, the next
// pending batch is dispatched, so slow batches never stall the run.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pmorris/ledgermill/internal/common"
	"github.com/pmorris/ledgermill/internal/executor"
	"github.com/pmorris/ledgermill/internal/model"
)

// Config holds scheduler tuning. All values are configuration inputs, not
// hardwired; zero values fall back to defaults.
type Config struct {
	ParallelCount        int
	MaxRetries           int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	StageTimeout         time.Duration
	TotalRows            int
	ExpectedTransactions int
}

func (c Config) withDefaults() Config {
	if c.ParallelCount <= 0 {
		c.ParallelCount = 2
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 60 * time.Second
	}
	return c
}

// EventKind discriminates scheduler events.
type EventKind string

// Scheduler event kinds.
const (
	EventBatchStarted   EventKind = "batchStarted"
	EventBatchRetried   EventKind = "batchRetried"
	EventBatchSucceeded EventKind = "batchSucceeded"
	EventBatchFailed    EventKind = "batchFailed"
	EventProgress       EventKind = "progressChanged"
)

// Event is one scheduler observation. Batch carries the record with its
// status and retry count as of the event; completion order is unordered, so
// consumers must use Batch.Index / Batch.Range to reassemble.
type Event struct {
	Err      error
	Result   *executor.Result
	Kind     EventKind
	Batch    model.BatchRecord
	Attempt  int
	Progress model.Progress
}

// Run dispatches the given batches against one stage invoker and returns the
// event stream. The channel is closed when every batch has reached a terminal
// state or cancellation was observed. Cancellation is cooperative: it is
// checked between dispatch decisions and during backoff sleeps; in-flight
// calls are allowed to finish so the external provider's side effects stay
// consistent with local bookkeeping.
func Run(ctx context.Context, batches []model.BatchRecord, invoker executor.StageInvoker, cfg Config) <-chan Event {
	cfg = cfg.withDefaults()
	trk := newTracker(len(batches), invoker.Stage(), cfg)

	// Buffered so workers never block on a slow consumer: at most
	// started + retries + terminal + progress events per batch.
	events := make(chan Event, len(batches)*(cfg.MaxRetries+3)+1)

	// Dispatch order follows row-range order.
	work := make(chan model.BatchRecord, len(batches))
	for _, b := range batches {
		work <- b
	}
	close(work)

	var wg sync.WaitGroup
	wg.Add(cfg.ParallelCount)
	for i := 0; i < cfg.ParallelCount; i++ {
		go func(worker int) {
			defer wg.Done()
			for batch := range work {
				select {
				case <-ctx.Done():
					// Pause observed: no new batch starts. Whatever is
					// still queued stays pending for the resume.
					return
				default:
				}
				runBatch(ctx, worker, batch, invoker, cfg, trk, events)
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(events)
	}()

	return events
}

// runBatch drives one batch to a terminal state, sleeping between attempts
// per the backoff schedule. A cancellation during backoff abandons the batch
// without a terminal event; it remains resumable.
func runBatch(ctx context.Context, worker int, batch model.BatchRecord, invoker executor.StageInvoker, cfg Config, trk *tracker, events chan<- Event) {
	batch.Status = model.BatchInFlight

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if attempt == 1 {
			events <- Event{Kind: EventBatchStarted, Batch: batch, Attempt: attempt}
		} else {
			trk.onRetry(attempt)
			events <- Event{Kind: EventBatchRetried, Batch: batch, Attempt: attempt}
			slog.Debug("retrying batch",
				"worker", worker,
				"stage", invoker.Stage(),
				"range", batch.Range.String(),
				"attempt", attempt)
		}

		out := executor.Execute(ctx, batch, invoker, attempt, cfg.StageTimeout)
		batch.RetryCount = attempt

		if out.Succeeded {
			batch.Status = model.BatchSucceeded
			batch.LastError = ""
			events <- Event{Kind: EventBatchSucceeded, Batch: batch, Attempt: attempt, Result: out.Result}
			items := len(out.Result.Extracted) + len(out.Result.Updates)
			events <- Event{Kind: EventProgress, Batch: batch, Progress: trk.onComplete(true, items)}
			return
		}

		batch.LastError = out.Err.Error()

		if ctx.Err() != nil {
			// Cancelled while the call was in flight; leave the batch
			// non-terminal.
			return
		}

		if !out.Retryable || attempt == cfg.MaxRetries {
			err := out.Err
			if out.Retryable {
				err = fmt.Errorf("%w after %d attempts: %v", common.ErrMaxRetries, attempt, out.Err)
			}
			batch.Status = model.BatchFailed
			batch.LastError = err.Error()
			events <- Event{Kind: EventBatchFailed, Batch: batch, Attempt: attempt, Err: err}
			events <- Event{Kind: EventProgress, Batch: batch, Progress: trk.onComplete(false, 0)}
			slog.Warn("batch terminally failed",
				"stage", invoker.Stage(),
				"range", batch.Range.String(),
				"attempts", attempt,
				"error", err)
			return
		}

		if err := common.Sleep(ctx, common.Backoff(attempt, cfg.BaseDelay, cfg.MaxDelay)); err != nil {
			return
		}
	}
}
