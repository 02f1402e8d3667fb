package scheduler

import (
	"sync"
	"time"

	"github.com/pmorris/ledgermill/internal/model"
)

// tracker aggregates per-batch outcomes into the UI progress projection. It
// is the only structure in the scheduler touched by more than one worker, so
// all access goes through its mutex.
type tracker struct {
	start       time.Time
	stage       model.Stage
	total       int
	succeeded   int
	failed      int
	retried     int
	lastAttempt int
	processed   int
	expected    int
	totalRows   int
	parallel    int
	mu          sync.Mutex
}

func newTracker(total int, stage model.Stage, cfg Config) *tracker {
	return &tracker{
		start:     time.Now(),
		stage:     stage,
		total:     total,
		expected:  cfg.ExpectedTransactions,
		totalRows: cfg.TotalRows,
		parallel:  cfg.ParallelCount,
	}
}

func (t *tracker) onRetry(attempt int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retried++
	t.lastAttempt = attempt
}

func (t *tracker) onComplete(succeeded bool, items int) model.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	if succeeded {
		t.succeeded++
	} else {
		t.failed++
	}
	t.processed += items
	return t.snapshotLocked()
}

func (t *tracker) snapshot() model.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// snapshotLocked computes the projection, including the moving-rate time
// estimate: (elapsed / completedBatches) * remainingBatches. The estimate
// improves as more batches complete; no statistical rigor claimed.
func (t *tracker) snapshotLocked() model.Progress {
	completed := t.succeeded + t.failed
	var eta time.Duration
	if completed > 0 && completed < t.total {
		elapsed := time.Since(t.start)
		eta = time.Duration(float64(elapsed) / float64(completed) * float64(t.total-completed))
	}

	return model.Progress{
		Stage:                 t.stage,
		Current:               completed,
		Total:                 t.total,
		TotalRows:             t.totalRows,
		SucceededBatches:      t.succeeded,
		FailedBatches:         t.failed,
		RetriedBatches:        t.retried,
		CurrentRetryAttempt:   t.lastAttempt,
		ProcessedTransactions: t.processed,
		ExpectedTransactions:  t.expected,
		ParallelCount:         t.parallel,
		EstimatedTimeLeft:     eta,
	}
}
