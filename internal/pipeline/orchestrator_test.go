package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmorris/ledgermill/internal/common"
	"github.com/pmorris/ledgermill/internal/executor"
	"github.com/pmorris/ledgermill/internal/model"
	"github.com/pmorris/ledgermill/internal/session"
)

func setupStore(t *testing.T) session.Store {
	t.Helper()

	store, err := session.NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func makeRows(n int) []model.RawRow {
	rows := make([]model.RawRow, n)
	for i := range rows {
		rows[i] = model.RawRow{
			Index:  i,
			Fields: []string{"2024-01-02", fmt.Sprintf("PURCHASE %d", i), "-1.00"},
		}
	}
	return rows
}

// fakeExtractor yields one staged transaction per row in the batch's range.
// Batches whose range start appears in failWith fail non-retryably; a batch
// whose start appears in blockAt closes started and waits for release. With
// uniqueIDs set every call mints fresh IDs, like the real extractor does.
type fakeExtractor struct {
	rows      []model.RawRow
	failWith  map[int]error
	started   chan struct{}
	release   chan struct{}
	blockAt   int
	calls     map[int]int
	uniqueIDs bool
	once      sync.Once
	mu        sync.Mutex
}

func (f *fakeExtractor) Stage() model.Stage { return model.StageExtraction }

func (f *fakeExtractor) Invoke(_ context.Context, batch model.BatchRecord) (*executor.Result, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[int]int)
	}
	f.calls[batch.Range.Start]++
	call := f.calls[batch.Range.Start]
	f.mu.Unlock()

	if f.release != nil && batch.Range.Start == f.blockAt {
		f.once.Do(func() { close(f.started) })
		<-f.release
	}

	if err, ok := f.failWith[batch.Range.Start]; ok {
		return nil, err
	}

	staged := make([]model.StagedTransaction, 0, batch.Range.Len())
	for i := batch.Range.Start; i < batch.Range.End; i++ {
		id := fmt.Sprintf("txn-%d", i)
		if f.uniqueIDs {
			id = fmt.Sprintf("txn-%d-call%d", i, call)
		}
		staged = append(staged, model.StagedTransaction{
			ID:          id,
			Description: fmt.Sprintf("PURCHASE %d", i),
			Amount:      -1,
			SourceRange: batch.Range,
		})
	}
	return &executor.Result{Extracted: staged}, nil
}

func (f *fakeExtractor) callsFor(start int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[start]
}

// fakeCategorizer assigns a fixed category to every candidate in range.
type fakeCategorizer struct {
	staged   []model.StagedTransaction
	failWith map[int]error
	calls    map[int]int
	mu       sync.Mutex
}

func (f *fakeCategorizer) Stage() model.Stage { return model.StageCategorization }

func (f *fakeCategorizer) Invoke(_ context.Context, batch model.BatchRecord) (*executor.Result, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[int]int)
	}
	f.calls[batch.Range.Start]++
	f.mu.Unlock()

	if err, ok := f.failWith[batch.Range.Start]; ok {
		return nil, err
	}

	updates := make([]model.CategoryUpdate, 0, batch.Range.Len())
	for _, t := range f.staged[batch.Range.Start:batch.Range.End] {
		updates = append(updates, model.CategoryUpdate{
			TransactionID: t.ID,
			Category:      "Shopping",
			Confidence:    0.9,
		})
	}
	return &executor.Result{Updates: updates}, nil
}

type fakeFactory struct {
	extractor   *fakeExtractor
	categorizer *fakeCategorizer
}

func (f *fakeFactory) Extraction(rows []model.RawRow) executor.StageInvoker {
	f.extractor.rows = rows
	return f.extractor
}

func (f *fakeFactory) Categorization(staged []model.StagedTransaction) executor.StageInvoker {
	f.categorizer.staged = staged
	return f.categorizer
}

func newTestOrchestrator(t *testing.T, factory *fakeFactory, cfg Config) (*Orchestrator, session.Store) {
	t.Helper()
	store := setupStore(t)
	return New(store, factory, cfg), store
}

func TestUploadAndRunToCompletion(t *testing.T) {
	factory := &fakeFactory{extractor: &fakeExtractor{}, categorizer: &fakeCategorizer{}}
	orch, _ := newTestOrchestrator(t, factory, Config{BatchSize: 4, ParallelCount: 2})
	ctx := context.Background()

	sess, resumed, err := orch.Upload(ctx, "jan.csv", "fp-jan", makeRows(10))
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Equal(t, model.StatusUploading, sess.Status)
	assert.Len(t, sess.Batches, 3)

	final, err := orch.Run(ctx, sess.ID)
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Len(t, final.Staged, 10)
	assert.Equal(t, 10, final.CategorizedCount())
	assert.True(t, final.StageDone(model.StageExtraction))
	assert.True(t, final.StageDone(model.StageCategorization))
	assert.Empty(t, final.FailedBatches)
}

func TestUploadSameFingerprintReturnsExisting(t *testing.T) {
	factory := &fakeFactory{extractor: &fakeExtractor{}, categorizer: &fakeCategorizer{}}
	orch, _ := newTestOrchestrator(t, factory, Config{BatchSize: 4})
	ctx := context.Background()

	first, _, err := orch.Upload(ctx, "jan.csv", "fp-jan", makeRows(10))
	require.NoError(t, err)

	second, resumed, err := orch.Upload(ctx, "jan-copy.csv", "fp-jan", makeRows(10))
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, first.ID, second.ID)
}

func TestFailedBatchDoesNotBlockCompletion(t *testing.T) {
	factory := &fakeFactory{
		extractor: &fakeExtractor{
			failWith: map[int]error{4: &common.RetryableError{Err: fmt.Errorf("model refused"), Retryable: false}},
		},
		categorizer: &fakeCategorizer{},
	}
	orch, _ := newTestOrchestrator(t, factory, Config{BatchSize: 4, ParallelCount: 2})
	ctx := context.Background()

	sess, _, err := orch.Upload(ctx, "jan.csv", "fp-jan", makeRows(10))
	require.NoError(t, err)

	final, err := orch.Run(ctx, sess.ID)
	require.NoError(t, err)

	// Rows 4..8 never became transactions; the rest flowed through.
	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Len(t, final.Staged, 6)
	assert.Equal(t, 6, final.CategorizedCount())

	require.Len(t, final.FailedBatches, 1)
	assert.Equal(t, model.RowRange{Start: 4, End: 8}, final.FailedBatches[0].Range)
	assert.Equal(t, model.StageExtraction, final.FailedBatches[0].Stage)
}

func TestRetryCountPersistedOnTerminalFailure(t *testing.T) {
	factory := &fakeFactory{
		extractor: &fakeExtractor{
			failWith: map[int]error{4: context.DeadlineExceeded},
		},
		categorizer: &fakeCategorizer{},
	}
	orch, _ := newTestOrchestrator(t, factory, Config{
		BatchSize:     4,
		ParallelCount: 2,
		MaxRetries:    3,
		BaseDelay:     time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
	})
	ctx := context.Background()

	sess, _, err := orch.Upload(ctx, "jan.csv", "fp-jan", makeRows(10))
	require.NoError(t, err)

	final, err := orch.Run(ctx, sess.ID)
	require.NoError(t, err)

	require.Len(t, final.FailedBatches, 1)
	assert.Equal(t, 3, final.FailedBatches[0].RetryCount)
	assert.Equal(t, 3, factory.extractor.callsFor(4))

	for _, b := range final.BatchesForStage(model.StageExtraction) {
		if b.Range.Start == 4 {
			assert.Equal(t, model.BatchFailed, b.Status)
			assert.Equal(t, 3, b.RetryCount)
		}
	}
}

func TestStopPausesAndResumeSkipsSucceeded(t *testing.T) {
	extractor := &fakeExtractor{
		started: make(chan struct{}),
		release: make(chan struct{}),
		blockAt: 4,
	}
	factory := &fakeFactory{extractor: extractor, categorizer: &fakeCategorizer{}}
	orch, _ := newTestOrchestrator(t, factory, Config{BatchSize: 4, ParallelCount: 1})
	ctx := context.Background()

	sess, _, err := orch.Upload(ctx, "jan.csv", "fp-jan", makeRows(10))
	require.NoError(t, err)

	var paused *model.ImportSession
	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		paused, runErr = orch.Run(ctx, sess.ID)
	}()

	// Batch [4,8) is in flight; stop, then let it finish.
	<-extractor.started
	orch.Stop()
	close(extractor.release)
	<-done

	require.NoError(t, runErr)
	assert.Equal(t, model.StatusPaused, paused.Status)

	// The in-flight batch completed and checkpointed; the third never ran.
	assert.Len(t, paused.Staged, 8)
	assert.Equal(t, 1, extractor.callsFor(0))
	assert.Equal(t, 1, extractor.callsFor(4))
	assert.Equal(t, 0, extractor.callsFor(8))

	final, err := orch.Resume(ctx, sess.ID)
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Len(t, final.Staged, 10)
	assert.Equal(t, 10, final.CategorizedCount())

	// Succeeded batches were not re-run on resume.
	assert.Equal(t, 1, extractor.callsFor(0))
	assert.Equal(t, 1, extractor.callsFor(4))
	assert.Equal(t, 1, extractor.callsFor(8))
}

func TestCategorizePausedKeepsSessionPaused(t *testing.T) {
	extractor := &fakeExtractor{
		started: make(chan struct{}),
		release: make(chan struct{}),
		blockAt: 4,
	}
	factory := &fakeFactory{extractor: extractor, categorizer: &fakeCategorizer{}}
	orch, _ := newTestOrchestrator(t, factory, Config{BatchSize: 4, ParallelCount: 1})
	ctx := context.Background()

	sess, _, err := orch.Upload(ctx, "jan.csv", "fp-jan", makeRows(10))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = orch.Run(ctx, sess.ID)
	}()
	<-extractor.started
	orch.Stop()
	close(extractor.release)
	<-done

	reviewed, err := orch.CategorizePaused(ctx, sess.ID)
	require.NoError(t, err)

	assert.Equal(t, model.StatusPaused, reviewed.Status)
	assert.Len(t, reviewed.Staged, 8)
	assert.Equal(t, 8, reviewed.CategorizedCount())
	assert.False(t, reviewed.StageDone(model.StageExtraction))

	// Resuming finishes extraction, then categorizes only the new rows.
	final, err := orch.Resume(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Len(t, final.Staged, 10)
	assert.Equal(t, 10, final.CategorizedCount())
}

func TestAllExtractionFailedMovesToError(t *testing.T) {
	factory := &fakeFactory{
		extractor: &fakeExtractor{
			failWith: map[int]error{
				0: &common.RetryableError{Err: fmt.Errorf("refused"), Retryable: false},
				4: &common.RetryableError{Err: fmt.Errorf("refused"), Retryable: false},
				8: &common.RetryableError{Err: fmt.Errorf("refused"), Retryable: false},
			},
		},
		categorizer: &fakeCategorizer{},
	}
	orch, store := newTestOrchestrator(t, factory, Config{BatchSize: 4, ParallelCount: 2})
	ctx := context.Background()

	sess, _, err := orch.Upload(ctx, "jan.csv", "fp-jan", makeRows(10))
	require.NoError(t, err)

	_, err = orch.Run(ctx, sess.ID)
	require.Error(t, err)

	stored, err := store.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, stored.Status)
	assert.Len(t, stored.FailedBatches, 3)

	// Reset returns the session to idle for inspection.
	reset, err := orch.Reset(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusIdle, reset.Status)
}

// failingCheckpointStore stands in for a process that dies during a success
// checkpoint: the first success write fails, everything after goes through.
type failingCheckpointStore struct {
	session.Store
	failed bool
	mu     sync.Mutex
}

func (s *failingCheckpointStore) CompleteBatch(ctx context.Context, id string, stage model.Stage, index int, retryCount int, staged []model.StagedTransaction, updates []model.CategoryUpdate) error {
	s.mu.Lock()
	first := !s.failed
	s.failed = true
	s.mu.Unlock()
	if first {
		return fmt.Errorf("disk full")
	}
	return s.Store.CompleteBatch(ctx, id, stage, index, retryCount, staged, updates)
}

func (s *failingCheckpointStore) MarkBatch(ctx context.Context, id string, stage model.Stage, index int, status model.BatchStatus, lastError string, retryCount int) error {
	if status == model.BatchSucceeded {
		s.mu.Lock()
		first := !s.failed
		s.failed = true
		s.mu.Unlock()
		if first {
			return fmt.Errorf("disk full")
		}
	}
	return s.Store.MarkBatch(ctx, id, stage, index, status, lastError, retryCount)
}

func TestInterruptedCheckpointDoesNotDuplicateStaged(t *testing.T) {
	extractor := &fakeExtractor{uniqueIDs: true}
	factory := &fakeFactory{extractor: extractor, categorizer: &fakeCategorizer{}}
	store := &failingCheckpointStore{Store: setupStore(t)}
	orch := New(store, factory, Config{BatchSize: 4, ParallelCount: 1})
	ctx := context.Background()

	sess, _, err := orch.Upload(ctx, "jan.csv", "fp-jan", makeRows(4))
	require.NoError(t, err)

	// The batch executes, but its success checkpoint never lands. Because
	// results and the succeeded status commit together, the store must hold
	// either both or neither.
	_, err = orch.Run(ctx, sess.ID)
	require.Error(t, err)

	_, err = orch.Reset(ctx, sess.ID)
	require.NoError(t, err)

	final, err := orch.Run(ctx, sess.ID)
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Len(t, final.Staged, 4, "each source row is staged exactly once across the retry")
	assert.Equal(t, 2, extractor.callsFor(0))
}

func TestResetAfterErrorAllowsRerun(t *testing.T) {
	extractor := &fakeExtractor{
		failWith: map[int]error{
			0: &common.RetryableError{Err: fmt.Errorf("refused"), Retryable: false},
			4: &common.RetryableError{Err: fmt.Errorf("refused"), Retryable: false},
			8: &common.RetryableError{Err: fmt.Errorf("refused"), Retryable: false},
		},
	}
	factory := &fakeFactory{extractor: extractor, categorizer: &fakeCategorizer{}}
	orch, store := newTestOrchestrator(t, factory, Config{BatchSize: 4, ParallelCount: 2})
	ctx := context.Background()

	sess, _, err := orch.Upload(ctx, "jan.csv", "fp-jan", makeRows(10))
	require.NoError(t, err)

	_, err = orch.Run(ctx, sess.ID)
	require.Error(t, err)

	reset, err := orch.Reset(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusIdle, reset.Status)

	// The provider recovers; the idle session re-enters the pipeline with
	// its stored rows and a fresh retry budget for the failed batches.
	extractor.failWith = nil

	final, err := orch.Run(ctx, sess.ID)
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Len(t, final.Staged, 10)
	assert.Equal(t, 10, final.CategorizedCount())
	assert.Empty(t, final.FailedBatches, "stale failure diagnostics are cleared on rerun")

	stored, err := store.Load(ctx, sess.ID)
	require.NoError(t, err)
	for _, b := range stored.BatchesForStage(model.StageExtraction) {
		assert.Equal(t, model.BatchSucceeded, b.Status)
	}
}

func TestRunRejectsWrongStatus(t *testing.T) {
	factory := &fakeFactory{extractor: &fakeExtractor{}, categorizer: &fakeCategorizer{}}
	orch, store := newTestOrchestrator(t, factory, Config{BatchSize: 4})
	ctx := context.Background()

	sess := &model.ImportSession{
		ID:              "sess-x",
		FileName:        "x.csv",
		FileFingerprint: "fp-x",
		Status:          model.StatusCompleted,
	}
	require.NoError(t, store.Save(ctx, sess))

	_, err := orch.Run(ctx, "sess-x")
	assert.ErrorIs(t, err, common.ErrInvalidState)

	_, err = orch.Resume(ctx, "sess-x")
	assert.ErrorIs(t, err, common.ErrInvalidState)
}

func TestProgressProjection(t *testing.T) {
	factory := &fakeFactory{
		extractor: &fakeExtractor{
			failWith: map[int]error{4: &common.RetryableError{Err: fmt.Errorf("refused"), Retryable: false}},
		},
		categorizer: &fakeCategorizer{},
	}
	orch, _ := newTestOrchestrator(t, factory, Config{BatchSize: 4, ParallelCount: 2})
	ctx := context.Background()

	sess, _, err := orch.Upload(ctx, "jan.csv", "fp-jan", makeRows(10))
	require.NoError(t, err)

	_, err = orch.Run(ctx, sess.ID)
	require.NoError(t, err)

	progress, err := orch.Progress(ctx, sess.ID)
	require.NoError(t, err)

	assert.Equal(t, model.StageCategorization, progress.Stage)
	assert.Equal(t, progress.Total, progress.Current)
	assert.Equal(t, 6, progress.ProcessedTransactions)
	assert.Equal(t, 6, progress.ExpectedTransactions)
	assert.InDelta(t, 1.0, progress.Fraction(), 0.001)
}
