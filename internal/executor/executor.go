// Package executor runs one batch through an external pipeline stage with a
// per-call timeout, and classifies failures as retryable or terminal.
package executor

import (
	"context"
	"time"

	"github.com/pmorris/ledgermill/internal/common"
	"github.com/pmorris/ledgermill/internal/model"
)

// StageInvoker abstracts the external AI call for one pipeline stage. The
// extraction invoker resolves a batch's row range to raw rows; the
// categorization invoker resolves it to staged candidates. Either way the
// executor only consumes the success/failure shape.
type StageInvoker interface {
	Stage() model.Stage
	Invoke(ctx context.Context, batch model.BatchRecord) (*Result, error)
}

// Result carries a successful batch's items. Exactly one field is populated
// depending on the stage.
type Result struct {
	Extracted []model.StagedTransaction
	Updates   []model.CategoryUpdate
}

// Empty reports whether the result carries no items at all.
func (r *Result) Empty() bool {
	return r == nil || (len(r.Extracted) == 0 && len(r.Updates) == 0)
}

// Outcome is the terminal report for one execution attempt.
type Outcome struct {
	Err       error
	Result    *Result
	Batch     model.BatchRecord
	Attempt   int
	Succeeded bool
	Retryable bool
}

// Execute runs a single attempt of one batch against the stage invoker,
// bounded by timeout. The call context is detached from the run context, so
// a pause lands between attempts, never inside one: an in-flight call always
// runs to completion and its side effects stay consistent with what gets
// checkpointed. Timeouts and transport errors come back retryable; a
// well-formed but empty or malformed response does not, since retrying the
// same payload cannot help.
func Execute(ctx context.Context, batch model.BatchRecord, invoker StageInvoker, attempt int, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	if err := ctx.Err(); err != nil {
		return Outcome{Batch: batch, Attempt: attempt, Err: err, Retryable: false}
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	result, err := invoker.Invoke(callCtx, batch)
	if err != nil {
		// The run was cancelled while the call was in flight; the failure is
		// not ours to retry, the resumed run will pick the batch up again.
		if ctx.Err() != nil {
			return Outcome{Batch: batch, Attempt: attempt, Err: err, Retryable: false}
		}
		return Outcome{Batch: batch, Attempt: attempt, Err: err, Retryable: common.IsRetryable(err)}
	}

	if result.Empty() {
		return Outcome{Batch: batch, Attempt: attempt, Err: common.ErrEmptyResponse, Retryable: false}
	}

	return Outcome{Batch: batch, Attempt: attempt, Succeeded: true, Result: result}
}
