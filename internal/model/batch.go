package model

import "fmt"

// Stage identifies one of the two AI-driven pipeline transformations.
type Stage string

// Pipeline stages.
const (
	StageExtraction     Stage = "extraction"
	StageCategorization Stage = "categorization"
)

// BatchStatus tracks a batch through one stage.
type BatchStatus string

// Batch status constants.
const (
	BatchPending   BatchStatus = "pending"
	BatchInFlight  BatchStatus = "inFlight"
	BatchSucceeded BatchStatus = "succeeded"
	BatchFailed    BatchStatus = "failed"
)

// Terminal reports whether the status will not change again for this stage.
func (s BatchStatus) Terminal() bool {
	return s == BatchSucceeded || s == BatchFailed
}

// RowRange is a half-open [Start, End) slice of input rows (or, for
// categorization batches, of the staged-transaction sequence).
type RowRange struct {
	Start int
	End   int
}

// Len returns the number of rows covered by the range.
func (r RowRange) Len() int {
	return r.End - r.Start
}

func (r RowRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// BatchRecord is one contiguous slice of input processed together through a
// single stage. Index and Range are stable once assigned so that a resumed
// run reproduces the original boundaries.
type BatchRecord struct {
	Stage      Stage
	Status     BatchStatus
	LastError  string
	Range      RowRange
	Index      int
	RetryCount int
}

// FailedBatchRecord is created only when a batch exhausts its retries or
// fails non-retryably. It is surfaced verbatim so the affected rows can be
// entered manually instead of silently dropped.
type FailedBatchRecord struct {
	Stage      Stage
	Error      string
	Range      RowRange
	RetryCount int
}
