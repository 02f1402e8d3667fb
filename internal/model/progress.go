package model

import "time"

// Progress is the read-only projection consumed by the surrounding UI. The
// scheduler and orchestrator update it on every event; nothing outside the
// pipeline writes it.
type Progress struct {
	Stage                 Stage
	Current               int
	Total                 int
	TotalRows             int
	SucceededBatches      int
	FailedBatches         int
	RetriedBatches        int
	CurrentRetryAttempt   int
	ProcessedTransactions int
	ExpectedTransactions  int
	ParallelCount         int
	EstimatedTimeLeft     time.Duration
}

// Fraction returns completion as a value in [0, 1].
func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Current) / float64(p.Total)
}
