// Package model defines the core domain models used throughout the application.
package model

import "time"

// SessionStatus describes where an import session is in its lifecycle.
type SessionStatus string

// Session status constants.
const (
	StatusIdle         SessionStatus = "idle"
	StatusUploading    SessionStatus = "uploading"
	StatusExtracting   SessionStatus = "extracting"
	StatusPaused       SessionStatus = "paused"
	StatusCategorizing SessionStatus = "categorizing"
	StatusCompleted    SessionStatus = "completed"
	StatusCancelled    SessionStatus = "cancelled"
	StatusError        SessionStatus = "error"
)

// transitions encodes the allowed status graph. Backward edges exist only for
// paused (resume) and error (reset); cancel is reachable from anywhere.
var transitions = map[SessionStatus][]SessionStatus{
	StatusIdle:         {StatusUploading},
	StatusUploading:    {StatusExtracting, StatusError},
	StatusExtracting:   {StatusCategorizing, StatusPaused, StatusError},
	StatusCategorizing: {StatusCompleted, StatusPaused, StatusError},
	StatusPaused:       {StatusExtracting, StatusCategorizing},
	StatusError:        {StatusIdle},
	StatusCompleted:    {},
	StatusCancelled:    {},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if next == StatusCancelled {
		return s != StatusCancelled
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status value.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusUploading, StatusExtracting, StatusPaused,
		StatusCategorizing, StatusCompleted, StatusCancelled, StatusError:
		return true
	}
	return false
}

// ImportSession is the durable, user-scoped record of one spreadsheet import.
// It is only ever mutated by its owning orchestrator, through the session
// store's checkpoint operations.
type ImportSession struct {
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ID              string
	FileName        string
	FileFingerprint string
	Status          SessionStatus
	Batches         []BatchRecord
	Staged          []StagedTransaction
	FailedBatches   []FailedBatchRecord
	TotalRows       int
	Version         int64
}

// BatchesForStage returns the batches belonging to one pipeline stage,
// in index order.
func (s *ImportSession) BatchesForStage(stage Stage) []BatchRecord {
	out := make([]BatchRecord, 0, len(s.Batches))
	for _, b := range s.Batches {
		if b.Stage == stage {
			out = append(out, b)
		}
	}
	return out
}

// StageDone reports whether every batch of the given stage has reached a
// terminal state. A stage with no batches is not done.
func (s *ImportSession) StageDone(stage Stage) bool {
	seen := false
	for _, b := range s.Batches {
		if b.Stage != stage {
			continue
		}
		seen = true
		if !b.Status.Terminal() {
			return false
		}
	}
	return seen
}

// FindStaged returns the staged transaction with the given ID, or nil.
func (s *ImportSession) FindStaged(id string) *StagedTransaction {
	for i := range s.Staged {
		if s.Staged[i].ID == id {
			return &s.Staged[i]
		}
	}
	return nil
}

// CategorizedCount returns the number of staged transactions that already
// carry a category.
func (s *ImportSession) CategorizedCount() int {
	n := 0
	for i := range s.Staged {
		if s.Staged[i].Category != nil {
			n++
		}
	}
	return n
}
