package model

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// RawRow is one unparsed spreadsheet row as handed to the extraction stage.
type RawRow struct {
	Fields []string
	Index  int
}

// StagedTransaction is a transaction candidate held in the session: created
// by a successful extraction batch, given a category by a successful
// categorization batch, and finally transferred or discarded with the session.
type StagedTransaction struct {
	Date        time.Time
	Category    *string
	ID          string
	Description string
	Merchant    string
	SourceRange RowRange
	Amount      float64
	Confidence  float64
}

// CategoryUpdate is the categorization stage's output for one candidate.
type CategoryUpdate struct {
	TransactionID string
	Category      string
	Confidence    float64
}

// Transaction is a permanent ledger record, produced from a staged
// transaction at finalization time.
type Transaction struct {
	Date          time.Time
	ImportedAt    time.Time
	ID            string
	Hash          string
	Description   string
	Merchant      string
	Category      string
	SourceSession string
	Amount        float64
}

// GenerateHash creates a stable hash for duplicate detection, so a retried
// finalization never inserts the same transaction twice.
func (t *Transaction) GenerateHash() string {
	data := fmt.Sprintf("%s:%.2f:%s:%s",
		t.Date.Format("2006-01-02"),
		t.Amount,
		t.Description,
		t.Merchant)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}
