// Package batcher splits parsed input into fixed-size row-range batches.
// Splitting is pure and deterministic so that a resumed session reproduces
// the exact batch boundaries of the original run.
package batcher

import (
	"fmt"

	"github.com/pmorris/ledgermill/internal/common"
	"github.com/pmorris/ledgermill/internal/model"
)

// Split produces contiguous, non-overlapping row ranges covering
// [0, totalRows) for the given stage. The last batch may be smaller than
// batchSize.
func Split(totalRows, batchSize int, stage model.Stage) ([]model.BatchRecord, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", common.ErrInvalidInput, batchSize)
	}
	if totalRows <= 0 {
		return nil, fmt.Errorf("%w: no rows to batch", common.ErrInvalidInput)
	}

	count := (totalRows + batchSize - 1) / batchSize
	batches := make([]model.BatchRecord, 0, count)
	for start := 0; start < totalRows; start += batchSize {
		end := start + batchSize
		if end > totalRows {
			end = totalRows
		}
		batches = append(batches, model.BatchRecord{
			Index:  len(batches),
			Range:  model.RowRange{Start: start, End: end},
			Stage:  stage,
			Status: model.BatchPending,
		})
	}
	return batches, nil
}

// Extend appends batches covering [covered, total) to an existing batch
// sequence for the same stage, continuing its index numbering. Existing
// records keep their boundaries, which is what lets categorization resume
// after partial runs: the staged sequence is append-only, so earlier ranges
// never shift. Returns only the newly created batches.
func Extend(existing []model.BatchRecord, total, batchSize int) ([]model.BatchRecord, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", common.ErrInvalidInput, batchSize)
	}

	covered := 0
	stage := model.StageCategorization
	for _, b := range existing {
		if b.Range.End > covered {
			covered = b.Range.End
		}
		stage = b.Stage
	}
	if covered >= total {
		return nil, nil
	}

	added := make([]model.BatchRecord, 0, (total-covered+batchSize-1)/batchSize)
	for start := covered; start < total; start += batchSize {
		end := start + batchSize
		if end > total {
			end = total
		}
		added = append(added, model.BatchRecord{
			Index:  len(existing) + len(added),
			Range:  model.RowRange{Start: start, End: end},
			Stage:  stage,
			Status: model.BatchPending,
		})
	}
	return added, nil
}
