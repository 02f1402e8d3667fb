package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pmorris/ledgermill/internal/common"
	"github.com/pmorris/ledgermill/internal/executor"
	"github.com/pmorris/ledgermill/internal/model"
)

const extractionSystemPrompt = `You are a bank statement parser. You receive raw spreadsheet rows and extract the transactions they contain. You MUST respond with ONLY a valid JSON object of the form {"transactions": [{"date": "YYYY-MM-DD", "description": "...", "merchant": "...", "amount": -12.34}]}. Skip rows that are headers, balances, or otherwise not transactions. Amounts are negative for money spent and positive for money received. Do not include any explanatory text or markdown formatting.`

// dateLayouts covers the formats banks commonly export. Tried in order.
var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"02 Jan 2006",
	time.RFC3339,
}

// Extractor turns one extraction batch's raw rows into staged transaction
// candidates via the LLM.
type Extractor struct {
	client Client
	rows   []model.RawRow
}

// NewExtractor creates an extraction invoker over the session's full row
// set. Each Invoke slices out the batch's row range.
func NewExtractor(client Client, rows []model.RawRow) *Extractor {
	return &Extractor{client: client, rows: rows}
}

// Stage identifies the pipeline stage this invoker serves.
func (e *Extractor) Stage() model.Stage {
	return model.StageExtraction
}

// Invoke extracts transactions from the batch's rows.
func (e *Extractor) Invoke(ctx context.Context, batch model.BatchRecord) (*executor.Result, error) {
	if batch.Range.Start < 0 || batch.Range.End > len(e.rows) || batch.Range.Start >= batch.Range.End {
		return nil, fmt.Errorf("%w: batch range %s outside %d rows", common.ErrInvalidInput, batch.Range, len(e.rows))
	}

	var sb strings.Builder
	sb.WriteString("Rows:\n")
	for _, row := range e.rows[batch.Range.Start:batch.Range.End] {
		fmt.Fprintf(&sb, "%d: %s\n", row.Index, strings.Join(row.Fields, " | "))
	}

	content, err := e.client.Complete(ctx, extractionSystemPrompt, sb.String())
	if err != nil {
		return nil, err
	}

	extracted, err := decodeExtraction(content)
	if err != nil {
		return nil, err
	}

	staged := make([]model.StagedTransaction, 0, len(extracted))
	for _, row := range extracted {
		staged = append(staged, model.StagedTransaction{
			ID:          uuid.NewString(),
			Date:        parseDate(row.Date),
			Description: row.Description,
			Merchant:    row.Merchant,
			Amount:      row.Amount,
			SourceRange: batch.Range,
		})
	}

	return &executor.Result{Extracted: staged}, nil
}

func parseDate(value string) time.Time {
	value = strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
