package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pmorris/ledgermill/internal/common"
	"github.com/pmorris/ledgermill/internal/executor"
	"github.com/pmorris/ledgermill/internal/model"
)

const categorizationSystemPrompt = `You are a financial transaction classifier. You receive transactions and a list of allowed categories, and assign each transaction the best-fitting category. You MUST respond with ONLY a valid JSON object of the form {"assignments": [{"id": "...", "category": "...", "confidence": 0.95}]}. Use only categories from the provided list. Confidence is between 0 and 1. Do not include any explanatory text or markdown formatting.`

// Categorizer assigns categories to one categorization batch's staged
// transactions via the LLM.
type Categorizer struct {
	client     Client
	staged     []model.StagedTransaction
	categories []string
	known      map[string]bool
}

// NewCategorizer creates a categorization invoker over the session's staged
// sequence. Batch ranges index into that sequence, not into spreadsheet rows.
func NewCategorizer(client Client, staged []model.StagedTransaction, categories []string) *Categorizer {
	known := make(map[string]bool, len(staged))
	for _, t := range staged {
		known[t.ID] = true
	}
	return &Categorizer{client: client, staged: staged, categories: categories, known: known}
}

// Stage identifies the pipeline stage this invoker serves.
func (c *Categorizer) Stage() model.Stage {
	return model.StageCategorization
}

// Invoke categorizes the batch's staged transactions. Assignments naming
// unknown transaction IDs are dropped with a warning rather than failing the
// batch.
func (c *Categorizer) Invoke(ctx context.Context, batch model.BatchRecord) (*executor.Result, error) {
	if batch.Range.Start < 0 || batch.Range.End > len(c.staged) || batch.Range.Start >= batch.Range.End {
		return nil, fmt.Errorf("%w: batch range %s outside %d staged transactions", common.ErrInvalidInput, batch.Range, len(c.staged))
	}

	var sb strings.Builder
	sb.WriteString("Categories: ")
	sb.WriteString(strings.Join(c.categories, ", "))
	sb.WriteString("\n\nTransactions:\n")
	for _, t := range c.staged[batch.Range.Start:batch.Range.End] {
		fmt.Fprintf(&sb, "id=%s date=%s description=%q merchant=%q amount=%.2f\n",
			t.ID, t.Date.Format("2006-01-02"), t.Description, t.Merchant, t.Amount)
	}

	content, err := c.client.Complete(ctx, categorizationSystemPrompt, sb.String())
	if err != nil {
		return nil, err
	}

	assignments, err := decodeAssignments(content)
	if err != nil {
		return nil, err
	}

	updates := make([]model.CategoryUpdate, 0, len(assignments))
	for _, a := range assignments {
		if !c.known[a.ID] {
			slog.Warn("Dropping category assignment for unknown transaction",
				"transaction_id", a.ID,
				"category", a.Category)
			continue
		}
		updates = append(updates, model.CategoryUpdate{
			TransactionID: a.ID,
			Category:      a.Category,
			Confidence:    a.Confidence,
		})
	}

	return &executor.Result{Updates: updates}, nil
}

// InvokerFactory builds stage invokers bound to one client and category
// vocabulary. The pipeline calls it once per stage run.
type InvokerFactory struct {
	client     Client
	categories []string
}

// NewInvokerFactory creates a factory for both pipeline stages.
func NewInvokerFactory(client Client, categories []string) *InvokerFactory {
	return &InvokerFactory{client: client, categories: categories}
}

// Extraction returns the invoker for an extraction run over rows.
func (f *InvokerFactory) Extraction(rows []model.RawRow) executor.StageInvoker {
	return NewExtractor(f.client, rows)
}

// Categorization returns the invoker for a categorization run over staged.
func (f *InvokerFactory) Categorization(staged []model.StagedTransaction) executor.StageInvoker {
	return NewCategorizer(f.client, staged, f.categories)
}
