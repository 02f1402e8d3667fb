package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmorris/ledgermill/internal/model"
)

func TestExtractorInvoke(t *testing.T) {
	client := &MockClient{Responses: []string{`{"transactions": [
		{"date": "2024-01-02", "description": "COFFEE SHOP", "merchant": "Blue Bottle", "amount": -4.50},
		{"date": "2024-01-03", "description": "PAYROLL", "merchant": "Acme Corp", "amount": 2500}
	]}`}}

	rows := []model.RawRow{
		{Index: 0, Fields: []string{"2024-01-02", "COFFEE SHOP", "-4.50"}},
		{Index: 1, Fields: []string{"2024-01-03", "PAYROLL", "2500.00"}},
		{Index: 2, Fields: []string{"2024-01-04", "GROCERY", "-88.12"}},
	}

	extractor := NewExtractor(client, rows)
	assert.Equal(t, model.StageExtraction, extractor.Stage())

	batch := model.BatchRecord{
		Stage: model.StageExtraction,
		Range: model.RowRange{Start: 0, End: 2},
	}

	result, err := extractor.Invoke(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, result.Extracted, 2)

	first := result.Extracted[0]
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), first.Date)
	assert.Equal(t, batch.Range, first.SourceRange)
	assert.Nil(t, first.Category)

	// The prompt contains the batch's rows and not the rest.
	require.Len(t, client.Prompts, 1)
	assert.Contains(t, client.Prompts[0], "COFFEE SHOP")
	assert.NotContains(t, client.Prompts[0], "GROCERY")
}

func TestExtractorRejectsBadRange(t *testing.T) {
	client := &MockClient{}
	extractor := NewExtractor(client, []model.RawRow{{Index: 0}})

	_, err := extractor.Invoke(context.Background(), model.BatchRecord{
		Range: model.RowRange{Start: 0, End: 5},
	})
	assert.Error(t, err)
	assert.Equal(t, 0, client.Calls())
}

func TestCategorizerInvoke(t *testing.T) {
	client := &MockClient{Responses: []string{`{"assignments": [
		{"id": "txn-1", "category": "Food & Dining", "confidence": 0.93},
		{"id": "txn-ghost", "category": "Shopping", "confidence": 0.4}
	]}`}}

	staged := []model.StagedTransaction{
		{ID: "txn-1", Description: "Coffee", Merchant: "Blue Bottle", Amount: -4.50},
		{ID: "txn-2", Description: "Payroll", Merchant: "Acme Corp", Amount: 2500},
	}

	categorizer := NewCategorizer(client, staged, []string{"Food & Dining", "Income"})
	assert.Equal(t, model.StageCategorization, categorizer.Stage())

	batch := model.BatchRecord{
		Stage: model.StageCategorization,
		Range: model.RowRange{Start: 0, End: 2},
	}

	result, err := categorizer.Invoke(context.Background(), batch)
	require.NoError(t, err)

	// The unknown ID is dropped, not an error.
	require.Len(t, result.Updates, 1)
	assert.Equal(t, "txn-1", result.Updates[0].TransactionID)
	assert.Equal(t, "Food & Dining", result.Updates[0].Category)

	require.Len(t, client.Prompts, 1)
	assert.Contains(t, client.Prompts[0], "Food & Dining, Income")
	assert.Contains(t, client.Prompts[0], "txn-2")
}

func TestInvokerFactory(t *testing.T) {
	client := &MockClient{}
	factory := NewInvokerFactory(client, []string{"Other"})

	extraction := factory.Extraction([]model.RawRow{{Index: 0}})
	assert.Equal(t, model.StageExtraction, extraction.Stage())

	categorization := factory.Categorization([]model.StagedTransaction{{ID: "t"}})
	assert.Equal(t, model.StageCategorization, categorization.Stage())
}
