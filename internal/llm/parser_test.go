package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmorris/ledgermill/internal/common"
)

func TestCleanMarkdownWrapper(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain JSON untouched",
			input:    `{"transactions": []}`,
			expected: `{"transactions": []}`,
		},
		{
			name:     "json fence stripped",
			input:    "```json\n{\"transactions\": []}\n```",
			expected: `{"transactions": []}`,
		},
		{
			name:     "bare fence stripped",
			input:    "```\n{\"a\": 1}\n```",
			expected: `{"a": 1}`,
		},
		{
			name:     "surrounding whitespace trimmed",
			input:    "  \n{\"a\": 1}\n  ",
			expected: `{"a": 1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, cleanMarkdownWrapper(tt.input))
		})
	}
}

func TestDecodeExtraction(t *testing.T) {
	content := `{"transactions": [
		{"date": "2024-01-02", "description": "COFFEE SHOP", "merchant": "Blue Bottle", "amount": -4.50},
		{"date": "2024-01-03", "description": "PAYROLL", "merchant": "Acme Corp", "amount": 2500}
	]}`

	rows, err := decodeExtraction(content)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Blue Bottle", rows[0].Merchant)
	assert.InDelta(t, 2500, rows[1].Amount, 0.001)
}

func TestDecodeExtractionBareArray(t *testing.T) {
	content := `[{"date": "2024-01-02", "description": "COFFEE", "merchant": "", "amount": -4.50}]`

	rows, err := decodeExtraction(content)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestDecodeExtractionMalformedIsTerminal(t *testing.T) {
	_, err := decodeExtraction("I couldn't parse those rows, sorry!")
	require.Error(t, err)

	var retryable *common.RetryableError
	require.True(t, errors.As(err, &retryable))
	assert.False(t, retryable.Retryable)
}

func TestDecodeAssignments(t *testing.T) {
	content := "```json\n" + `{"assignments": [
		{"id": "txn-1", "category": "Food & Dining", "confidence": 0.93}
	]}` + "\n```"

	assignments, err := decodeAssignments(content)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, "Food & Dining", assignments[0].Category)
	assert.InDelta(t, 0.93, assignments[0].Confidence, 0.001)
}
