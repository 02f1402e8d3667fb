package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pmorris/ledgermill/internal/common"
)

// extractedRow is the JSON shape the extraction prompt asks the model for.
type extractedRow struct {
	Date        string  `json:"date"`
	Description string  `json:"description"`
	Merchant    string  `json:"merchant"`
	Amount      float64 `json:"amount"`
}

// categoryAssignment is the JSON shape the categorization prompt asks for.
type categoryAssignment struct {
	ID         string  `json:"id"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// cleanMarkdownWrapper strips a ```json fenced block if the model wrapped its
// response in one despite instructions.
func cleanMarkdownWrapper(content string) string {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```") {
		if idx := strings.Index(content, "\n"); idx >= 0 {
			content = content[idx+1:]
		}
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	}

	return strings.TrimSpace(content)
}

// decodeExtraction parses the extraction response. Malformed JSON is
// terminal: the same prompt at the same temperature will not repair itself,
// and retry budget is better spent on transport failures.
func decodeExtraction(content string) ([]extractedRow, error) {
	content = cleanMarkdownWrapper(content)

	var payload struct {
		Transactions []extractedRow `json:"transactions"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		// Some models return a bare array instead of the wrapper object.
		var bare []extractedRow
		if bareErr := json.Unmarshal([]byte(content), &bare); bareErr == nil {
			payload.Transactions = bare
		} else {
			return nil, &common.RetryableError{
				Err:       fmt.Errorf("failed to parse extraction response: %w", err),
				Retryable: false,
			}
		}
	}

	return payload.Transactions, nil
}

// decodeAssignments parses the categorization response.
func decodeAssignments(content string) ([]categoryAssignment, error) {
	content = cleanMarkdownWrapper(content)

	var payload struct {
		Assignments []categoryAssignment `json:"assignments"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		var bare []categoryAssignment
		if bareErr := json.Unmarshal([]byte(content), &bare); bareErr == nil {
			payload.Assignments = bare
		} else {
			return nil, &common.RetryableError{
				Err:       fmt.Errorf("failed to parse categorization response: %w", err),
				Retryable: false,
			}
		}
	}

	return payload.Assignments, nil
}
