// Package llm talks to AI providers and adapts their completions into the
// pipeline's extraction and categorization stages.
package llm

import (
	"context"
	"time"
)

// Client defines the interface for LLM providers.
type Client interface {
	// Complete sends one prompt pair and returns the raw completion text.
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Close() error
}

// Config holds provider selection and tuning knobs.
type Config struct {
	Provider    string
	APIKey      string
	Model       string
	BaseURL     string
	RateLimit   int
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}
