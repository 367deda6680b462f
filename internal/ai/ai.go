// Package ai defines the generation collaborators invoked after the usage
// gate has debited the ledger: a story writer and an illustrator.
package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StoryWriter produces bedtime story text.
type StoryWriter interface {
	// WriteStory generates a story for the given prompt parameters.
	WriteStory(ctx context.Context, params StoryParams) (*StoryResult, error)
}

// Illustrator produces an image reference (URL) for a story.
type Illustrator interface {
	// Illustrate returns a URL the client can load for the story's picture.
	Illustrate(ctx context.Context, params StoryParams) (string, error)
}

// StoryParams contains the prompt parameters for one generation.
type StoryParams struct {
	ChildName      string
	FavoriteAnimal string
	MoralLesson    string
	StoryID        uuid.UUID // Story ID for tracking and storage keys
	PrincipalID    string    // Principal for usage tracking
}

// StoryResult contains generated text and its cost.
type StoryResult struct {
	Text  string
	Usage UsageInfo
}

// UsageInfo tracks API usage for billing and monitoring
type UsageInfo struct {
	Model        string        // AI model used
	InputTokens  int           // Tokens in the request
	OutputTokens int           // Tokens in the response
	CostCents    int           // Estimated cost in cents
	Duration     time.Duration // Request duration
}

// ProviderConfig contains common configuration for AI providers
type ProviderConfig struct {
	MaxRetries     int           // Maximum retry attempts for transient errors
	RetryBaseDelay time.Duration // Base delay for exponential backoff
	RequestTimeout time.Duration // Timeout for individual requests
}

// Error codes for AI provider operations
var (
	// EAIRateLimit indicates the API rate limit has been exceeded
	EAIRateLimit = errors.New("ai provider rate limit exceeded")

	// EAIContentPolicy indicates the prompt was refused
	EAIContentPolicy = errors.New("prompt violates content policy")

	// EAITimeout indicates the request timed out
	EAITimeout = errors.New("ai request timed out")

	// EAIUnavailable indicates the AI service is temporarily unavailable
	EAIUnavailable = errors.New("ai service temporarily unavailable")

	// EAIUnauthorized indicates invalid API credentials
	EAIUnauthorized = errors.New("ai provider authentication failed")

	// EAIEmptyResponse indicates the provider returned no usable text
	EAIEmptyResponse = errors.New("ai provider returned an empty story")
)

// IsRetryable returns true if the error is a transient error that can be retried
func IsRetryable(err error) bool {
	return errors.Is(err, EAIRateLimit) ||
		errors.Is(err, EAITimeout) ||
		errors.Is(err, EAIUnavailable)
}

// WrapError wraps an error with context about the AI operation
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("ai %s: %w", operation, err)
}
