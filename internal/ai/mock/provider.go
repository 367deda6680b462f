package mock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Brahmajyot/story-time/internal/ai"
)

// Provider is a mock story writer and illustrator for testing and development
type Provider struct {
	logger *slog.Logger

	mu sync.Mutex

	// Configurable responses for testing
	WriteStoryResponse *ai.StoryResult
	WriteStoryError    error
	IllustrateURL      string
	IllustrateError    error

	// Delay holds each call until it elapses or the context is done
	Delay time.Duration

	// Call tracking for testing
	WriteStoryCalls int
	IllustrateCalls int
}

// New creates a new mock AI provider
func New(logger *slog.Logger) *Provider {
	return &Provider{
		logger: logger,
	}
}

// WriteStory returns a canned story built from the prompt parameters
func (p *Provider) WriteStory(ctx context.Context, params ai.StoryParams) (*ai.StoryResult, error) {
	p.mu.Lock()
	p.WriteStoryCalls++
	resp, respErr, delay := p.WriteStoryResponse, p.WriteStoryError, p.Delay
	p.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, err
	}

	// If a custom response or error is set, use it
	if respErr != nil {
		return nil, respErr
	}
	if resp != nil {
		return resp, nil
	}

	// Default canned response
	return &ai.StoryResult{
		Text: fmt.Sprintf("Once upon a time, a brave child named %s met a friendly %s. "+
			"Together they learned the meaning of %s, and everyone in the forest was happier for it. The End.",
			params.ChildName, params.FavoriteAnimal, params.MoralLesson),
		Usage: ai.UsageInfo{
			Model:        "mock-ai-v1",
			InputTokens:  180,
			OutputTokens: 640,
			CostCents:    1,
			Duration:     250 * time.Millisecond,
		},
	}, nil
}

// Illustrate returns a canned image URL
func (p *Provider) Illustrate(ctx context.Context, params ai.StoryParams) (string, error) {
	p.mu.Lock()
	p.IllustrateCalls++
	url, urlErr, delay := p.IllustrateURL, p.IllustrateError, p.Delay
	p.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return "", err
	}
	if urlErr != nil {
		return "", urlErr
	}
	if url != "" {
		return url, nil
	}
	return "https://example.com/covers/" + params.StoryID.String() + ".png", nil
}

// Calls returns the current call counters
func (p *Provider) Calls() (writeStory, illustrate int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.WriteStoryCalls, p.IllustrateCalls
}

// Reset clears call counters and custom responses for testing
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.WriteStoryCalls = 0
	p.IllustrateCalls = 0
	p.WriteStoryResponse = nil
	p.WriteStoryError = nil
	p.IllustrateURL = ""
	p.IllustrateError = nil
	p.Delay = 0
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
