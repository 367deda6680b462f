// Package picsum illustrates stories with seeded placeholder photos from
// picsum.photos. The seed is derived from the favorite animal so that
// repeated requests for the same animal vary but stay on theme.
package picsum

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/Brahmajyot/story-time/internal/ai"
)

const (
	// BaseURL is the picsum.photos origin
	BaseURL = "https://picsum.photos"

	// Size is the edge length in pixels of the square image
	Size = 1024

	maxSeedSuffix = 1000
)

// Illustrator implements ai.Illustrator without any network call.
type Illustrator struct {
	baseURL string
	intn    func(n int) int
}

// New creates a picsum illustrator.
func New() *Illustrator {
	return &Illustrator{
		baseURL: BaseURL,
		intn:    rand.IntN,
	}
}

// Illustrate returns https://picsum.photos/seed/{animal}-{n}/1024/1024
func (i *Illustrator) Illustrate(ctx context.Context, params ai.StoryParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/seed/%s-%d/%d/%d",
		i.baseURL,
		seedFor(params.FavoriteAnimal),
		i.intn(maxSeedSuffix)+1,
		Size, Size,
	), nil
}

// seedFor lowercases the animal and strips whitespace.
func seedFor(animal string) string {
	seed := strings.Join(strings.Fields(strings.ToLower(animal)), "")
	if seed == "" {
		return "story"
	}
	return seed
}
