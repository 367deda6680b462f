package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Brahmajyot/story-time/internal/ai"
	"github.com/Brahmajyot/story-time/internal/domain"
	"github.com/Brahmajyot/story-time/internal/metrics"
	"github.com/Brahmajyot/story-time/internal/repository"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// RecentStoriesLimit bounds the story list returned to a principal.
const RecentStoriesLimit = 50

// =============================================================================
// Interface Definition
// =============================================================================

// StoryService generates and serves bedtime stories. Generation is the
// metered feature: every successful Generate has debited the ledger exactly
// once, and every failed one has been refunded.
type StoryService interface {
	Generate(ctx context.Context, principalID string, req domain.StoryRequest) (*GenerateResult, error)
	Usage(ctx context.Context, principalID string) (*StoryUsage, error)
	List(ctx context.Context, principalID string) ([]domain.Story, error)
	ListAll(ctx context.Context, principalID string) ([]domain.Story, error)
	Get(ctx context.Context, principalID string, id uuid.UUID) (*domain.Story, error)
}

// GenerateResult is a saved story with the entitlement after the debit.
type GenerateResult struct {
	Story       *domain.Story
	Entitlement domain.Snapshot
}

// StoryUsage summarizes a principal's generation history and allowance.
type StoryUsage struct {
	StoriesGenerated int
	Entitlement      domain.Snapshot
}

// StoryConfig holds generation timeouts.
type StoryConfig struct {
	GenerationTimeout time.Duration
	RefundTimeout     time.Duration
}

// =============================================================================
// Implementation
// =============================================================================

type storyService struct {
	store       repository.Store
	quota       QuotaService
	writer      ai.StoryWriter
	illustrator ai.Illustrator
	config      StoryConfig
	validate    *validator.Validate
	logger      *slog.Logger
	now         func() time.Time
}

// NewStoryService creates a new StoryService.
func NewStoryService(
	store repository.Store,
	quota QuotaService,
	writer ai.StoryWriter,
	illustrator ai.Illustrator,
	config StoryConfig,
	logger *slog.Logger,
) StoryService {
	if config.GenerationTimeout <= 0 {
		config.GenerationTimeout = 60 * time.Second
	}
	if config.RefundTimeout <= 0 {
		config.RefundTimeout = 5 * time.Second
	}
	return &storyService{
		store:       store,
		quota:       quota,
		writer:      writer,
		illustrator: illustrator,
		config:      config,
		validate:    newValidator(),
		logger:      logger,
		now:         time.Now,
	}
}

func (s *storyService) Generate(ctx context.Context, principalID string, req domain.StoryRequest) (*GenerateResult, error) {
	const op = "story.generate"

	req.Trim()
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(op, err)
	}

	if _, err := s.store.EnsurePrincipal(ctx, principalID); err != nil {
		return nil, domain.Internal(err, op, "failed to ensure principal")
	}

	grant, err := s.quota.Consume(ctx, principalID)
	if err != nil {
		return nil, err
	}

	// The ledger is debited from here on: every return below either saves
	// the story or refunds the grant.
	start := time.Now()
	params := ai.StoryParams{
		ChildName:      req.ChildName,
		FavoriteAnimal: req.FavoriteAnimal,
		MoralLesson:    req.MoralLesson,
		StoryID:        uuid.New(),
		PrincipalID:    principalID,
	}

	result, imageURL, err := s.generate(ctx, params)
	if err != nil {
		metrics.StoryGenerationDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
		s.refund(ctx, principalID, grant.Kind, err)
		return nil, generationError(op, err)
	}

	story := &domain.Story{
		ID:                 params.StoryID,
		PrincipalID:        principalID,
		ChildName:          req.ChildName,
		FavoriteAnimal:     req.FavoriteAnimal,
		MoralLesson:        req.MoralLesson,
		Text:               result.Text,
		ImageURL:           imageURL,
		ReadingTimeMinutes: domain.ReadingTime(result.Text),
		CreatedAt:          s.now().UTC(),
	}
	if err := s.store.CreateStory(ctx, story); err != nil {
		metrics.StoryGenerationDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
		s.refund(ctx, principalID, grant.Kind, err)
		return nil, domain.Internal(err, op, "failed to save story")
	}

	metrics.StoryGenerationDuration.WithLabelValues("completed").Observe(time.Since(start).Seconds())
	s.logger.Info("Story generated",
		"principal_id", principalID,
		"story_id", story.ID,
		"kind", grant.Kind,
		"reading_minutes", story.ReadingTimeMinutes,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &GenerateResult{Story: story, Entitlement: grant.Snapshot}, nil
}

// generate runs the writer and illustrator in parallel under the generation
// timeout. The first failure cancels the other call.
func (s *storyService) generate(ctx context.Context, params ai.StoryParams) (*ai.StoryResult, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.GenerationTimeout)
	defer cancel()

	var (
		result   *ai.StoryResult
		imageURL string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := s.writer.WriteStory(gctx, params)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	g.Go(func() error {
		url, err := s.illustrator.Illustrate(gctx, params)
		if err != nil {
			return err
		}
		imageURL = url
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, "", err
	}
	return result, imageURL, nil
}

// refund reverses grant on a context detached from the caller, which may
// already be cancelled.
func (s *storyService) refund(ctx context.Context, principalID string, kind domain.ConsumeKind, cause error) {
	if kind == domain.ConsumeUnlimited {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.RefundTimeout)
	defer cancel()

	if _, err := s.quota.Refund(ctx, principalID, kind); err != nil {
		s.logger.Error("Failed to refund story generation",
			"principal_id", principalID,
			"kind", kind,
			"cause", cause,
			"error", err,
		)
		return
	}
	s.logger.Warn("Story generation failed, entitlement refunded",
		"principal_id", principalID,
		"kind", kind,
		"error", cause,
	)
}

// generationError maps collaborator failures to coded errors.
func generationError(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ai.EAITimeout):
		return domain.Unavailable(err, op, "Story generation timed out. Please try again.")
	case errors.Is(err, ai.EAIContentPolicy):
		return domain.Invalid(op, "The story request could not be processed. Please try different words.")
	case ai.IsRetryable(err):
		return domain.Unavailable(err, op, "The story service is busy. Please try again shortly.")
	default:
		return domain.Internal(err, op, "failed to generate story")
	}
}

func (s *storyService) Usage(ctx context.Context, principalID string) (*StoryUsage, error) {
	const op = "story.usage"

	snap, err := s.quota.Snapshot(ctx, principalID)
	if err != nil {
		return nil, err
	}
	count, err := s.store.CountStories(ctx, principalID)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to count stories")
	}
	return &StoryUsage{StoriesGenerated: count, Entitlement: snap}, nil
}

func (s *storyService) List(ctx context.Context, principalID string) ([]domain.Story, error) {
	return s.list(ctx, principalID, RecentStoriesLimit)
}

// ListAll returns every story of the principal, for administrators.
func (s *storyService) ListAll(ctx context.Context, principalID string) ([]domain.Story, error) {
	return s.list(ctx, principalID, 0)
}

func (s *storyService) list(ctx context.Context, principalID string, limit int) ([]domain.Story, error) {
	const op = "story.list"

	stories, err := s.store.ListStories(ctx, principalID, limit)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list stories")
	}
	if stories == nil {
		stories = []domain.Story{}
	}
	return stories, nil
}

func (s *storyService) Get(ctx context.Context, principalID string, id uuid.UUID) (*domain.Story, error) {
	const op = "story.get"

	story, err := s.store.GetStory(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, domain.NotFound(op, "story", id.String())
	}
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load story")
	}
	// Other principals' stories are reported as missing
	if story.PrincipalID != principalID {
		return nil, domain.NotFound(op, "story", id.String())
	}
	return story, nil
}
