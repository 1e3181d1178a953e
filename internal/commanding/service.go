// Package commanding exposes command application and scheduling over HTTP.
package commanding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aevon-lab/chronicle/internal/core/domain"
	"github.com/aevon-lab/chronicle/internal/core/storage"
	"github.com/aevon-lab/chronicle/internal/scheduling"
)

type Service struct {
	registry         *domain.Registry
	repo             *storage.AggregateRepository
	scheduler        *scheduling.Scheduler
	maxBodySizeBytes int
}

func NewService(registry *domain.Registry, repo *storage.AggregateRepository, scheduler *scheduling.Scheduler, maxBodySizeMB int) *Service {
	if registry == nil {
		panic("commanding: registry must not be nil")
	}
	if repo == nil {
		panic("commanding: repository must not be nil")
	}
	if scheduler == nil {
		panic("commanding: scheduler must not be nil")
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 1
	}
	return &Service{
		registry:         registry,
		repo:             repo,
		scheduler:        scheduler,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
	}
}

// RegisterRoutes registers the command API routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	api := r.Group("/v1")

	aggregates := api.Group("/aggregates/:type/:id")
	aggregates.GET("", s.GetHandler)
	aggregates.POST("", s.CreateHandler)
	aggregates.POST("/commands", s.ApplyHandler)
	aggregates.POST("/commands/validate", s.ValidateHandler)
	aggregates.POST("/batch", s.ApplyBatchHandler)
	aggregates.POST("/scheduled", s.ScheduleHandler)

	api.GET("/clocks/:name", s.ClockHandler)
	api.POST("/clocks/:name/advance", s.AdvanceClockHandler)
	api.POST("/scheduled/trigger", s.TriggerHandler)
}

// Get loads an aggregate.
func (s *Service) Get(ctx context.Context, aggregateType, id string) (*domain.Aggregate, error) {
	return s.repo.Get(ctx, aggregateType, id)
}

// Apply applies cmd to an existing aggregate and saves the result. A
// constructor command against a missing aggregate creates it.
func (s *Service) Apply(ctx context.Context, aggregateType, id string, cmd domain.Command) (*domain.Aggregate, error) {
	agg, err := s.load(ctx, aggregateType, id, cmd.Type)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Apply(ctx, agg, cmd); err != nil {
		return nil, err
	}
	return agg, s.save(ctx, agg)
}

// Create applies a constructor command to an aggregate that must not exist yet.
func (s *Service) Create(ctx context.Context, aggregateType, id string, cmd domain.Command) (*domain.Aggregate, error) {
	if _, err := s.registry.Handler(aggregateType, cmd.Type); err != nil {
		return nil, err
	}
	if !s.registry.IsConstructor(aggregateType, cmd.Type) {
		return nil, &domain.ValidationFailure{
			AggregateType: aggregateType,
			Command:       cmd.Type,
			Stage:         domain.StageCommand,
			Report:        domain.Fail(fmt.Sprintf("%s does not create %s aggregates", cmd.Type, aggregateType), "apply it to an existing aggregate instead"),
		}
	}
	exists, err := s.repo.Exists(ctx, aggregateType, id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s %s already exists", domain.ErrConcurrencyConflict, aggregateType, id)
	}

	agg, err := s.registry.New(aggregateType, id)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Apply(ctx, agg, cmd); err != nil {
		return nil, err
	}
	return agg, s.save(ctx, agg)
}

// Validate runs command and state validation without enacting anything.
func (s *Service) Validate(ctx context.Context, aggregateType, id string, cmd domain.Command) error {
	agg, err := s.load(ctx, aggregateType, id, cmd.Type)
	if err != nil {
		return err
	}
	return s.registry.Validate(agg, cmd)
}

// ApplyBatch applies cmds in order to one aggregate and saves them together.
// The first failing command aborts the batch and nothing is saved.
func (s *Service) ApplyBatch(ctx context.Context, aggregateType, id string, cmds []domain.Command) (*domain.Aggregate, error) {
	if len(cmds) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	agg, err := s.load(ctx, aggregateType, id, cmds[0].Type)
	if err != nil {
		return nil, err
	}
	for i, cmd := range cmds {
		if err := s.registry.Apply(ctx, agg, cmd); err != nil {
			return nil, fmt.Errorf("command %d (%s): %w", i, cmd.Type, err)
		}
	}
	return agg, s.save(ctx, agg)
}

// Schedule hands the envelope to the scheduler.
func (s *Service) Schedule(ctx context.Context, env *scheduling.Envelope) (scheduling.Result, error) {
	return s.scheduler.Schedule(ctx, env)
}

// AdvanceClock moves a named clock to to.
func (s *Service) AdvanceClock(ctx context.Context, name string, to time.Time) (*scheduling.Advance, error) {
	return s.scheduler.AdvanceClock(ctx, name, to)
}

// AdvanceClockBy moves a named clock forward by d.
func (s *Service) AdvanceClockBy(ctx context.Context, name string, d time.Duration) (*scheduling.Advance, error) {
	return s.scheduler.AdvanceClockBy(ctx, name, d)
}

// Trigger redelivers the stored commands filter selects.
func (s *Service) Trigger(ctx context.Context, filter storage.ScheduledCommandFilter) ([]scheduling.Result, error) {
	return s.scheduler.Trigger(ctx, filter)
}

// Clock returns the current time of a named clock.
func (s *Service) Clock(ctx context.Context, name string) (time.Time, error) {
	return s.scheduler.Now(ctx, name)
}

func (s *Service) load(ctx context.Context, aggregateType, id, commandType string) (*domain.Aggregate, error) {
	if _, err := s.registry.Type(aggregateType); err != nil {
		return nil, err
	}
	if s.registry.IsConstructor(aggregateType, commandType) {
		exists, err := s.repo.Exists(ctx, aggregateType, id)
		if err != nil {
			return nil, err
		}
		if !exists {
			return s.registry.New(aggregateType, id)
		}
	}
	return s.repo.Get(ctx, aggregateType, id)
}

// save treats follow-up failures as success: the events are already durable.
func (s *Service) save(ctx context.Context, agg *domain.Aggregate) error {
	err := s.repo.Save(ctx, agg)
	if errors.Is(err, storage.ErrPostCommit) {
		slog.Warn("[Commanding] Events saved but follow-up work failed",
			"aggregate_type", agg.Type(),
			"aggregate_id", agg.ID(),
			"error", err)
		return nil
	}
	return err
}
