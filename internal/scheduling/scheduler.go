package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aevon-lab/chronicle/internal/core/bus"
	"github.com/aevon-lab/chronicle/internal/core/clock"
	"github.com/aevon-lab/chronicle/internal/core/domain"
	"github.com/aevon-lab/chronicle/internal/core/storage"
)

// DefaultClockName is the clock used when neither the envelope nor the
// delivery in progress names one.
const DefaultClockName = "default"

// PreconditionVerifier answers whether a precondition's event is durably recorded.
type PreconditionVerifier interface {
	Verify(ctx context.Context, p domain.Precondition) (bool, error)
}

// FailureHandler lets an aggregate type decide a delivery failure by calling
// Cancel or Retry. Leaving it undecided applies the retry policy.
type FailureHandler func(ctx context.Context, failure *Failed)

// PreconditionTimeoutHandler receives envelopes whose precondition wait timed out.
type PreconditionTimeoutHandler func(ctx context.Context, env *Envelope, err error)

// Scheduler schedules commands and delivers them to aggregates.
type Scheduler struct {
	registry *domain.Registry
	repo     *storage.AggregateRepository
	store    storage.ScheduledCommandStore
	verifier PreconditionVerifier
	events   bus.Subscriber

	policy       RetryPolicy
	defaultClock string
	workers      int
	batchSize    int
	maxPasses    int

	onTimeout           PreconditionTimeoutHandler
	preconditionTimeout time.Duration

	mu       sync.RWMutex
	failures map[string]FailureHandler

	pipes *pipelines
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithVerifier(v PreconditionVerifier) Option { return func(s *Scheduler) { s.verifier = v } }

// WithSubscriber enables waiting for preconditions on the event bus.
func WithSubscriber(sub bus.Subscriber) Option { return func(s *Scheduler) { s.events = sub } }

func WithRetryPolicy(p RetryPolicy) Option { return func(s *Scheduler) { s.policy = p.normalized() } }

func WithDefaultClock(name string) Option {
	return func(s *Scheduler) {
		if name != "" {
			s.defaultClock = name
		}
	}
}

// WithWorkers bounds concurrent delivery lanes during clock advancement.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithBatchSize bounds the due commands fetched per advancement pass.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithInterceptors adds interceptors applied to every aggregate type.
func WithInterceptors(p Pipeline) Option {
	return func(s *Scheduler) {
		s.pipes.global.Schedule = append(s.pipes.global.Schedule, p.Schedule...)
		s.pipes.global.Deliver = append(s.pipes.global.Deliver, p.Deliver...)
	}
}

// WithPreconditionTimeout sets the default wait of ScheduleAwaiting.
func WithPreconditionTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.preconditionTimeout = d
		}
	}
}

func WithPreconditionTimeoutHandler(h PreconditionTimeoutHandler) Option {
	return func(s *Scheduler) { s.onTimeout = h }
}

// New wires a scheduler. The registry, repository and store are required.
// Durable storage is the innermost interceptor of both pipelines.
func New(registry *domain.Registry, repo *storage.AggregateRepository, store storage.ScheduledCommandStore, opts ...Option) (*Scheduler, error) {
	if registry == nil || repo == nil || store == nil {
		return nil, fmt.Errorf("%w: scheduler needs a registry, an aggregate repository and a scheduled command store", domain.ErrConfiguration)
	}

	s := &Scheduler{
		registry:     registry,
		repo:         repo,
		store:        store,
		policy:       DefaultRetryPolicy(),
		defaultClock: DefaultClockName,
		workers:      4,
		batchSize:    100,
		maxPasses:    100,
		failures:     make(map[string]FailureHandler),

		preconditionTimeout: DefaultPreconditionTimeout,
	}
	durable := &durableStore{store: store, log: slog.Default()}
	s.pipes = newPipelines(s.scheduleCore, s.deliverCore, Pipeline{
		Schedule: []Interceptor{durable.schedule},
		Deliver:  []Interceptor{durable.deliver},
	})

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OnFailure installs the failure handler for an aggregate type.
func (s *Scheduler) OnFailure(aggregateType string, h FailureHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[aggregateType] = h
}

// RegisterPipeline adds interceptors for one aggregate type. They run outside
// the global interceptors.
func (s *Scheduler) RegisterPipeline(aggregateType string, p Pipeline) {
	s.pipes.register(aggregateType, p)
}

// DefaultClock returns the default clock name.
func (s *Scheduler) DefaultClock() string { return s.defaultClock }

// Schedule stores the envelope against its clock and delivers it at once if it
// is due and its precondition holds.
func (s *Scheduler) Schedule(ctx context.Context, env *Envelope) (Result, error) {
	if err := s.prepare(ctx, env); err != nil {
		return nil, err
	}
	return s.pipes.scheduleFor(env.AggregateType)(ctx, env)
}

// Deliver applies the envelope's command now. Delivering an envelope whose
// result is already terminal returns that result unchanged.
func (s *Scheduler) Deliver(ctx context.Context, env *Envelope) (Result, error) {
	if err := s.prepare(ctx, env); err != nil {
		return nil, err
	}
	return s.pipes.deliverFor(env.AggregateType)(ctx, env)
}

func (s *Scheduler) prepare(ctx context.Context, env *Envelope) error {
	if env.AggregateType == "" || env.AggregateID == "" || env.Command.Type == "" {
		return fmt.Errorf("envelope needs an aggregate type, an aggregate id and a command type")
	}
	if _, err := s.registry.Handler(env.AggregateType, env.Command.Type); err != nil {
		return err
	}
	if env.Clock == "" {
		if name, ok := ClockNameFrom(ctx); ok {
			env.Clock = name
		} else {
			env.Clock = s.defaultClock
		}
	}
	if env.Command.ETag == "" {
		env.Command.ETag = uuid.NewString()
	}
	return nil
}

func (s *Scheduler) scheduleCore(ctx context.Context, env *Envelope) (Result, error) {
	if isTerminal(env.Result) {
		return env.Result, nil
	}
	now, err := s.clockTime(ctx, env.Clock)
	if err != nil {
		return nil, err
	}
	if env.IsDue(now) && s.preconditionMet(ctx, env) {
		return s.pipes.deliverFor(env.AggregateType)(ctx, env)
	}
	env.Result = &Scheduled{env: env, Clock: env.Clock}
	slog.Debug("[Scheduler] Command scheduled",
		"aggregate_type", env.AggregateType,
		"aggregate_id", env.AggregateID,
		"command", env.Command.Type,
		"sequence_number", env.SequenceNumber,
		"clock", env.Clock)
	return env.Result, nil
}

// preconditionMet treats a verifier error as unmet; the stored command will be
// picked up again when its clock advances.
func (s *Scheduler) preconditionMet(ctx context.Context, env *Envelope) bool {
	if env.Precondition == nil {
		return true
	}
	if s.verifier == nil {
		return false
	}
	ok, err := s.verifier.Verify(ctx, *env.Precondition)
	if err != nil {
		slog.Warn("[Scheduler] Precondition check failed",
			"aggregate_id", env.AggregateID,
			"precondition", env.Precondition.String(),
			"error", err)
		return false
	}
	return ok
}

func (s *Scheduler) deliverCore(ctx context.Context, env *Envelope) (Result, error) {
	if isTerminal(env.Result) {
		return env.Result, nil
	}

	if _, err := s.registry.Handler(env.AggregateType, env.Command.Type); err != nil {
		return s.fail(ctx, env, err), nil
	}

	at := deliveryTime(ctx, env)
	ctx = clock.WithOverride(ctx, clock.Fixed(at))
	ctx = WithClockName(ctx, env.Clock)

	if env.Precondition != nil && !s.preconditionMet(ctx, env) {
		return s.fail(ctx, env, fmt.Errorf("%w: %s", domain.ErrPreconditionNotMet, env.Precondition)), nil
	}

	agg, err := s.load(ctx, env)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return s.fail(ctx, env, err), nil
	}

	if err := s.registry.Apply(ctx, agg, env.Command); err != nil {
		return s.fail(ctx, env, err), nil
	}

	if err := s.repo.Save(ctx, agg); err != nil {
		if !errors.Is(err, storage.ErrPostCommit) {
			return s.fail(ctx, env, err), nil
		}
		slog.Error("[Scheduler] Command applied but follow-up work failed",
			"aggregate_id", env.AggregateID,
			"command", env.Command.Type,
			"error", err)
		env.Result = &Succeeded{env: env, FollowUpErr: err}
		return env.Result, nil
	}

	env.Result = &Succeeded{env: env}
	slog.Debug("[Scheduler] Command delivered",
		"aggregate_type", env.AggregateType,
		"aggregate_id", env.AggregateID,
		"command", env.Command.Type,
		"clock", env.Clock,
		"at", at)
	return env.Result, nil
}

// load fetches the target, constructing it when a constructor command targets
// an aggregate that does not exist yet.
func (s *Scheduler) load(ctx context.Context, env *Envelope) (*domain.Aggregate, error) {
	if s.registry.IsConstructor(env.AggregateType, env.Command.Type) {
		exists, err := s.repo.Exists(ctx, env.AggregateType, env.AggregateID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return s.registry.New(env.AggregateType, env.AggregateID)
		}
	}
	return s.repo.Get(ctx, env.AggregateType, env.AggregateID)
}

// fail decides a delivery failure:
//   - a concurrency conflict on a constructor is canceled, the aggregate already exists
//   - deterministic failures are abandoned, retrying cannot change them
//   - otherwise the type's failure handler may decide, then the retry policy applies
func (s *Scheduler) fail(ctx context.Context, env *Envelope, err error) *Failed {
	f := newFailed(env, err, env.Attempts)

	switch {
	case errors.Is(err, domain.ErrConcurrencyConflict) && s.registry.IsConstructor(env.AggregateType, env.Command.Type):
		_ = f.Cancel()
	case domain.IsDeterministic(err):
		f.abandon()
	default:
		s.mu.RLock()
		h := s.failures[env.AggregateType]
		s.mu.RUnlock()
		if h != nil {
			h(ctx, f)
		}
		if !f.isDecided() {
			if s.policy.ShouldRetry(env.Attempts) {
				_ = f.Retry(s.policy.Backoff(env.Attempts))
			} else {
				f.abandon()
			}
		}
	}

	level := slog.LevelWarn
	if f.Terminal() {
		level = slog.LevelError
	}
	slog.Log(ctx, level, "[Scheduler] Delivery failed",
		"aggregate_type", env.AggregateType,
		"aggregate_id", env.AggregateID,
		"command", env.Command.Type,
		"sequence_number", env.SequenceNumber,
		"attempt", env.Attempts+1,
		"outcome", f.String())

	env.Result = f
	return f
}

// Now returns the current time of a named clock, creating the clock at the
// context's current time if it does not exist yet.
func (s *Scheduler) Now(ctx context.Context, name string) (time.Time, error) {
	c, err := s.clock(ctx, name)
	if err != nil {
		return time.Time{}, err
	}
	return c.UTCNow, nil
}

// WithClock binds ctx to a named clock: its time becomes the context's
// current time and commands scheduled through ctx default to it.
func (s *Scheduler) WithClock(ctx context.Context, name string) (context.Context, error) {
	now, err := s.Now(ctx, name)
	if err != nil {
		return nil, err
	}
	return WithClockName(clock.WithOverride(ctx, clock.Fixed(now)), name), nil
}

// clockTime is the current time of the named clock. A context already bound
// to that clock (during delivery, or through WithClock) answers directly;
// otherwise the stored clock is read, and created at the context's now if missing.
func (s *Scheduler) clockTime(ctx context.Context, name string) (time.Time, error) {
	if bound, ok := ClockNameFrom(ctx); ok && bound == name {
		if _, overridden := clock.FromContext(ctx); overridden {
			return clock.Now(ctx), nil
		}
	}
	c, err := s.clock(ctx, name)
	if err != nil {
		return time.Time{}, err
	}
	return c.UTCNow, nil
}

func (s *Scheduler) clock(ctx context.Context, name string) (*storage.Clock, error) {
	return getOrCreateClock(ctx, s.store, name, clock.Now(ctx))
}

func getOrCreateClock(ctx context.Context, store storage.ScheduledCommandStore, name string, start time.Time) (*storage.Clock, error) {
	c, err := store.GetClock(ctx, name)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load clock %q: %w", name, err)
	}
	c, err = store.CreateClock(ctx, name, start)
	if errors.Is(err, storage.ErrDuplicate) {
		return store.GetClock(ctx, name)
	}
	if err != nil {
		return nil, fmt.Errorf("create clock %q: %w", name, err)
	}
	return c, nil
}
