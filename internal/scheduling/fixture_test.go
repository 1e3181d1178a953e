package scheduling

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aevon-lab/chronicle/internal/core/bus"
	"github.com/aevon-lab/chronicle/internal/core/clock"
	"github.com/aevon-lab/chronicle/internal/core/domain"
	"github.com/aevon-lab/chronicle/internal/core/storage"
	"github.com/aevon-lab/chronicle/internal/core/storage/memory"
)

var base = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

var errDownstream = errors.New("downstream unavailable")

type counterState struct {
	Created bool
	Total   int
	Names   []string
}

type incremented struct {
	By   int    `json:"by"`
	Name string `json:"name,omitempty"`
}

type chain struct {
	Remaining int           `json:"remaining"`
	Every     time.Duration `json:"every"`
}

func (s *counterState) Apply(evt domain.Event) error {
	switch evt.Type {
	case "Created":
		s.Created = true
	case "Incremented":
		var data incremented
		if err := evt.Decode(&data); err != nil {
			return err
		}
		s.Total += data.By
		if data.Name != "" {
			s.Names = append(s.Names, data.Name)
		}
	}
	return nil
}

type fixture struct {
	registry  *domain.Registry
	events    *memory.EventStore
	store     *memory.SchedulerStore
	bus       *bus.Memory
	repo      *storage.AggregateRepository
	scheduler *Scheduler
}

// newFixture wires a scheduler over memory stores with a "counter" aggregate type.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		registry: domain.NewRegistry(),
		events:   memory.NewEventStore(),
		store:    memory.NewSchedulerStore(),
		bus:      bus.NewMemory(),
	}
	t.Cleanup(func() { _ = f.bus.Close() })

	f.registry.MustRegister(domain.AggregateType{
		Name:     "counter",
		NewState: func() domain.State { return &counterState{} },
		Commands: map[string]domain.CommandHandler{
			"Create": {
				Constructor: true,
				ValidateState: domain.ValidatorFunc(func(cmd domain.Command, agg *domain.Aggregate) domain.ValidationReport {
					if state, _ := domain.StateAs[*counterState](agg); state.Created {
						return domain.Fail("counter already exists", "")
					}
					return domain.Pass()
				}),
				Enact: func(ctx context.Context, agg *domain.Aggregate, cmd domain.Command) error {
					return agg.Record(ctx, "Created", nil)
				},
			},
			"Increment": {
				Validate: domain.ValidatorFunc(func(cmd domain.Command, _ *domain.Aggregate) domain.ValidationReport {
					var p incremented
					if err := cmd.Decode(&p); err != nil || p.By <= 0 {
						return domain.Fail("by must be positive", "")
					}
					return domain.Pass()
				}),
				Enact: func(ctx context.Context, agg *domain.Aggregate, cmd domain.Command) error {
					var p incremented
					if err := cmd.Decode(&p); err != nil {
						return err
					}
					return agg.Record(ctx, "Incremented", p)
				},
			},
			"Fail": {
				Enact: func(context.Context, *domain.Aggregate, domain.Command) error {
					return errDownstream
				},
			},
			"Chain": {
				Enact: func(ctx context.Context, agg *domain.Aggregate, cmd domain.Command) error {
					var p chain
					if err := cmd.Decode(&p); err != nil {
						return err
					}
					if err := agg.Record(ctx, "Incremented", incremented{By: 1, Name: fmt.Sprintf("chain-%d", p.Remaining)}); err != nil {
						return err
					}
					if p.Remaining <= 1 {
						return nil
					}
					next, err := domain.NewCommand("Chain", chain{Remaining: p.Remaining - 1, Every: p.Every})
					if err != nil {
						return err
					}
					due := clock.Now(ctx).Add(p.Every)
					id := agg.ID()
					agg.OnSaved(func(ctx context.Context) error {
						_, err := f.scheduler.Schedule(ctx, NewEnvelope("counter", id, next).At(due))
						return err
					})
					return nil
				},
			},
		},
	})

	repo, err := storage.NewAggregateRepository(f.registry, f.events, f.bus)
	require.NoError(t, err)
	f.repo = repo

	opts = append([]Option{
		WithVerifier(storage.EventStoreVerifier{Events: f.events}),
		WithSubscriber(f.bus),
	}, opts...)
	s, err := New(f.registry, f.repo, f.store, opts...)
	require.NoError(t, err)
	f.scheduler = s
	return f
}

func at(t time.Time) context.Context {
	return clock.WithOverride(context.Background(), clock.Fixed(t))
}

func command(t *testing.T, typ string, payload interface{}) domain.Command {
	t.Helper()
	cmd, err := domain.NewCommand(typ, payload)
	require.NoError(t, err)
	return cmd
}

func (f *fixture) create(t *testing.T, ctx context.Context, id string) {
	t.Helper()
	res, err := f.scheduler.Schedule(ctx, NewEnvelope("counter", id, command(t, "Create", nil)))
	require.NoError(t, err)
	require.IsType(t, &Succeeded{}, res)
}

func (f *fixture) state(t *testing.T, id string) *counterState {
	t.Helper()
	agg, err := f.repo.Get(context.Background(), "counter", id)
	require.NoError(t, err)
	state, ok := domain.StateAs[*counterState](agg)
	require.True(t, ok)
	return state
}

func (f *fixture) history(t *testing.T, id string) []domain.Event {
	t.Helper()
	events, err := f.events.LoadEvents(context.Background(), "counter", id)
	require.NoError(t, err)
	return events
}

func (f *fixture) stored(t *testing.T, id string) []*storage.ScheduledCommand {
	t.Helper()
	recs, err := f.store.QueryScheduledCommands(context.Background(), storage.ScheduledCommandFilter{AggregateID: id})
	require.NoError(t, err)
	return recs
}

func (f *fixture) errorLog(t *testing.T, rec *storage.ScheduledCommand) []storage.ScheduledCommandError {
	t.Helper()
	errs, err := f.store.ListErrors(context.Background(), rec.AggregateID, rec.SequenceNumber)
	require.NoError(t, err)
	return errs
}

func preconditionOn(scope, etag string) domain.Precondition {
	return domain.Precondition{Scope: scope, ETag: etag}
}
