package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aevon-lab/chronicle/internal/core/clock"
	"github.com/aevon-lab/chronicle/internal/core/domain"
	"github.com/aevon-lab/chronicle/internal/scheduling"
)

// Scheduler is the part of the command scheduler billing needs.
type Scheduler interface {
	Schedule(ctx context.Context, env *scheduling.Envelope) (scheduling.Result, error)
	OnFailure(aggregateType string, h scheduling.FailureHandler)
}

// Options tune decline handling.
type Options struct {
	// DeclineRetryAfter is the wait before charging again after a decline.
	DeclineRetryAfter time.Duration
	// MaxDeclines is how many declines in a row are retried before the
	// scheduler's own policy takes over.
	MaxDeclines int
}

// DefaultOptions retries a declined payment daily, three times.
func DefaultOptions() Options {
	return Options{DeclineRetryAfter: 24 * time.Hour, MaxDeclines: 3}
}

type service struct {
	scheduler Scheduler
	gateway   PaymentGateway
	opts      Options
}

// Register adds the subscription aggregate type to registry and installs its
// delivery failure hook on scheduler.
func Register(registry *domain.Registry, scheduler Scheduler, gateway PaymentGateway, opts Options) error {
	if registry == nil || scheduler == nil || gateway == nil {
		return fmt.Errorf("%w: billing needs a registry, a scheduler and a payment gateway", domain.ErrConfiguration)
	}
	if opts.DeclineRetryAfter <= 0 {
		opts.DeclineRetryAfter = DefaultOptions().DeclineRetryAfter
	}
	if opts.MaxDeclines <= 0 {
		opts.MaxDeclines = DefaultOptions().MaxDeclines
	}
	s := &service{scheduler: scheduler, gateway: gateway, opts: opts}

	err := registry.Register(domain.AggregateType{
		Name:     AggregateType,
		NewState: func() domain.State { return &Subscription{} },
		Commands: map[string]domain.CommandHandler{
			CommandSubscribe: {
				Constructor:   true,
				Validate:      domain.ValidatorFunc(validateSubscribe),
				ValidateState: domain.ValidatorFunc(requireStatus(StatusNone, "subscription already exists")),
				Enact:         s.subscribe,
			},
			CommandChargeRenewal: {
				ValidateState:       domain.ValidatorFunc(validateRenewal),
				OnValidationFailure: skipRenewalOfCanceled,
				Enact:               s.chargeRenewal,
			},
			CommandCancel: {
				ValidateState: domain.ValidatorFunc(requireStatus(StatusActive, "subscription is not active")),
				Enact:         cancel,
			},
		},
	})
	if err != nil {
		return err
	}

	scheduler.OnFailure(AggregateType, s.onFailure)
	return nil
}

func validateSubscribe(cmd domain.Command, _ *domain.Aggregate) domain.ValidationReport {
	var p Subscribe
	if err := cmd.Decode(&p); err != nil {
		return domain.Fail(err.Error(), "send a JSON object")
	}
	report := domain.Pass()
	if p.Customer == "" {
		report = report.Merge(domain.Fail("customer is required", "set customer"))
	}
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil || !amount.IsPositive() {
		report = report.Merge(domain.Fail("amount must be a positive decimal", `send amount as a string such as "19.99"`))
	}
	if p.PeriodDays <= 0 {
		report = report.Merge(domain.Fail("period_days must be positive", "set period_days to the renewal interval in days"))
	}
	return report
}

func requireStatus(want Status, message string) func(domain.Command, *domain.Aggregate) domain.ValidationReport {
	return func(_ domain.Command, agg *domain.Aggregate) domain.ValidationReport {
		if sub, _ := domain.StateAs[*Subscription](agg); sub.Status != want {
			return domain.Fail(message, "")
		}
		return domain.Pass()
	}
}

func validateRenewal(cmd domain.Command, agg *domain.Aggregate) domain.ValidationReport {
	sub, _ := domain.StateAs[*Subscription](agg)
	if sub.Status != StatusActive {
		return domain.Fail("subscription is not active", "")
	}
	var p ChargeRenewal
	if err := cmd.Decode(&p); err != nil {
		return domain.Fail(err.Error(), "send a JSON object")
	}
	if p.Renewal != sub.Renewals+1 {
		return domain.Fail(fmt.Sprintf("renewal %d is out of order, next is %d", p.Renewal, sub.Renewals+1), "")
	}
	return domain.Pass()
}

// skipRenewalOfCanceled turns a renewal of a canceled subscription into a no-op.
func skipRenewalOfCanceled(_ context.Context, agg *domain.Aggregate, cmd domain.Command, failure *domain.ValidationFailure) error {
	if sub, _ := domain.StateAs[*Subscription](agg); sub.Status == StatusCanceled {
		slog.Info("[Billing] Skipping renewal of canceled subscription", "subscription_id", agg.ID())
		return nil
	}
	return failure
}

func (s *service) subscribe(ctx context.Context, agg *domain.Aggregate, cmd domain.Command) error {
	var p Subscribe
	if err := cmd.Decode(&p); err != nil {
		return err
	}
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return err
	}
	startedAt := clock.Now(ctx)
	if err := agg.Record(ctx, EventSubscribed, Subscribed{
		Customer:   p.Customer,
		Plan:       p.Plan,
		Amount:     amount,
		Currency:   p.Currency,
		PeriodDays: p.PeriodDays,
		StartedAt:  startedAt,
	}); err != nil {
		return err
	}
	s.scheduleRenewal(agg, 1, startedAt.Add(days(p.PeriodDays)))
	return nil
}

func (s *service) chargeRenewal(ctx context.Context, agg *domain.Aggregate, cmd domain.Command) error {
	var p ChargeRenewal
	if err := cmd.Decode(&p); err != nil {
		return err
	}
	sub, _ := domain.StateAs[*Subscription](agg)

	chargeID, err := s.gateway.Charge(ctx, Charge{
		Customer:       sub.Customer,
		Amount:         sub.Amount,
		Currency:       sub.Currency,
		IdempotencyKey: renewalETag(agg.ID(), p.Renewal),
	})
	if err != nil {
		return fmt.Errorf("charge renewal %d of %s: %w", p.Renewal, agg.ID(), err)
	}

	next := sub.NextRenewalAt.Add(sub.Period)
	if err := agg.Record(ctx, EventRenewalCharged, RenewalCharged{
		Renewal:       p.Renewal,
		Amount:        sub.Amount,
		ChargeID:      chargeID,
		NextRenewalAt: next,
	}); err != nil {
		return err
	}
	s.scheduleRenewal(agg, p.Renewal+1, next)
	return nil
}

func cancel(ctx context.Context, agg *domain.Aggregate, cmd domain.Command) error {
	var p Cancel
	if err := cmd.Decode(&p); err != nil {
		return err
	}
	return agg.Record(ctx, EventCanceled, Canceled(p))
}

// scheduleRenewal queues a renewal charge once the current events are saved.
func (s *service) scheduleRenewal(agg *domain.Aggregate, renewal int, due time.Time) {
	id := agg.ID()
	agg.OnSaved(func(ctx context.Context) error {
		cmd, err := domain.NewCommand(CommandChargeRenewal, ChargeRenewal{Renewal: renewal})
		if err != nil {
			return err
		}
		cmd.ETag = renewalETag(id, renewal)
		cmd.Principal = domain.Principal{ID: "billing"}
		_, err = s.scheduler.Schedule(ctx, scheduling.NewEnvelope(AggregateType, id, cmd).At(due))
		return err
	})
}

// onFailure retries declined payments on the billing schedule.
func (s *service) onFailure(_ context.Context, failure *scheduling.Failed) {
	if !errors.Is(failure.Err(), ErrPaymentDeclined) {
		return
	}
	if failure.PreviousAttempts()+1 >= s.opts.MaxDeclines {
		slog.Warn("[Billing] Payment declined too often, leaving it to the retry policy",
			"subscription_id", failure.Envelope().AggregateID,
			"declines", failure.PreviousAttempts()+1)
		return
	}
	if err := failure.Retry(s.opts.DeclineRetryAfter); err != nil {
		slog.Warn("[Billing] Could not reschedule declined payment", "error", err)
	}
}
