package domain

import (
	"context"
	"fmt"
)

// Apply runs cmd against agg. The checks run cheapest first and stop at the first failure:
//
//  1. idempotency: a token already recorded on the aggregate makes the command a no-op
//  2. intrinsic validation of the command alone
//  3. authorization of the command's principal
//  4. the required-version guard
//  5. validation against aggregate state, routed to the failure handler if present
//  6. enactment, which records events into pending
func (r *Registry) Apply(ctx context.Context, agg *Aggregate, cmd Command) error {
	t, err := r.Type(agg.Type())
	if err != nil {
		return err
	}
	h, ok := t.Commands[cmd.Type]
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownCommand, agg.Type(), cmd.Type)
	}

	if cmd.ETag != "" && agg.HasETag(cmd.ETag) {
		return nil
	}

	if report := r.validateCommand(h, agg, cmd); !report.Passed() {
		return &ValidationFailure{AggregateType: agg.Type(), Command: cmd.Type, Stage: StageCommand, Report: report}
	}

	if !r.authorizerFor(t).Authorize(agg, cmd, cmd.Principal) {
		return fmt.Errorf("%w: principal %q may not %s %s %s", ErrAuthorizationFailure, cmd.Principal.ID, cmd.Type, agg.Type(), agg.ID())
	}

	if cmd.RequiredVersion != nil && *cmd.RequiredVersion != agg.Version() {
		return fmt.Errorf("%w: %s %s is at version %d, command requires %d",
			ErrConcurrencyConflict, agg.Type(), agg.ID(), agg.Version(), *cmd.RequiredVersion)
	}

	if h.ValidateState != nil {
		if report := h.ValidateState.Validate(cmd, agg); !report.Passed() {
			failure := &ValidationFailure{AggregateType: agg.Type(), Command: cmd.Type, Stage: StageState, Report: report}
			if h.OnValidationFailure != nil {
				return h.OnValidationFailure(ctx, agg, cmd, failure)
			}
			return failure
		}
	}

	agg.etag = cmd.ETag
	defer func() { agg.etag = "" }()
	return h.Enact(ctx, agg, cmd)
}

// Validate runs the validation steps of Apply without enacting anything.
func (r *Registry) Validate(agg *Aggregate, cmd Command) error {
	h, err := r.Handler(agg.Type(), cmd.Type)
	if err != nil {
		return err
	}
	if report := r.validateCommand(h, agg, cmd); !report.Passed() {
		return &ValidationFailure{AggregateType: agg.Type(), Command: cmd.Type, Stage: StageCommand, Report: report}
	}
	if h.ValidateState != nil {
		if report := h.ValidateState.Validate(cmd, agg); !report.Passed() {
			return &ValidationFailure{AggregateType: agg.Type(), Command: cmd.Type, Stage: StageState, Report: report}
		}
	}
	return nil
}

// validateCommand runs intrinsic validation. The registry-wide validator sees the
// aggregate only so rules can be scoped by aggregate type; it must not read state.
func (r *Registry) validateCommand(h CommandHandler, agg *Aggregate, cmd Command) ValidationReport {
	report := Pass()
	if r.validator != nil {
		report = report.Merge(r.validator.Validate(cmd, agg))
	}
	if h.Validate != nil {
		report = report.Merge(h.Validate.Validate(cmd, nil))
	}
	return report
}
