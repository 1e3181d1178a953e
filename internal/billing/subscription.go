// Package billing is a subscription aggregate that renews itself through the
// command scheduler: every successful charge schedules the next one.
package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aevon-lab/chronicle/internal/core/domain"
)

// AggregateType is the registered name of subscriptions.
const AggregateType = "subscription"

// Command types.
const (
	CommandSubscribe     = "Subscribe"
	CommandChargeRenewal = "ChargeRenewal"
	CommandCancel        = "Cancel"
)

// Event types.
const (
	EventSubscribed     = "Subscribed"
	EventRenewalCharged = "RenewalCharged"
	EventCanceled       = "Canceled"
)

// Status of a subscription.
type Status string

const (
	StatusNone     Status = ""
	StatusActive   Status = "active"
	StatusCanceled Status = "canceled"
)

// ErrPaymentDeclined is returned by gateways when the customer's payment
// method was refused. Declines are retried on their own schedule.
var ErrPaymentDeclined = errors.New("payment declined")

// Subscribe starts a subscription. Amount is a decimal string.
type Subscribe struct {
	Customer   string `json:"customer"`
	Plan       string `json:"plan"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	PeriodDays int    `json:"period_days"`
}

// ChargeRenewal charges renewal number Renewal.
type ChargeRenewal struct {
	Renewal int `json:"renewal"`
}

// Cancel ends the subscription; pending renewals become no-ops.
type Cancel struct {
	Reason string `json:"reason,omitempty"`
}

// Subscribed is recorded when a subscription starts.
type Subscribed struct {
	Customer   string          `json:"customer"`
	Plan       string          `json:"plan"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	PeriodDays int             `json:"period_days"`
	StartedAt  time.Time       `json:"started_at"`
}

// RenewalCharged is recorded for every successful charge.
type RenewalCharged struct {
	Renewal  int             `json:"renewal"`
	Amount   decimal.Decimal `json:"amount"`
	ChargeID string          `json:"charge_id"`
	// NextRenewalAt is when the following renewal is due.
	NextRenewalAt time.Time `json:"next_renewal_at"`
}

// Canceled is recorded when the subscription ends.
type Canceled struct {
	Reason string `json:"reason,omitempty"`
}

// Subscription is the folded state of one subscription.
type Subscription struct {
	Customer      string
	Plan          string
	Amount        decimal.Decimal
	Currency      string
	Period        time.Duration
	Status        Status
	Renewals      int
	TotalCharged  decimal.Decimal
	NextRenewalAt time.Time
	CancelReason  string
}

func (s *Subscription) Apply(evt domain.Event) error {
	switch evt.Type {
	case EventSubscribed:
		var e Subscribed
		if err := evt.Decode(&e); err != nil {
			return err
		}
		s.Customer = e.Customer
		s.Plan = e.Plan
		s.Amount = e.Amount
		s.Currency = e.Currency
		s.Period = days(e.PeriodDays)
		s.Status = StatusActive
		s.NextRenewalAt = e.StartedAt.Add(s.Period)
		s.TotalCharged = decimal.Zero
	case EventRenewalCharged:
		var e RenewalCharged
		if err := evt.Decode(&e); err != nil {
			return err
		}
		s.Renewals = e.Renewal
		s.TotalCharged = s.TotalCharged.Add(e.Amount)
		s.NextRenewalAt = e.NextRenewalAt
	case EventCanceled:
		var e Canceled
		if err := evt.Decode(&e); err != nil {
			return err
		}
		s.Status = StatusCanceled
		s.CancelReason = e.Reason
	default:
		return fmt.Errorf("unknown subscription event %q", evt.Type)
	}
	return nil
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

// renewalETag is the idempotency token of a renewal charge, so rescheduling
// the same renewal twice is deduplicated.
func renewalETag(subscriptionID string, renewal int) string {
	return fmt.Sprintf("%s/renewal/%d", subscriptionID, renewal)
}
