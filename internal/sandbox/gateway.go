// Package sandbox provides a payment gateway for local runs and demos. It
// never moves money.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/aevon-lab/chronicle/internal/billing"
)

// Gateway approves every charge except those of customers marked as
// declining. Charges are collapsed by idempotency key.
type Gateway struct {
	mu        sync.Mutex
	declining map[string]bool
	charges   map[string]string
}

// NewGateway creates a gateway that declines the given customers.
func NewGateway(declining ...string) *Gateway {
	g := &Gateway{
		declining: make(map[string]bool, len(declining)),
		charges:   make(map[string]string),
	}
	for _, c := range declining {
		g.declining[c] = true
	}
	return g
}

// SetDeclining marks or unmarks a customer as declining.
func (g *Gateway) SetDeclining(customer string, declining bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.declining[customer] = declining
}

func (g *Gateway) Charge(ctx context.Context, charge billing.Charge) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if id, ok := g.charges[charge.IdempotencyKey]; ok && charge.IdempotencyKey != "" {
		return id, nil
	}
	if g.declining[charge.Customer] {
		slog.Info("[Sandbox] Declined charge", "customer", charge.Customer, "amount", charge.Amount.String())
		return "", fmt.Errorf("customer %s: %w", charge.Customer, billing.ErrPaymentDeclined)
	}

	id := "ch_" + uuid.NewString()
	if charge.IdempotencyKey != "" {
		g.charges[charge.IdempotencyKey] = id
	}
	slog.Info("[Sandbox] Approved charge",
		"customer", charge.Customer,
		"amount", charge.Amount.String(),
		"currency", charge.Currency,
		"charge_id", id)
	return id, nil
}

// Charges returns how many distinct charges were approved.
func (g *Gateway) Charges() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}
