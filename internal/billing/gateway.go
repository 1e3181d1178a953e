package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// Charge is one payment request.
type Charge struct {
	Customer string
	Amount   decimal.Decimal
	Currency string
	// IdempotencyKey lets the gateway collapse retries of the same charge.
	IdempotencyKey string
}

// PaymentGateway takes payments. A refused payment is ErrPaymentDeclined;
// any other error is treated as transient.
type PaymentGateway interface {
	Charge(ctx context.Context, charge Charge) (chargeID string, err error)
}
