// Package payment defines external payment-confirmation events and the
// durable receipts that make reconciliation idempotent.
package payment

import (
	"errors"
	"fmt"
	"time"

	"github.com/xraph/broker/id"
	"github.com/xraph/broker/types"
)

// MaxGrant bounds the credits a single event may grant. Real provider
// amounts are small; a value near the int64 ceiling is a corrupt or
// hostile event, and capping it keeps balance arithmetic inside int64.
const MaxGrant = types.Credits(1_000_000_000)

// Event is a payment confirmation delivered by the external payment
// provider. Delivery is at-least-once; ExternalRef is the provider's
// idempotency key and the same ref must never be applied twice.
type Event struct {
	ExternalRef string        `json:"external_ref"`
	AccountID   string        `json:"account_id"`
	Credits     types.Credits `json:"credits"`
}

// Validate checks the event for structural errors before it reaches the
// store.
func (e *Event) Validate() error {
	if e.ExternalRef == "" {
		return errors.New("payment: empty external ref")
	}
	if e.AccountID == "" {
		return errors.New("payment: empty account id")
	}
	if !e.Credits.IsPositive() {
		return errors.New("payment: credits granted must be positive")
	}
	if e.Credits > MaxGrant {
		return fmt.Errorf("payment: credits granted exceed %s", MaxGrant)
	}
	return nil
}

// Receipt is the durable record of an applied payment event. Its presence
// in the store is what deduplicates replayed deliveries.
type Receipt struct {
	ID          id.PaymentID  `json:"id"`
	ExternalRef string        `json:"external_ref"`
	AccountID   string        `json:"account_id"`
	Credits     types.Credits `json:"credits"`
	AppliedAt   time.Time     `json:"applied_at"`
}

// NewReceipt builds the receipt recorded when an event is first applied.
func NewReceipt(e *Event, at time.Time) *Receipt {
	return &Receipt{
		ID:          id.NewPaymentID(),
		ExternalRef: e.ExternalRef,
		AccountID:   e.AccountID,
		Credits:     e.Credits,
		AppliedAt:   at.UTC(),
	}
}
