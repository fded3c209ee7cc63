// Package notify delivers broker events to an external sink.
//
// Notifications are emitted after the originating state change has been
// committed, so a delivered notification always describes durable state.
// Delivery is at-least-once: receivers deduplicate on the notification ID.
package notify

import (
	"errors"
	"time"

	"github.com/xraph/broker/id"
	"github.com/xraph/broker/types"
)

// Sentinel errors.
var (
	ErrBufferFull = errors.New("notify: buffer full")
	ErrNoSink     = errors.New("notify: no sink configured")
)

// Kind identifies what happened.
type Kind string

const (
	KindSessionOpened    Kind = "session.opened"
	KindSessionClosed    Kind = "session.closed"
	KindBalanceChanged   Kind = "balance.changed"
	KindPaymentApplied   Kind = "payment.applied"
	KindCreditsExhausted Kind = "credits.exhausted"
)

// Notification is a single broker event. The ID doubles as the receiver's
// idempotency key.
type Notification struct {
	ID        id.NotificationID `json:"id"`
	Kind      Kind              `json:"kind"`
	AccountID string            `json:"account_id"`
	SessionID id.SessionID      `json:"session_id,omitzero"`
	Reason    string            `json:"reason,omitempty"`
	Credits   types.Credits     `json:"credits,omitempty"`
	At        time.Time         `json:"at"`
}

// New builds a notification for the given kind and account, stamped now.
func New(kind Kind, accountID string) *Notification {
	return &Notification{
		ID:        id.NewNotificationID(),
		Kind:      kind,
		AccountID: accountID,
		At:        time.Now().UTC(),
	}
}

// WithSession attaches a session to the notification.
func (n *Notification) WithSession(sessionID id.SessionID) *Notification {
	n.SessionID = sessionID
	return n
}

// WithReason attaches a close reason.
func (n *Notification) WithReason(reason string) *Notification {
	n.Reason = reason
	return n
}

// WithCredits attaches a credit amount. For balance.changed this is the new
// balance; for payment.applied it is the granted amount.
func (n *Notification) WithCredits(c types.Credits) *Notification {
	n.Credits = c
	return n
}
