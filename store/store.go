// Package store defines the unified storage interface for Broker state:
// the credit ledger, the session registry, and the applied-payment set.
package store

import (
	"context"
	"time"

	"github.com/xraph/broker/account"
	"github.com/xraph/broker/id"
	"github.com/xraph/broker/payment"
	"github.com/xraph/broker/session"
	"github.com/xraph/broker/types"
)

// Store is the unified storage interface for all Broker entities.
//
// Implementations must provide per-account atomicity for ledger mutations
// (two concurrent debits must never both succeed if only one could be
// covered), an atomic check-and-create for sessions (at most one Active
// session per (client, counterpart) pair), and atomic record-and-credit for
// payment application. No method performs network calls other than to its
// own backing storage; every call completes in bounded local time.
type Store interface {
	// Ledger methods
	//
	// GetOrCreateAccount creates the account with the given starting
	// balance on first contact and reports whether it was created.
	GetOrCreateAccount(ctx context.Context, accountID string, starting types.Credits) (*account.Account, bool, error)
	// GetAccount returns the account or ErrAccountNotFound.
	GetAccount(ctx context.Context, accountID string) (*account.Account, error)
	// TryDebit atomically decrements the balance by amount iff the current
	// balance covers it, returning the remaining balance. Returns
	// ErrInsufficientCredits (with the balance unchanged) otherwise, and
	// ErrInvalidAmount for non-positive amounts. The account is created
	// with the starting balance on first touch.
	TryDebit(ctx context.Context, accountID string, amount, starting types.Credits) (types.Credits, error)
	// Credit atomically increments the balance, returning the new balance.
	// Returns ErrInvalidAmount for non-positive amounts. The account is
	// created with the starting balance on first touch, then credited.
	Credit(ctx context.Context, accountID string, amount, starting types.Credits) (types.Credits, error)

	// Session registry methods
	//
	// CreateSession atomically checks that no Active session exists for
	// the session's (client, counterpart) pair and persists it; returns
	// ErrDuplicateActiveSession otherwise.
	CreateSession(ctx context.Context, s *session.Session) error
	// GetSession returns the session or ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID id.SessionID) (*session.Session, error)
	// FindActiveSession returns the Active session for the pair or
	// ErrSessionNotFound.
	FindActiveSession(ctx context.Context, clientID, counterpartID string) (*session.Session, error)
	// CloseSession transitions the session to Closed, recording the reason
	// and timestamp. Closing an already-Closed session is a no-op that
	// returns the session unchanged. Returns ErrSessionNotFound for an
	// unknown id.
	CloseSession(ctx context.Context, sessionID id.SessionID, reason session.CloseReason, at time.Time) (*session.Session, error)
	// ListSessions returns sessions matching the filter.
	ListSessions(ctx context.Context, opts session.ListOpts) ([]*session.Session, error)

	// Payment methods
	//
	// ApplyPayment applies a payment event exactly once: if the event's
	// external ref is unseen it records a receipt and credits the account
	// atomically, returning (receipt, true). If the ref was already
	// applied it returns the prior receipt and false without touching the
	// ledger.
	ApplyPayment(ctx context.Context, e *payment.Event, starting types.Credits) (*payment.Receipt, bool, error)
	// GetPayment returns the receipt for an external ref or ErrNotFound.
	GetPayment(ctx context.Context, externalRef string) (*payment.Receipt, error)

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
