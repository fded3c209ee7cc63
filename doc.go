// Package broker provides a credit-metered session broker for Go applications.
//
// Broker is designed as a library, not a service. Import it directly into your
// Go application. It provides:
//
//   - A non-negative credit ledger with atomic debit-or-refuse semantics
//   - A session registry enforcing one active session per (client, counterpart) pair
//   - A static pricing table mapping interaction kinds to credit costs
//   - Idempotent payment reconciliation under at-least-once delivery
//   - Asynchronous event notifications with retrying delivery
//   - A plugin system for metrics, auditing, and custom hooks
//
// # Quick Start
//
// Create a broker instance with your preferred store:
//
//	import (
//	    "github.com/xraph/broker"
//	    "github.com/xraph/broker/store/postgres"
//	)
//
//	// Initialize store
//	store, err := postgres.New(databaseURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Create broker
//	b := broker.New(store)
//
//	// Start the broker (migrates the store, begins delivery workers)
//	if err := b.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Stop()
//
// # Core Concepts
//
// Accounts are created lazily: the first operation that touches an unknown
// account ID creates it with the configured starting balance. Balances are
// integers and can never go negative; every charge either debits in full or
// refuses and changes nothing.
//
// Sessions connect a client to a counterpart. Opening one charges the connect
// rate up front:
//
//	sess, err := b.RequestConnect(ctx, "alice", "bob")
//
// In-session actions are debited before they happen:
//
//	res, err := b.PerformAction(ctx, sess.ID, pricing.KindTextTurn)
//	if errors.Is(err, broker.ErrInsufficientCredits) {
//	    // action refused, balance unchanged
//	}
//	if res != nil && res.Exhausted {
//	    // the last credit was spent and the session was force-closed
//	}
//
// Payments are reconciled idempotently by the provider's external reference:
//
//	receipt, applied, err := b.ReconcilePayment(ctx, &payment.Event{
//	    ExternalRef: "ch_1abc",
//	    AccountID:   "alice",
//	    Credits:     50,
//	})
//
// A replayed delivery of the same ExternalRef returns the original receipt
// with applied=false and does not credit the account again.
//
// # Stores
//
// Four store backends ship with the module: memory (tests and demos), sqlite,
// postgres, and mongo. All of them enforce the same invariants: non-negative
// balances via conditional updates, the single-active-session rule via a
// partial unique index, and payment dedup via the external reference key.
//
// # TypeID
//
// Sessions, payments, and notifications use TypeID for globally unique,
// type-safe identifiers:
//
//	sess_01h2xcejqtf2nbrexx3vqjhp41 // Session ID
//	pay_01h455vb4pex5vsknk084sn02q  // Payment receipt ID
//	ntf_01h455vb4pex5vsknk084sn02q  // Notification ID
//
// TypeIDs are K-sortable, making them ideal for database indexes and
// providing natural time-ordering of entities.
package broker
