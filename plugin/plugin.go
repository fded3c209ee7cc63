// Package plugin provides an extensible plugin system for the broker.
// Plugins can hook into lifecycle events to extend functionality.
package plugin

import (
	"context"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the plugin is initialized.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, b interface{}) error
}

// OnShutdown is called when the plugin is shutting down.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnAccountCreated is called the first time an account is touched.
type OnAccountCreated interface {
	Plugin
	OnAccountCreated(ctx context.Context, accountID string, balance int64) error
}

// OnBalanceChanged is called after any committed balance change.
type OnBalanceChanged interface {
	Plugin
	OnBalanceChanged(ctx context.Context, accountID string, balance int64) error
}

// ──────────────────────────────────────────────────
// Session lifecycle hooks
// ──────────────────────────────────────────────────

// OnSessionOpened is called when a session becomes active.
type OnSessionOpened interface {
	Plugin
	OnSessionOpened(ctx context.Context, sess interface{}) error
}

// OnSessionClosed is called when a session is closed, whatever the reason.
type OnSessionClosed interface {
	Plugin
	OnSessionClosed(ctx context.Context, sess interface{}, reason string) error
}

// ──────────────────────────────────────────────────
// Billing hooks
// ──────────────────────────────────────────────────

// OnActionDebited is called after a successful in-session debit.
type OnActionDebited interface {
	Plugin
	OnActionDebited(ctx context.Context, sessionID, accountID, kind string, cost, remaining int64) error
}

// OnInsufficientCredits is called when a debit is refused for lack of funds.
type OnInsufficientCredits interface {
	Plugin
	OnInsufficientCredits(ctx context.Context, accountID, kind string, cost, balance int64) error
}

// ──────────────────────────────────────────────────
// Payment hooks
// ──────────────────────────────────────────────────

// OnPaymentApplied is called when a payment event credits an account.
type OnPaymentApplied interface {
	Plugin
	OnPaymentApplied(ctx context.Context, receipt interface{}) error
}

// OnPaymentReplayed is called when a duplicate payment delivery is absorbed.
type OnPaymentReplayed interface {
	Plugin
	OnPaymentReplayed(ctx context.Context, externalRef string) error
}

// ──────────────────────────────────────────────────
// Notification hooks
// ──────────────────────────────────────────────────

// OnNotificationSent is called after a notification reaches its sink.
type OnNotificationSent interface {
	Plugin
	OnNotificationSent(ctx context.Context, n interface{}) error
}

// OnNotificationFailed is called when delivery gives up on a notification.
type OnNotificationFailed interface {
	Plugin
	OnNotificationFailed(ctx context.Context, n interface{}, err error) error
}
