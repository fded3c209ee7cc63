// Package audithook bridges broker lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not depend on any
// particular audit system. Callers inject a RecorderFunc adapter that bridges
// to their backend at wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/broker/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                = (*Extension)(nil)
	_ plugin.OnAccountCreated      = (*Extension)(nil)
	_ plugin.OnBalanceChanged      = (*Extension)(nil)
	_ plugin.OnSessionOpened       = (*Extension)(nil)
	_ plugin.OnSessionClosed       = (*Extension)(nil)
	_ plugin.OnActionDebited       = (*Extension)(nil)
	_ plugin.OnInsufficientCredits = (*Extension)(nil)
	_ plugin.OnPaymentApplied      = (*Extension)(nil)
	_ plugin.OnPaymentReplayed     = (*Extension)(nil)
	_ plugin.OnNotificationFailed  = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement. It is defined
// locally so that the audit_hook package does not import any backend directly.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges broker lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Account hooks
// ──────────────────────────────────────────────────

// OnAccountCreated implements plugin.OnAccountCreated.
func (e *Extension) OnAccountCreated(ctx context.Context, accountID string, balance int64) error {
	return e.record(ctx, ActionAccountCreated, SeverityInfo, OutcomeSuccess,
		ResourceAccount, accountID, CategoryLedger, nil,
		"account_id", accountID,
		"starting_balance", balance,
	)
}

// OnBalanceChanged implements plugin.OnBalanceChanged.
func (e *Extension) OnBalanceChanged(ctx context.Context, accountID string, balance int64) error {
	return e.record(ctx, ActionBalanceChanged, SeverityInfo, OutcomeSuccess,
		ResourceAccount, accountID, CategoryLedger, nil,
		"account_id", accountID,
		"balance", balance,
	)
}

// ──────────────────────────────────────────────────
// Session lifecycle hooks
// ──────────────────────────────────────────────────

// OnSessionOpened implements plugin.OnSessionOpened.
func (e *Extension) OnSessionOpened(ctx context.Context, _ interface{}) error {
	return e.record(ctx, ActionSessionOpened, SeverityInfo, OutcomeSuccess,
		ResourceSession, "", CategorySession, nil,
		"event", "session_opened",
	)
}

// OnSessionClosed implements plugin.OnSessionClosed.
func (e *Extension) OnSessionClosed(ctx context.Context, _ interface{}, reason string) error {
	action := ActionSessionClosed
	severity := SeverityInfo
	if reason == "exhausted" {
		action = ActionSessionExhausted
		severity = SeverityWarning
	}

	return e.record(ctx, action, severity, OutcomeSuccess,
		ResourceSession, "", CategorySession, nil,
		"event", "session_closed",
		"reason", reason,
	)
}

// ──────────────────────────────────────────────────
// Billing hooks
// ──────────────────────────────────────────────────

// OnActionDebited implements plugin.OnActionDebited.
func (e *Extension) OnActionDebited(ctx context.Context, sessionID, accountID, kind string, cost, remaining int64) error {
	return e.record(ctx, ActionActionDebited, SeverityInfo, OutcomeSuccess,
		ResourceSession, sessionID, CategoryLedger, nil,
		"account_id", accountID,
		"kind", kind,
		"cost", cost,
		"remaining", remaining,
	)
}

// OnInsufficientCredits implements plugin.OnInsufficientCredits.
func (e *Extension) OnInsufficientCredits(ctx context.Context, accountID, kind string, cost, balance int64) error {
	return e.record(ctx, ActionDebitRefused, SeverityWarning, OutcomeFailure,
		ResourceAccount, accountID, CategoryLedger, nil,
		"account_id", accountID,
		"kind", kind,
		"cost", cost,
		"balance", balance,
	)
}

// ──────────────────────────────────────────────────
// Payment hooks
// ──────────────────────────────────────────────────

// OnPaymentApplied implements plugin.OnPaymentApplied.
func (e *Extension) OnPaymentApplied(ctx context.Context, _ interface{}) error {
	return e.record(ctx, ActionPaymentApplied, SeverityInfo, OutcomeSuccess,
		ResourcePayment, "", CategoryPayment, nil,
		"event", "payment_applied",
	)
}

// OnPaymentReplayed implements plugin.OnPaymentReplayed.
func (e *Extension) OnPaymentReplayed(ctx context.Context, externalRef string) error {
	return e.record(ctx, ActionPaymentReplayed, SeverityInfo, OutcomeSuccess,
		ResourcePayment, externalRef, CategoryPayment, nil,
		"external_ref", externalRef,
	)
}

// ──────────────────────────────────────────────────
// Notification hooks
// ──────────────────────────────────────────────────

// OnNotificationFailed implements plugin.OnNotificationFailed.
func (e *Extension) OnNotificationFailed(ctx context.Context, _ interface{}, err error) error {
	return e.record(ctx, ActionNotificationFailed, SeverityError, OutcomeFailure,
		ResourceNotification, "", CategoryDelivery, err,
		"event", "notification_failed",
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
