// Package observability provides a metrics extension for the broker that
// records lifecycle event counts via a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/broker/plugin"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                = (*MetricsExtension)(nil)
	_ plugin.OnInit                = (*MetricsExtension)(nil)
	_ plugin.OnAccountCreated      = (*MetricsExtension)(nil)
	_ plugin.OnSessionOpened       = (*MetricsExtension)(nil)
	_ plugin.OnSessionClosed       = (*MetricsExtension)(nil)
	_ plugin.OnActionDebited       = (*MetricsExtension)(nil)
	_ plugin.OnInsufficientCredits = (*MetricsExtension)(nil)
	_ plugin.OnPaymentApplied      = (*MetricsExtension)(nil)
	_ plugin.OnPaymentReplayed     = (*MetricsExtension)(nil)
	_ plugin.OnNotificationSent    = (*MetricsExtension)(nil)
	_ plugin.OnNotificationFailed  = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as a broker plugin to automatically track brokering metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Account metrics
	AccountCreated  Counter
	StartingBalance Histogram

	// Session metrics
	SessionOpened          Counter
	SessionClosedExplicit  Counter
	SessionClosedExhausted Counter
	SessionClosedOther     Counter

	// Billing metrics
	ActionsDebited      Counter
	CreditsSpent        Counter
	DebitsRefused       Counter
	RemainingAfterDebit Histogram

	// Payment metrics
	PaymentsApplied  Counter
	PaymentsReplayed Counter
	CreditsGranted   Counter

	// Notification metrics
	NotificationsSent   Counter
	NotificationsFailed Counter

	// Error metrics
	StoreErrors  Counter
	PluginErrors Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		// Account metrics
		AccountCreated:  factory.Counter("broker.account.created"),
		StartingBalance: factory.Histogram("broker.account.starting_balance"),

		// Session metrics
		SessionOpened:          factory.Counter("broker.session.opened"),
		SessionClosedExplicit:  factory.Counter("broker.session.closed.explicit"),
		SessionClosedExhausted: factory.Counter("broker.session.closed.exhausted"),
		SessionClosedOther:     factory.Counter("broker.session.closed.other"),

		// Billing metrics
		ActionsDebited:      factory.Counter("broker.action.debited"),
		CreditsSpent:        factory.Counter("broker.credits.spent"),
		DebitsRefused:       factory.Counter("broker.action.refused"),
		RemainingAfterDebit: factory.Histogram("broker.credits.remaining"),

		// Payment metrics
		PaymentsApplied:  factory.Counter("broker.payment.applied"),
		PaymentsReplayed: factory.Counter("broker.payment.replayed"),
		CreditsGranted:   factory.Counter("broker.credits.granted"),

		// Notification metrics
		NotificationsSent:   factory.Counter("broker.notification.sent"),
		NotificationsFailed: factory.Counter("broker.notification.failed"),

		// Error metrics
		StoreErrors:  factory.Counter("broker.store.errors"),
		PluginErrors: factory.Counter("broker.plugin.errors"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ interface{}) error {
	// No initialization needed
	return nil
}

// ──────────────────────────────────────────────────
// Account hooks
// ──────────────────────────────────────────────────

// OnAccountCreated implements plugin.OnAccountCreated.
func (m *MetricsExtension) OnAccountCreated(_ context.Context, _ string, balance int64) error {
	m.AccountCreated.Inc()
	m.StartingBalance.Observe(float64(balance))
	return nil
}

// ──────────────────────────────────────────────────
// Session lifecycle hooks
// ──────────────────────────────────────────────────

// OnSessionOpened implements plugin.OnSessionOpened.
func (m *MetricsExtension) OnSessionOpened(_ context.Context, _ interface{}) error {
	m.SessionOpened.Inc()
	return nil
}

// OnSessionClosed implements plugin.OnSessionClosed.
func (m *MetricsExtension) OnSessionClosed(_ context.Context, _ interface{}, reason string) error {
	switch reason {
	case "explicit":
		m.SessionClosedExplicit.Inc()
	case "exhausted":
		m.SessionClosedExhausted.Inc()
	default:
		m.SessionClosedOther.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Billing hooks
// ──────────────────────────────────────────────────

// OnActionDebited implements plugin.OnActionDebited.
func (m *MetricsExtension) OnActionDebited(_ context.Context, _, _, _ string, cost, remaining int64) error {
	m.ActionsDebited.Inc()
	m.CreditsSpent.Add(float64(cost))
	m.RemainingAfterDebit.Observe(float64(remaining))
	return nil
}

// OnInsufficientCredits implements plugin.OnInsufficientCredits.
func (m *MetricsExtension) OnInsufficientCredits(_ context.Context, _, _ string, _, _ int64) error {
	m.DebitsRefused.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Payment hooks
// ──────────────────────────────────────────────────

// OnPaymentApplied implements plugin.OnPaymentApplied.
func (m *MetricsExtension) OnPaymentApplied(_ context.Context, _ interface{}) error {
	m.PaymentsApplied.Inc()
	return nil
}

// OnPaymentReplayed implements plugin.OnPaymentReplayed.
func (m *MetricsExtension) OnPaymentReplayed(_ context.Context, _ string) error {
	m.PaymentsReplayed.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Notification hooks
// ──────────────────────────────────────────────────

// OnNotificationSent implements plugin.OnNotificationSent.
func (m *MetricsExtension) OnNotificationSent(_ context.Context, _ interface{}) error {
	m.NotificationsSent.Inc()
	return nil
}

// OnNotificationFailed implements plugin.OnNotificationFailed.
func (m *MetricsExtension) OnNotificationFailed(_ context.Context, _ interface{}, _ error) error {
	m.NotificationsFailed.Inc()
	return nil
}
