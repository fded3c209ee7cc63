package audithook

// Action constants for audit events.
const (
	// Account actions
	ActionAccountCreated = "account.created"
	ActionBalanceChanged = "balance.changed"

	// Session actions
	ActionSessionOpened    = "session.opened"
	ActionSessionClosed    = "session.closed"
	ActionSessionExhausted = "session.exhausted"

	// Billing actions
	ActionActionDebited    = "action.debited"
	ActionDebitRefused     = "action.refused"
	ActionConnectDuplicate = "connect.duplicate"

	// Payment actions
	ActionPaymentApplied  = "payment.applied"
	ActionPaymentReplayed = "payment.replayed"

	// Notification actions
	ActionNotificationFailed = "notification.failed"
)

// Resource constants for audit events.
const (
	ResourceAccount      = "account"
	ResourceSession      = "session"
	ResourcePayment      = "payment"
	ResourceNotification = "notification"
)

// Category constants for audit events.
const (
	CategoryLedger   = "ledger"
	CategorySession  = "session"
	CategoryPayment  = "payment"
	CategoryDelivery = "delivery"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
