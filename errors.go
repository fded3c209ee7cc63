package broker

import (
	"errors"
	"fmt"

	"github.com/xraph/broker/notify"
	"github.com/xraph/broker/pricing"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound     = errors.New("broker: not found")
	ErrInvalidInput = errors.New("broker: invalid input")

	// Ledger errors
	ErrAccountNotFound     = errors.New("broker: account not found")
	ErrInsufficientCredits = errors.New("broker: insufficient credits")
	ErrInvalidAmount       = errors.New("broker: amount must be positive")

	// Session registry errors
	ErrSessionNotFound        = errors.New("broker: session not found")
	ErrDuplicateActiveSession = errors.New("broker: active session already exists for pair")
	ErrSessionNotActive       = errors.New("broker: session is not active")

	// Pricing errors
	ErrUnknownKind = pricing.ErrUnknownKind

	// Payment errors
	ErrPaymentAlreadyApplied = errors.New("broker: payment already applied")
	ErrInvalidPaymentEvent   = errors.New("broker: invalid payment event")

	// Notification errors
	ErrNotifyBufferFull = notify.ErrBufferFull
	ErrNoNotifySink     = notify.ErrNoSink

	// Store errors
	ErrStoreNotReady     = errors.New("broker: store not ready")
	ErrStoreClosed       = errors.New("broker: store is closed")
	ErrTransactionFailed = errors.New("broker: transaction failed")
	ErrMigrationFailed   = errors.New("broker: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("broker: validation failed for %s: %s", e.Field, e.Message)
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrSessionNotFound)
}

// IsRecoverable returns true if the error is a user-facing outcome the
// caller can resolve: buy more credits, reuse the existing session, or stop
// sending actions into a closed session.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrDuplicateActiveSession) ||
		errors.Is(err, ErrSessionNotActive)
}

// IsRetryable returns true if the error is temporary and the operation can
// be retried with the same idempotency key.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNotifyBufferFull) ||
		errors.Is(err, ErrStoreNotReady) ||
		errors.Is(err, ErrTransactionFailed)
}
