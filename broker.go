package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/broker/account"
	"github.com/xraph/broker/id"
	"github.com/xraph/broker/notify"
	"github.com/xraph/broker/payment"
	"github.com/xraph/broker/plugin"
	"github.com/xraph/broker/pricing"
	"github.com/xraph/broker/session"
	"github.com/xraph/broker/store"
	"github.com/xraph/broker/types"
)

// Broker is the credit-metered session engine. Every priced interaction
// between a client and a counterpart runs through it: credits are debited
// before the interaction happens, and a balance can never go negative.
type Broker struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	pricing *pricing.Table

	// Notification delivery
	sink         notify.Sink
	notifyBuffer int
	dispatcher   *notify.Dispatcher

	// Configuration
	startingBalance types.Credits
}

// New creates a new Broker instance.
func New(s store.Store, opts ...Option) *Broker {
	b := &Broker{
		store:           s,
		plugins:         plugin.NewRegistry(),
		logger:          slog.Default(),
		pricing:         pricing.Default(),
		notifyBuffer:    notify.DefaultBuffer,
		startingBalance: account.DefaultStartingBalance,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Option configures a Broker instance.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
		b.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(b *Broker) {
		_ = b.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithPricing replaces the default pricing table.
func WithPricing(t *pricing.Table) Option {
	return func(b *Broker) {
		b.pricing = t
	}
}

// WithStartingBalance sets the balance granted on first touch of an account.
func WithStartingBalance(c types.Credits) Option {
	return func(b *Broker) {
		if !c.IsNegative() {
			b.startingBalance = c
		}
	}
}

// WithNotifySink sets the sink notifications are delivered to.
func WithNotifySink(s notify.Sink) Option {
	return func(b *Broker) {
		b.sink = s
	}
}

// WithNotifyBuffer sets the notification queue size.
func WithNotifyBuffer(size int) Option {
	return func(b *Broker) {
		if size > 0 {
			b.notifyBuffer = size
		}
	}
}

// Start migrates the store and begins background delivery.
func (b *Broker) Start(ctx context.Context) error {
	// Migrate database
	if err := b.store.Migrate(ctx); err != nil {
		return err
	}

	// Initialize plugins
	b.plugins.EmitInit(ctx, b)

	// Start notification dispatcher
	sink := b.sink
	if sink == nil {
		sink = notify.NewLogSink(b.logger)
	}
	b.dispatcher = notify.NewDispatcher(sink, b.logger,
		notify.WithBuffer(b.notifyBuffer),
		notify.WithCallbacks(
			func(ctx context.Context, n *notify.Notification) {
				b.plugins.EmitNotificationSent(ctx, n)
			},
			func(ctx context.Context, n *notify.Notification, err error) {
				b.plugins.EmitNotificationFailed(ctx, n, err)
			},
		),
	)
	if err := b.dispatcher.Start(ctx); err != nil {
		return err
	}

	b.logger.Info("broker started",
		"starting_balance", b.startingBalance.Int64(),
		"priced_kinds", b.pricing.Len(),
		"notify_buffer", b.notifyBuffer,
	)

	return nil
}

// Stop shuts down the Broker.
func (b *Broker) Stop() error {
	if b.dispatcher != nil {
		b.dispatcher.Stop()
	}

	ctx := context.Background()
	b.plugins.EmitShutdown(ctx)

	return b.store.Close()
}

// ──────────────────────────────────────────────────
// Connecting
// ──────────────────────────────────────────────────

// RequestConnect opens a session between a client and a counterpart, debiting
// the connect charge from the client first. If an active session for the pair
// already exists, the charge is refunded and the existing session is returned
// together with ErrDuplicateActiveSession.
func (b *Broker) RequestConnect(ctx context.Context, clientID, counterpartID string) (*session.Session, error) {
	if clientID == "" || counterpartID == "" {
		return nil, fmt.Errorf("%w: empty client or counterpart id", ErrInvalidInput)
	}

	cost, err := b.pricing.Resolve(pricing.KindConnect)
	if err != nil {
		return nil, err
	}

	acct, created, err := b.store.GetOrCreateAccount(ctx, clientID, b.startingBalance)
	if err != nil {
		return nil, err
	}
	if created {
		b.plugins.EmitAccountCreated(ctx, acct.ID, acct.Balance.Int64())
	}

	// Debit before creating the session. A refused debit means no session.
	remaining, err := b.store.TryDebit(ctx, clientID, cost, b.startingBalance)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			b.plugins.EmitInsufficientCredits(ctx, clientID, string(pricing.KindConnect), cost.Int64(), remaining.Int64())
		}
		return nil, err
	}

	sess := session.New(clientID, counterpartID)
	if err := b.store.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, ErrDuplicateActiveSession) {
			// Compensate the debit that paid for a session we cannot open.
			refunded, refundErr := b.store.Credit(ctx, clientID, cost, b.startingBalance)
			if refundErr != nil {
				b.logger.Error("connect refund failed",
					"client_id", clientID,
					"cost", cost.Int64(),
					"error", refundErr,
				)
				return nil, refundErr
			}
			b.plugins.EmitBalanceChanged(ctx, clientID, refunded.Int64())

			existing, findErr := b.store.FindActiveSession(ctx, clientID, counterpartID)
			if findErr != nil {
				return nil, findErr
			}
			return existing, ErrDuplicateActiveSession
		}
		return nil, err
	}

	b.plugins.EmitSessionOpened(ctx, sess)
	b.plugins.EmitBalanceChanged(ctx, clientID, remaining.Int64())
	b.enqueue(notify.New(notify.KindSessionOpened, clientID).WithSession(sess.ID))
	b.enqueue(notify.New(notify.KindBalanceChanged, clientID).WithCredits(remaining))

	b.logger.Debug("session opened",
		"session_id", sess.ID.String(),
		"client_id", clientID,
		"counterpart_id", counterpartID,
		"remaining", remaining.Int64(),
	)

	return sess, nil
}

// ──────────────────────────────────────────────────
// In-session actions
// ──────────────────────────────────────────────────

// ActionResult reports the outcome of a priced action.
type ActionResult struct {
	SessionID id.SessionID  `json:"session_id"`
	Kind      pricing.Kind  `json:"kind"`
	Cost      types.Credits `json:"cost"`
	Remaining types.Credits `json:"remaining"`

	// Exhausted is set when this action drained the client's last credit
	// and the session was force-closed.
	Exhausted bool `json:"exhausted"`
}

// PerformAction charges the session's client for one interaction of the given
// kind. The debit happens before the interaction is allowed: a refused debit
// means the interaction must not proceed.
//
// When the debit leaves the balance at exactly zero, or is refused with the
// balance already at zero, the session is force-closed with reason
// "exhausted". A refused debit with credits still on the account leaves the
// session active so the client can pick a cheaper action.
func (b *Broker) PerformAction(ctx context.Context, sessionID id.SessionID, kind pricing.Kind) (*ActionResult, error) {
	sess, err := b.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsActive() {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotActive, sessionID)
	}

	cost, err := b.pricing.Resolve(kind)
	if err != nil {
		return nil, err
	}

	result := &ActionResult{
		SessionID: sessionID,
		Kind:      kind,
		Cost:      cost,
	}

	remaining, err := b.store.TryDebit(ctx, sess.ClientID, cost, b.startingBalance)
	result.Remaining = remaining
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			b.plugins.EmitInsufficientCredits(ctx, sess.ClientID, string(kind), cost.Int64(), remaining.Int64())
			if remaining.IsZero() {
				if closeErr := b.forceClose(ctx, sess, session.CloseExhausted); closeErr != nil {
					return result, closeErr
				}
				result.Exhausted = true
			}
		}
		return result, err
	}

	b.plugins.EmitActionDebited(ctx, sessionID.String(), sess.ClientID, string(kind), cost.Int64(), remaining.Int64())
	b.plugins.EmitBalanceChanged(ctx, sess.ClientID, remaining.Int64())
	b.enqueue(notify.New(notify.KindBalanceChanged, sess.ClientID).WithSession(sessionID).WithCredits(remaining))

	if remaining.IsZero() {
		if err := b.forceClose(ctx, sess, session.CloseExhausted); err != nil {
			return result, err
		}
		result.Exhausted = true
	}

	return result, nil
}

// forceClose closes a session on behalf of the broker, not the client.
func (b *Broker) forceClose(ctx context.Context, sess *session.Session, reason session.CloseReason) error {
	closed, err := b.store.CloseSession(ctx, sess.ID, reason, time.Now())
	if err != nil {
		return err
	}

	b.plugins.EmitSessionClosed(ctx, closed, string(reason))
	if reason == session.CloseExhausted {
		b.enqueue(notify.New(notify.KindCreditsExhausted, sess.ClientID).WithSession(sess.ID))
	}
	b.enqueue(notify.New(notify.KindSessionClosed, sess.ClientID).
		WithSession(sess.ID).
		WithReason(string(reason)))

	b.logger.Debug("session closed",
		"session_id", sess.ID.String(),
		"reason", string(reason),
	)
	return nil
}

// ──────────────────────────────────────────────────
// Closing and queries
// ──────────────────────────────────────────────────

// CloseSession closes a session at the client's request. Closing an already
// closed session is a no-op and returns the session as it was closed.
func (b *Broker) CloseSession(ctx context.Context, sessionID id.SessionID) (*session.Session, error) {
	sess, err := b.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.IsClosed() {
		return sess, nil
	}

	if err := b.forceClose(ctx, sess, session.CloseExplicit); err != nil {
		return nil, err
	}
	return b.store.GetSession(ctx, sessionID)
}

// Session retrieves a session by ID.
func (b *Broker) Session(ctx context.Context, sessionID id.SessionID) (*session.Session, error) {
	return b.store.GetSession(ctx, sessionID)
}

// Sessions lists sessions matching the given filters.
func (b *Broker) Sessions(ctx context.Context, opts session.ListOpts) ([]*session.Session, error) {
	return b.store.ListSessions(ctx, opts)
}

// Balance returns the current balance of an account, creating it with the
// starting balance on first touch.
func (b *Broker) Balance(ctx context.Context, accountID string) (types.Credits, error) {
	if accountID == "" {
		return 0, fmt.Errorf("%w: empty account id", ErrInvalidInput)
	}

	acct, created, err := b.store.GetOrCreateAccount(ctx, accountID, b.startingBalance)
	if err != nil {
		return 0, err
	}
	if created {
		b.plugins.EmitAccountCreated(ctx, acct.ID, acct.Balance.Int64())
	}
	return acct.Balance, nil
}

// Pricing returns the active pricing table.
func (b *Broker) Pricing() *pricing.Table {
	return b.pricing
}

// ──────────────────────────────────────────────────
// Payment reconciliation
// ──────────────────────────────────────────────────

// ReconcilePayment applies a payment confirmation to the target account.
// Deliveries are at-least-once: replays of an already applied ExternalRef
// return the original receipt and applied=false without touching the balance.
func (b *Broker) ReconcilePayment(ctx context.Context, e *payment.Event) (*payment.Receipt, bool, error) {
	if e == nil {
		return nil, false, fmt.Errorf("%w: nil event", ErrInvalidPaymentEvent)
	}
	if err := e.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrInvalidPaymentEvent, err)
	}

	receipt, applied, err := b.store.ApplyPayment(ctx, e, b.startingBalance)
	if err != nil {
		return nil, false, err
	}

	if !applied {
		b.plugins.EmitPaymentReplayed(ctx, e.ExternalRef)
		b.logger.Debug("payment replay absorbed",
			"external_ref", e.ExternalRef,
			"account_id", e.AccountID,
		)
		return receipt, false, nil
	}

	acct, err := b.store.GetAccount(ctx, e.AccountID)
	if err != nil {
		return receipt, true, err
	}

	b.plugins.EmitPaymentApplied(ctx, receipt)
	b.plugins.EmitBalanceChanged(ctx, e.AccountID, acct.Balance.Int64())
	b.enqueue(notify.New(notify.KindPaymentApplied, e.AccountID).WithCredits(e.Credits))
	b.enqueue(notify.New(notify.KindBalanceChanged, e.AccountID).WithCredits(acct.Balance))

	b.logger.Info("payment applied",
		"external_ref", e.ExternalRef,
		"account_id", e.AccountID,
		"credits", e.Credits.Int64(),
	)

	return receipt, true, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// enqueue queues a notification for delivery, logging on overflow. State
// changes are already committed at this point so a drop loses visibility only.
func (b *Broker) enqueue(n *notify.Notification) {
	if b.dispatcher == nil {
		return
	}
	if err := b.dispatcher.Enqueue(n); err != nil {
		b.logger.Warn("notification dropped",
			"kind", string(n.Kind),
			"account_id", n.AccountID,
			"error", err,
		)
	}
}
