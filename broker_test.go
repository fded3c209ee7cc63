package broker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/xraph/broker"
	"github.com/xraph/broker/notify"
	"github.com/xraph/broker/pricing"
	"github.com/xraph/broker/session"
	"github.com/xraph/broker/store/memory"
	"github.com/xraph/broker/types"
)

func newBroker(t *testing.T, opts ...broker.Option) *broker.Broker {
	t.Helper()

	b := broker.New(memory.New(), opts...)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := b.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return b
}

func TestConnectDebitsAndOpens(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	sess, err := b.RequestConnect(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("RequestConnect: %v", err)
	}
	if !sess.IsActive() {
		t.Fatalf("session state = %q, want active", sess.State)
	}
	if sess.ClientID != "alice" || sess.CounterpartID != "bob" {
		t.Fatalf("session pair = (%q, %q)", sess.ClientID, sess.CounterpartID)
	}

	// Connect costs 1 out of the starting 10.
	balance, err := b.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 9 {
		t.Fatalf("balance = %v, want 9", balance)
	}
}

func TestConnectValidation(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	if _, err := b.RequestConnect(ctx, "", "bob"); !errors.Is(err, broker.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if _, err := b.RequestConnect(ctx, "alice", ""); !errors.Is(err, broker.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestDuplicateConnectRefunds(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	first, err := b.RequestConnect(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("RequestConnect: %v", err)
	}

	// Second connect for the same pair: rejected, charge refunded, and the
	// existing session returned.
	dup, err := b.RequestConnect(ctx, "alice", "bob")
	if !errors.Is(err, broker.ErrDuplicateActiveSession) {
		t.Fatalf("err = %v, want ErrDuplicateActiveSession", err)
	}
	if dup == nil || dup.ID.String() != first.ID.String() {
		t.Fatalf("duplicate connect returned %+v, want existing session %s", dup, first.ID)
	}

	balance, err := b.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 9 {
		t.Fatalf("balance = %v, want 9 (duplicate attempt must net zero)", balance)
	}

	// The reverse direction is a different pair and opens normally.
	if _, err := b.RequestConnect(ctx, "bob", "alice"); err != nil {
		t.Fatalf("reverse RequestConnect: %v", err)
	}
}

func TestConnectRefusedWhenBroke(t *testing.T) {
	b := newBroker(t, broker.WithStartingBalance(0))
	ctx := context.Background()

	_, err := b.RequestConnect(ctx, "alice", "bob")
	if !errors.Is(err, broker.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}

	// No session half-opened.
	sessions, err := b.Sessions(ctx, session.ListOpts{ClientID: "alice"})
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("sessions = %d, want 0", len(sessions))
	}
}

func TestPerformActionDebits(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	sess, err := b.RequestConnect(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("RequestConnect: %v", err)
	}

	res, err := b.PerformAction(ctx, sess.ID, pricing.KindGiftTier1)
	if err != nil {
		t.Fatalf("PerformAction: %v", err)
	}
	if res.Cost != 5 || res.Remaining != 4 {
		t.Fatalf("cost=%v remaining=%v, want 5 and 4", res.Cost, res.Remaining)
	}
	if res.Exhausted {
		t.Fatal("session exhausted with credits remaining")
	}
}

func TestPerformActionUnknownKind(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	sess, err := b.RequestConnect(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("RequestConnect: %v", err)
	}

	if _, err := b.PerformAction(ctx, sess.ID, pricing.Kind("teleport")); !errors.Is(err, broker.ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}

	// The failed resolve must not charge anything.
	balance, _ := b.Balance(ctx, "alice")
	if balance != 9 {
		t.Fatalf("balance = %v, want 9", balance)
	}
}

func TestPerformActionOnClosedSession(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	sess, err := b.RequestConnect(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("RequestConnect: %v", err)
	}
	if _, err := b.CloseSession(ctx, sess.ID); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	if _, err := b.PerformAction(ctx, sess.ID, pricing.KindTextTurn); !errors.Is(err, broker.ErrSessionNotActive) {
		t.Fatalf("err = %v, want ErrSessionNotActive", err)
	}
}

// TestSpendDownLifecycle walks a full client lifecycle: connect, spend,
// get refused on an over-priced action, spend down to zero, and be
// force-closed on exhaustion.
func TestSpendDownLifecycle(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	sess, err := b.RequestConnect(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("RequestConnect: %v", err)
	}
	// 10 - 1 connect = 9.

	for i := 0; i < 5; i++ {
		res, err := b.PerformAction(ctx, sess.ID, pricing.KindTextTurn)
		if err != nil {
			t.Fatalf("text turn %d: %v", i+1, err)
		}
		if res.Exhausted {
			t.Fatalf("text turn %d exhausted the session early", i+1)
		}
	}
	// 9 - 5 = 4.

	// A video call costs 50: refused, balance unchanged, session stays
	// active because credits remain.
	res, err := b.PerformAction(ctx, sess.ID, pricing.KindVideoCall)
	if !errors.Is(err, broker.ErrInsufficientCredits) {
		t.Fatalf("video call err = %v, want ErrInsufficientCredits", err)
	}
	if res.Remaining != 4 {
		t.Fatalf("remaining after refusal = %v, want 4", res.Remaining)
	}
	got, err := b.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if !got.IsActive() {
		t.Fatal("refused action with credits remaining must leave the session active")
	}

	// Four more text turns drain the last 4 credits. The final one closes
	// the session.
	for i := 0; i < 4; i++ {
		res, err = b.PerformAction(ctx, sess.ID, pricing.KindTextTurn)
		if err != nil {
			t.Fatalf("drain turn %d: %v", i+1, err)
		}
	}
	if res.Remaining != 0 {
		t.Fatalf("remaining = %v, want 0", res.Remaining)
	}
	if !res.Exhausted {
		t.Fatal("draining the last credit must exhaust the session")
	}

	got, err = b.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if !got.IsClosed() || got.CloseReason != session.CloseExhausted {
		t.Fatalf("session = %+v, want closed with reason exhausted", got)
	}
}

func TestCloseSessionIdempotent(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	sess, err := b.RequestConnect(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("RequestConnect: %v", err)
	}

	closed, err := b.CloseSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if closed.CloseReason != session.CloseExplicit {
		t.Fatalf("close reason = %q, want explicit", closed.CloseReason)
	}

	// Closing again is a no-op and keeps the original reason.
	again, err := b.CloseSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("CloseSession (repeat): %v", err)
	}
	if again.CloseReason != session.CloseExplicit || !again.ClosedAt.Equal(*closed.ClosedAt) {
		t.Fatalf("repeat close changed the record: %+v vs %+v", again, closed)
	}

	// Closing frees the pair for a fresh connect.
	if _, err := b.RequestConnect(ctx, "alice", "bob"); err != nil {
		t.Fatalf("RequestConnect after close: %v", err)
	}
}

func TestBalanceCreatesAccountLazily(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	balance, err := b.Balance(ctx, "fresh")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 10 {
		t.Fatalf("balance = %v, want the starting 10", balance)
	}

	if _, err := b.Balance(ctx, ""); !errors.Is(err, broker.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestBalanceConservation(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	sess, err := b.RequestConnect(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("RequestConnect: %v", err)
	}

	spent := types.Credits(1) // connect
	for _, kind := range []pricing.Kind{
		pricing.KindTextTurn,
		pricing.KindGiftTier1,
		pricing.KindTextTurn,
	} {
		res, err := b.PerformAction(ctx, sess.ID, kind)
		if err != nil {
			t.Fatalf("PerformAction(%s): %v", kind, err)
		}
		spent = spent.Add(res.Cost)
	}

	balance, err := b.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance.Add(spent) != 10 {
		t.Fatalf("balance %v + spent %v != starting 10", balance, spent)
	}
}

func TestNotificationsEmitted(t *testing.T) {
	sink := notify.NewChanSink(64)
	b := newBroker(t, broker.WithNotifySink(sink))
	ctx := context.Background()

	sess, err := b.RequestConnect(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("RequestConnect: %v", err)
	}
	if _, err := b.CloseSession(ctx, sess.ID); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	// Connect emits session.opened and balance.changed, close emits
	// session.closed.
	want := map[notify.Kind]bool{
		notify.KindSessionOpened:  false,
		notify.KindBalanceChanged: false,
		notify.KindSessionClosed:  false,
	}
	for i := 0; i < 3; i++ {
		n := <-sink.C
		if _, ok := want[n.Kind]; ok {
			want[n.Kind] = true
		}
	}
	for kind, seen := range want {
		if !seen {
			t.Errorf("notification %s not delivered", kind)
		}
	}
}
