package sqlite_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/broker"
	"github.com/xraph/broker/payment"
	"github.com/xraph/broker/session"
	"github.com/xraph/broker/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()

	s, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestLedgerRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	acct, created, err := s.GetOrCreateAccount(ctx, "user-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if !created || acct.Balance != 10 {
		t.Fatalf("first touch: created=%v balance=%s", created, acct.Balance)
	}

	_, created, err = s.GetOrCreateAccount(ctx, "user-1", 99)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second touch should not create")
	}

	remaining, err := s.TryDebit(ctx, "user-1", 4, 10)
	if err != nil {
		t.Fatal(err)
	}
	if remaining != 6 {
		t.Errorf("remaining = %s, want 6cr", remaining)
	}

	remaining, err = s.TryDebit(ctx, "user-1", 7, 10)
	if !errors.Is(err, broker.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if remaining != 6 {
		t.Errorf("balance changed on failed debit: %s", remaining)
	}

	balance, err := s.Credit(ctx, "user-1", 44, 10)
	if err != nil {
		t.Fatal(err)
	}
	if balance != 50 {
		t.Errorf("balance = %s, want 50cr", balance)
	}

	if _, err := s.TryDebit(ctx, "user-1", 0, 10); !errors.Is(err, broker.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := s.GetAccount(ctx, "ghost"); !errors.Is(err, broker.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestConcurrentDebits(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	const starting = 20
	const workers = 40

	var succeeded atomic.Int64
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.TryDebit(ctx, "user-1", 1, starting); err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != starting {
		t.Errorf("%d debits succeeded, want %d", succeeded.Load(), starting)
	}

	acct, err := s.GetAccount(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if acct.Balance != 0 {
		t.Errorf("final balance = %s, want 0cr", acct.Balance)
	}
}

func TestSessionRegistry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	sess := session.New("alice", "worker-1")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	// The partial unique index rejects a second active session for the pair.
	err := s.CreateSession(ctx, session.New("alice", "worker-1"))
	if !errors.Is(err, broker.ErrDuplicateActiveSession) {
		t.Fatalf("expected ErrDuplicateActiveSession, got %v", err)
	}

	found, err := s.FindActiveSession(ctx, "alice", "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if found.ID.String() != sess.ID.String() {
		t.Errorf("found wrong session: %s", found.ID)
	}

	closeAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	closed, err := s.CloseSession(ctx, sess.ID, session.CloseExhausted, closeAt)
	if err != nil {
		t.Fatal(err)
	}
	if !closed.IsClosed() || closed.CloseReason != session.CloseExhausted {
		t.Fatalf("close not recorded: %+v", closed)
	}
	if closed.ClosedAt == nil || !closed.ClosedAt.Equal(closeAt) {
		t.Errorf("closed_ts mismatch: %v", closed.ClosedAt)
	}

	// Idempotent close keeps the original record.
	again, err := s.CloseSession(ctx, sess.ID, session.CloseExplicit, closeAt.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if again.CloseReason != session.CloseExhausted || !again.ClosedAt.Equal(closeAt) {
		t.Errorf("second close altered the record: %+v", again)
	}

	// Closed pair can open again.
	if err := s.CreateSession(ctx, session.New("alice", "worker-1")); err != nil {
		t.Errorf("pair still blocked after close: %v", err)
	}

	if _, err := s.GetSession(ctx, session.New("x", "y").ID); !errors.Is(err, broker.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestListSessions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for _, pair := range [][2]string{{"alice", "w1"}, {"alice", "w2"}, {"bob", "w1"}} {
		if err := s.CreateSession(ctx, session.New(pair[0], pair[1])); err != nil {
			t.Fatal(err)
		}
	}

	byClient, err := s.ListSessions(ctx, session.ListOpts{ClientID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byClient) != 2 {
		t.Errorf("alice sessions = %d, want 2", len(byClient))
	}

	active, err := s.ListSessions(ctx, session.ListOpts{State: session.StateActive, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Errorf("limited sessions = %d, want 2", len(active))
	}
}

func TestApplyPaymentIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	event := &payment.Event{ExternalRef: "p1", AccountID: "user-5", Credits: 50}

	receipt, applied, err := s.ApplyPayment(ctx, event, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Error("first application should apply")
	}

	replay, applied, err := s.ApplyPayment(ctx, event, 10)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("replay should not apply")
	}
	if replay.ID.String() != receipt.ID.String() {
		t.Errorf("replay returned a different receipt: %s != %s", replay.ID, receipt.ID)
	}

	acct, err := s.GetAccount(ctx, "user-5")
	if err != nil {
		t.Fatal(err)
	}
	if acct.Balance != 60 {
		t.Errorf("balance = %s, want 60cr", acct.Balance)
	}

	got, err := s.GetPayment(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Credits != 50 || !got.AppliedAt.Equal(receipt.AppliedAt.Truncate(time.Second)) {
		t.Errorf("receipt mismatch: %+v", got)
	}

	if _, err := s.GetPayment(ctx, "ghost"); !errors.Is(err, broker.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
