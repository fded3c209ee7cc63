package mongo

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/broker"
	"github.com/xraph/broker/payment"
	"github.com/xraph/broker/session"
	"github.com/xraph/broker/types"
)

// newStore connects to the server named by BROKER_MONGO_URI. Tests are
// skipped when the variable is unset so the suite can run without a server.
func newStore(t *testing.T) *Store {
	t.Helper()

	uri := os.Getenv("BROKER_MONGO_URI")
	if uri == "" {
		t.Skip("BROKER_MONGO_URI not set")
	}

	client, err := mongo.Connect(mongooptions.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s := New(client, "broker_test")
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	if err := s.DB().Drop(ctx); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

const starting = types.Credits(10)

func TestLedgerRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	acct, created, err := s.GetOrCreateAccount(ctx, "alice", starting)
	if err != nil {
		t.Fatalf("GetOrCreateAccount: %v", err)
	}
	if !created || acct.Balance != starting {
		t.Fatalf("got created=%v balance=%v, want true %v", created, acct.Balance, starting)
	}

	remaining, err := s.TryDebit(ctx, "alice", 4, starting)
	if err != nil {
		t.Fatalf("TryDebit: %v", err)
	}
	if remaining != 6 {
		t.Fatalf("remaining = %v, want 6", remaining)
	}

	remaining, err = s.TryDebit(ctx, "alice", 7, starting)
	if !errors.Is(err, broker.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	if remaining != 6 {
		t.Fatalf("remaining = %v, want 6 (unchanged)", remaining)
	}

	balance, err := s.Credit(ctx, "alice", 14, starting)
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if balance != 20 {
		t.Fatalf("balance = %v, want 20", balance)
	}
}

func TestSessionRegistry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	sess := session.New("alice", "bob")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	dup := session.New("alice", "bob")
	if err := s.CreateSession(ctx, dup); !errors.Is(err, broker.ErrDuplicateActiveSession) {
		t.Fatalf("err = %v, want ErrDuplicateActiveSession", err)
	}

	closed, err := s.CloseSession(ctx, sess.ID, session.CloseExplicit, time.Now())
	if err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if !closed.IsClosed() || closed.CloseReason != session.CloseExplicit {
		t.Fatalf("session not closed: %+v", closed)
	}

	again, err := s.CloseSession(ctx, sess.ID, session.CloseExhausted, time.Now())
	if err != nil {
		t.Fatalf("CloseSession (repeat): %v", err)
	}
	if again.CloseReason != session.CloseExplicit {
		t.Fatalf("close reason = %q, want %q", again.CloseReason, session.CloseExplicit)
	}

	if err := s.CreateSession(ctx, session.New("alice", "bob")); err != nil {
		t.Fatalf("CreateSession after close: %v", err)
	}
}

func TestApplyPaymentIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	event := &payment.Event{ExternalRef: "pay-001", AccountID: "carol", Credits: 50}

	receipt, applied, err := s.ApplyPayment(ctx, event, starting)
	if err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}
	if !applied {
		t.Fatal("first delivery not applied")
	}

	replay, applied, err := s.ApplyPayment(ctx, event, starting)
	if err != nil {
		t.Fatalf("ApplyPayment (replay): %v", err)
	}
	if applied {
		t.Fatal("replay was applied twice")
	}
	if replay.ID.String() != receipt.ID.String() {
		t.Fatalf("replay receipt id = %v, want %v", replay.ID, receipt.ID)
	}

	acct, err := s.GetAccount(ctx, "carol")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.Balance != 60 {
		t.Fatalf("balance = %v, want 60", acct.Balance)
	}
}

// A delivery whose receipt lands but whose credit fails must leave no
// trace, so that the sender's retry grants the credits instead of
// colliding into a replay. A collection validator makes the credit
// update fail after the receipt insert has succeeded.
func TestApplyPaymentRollsBackOnCreditFailure(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if _, _, err := s.GetOrCreateAccount(ctx, "dave", starting); err != nil {
		t.Fatalf("GetOrCreateAccount: %v", err)
	}

	setValidation := func(level string) {
		t.Helper()
		err := s.DB().RunCommand(ctx, bson.D{
			{Key: "collMod", Value: colAccounts},
			{Key: "validator", Value: bson.M{"balance": bson.M{"$lt": int64(100)}}},
			{Key: "validationLevel", Value: level},
		}).Err()
		if err != nil {
			t.Fatalf("collMod: %v", err)
		}
	}
	setValidation("strict")

	event := &payment.Event{ExternalRef: "pay-002", AccountID: "dave", Credits: 500}
	if _, _, err := s.ApplyPayment(ctx, event, starting); err == nil {
		t.Fatal("ApplyPayment succeeded past the validator")
	}

	if _, err := s.GetPayment(ctx, "pay-002"); !errors.Is(err, broker.ErrNotFound) {
		t.Fatalf("GetPayment after failed credit: err = %v, want ErrNotFound", err)
	}
	acct, err := s.GetAccount(ctx, "dave")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.Balance != starting {
		t.Fatalf("balance = %v, want %v (unchanged)", acct.Balance, starting)
	}

	setValidation("off")

	receipt, applied, err := s.ApplyPayment(ctx, event, starting)
	if err != nil {
		t.Fatalf("ApplyPayment (retry): %v", err)
	}
	if !applied || receipt == nil {
		t.Fatalf("retry not applied: applied=%v receipt=%v", applied, receipt)
	}
	acct, err = s.GetAccount(ctx, "dave")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.Balance != starting+500 {
		t.Fatalf("balance = %v, want %v", acct.Balance, starting+500)
	}
}
