// Package mongo provides a Store backed by MongoDB.
//
// Atomicity relies on single-document operations: debits are conditional
// FindOneAndUpdate calls, the active-pair invariant is a partial unique
// index, and payment replays collide on the receipt's _id. A payment whose
// credit step fails rolls its receipt back so the delivery can be retried.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/broker"
	"github.com/xraph/broker/account"
	"github.com/xraph/broker/id"
	"github.com/xraph/broker/payment"
	"github.com/xraph/broker/session"
	brokerstore "github.com/xraph/broker/store"
	"github.com/xraph/broker/types"
)

// Collection name constants.
const (
	colAccounts = "broker_accounts"
	colSessions = "broker_sessions"
	colPayments = "broker_applied_payments"
)

// compile-time interface check
var _ brokerstore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// New creates a new MongoDB store on the given database.
func New(client *mongo.Client, database string) *Store {
	return &Store{
		client: client,
		db:     client.Database(database),
	}
}

// DB returns the underlying database handle for direct access.
func (s *Store) DB() *mongo.Database { return s.db }

// Migrate creates indexes for all broker collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		_, err := s.db.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("broker/mongo: %w: %s indexes: %w", broker.ErrMigrationFailed, col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the underlying client.
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

// ==================== Ledger ====================

func (s *Store) GetOrCreateAccount(ctx context.Context, accountID string, starting types.Credits) (*account.Account, bool, error) {
	created, err := s.ensureAccount(ctx, accountID, starting)
	if err != nil {
		return nil, false, err
	}

	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, false, err
	}
	return acct, created, nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*account.Account, error) {
	var m accountModel
	err := s.db.Collection(colAccounts).
		FindOne(ctx, bson.M{"_id": accountID}).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, broker.ErrAccountNotFound
		}
		return nil, fmt.Errorf("broker/mongo: get account: %w", err)
	}
	return fromAccountModel(&m), nil
}

func (s *Store) TryDebit(ctx context.Context, accountID string, amount, starting types.Credits) (types.Credits, error) {
	if !amount.IsPositive() {
		return 0, broker.ErrInvalidAmount
	}

	if _, err := s.ensureAccount(ctx, accountID, starting); err != nil {
		return 0, err
	}

	var m accountModel
	err := s.db.Collection(colAccounts).
		FindOneAndUpdate(ctx,
			bson.M{"_id": accountID, "balance": bson.M{"$gte": amount.Int64()}},
			bson.M{
				"$inc": bson.M{"balance": -amount.Int64()},
				"$set": bson.M{"updated_at": now()},
			},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			acct, getErr := s.GetAccount(ctx, accountID)
			if getErr != nil {
				return 0, getErr
			}
			return acct.Balance, broker.ErrInsufficientCredits
		}
		return 0, fmt.Errorf("broker/mongo: debit: %w", err)
	}

	return types.CreditsOf(m.Balance), nil
}

func (s *Store) Credit(ctx context.Context, accountID string, amount, starting types.Credits) (types.Credits, error) {
	if !amount.IsPositive() {
		return 0, broker.ErrInvalidAmount
	}

	if _, err := s.ensureAccount(ctx, accountID, starting); err != nil {
		return 0, err
	}

	return s.creditExisting(ctx, accountID, amount)
}

// ensureAccount inserts the account with the starting balance unless it
// already exists. Reports whether the insert happened.
func (s *Store) ensureAccount(ctx context.Context, accountID string, starting types.Credits) (bool, error) {
	t := now()
	res, err := s.db.Collection(colAccounts).
		UpdateOne(ctx,
			bson.M{"_id": accountID},
			bson.M{"$setOnInsert": bson.M{
				"balance":    starting.Int64(),
				"created_at": t,
				"updated_at": t,
			}},
			options.UpdateOne().SetUpsert(true),
		)
	if err != nil {
		return false, fmt.Errorf("broker/mongo: ensure account: %w", err)
	}
	return res.UpsertedCount > 0, nil
}

func (s *Store) creditExisting(ctx context.Context, accountID string, amount types.Credits) (types.Credits, error) {
	var m accountModel
	err := s.db.Collection(colAccounts).
		FindOneAndUpdate(ctx,
			bson.M{"_id": accountID},
			bson.M{
				"$inc": bson.M{"balance": amount.Int64()},
				"$set": bson.M{"updated_at": now()},
			},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return 0, broker.ErrAccountNotFound
		}
		return 0, fmt.Errorf("broker/mongo: credit: %w", err)
	}
	return types.CreditsOf(m.Balance), nil
}

// ==================== Session registry ====================

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	_, err := s.db.Collection(colSessions).InsertOne(ctx, toSessionModel(sess))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return broker.ErrDuplicateActiveSession
		}
		return fmt.Errorf("broker/mongo: create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID id.SessionID) (*session.Session, error) {
	var m sessionModel
	err := s.db.Collection(colSessions).
		FindOne(ctx, bson.M{"_id": sessionID.String()}).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, broker.ErrSessionNotFound
		}
		return nil, fmt.Errorf("broker/mongo: get session: %w", err)
	}
	return fromSessionModel(&m)
}

func (s *Store) FindActiveSession(ctx context.Context, clientID, counterpartID string) (*session.Session, error) {
	var m sessionModel
	err := s.db.Collection(colSessions).
		FindOne(ctx, bson.M{
			"client_id":      clientID,
			"counterpart_id": counterpartID,
			"state":          string(session.StateActive),
		}).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, broker.ErrSessionNotFound
		}
		return nil, fmt.Errorf("broker/mongo: find active session: %w", err)
	}
	return fromSessionModel(&m)
}

func (s *Store) CloseSession(ctx context.Context, sessionID id.SessionID, reason session.CloseReason, at time.Time) (*session.Session, error) {
	// The state filter keeps the first close's reason and timestamp.
	_, err := s.db.Collection(colSessions).
		UpdateOne(ctx,
			bson.M{"_id": sessionID.String(), "state": bson.M{"$ne": string(session.StateClosed)}},
			bson.M{"$set": bson.M{
				"state":        string(session.StateClosed),
				"close_reason": string(reason),
				"closed_at":    at.UTC(),
				"updated_at":   now(),
			}},
		)
	if err != nil {
		return nil, fmt.Errorf("broker/mongo: close session: %w", err)
	}

	return s.GetSession(ctx, sessionID)
}

func (s *Store) ListSessions(ctx context.Context, opts session.ListOpts) ([]*session.Session, error) {
	filter := bson.M{}
	if opts.ClientID != "" {
		filter["client_id"] = opts.ClientID
	}
	if opts.CounterpartID != "" {
		filter["counterpart_id"] = opts.CounterpartID
	}
	if opts.State != "" {
		filter["state"] = string(opts.State)
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
		if opts.Offset > 0 {
			findOpts = findOpts.SetSkip(int64(opts.Offset))
		}
	}

	cursor, err := s.db.Collection(colSessions).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("broker/mongo: list sessions: %w", err)
	}
	defer cursor.Close(ctx)

	var models []sessionModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("broker/mongo: list sessions decode: %w", err)
	}

	result := make([]*session.Session, len(models))
	for i := range models {
		sess, err := fromSessionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sess
	}
	return result, nil
}

// ==================== Payments ====================

func (s *Store) ApplyPayment(ctx context.Context, e *payment.Event, starting types.Credits) (*payment.Receipt, bool, error) {
	receipt := payment.NewReceipt(e, now())

	// Insert the receipt before touching the balance. A replayed delivery
	// collides here and never reaches the credit, regardless of whether
	// the first delivery's credit has landed yet.
	_, err := s.db.Collection(colPayments).InsertOne(ctx, toPaymentModel(receipt))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			prior, getErr := s.GetPayment(ctx, e.ExternalRef)
			if getErr != nil {
				return nil, false, getErr
			}
			return prior, false, nil
		}
		return nil, false, fmt.Errorf("broker/mongo: apply payment: %w", err)
	}

	_, err = s.ensureAccount(ctx, e.AccountID, starting)
	if err == nil {
		_, err = s.creditExisting(ctx, e.AccountID, e.Credits)
	}
	if err != nil {
		// The receipt is already durable but the credit never landed. Roll
		// the receipt back so a retry of the same event re-enters cleanly
		// instead of colliding into a replay that granted nothing.
		rollbackCtx := context.WithoutCancel(ctx)
		if _, delErr := s.db.Collection(colPayments).DeleteOne(rollbackCtx, bson.M{"_id": e.ExternalRef}); delErr != nil {
			return nil, false, errors.Join(err, fmt.Errorf("broker/mongo: rollback receipt %s: %w", e.ExternalRef, delErr))
		}
		return nil, false, err
	}
	return receipt, true, nil
}

func (s *Store) GetPayment(ctx context.Context, externalRef string) (*payment.Receipt, error) {
	var m paymentModel
	err := s.db.Collection(colPayments).
		FindOne(ctx, bson.M{"_id": externalRef}).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, broker.ErrNotFound
		}
		return nil, fmt.Errorf("broker/mongo: get payment: %w", err)
	}
	return fromPaymentModel(&m)
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all broker collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colAccounts: {},
		colSessions: {
			// One active session per directed (client, counterpart) pair.
			{
				Keys: bson.D{{Key: "client_id", Value: 1}, {Key: "counterpart_id", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"state": string(session.StateActive)}),
			},
			{Keys: bson.D{{Key: "client_id", Value: 1}, {Key: "state", Value: 1}}},
			{Keys: bson.D{{Key: "counterpart_id", Value: 1}, {Key: "state", Value: 1}}},
		},
		colPayments: {
			{Keys: bson.D{{Key: "account_id", Value: 1}}},
		},
	}
}
