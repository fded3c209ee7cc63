// Package sqlite provides a Store backed by SQLite via modernc.org/sqlite
// (pure Go, no cgo).
//
// Atomicity notes: ledger debits are single conditional UPDATE statements,
// the single-active-session invariant is a partial unique index on
// (client_id, counterpart_id) WHERE state = 'active', and payment
// application inserts the receipt and credits the account inside one
// transaction keyed on the external ref primary key.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/xraph/broker"
	"github.com/xraph/broker/account"
	"github.com/xraph/broker/id"
	"github.com/xraph/broker/payment"
	"github.com/xraph/broker/session"
	"github.com/xraph/broker/store"
	"github.com/xraph/broker/types"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New opens a SQLite database at the given DSN (file path or ":memory:").
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("broker/sqlite: open %s: %w", dsn, err)
	}

	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent broker operations.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("broker/sqlite: enable foreign keys: %w", err)
	}

	return &Store{db: db}, nil
}

// DB returns the underlying database handle for direct access.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate creates the required tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("broker/sqlite: %w: %w", broker.ErrMigrationFailed, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Ledger ====================

func (s *Store) GetOrCreateAccount(ctx context.Context, accountID string, starting types.Credits) (*account.Account, bool, error) {
	created, err := s.ensureAccount(ctx, s.db, accountID, starting)
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
	acct := &account.Account{ID: accountID}
	var balance, createdTs, updatedTs int64

	err := s.db.QueryRowContext(ctx,
		`SELECT balance, created_ts, updated_ts FROM accounts WHERE id = ?`,
		accountID,
	).Scan(&balance, &createdTs, &updatedTs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, broker.ErrAccountNotFound
		}
		return nil, err
	}

	acct.Balance = types.CreditsOf(balance)
	acct.CreatedAt = time.Unix(createdTs, 0).UTC()
	acct.UpdatedAt = time.Unix(updatedTs, 0).UTC()
	return acct, nil
}

func (s *Store) TryDebit(ctx context.Context, accountID string, amount, starting types.Credits) (types.Credits, error) {
	if !amount.IsPositive() {
		return 0, broker.ErrInvalidAmount
	}

	if _, err := s.ensureAccount(ctx, s.db, accountID, starting); err != nil {
		return 0, err
	}

	var remaining int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE accounts
		 SET balance = balance - ?, updated_ts = ?
		 WHERE id = ? AND balance >= ?
		 RETURNING balance`,
		amount.Int64(), time.Now().Unix(), accountID, amount.Int64(),
	).Scan(&remaining)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Condition not met; report the untouched balance.
			acct, getErr := s.GetAccount(ctx, accountID)
			if getErr != nil {
				return 0, getErr
			}
			return acct.Balance, broker.ErrInsufficientCredits
		}
		return 0, err
	}

	return types.CreditsOf(remaining), nil
}

func (s *Store) Credit(ctx context.Context, accountID string, amount, starting types.Credits) (types.Credits, error) {
	if !amount.IsPositive() {
		return 0, broker.ErrInvalidAmount
	}

	if _, err := s.ensureAccount(ctx, s.db, accountID, starting); err != nil {
		return 0, err
	}

	return s.creditExisting(ctx, s.db, accountID, amount)
}

// execer abstracts *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ensureAccount lazily creates the account with the starting balance and
// reports whether it was created.
func (s *Store) ensureAccount(ctx context.Context, db execer, accountID string, starting types.Credits) (bool, error) {
	now := time.Now().Unix()
	res, err := db.ExecContext(ctx,
		`INSERT INTO accounts (id, balance, created_ts, updated_ts)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		accountID, starting.Int64(), now, now,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) creditExisting(ctx context.Context, db execer, accountID string, amount types.Credits) (types.Credits, error) {
	var balance int64
	err := db.QueryRowContext(ctx,
		`UPDATE accounts SET balance = balance + ?, updated_ts = ? WHERE id = ? RETURNING balance`,
		amount.Int64(), time.Now().Unix(), accountID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, broker.ErrAccountNotFound
		}
		return 0, err
	}
	return types.CreditsOf(balance), nil
}

// ==================== Session registry ====================

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	var closedTs sql.NullInt64
	if sess.ClosedAt != nil {
		closedTs = sql.NullInt64{Int64: sess.ClosedAt.Unix(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, client_id, counterpart_id, state, close_reason, created_ts, updated_ts, closed_ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID.String(), sess.ClientID, sess.CounterpartID,
		string(sess.State), string(sess.CloseReason),
		sess.CreatedAt.Unix(), sess.UpdatedAt.Unix(), closedTs,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return broker.ErrDuplicateActiveSession
		}
		return err
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID id.SessionID) (*session.Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx,
		sessionColumns+` WHERE id = ?`, sessionID.String(),
	))
}

func (s *Store) FindActiveSession(ctx context.Context, clientID, counterpartID string) (*session.Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx,
		sessionColumns+` WHERE client_id = ? AND counterpart_id = ? AND state = 'active'`,
		clientID, counterpartID,
	))
}

func (s *Store) CloseSession(ctx context.Context, sessionID id.SessionID, reason session.CloseReason, at time.Time) (*session.Session, error) {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET state = 'closed', close_reason = ?, closed_ts = ?, updated_ts = ?
		 WHERE id = ? AND state != 'closed'`,
		string(reason), at.Unix(), now, sessionID.String(),
	)
	if err != nil {
		return nil, err
	}

	// Idempotent: an already-closed session keeps its original reason and
	// timestamp; the read below returns whichever record is durable.
	return s.GetSession(ctx, sessionID)
}

func (s *Store) ListSessions(ctx context.Context, opts session.ListOpts) ([]*session.Session, error) {
	where, args := []string{"1 = 1"}, []any{}
	if opts.ClientID != "" {
		where, args = append(where, "client_id = ?"), append(args, opts.ClientID)
	}
	if opts.CounterpartID != "" {
		where, args = append(where, "counterpart_id = ?"), append(args, opts.CounterpartID)
	}
	if opts.State != "" {
		where, args = append(where, "state = ?"), append(args, string(opts.State))
	}

	query := sessionColumns + ` WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id ASC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
		if opts.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*session.Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, sess)
	}
	return list, rows.Err()
}

const sessionColumns = `SELECT id, client_id, counterpart_id, state, close_reason, created_ts, updated_ts, closed_ts FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanSession(row *sql.Row) (*session.Session, error) {
	sess, err := scanSessionRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, broker.ErrSessionNotFound
		}
		return nil, err
	}
	return sess, nil
}

func scanSessionRow(row rowScanner) (*session.Session, error) {
	var (
		sess        session.Session
		sessIDRaw   string
		state       string
		closeReason string
		createdTs   int64
		updatedTs   int64
		closedTs    sql.NullInt64
	)

	if err := row.Scan(&sessIDRaw, &sess.ClientID, &sess.CounterpartID, &state, &closeReason, &createdTs, &updatedTs, &closedTs); err != nil {
		return nil, err
	}

	sessID, err := id.ParseSessionID(sessIDRaw)
	if err != nil {
		return nil, err
	}

	sess.ID = sessID
	sess.State = session.State(state)
	sess.CloseReason = session.CloseReason(closeReason)
	sess.CreatedAt = time.Unix(createdTs, 0).UTC()
	sess.UpdatedAt = time.Unix(updatedTs, 0).UTC()
	if closedTs.Valid {
		closedAt := time.Unix(closedTs.Int64, 0).UTC()
		sess.ClosedAt = &closedAt
	}
	return &sess, nil
}

// ==================== Payments ====================

func (s *Store) ApplyPayment(ctx context.Context, e *payment.Event, starting types.Credits) (*payment.Receipt, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", broker.ErrTransactionFailed, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	receipt := payment.NewReceipt(e, time.Now())
	_, err = tx.ExecContext(ctx,
		`INSERT INTO applied_payments (external_ref, id, account_id, credits, applied_ts)
		 VALUES (?, ?, ?, ?, ?)`,
		receipt.ExternalRef, receipt.ID.String(), receipt.AccountID,
		receipt.Credits.Int64(), receipt.AppliedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Replayed delivery: return the durable receipt untouched.
			// Read through the open transaction; the store may be limited
			// to a single connection.
			prior, getErr := s.getPayment(ctx, tx, e.ExternalRef)
			if getErr != nil {
				return nil, false, getErr
			}
			return prior, false, nil
		}
		return nil, false, err
	}

	if _, err := s.ensureAccount(ctx, tx, e.AccountID, starting); err != nil {
		return nil, false, err
	}
	if _, err := s.creditExisting(ctx, tx, e.AccountID, e.Credits); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("%w: %w", broker.ErrTransactionFailed, err)
	}
	return receipt, true, nil
}

func (s *Store) GetPayment(ctx context.Context, externalRef string) (*payment.Receipt, error) {
	return s.getPayment(ctx, s.db, externalRef)
}

func (s *Store) getPayment(ctx context.Context, db execer, externalRef string) (*payment.Receipt, error) {
	var (
		receipt   payment.Receipt
		payIDRaw  string
		appliedTs int64
		credits   int64
	)

	err := db.QueryRowContext(ctx,
		`SELECT external_ref, id, account_id, credits, applied_ts FROM applied_payments WHERE external_ref = ?`,
		externalRef,
	).Scan(&receipt.ExternalRef, &payIDRaw, &receipt.AccountID, &credits, &appliedTs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, broker.ErrNotFound
		}
		return nil, err
	}

	payID, err := id.ParsePaymentID(payIDRaw)
	if err != nil {
		return nil, err
	}

	receipt.ID = payID
	receipt.Credits = types.CreditsOf(credits)
	receipt.AppliedAt = time.Unix(appliedTs, 0).UTC()
	return &receipt, nil
}

// isUniqueViolation reports whether err is a SQLite unique or primary key
// constraint failure.
func isUniqueViolation(err error) bool {
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		code := serr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
