// Package postgres provides a Store backed by PostgreSQL via lib/pq.
//
// The SQL surface matches the SQLite store: conditional single-statement
// UPDATEs for debits, a partial unique index for the single-active-session
// invariant, and a transaction around payment application.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

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

// Store implements store.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL database with the given connection string.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("broker/postgres: open: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing database handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle for direct access.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate creates the required tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("broker/postgres: %w: %w", broker.ErrMigrationFailed, err)
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
	created, err := ensureAccount(ctx, s.db, accountID, starting)
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
	var balance int64

	err := s.db.QueryRowContext(ctx,
		`SELECT balance, created_at, updated_at FROM accounts WHERE id = $1`,
		accountID,
	).Scan(&balance, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, broker.ErrAccountNotFound
		}
		return nil, err
	}

	acct.Balance = types.CreditsOf(balance)
	return acct, nil
}

func (s *Store) TryDebit(ctx context.Context, accountID string, amount, starting types.Credits) (types.Credits, error) {
	if !amount.IsPositive() {
		return 0, broker.ErrInvalidAmount
	}

	if _, err := ensureAccount(ctx, s.db, accountID, starting); err != nil {
		return 0, err
	}

	var remaining int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE accounts
		 SET balance = balance - $1, updated_at = now()
		 WHERE id = $2 AND balance >= $1
		 RETURNING balance`,
		amount.Int64(), accountID,
	).Scan(&remaining)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

	if _, err := ensureAccount(ctx, s.db, accountID, starting); err != nil {
		return 0, err
	}

	return creditExisting(ctx, s.db, accountID, amount)
}

// execer abstracts *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func ensureAccount(ctx context.Context, db execer, accountID string, starting types.Credits) (bool, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO accounts (id, balance, created_at, updated_at)
		 VALUES ($1, $2, now(), now())
		 ON CONFLICT (id) DO NOTHING`,
		accountID, starting.Int64(),
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

func creditExisting(ctx context.Context, db execer, accountID string, amount types.Credits) (types.Credits, error) {
	var balance int64
	err := db.QueryRowContext(ctx,
		`UPDATE accounts SET balance = balance + $1, updated_at = now() WHERE id = $2 RETURNING balance`,
		amount.Int64(), accountID,
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
	var closedAt sql.NullTime
	if sess.ClosedAt != nil {
		closedAt = sql.NullTime{Time: *sess.ClosedAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, client_id, counterpart_id, state, close_reason, created_at, updated_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.ID.String(), sess.ClientID, sess.CounterpartID,
		string(sess.State), string(sess.CloseReason),
		sess.CreatedAt, sess.UpdatedAt, closedAt,
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
	return scanSession(s.db.QueryRowContext(ctx,
		sessionColumns+` WHERE id = $1`, sessionID.String(),
	))
}

func (s *Store) FindActiveSession(ctx context.Context, clientID, counterpartID string) (*session.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		sessionColumns+` WHERE client_id = $1 AND counterpart_id = $2 AND state = 'active'`,
		clientID, counterpartID,
	))
}

func (s *Store) CloseSession(ctx context.Context, sessionID id.SessionID, reason session.CloseReason, at time.Time) (*session.Session, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET state = 'closed', close_reason = $1, closed_at = $2, updated_at = now()
		 WHERE id = $3 AND state != 'closed'`,
		string(reason), at.UTC(), sessionID.String(),
	)
	if err != nil {
		return nil, err
	}

	return s.GetSession(ctx, sessionID)
}

func (s *Store) ListSessions(ctx context.Context, opts session.ListOpts) ([]*session.Session, error) {
	where, args := []string{"1 = 1"}, []any{}
	if opts.ClientID != "" {
		where, args = append(where, fmt.Sprintf("client_id = $%d", len(args)+1)), append(args, opts.ClientID)
	}
	if opts.CounterpartID != "" {
		where, args = append(where, fmt.Sprintf("counterpart_id = $%d", len(args)+1)), append(args, opts.CounterpartID)
	}
	if opts.State != "" {
		where, args = append(where, fmt.Sprintf("state = $%d", len(args)+1)), append(args, string(opts.State))
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

const sessionColumns = `SELECT id, client_id, counterpart_id, state, close_reason, created_at, updated_at, closed_at FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row *sql.Row) (*session.Session, error) {
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
		closedAt    sql.NullTime
	)

	if err := row.Scan(&sessIDRaw, &sess.ClientID, &sess.CounterpartID, &state, &closeReason, &sess.CreatedAt, &sess.UpdatedAt, &closedAt); err != nil {
		return nil, err
	}

	sessID, err := id.ParseSessionID(sessIDRaw)
	if err != nil {
		return nil, err
	}

	sess.ID = sessID
	sess.State = session.State(state)
	sess.CloseReason = session.CloseReason(closeReason)
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		sess.ClosedAt = &at
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
		`INSERT INTO applied_payments (external_ref, id, account_id, credits, applied_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		receipt.ExternalRef, receipt.ID.String(), receipt.AccountID,
		receipt.Credits.Int64(), receipt.AppliedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Replayed delivery: a failed INSERT aborts the postgres
			// transaction, so read the durable receipt outside it.
			_ = tx.Rollback() //nolint:errcheck // already aborted
			prior, getErr := s.GetPayment(ctx, e.ExternalRef)
			if getErr != nil {
				return nil, false, getErr
			}
			return prior, false, nil
		}
		return nil, false, err
	}

	if _, err := ensureAccount(ctx, tx, e.AccountID, starting); err != nil {
		return nil, false, err
	}
	if _, err := creditExisting(ctx, tx, e.AccountID, e.Credits); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("%w: %w", broker.ErrTransactionFailed, err)
	}
	return receipt, true, nil
}

func (s *Store) GetPayment(ctx context.Context, externalRef string) (*payment.Receipt, error) {
	var (
		receipt  payment.Receipt
		payIDRaw string
		credits  int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT external_ref, id, account_id, credits, applied_at FROM applied_payments WHERE external_ref = $1`,
		externalRef,
	).Scan(&receipt.ExternalRef, &payIDRaw, &receipt.AccountID, &credits, &receipt.AppliedAt)
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
	receipt.AppliedAt = receipt.AppliedAt.UTC()
	return &receipt, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var perr *pq.Error
	return errors.As(err, &perr) && perr.Code == "23505"
}
