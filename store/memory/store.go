// Package memory provides an in-memory Store for tests and demos.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

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

// Store implements store.Store with mutex-guarded maps. A single mutex
// serializes all mutations; operations are pure local map work so contention
// is negligible at the scale this store is meant for.
type Store struct {
	mu sync.RWMutex

	// Ledger storage
	accounts map[string]*account.Account

	// Session registry: all sessions by id, plus the Active session per
	// (client, counterpart) pair.
	sessions   map[string]*session.Session
	activePair map[string]string // pair key -> session id

	// Applied payment receipts by external ref.
	payments map[string]*payment.Receipt
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		accounts:   make(map[string]*account.Account),
		sessions:   make(map[string]*session.Session),
		activePair: make(map[string]string),
		payments:   make(map[string]*payment.Receipt),
	}
}

// ==================== Ledger ====================

func (s *Store) GetOrCreateAccount(_ context.Context, accountID string, starting types.Credits) (*account.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, created := s.getOrCreateLocked(accountID, starting)
	return copyAccount(acct), created, nil
}

func (s *Store) GetAccount(_ context.Context, accountID string) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, broker.ErrAccountNotFound
	}
	return copyAccount(acct), nil
}

func (s *Store) TryDebit(_ context.Context, accountID string, amount, starting types.Credits) (types.Credits, error) {
	if !amount.IsPositive() {
		return 0, broker.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, _ := s.getOrCreateLocked(accountID, starting)
	if !acct.Balance.Covers(amount) {
		return acct.Balance, broker.ErrInsufficientCredits
	}

	acct.Balance = acct.Balance.Subtract(amount)
	acct.Touch()
	return acct.Balance, nil
}

func (s *Store) Credit(_ context.Context, accountID string, amount, starting types.Credits) (types.Credits, error) {
	if !amount.IsPositive() {
		return 0, broker.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, _ := s.getOrCreateLocked(accountID, starting)
	acct.Balance = acct.Balance.Add(amount)
	acct.Touch()
	return acct.Balance, nil
}

// getOrCreateLocked requires s.mu to be held for writing.
func (s *Store) getOrCreateLocked(accountID string, starting types.Credits) (*account.Account, bool) {
	if acct, ok := s.accounts[accountID]; ok {
		return acct, false
	}

	acct := &account.Account{
		Entity:  types.NewEntity(),
		ID:      accountID,
		Balance: starting,
	}
	s.accounts[accountID] = acct
	return acct, true
}

// ==================== Session registry ====================

func (s *Store) CreateSession(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair := sess.PairKey()
	if _, exists := s.activePair[pair]; exists {
		return broker.ErrDuplicateActiveSession
	}

	stored := copySession(sess)
	s.sessions[stored.ID.String()] = stored
	if stored.IsActive() {
		s.activePair[pair] = stored.ID.String()
	}
	return nil
}

func (s *Store) GetSession(_ context.Context, sessionID id.SessionID) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID.String()]
	if !ok {
		return nil, broker.ErrSessionNotFound
	}
	return copySession(sess), nil
}

func (s *Store) FindActiveSession(_ context.Context, clientID, counterpartID string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sid, ok := s.activePair[session.PairKey(clientID, counterpartID)]
	if !ok {
		return nil, broker.ErrSessionNotFound
	}
	return copySession(s.sessions[sid]), nil
}

func (s *Store) CloseSession(_ context.Context, sessionID id.SessionID, reason session.CloseReason, at time.Time) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID.String()]
	if !ok {
		return nil, broker.ErrSessionNotFound
	}

	if sess.IsActive() {
		delete(s.activePair, sess.PairKey())
	}
	sess.Close(reason, at)
	return copySession(sess), nil
}

func (s *Store) ListSessions(_ context.Context, opts session.ListOpts) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*session.Session, 0)
	for _, sess := range s.sessions {
		if opts.ClientID != "" && sess.ClientID != opts.ClientID {
			continue
		}
		if opts.CounterpartID != "" && sess.CounterpartID != opts.CounterpartID {
			continue
		}
		if opts.State != "" && sess.State != opts.State {
			continue
		}
		result = append(result, copySession(sess))
	}

	// TypeIDs are K-sortable, so id order is creation order.
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID.String() < result[j].ID.String()
	})

	// Apply limit/offset
	start := opts.Offset
	if start > len(result) {
		start = len(result)
	}
	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

// ==================== Payments ====================

func (s *Store) ApplyPayment(_ context.Context, e *payment.Event, starting types.Credits) (*payment.Receipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.payments[e.ExternalRef]; ok {
		return copyReceipt(prior), false, nil
	}

	acct, _ := s.getOrCreateLocked(e.AccountID, starting)
	acct.Balance = acct.Balance.Add(e.Credits)
	acct.Touch()

	receipt := payment.NewReceipt(e, time.Now())
	s.payments[e.ExternalRef] = receipt
	return copyReceipt(receipt), true, nil
}

func (s *Store) GetPayment(_ context.Context, externalRef string) (*payment.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	receipt, ok := s.payments[externalRef]
	if !ok {
		return nil, broker.ErrNotFound
	}
	return copyReceipt(receipt), nil
}

// ==================== Core ====================

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// Copies keep callers from mutating stored state through returned pointers.

func copyAccount(a *account.Account) *account.Account {
	c := *a
	return &c
}

func copySession(s *session.Session) *session.Session {
	c := *s
	if s.ClosedAt != nil {
		at := *s.ClosedAt
		c.ClosedAt = &at
	}
	return &c
}

func copyReceipt(r *payment.Receipt) *payment.Receipt {
	c := *r
	return &c
}
