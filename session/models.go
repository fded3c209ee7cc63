// Package session defines the ephemeral paired chat channel entity and its
// lifecycle state machine.
package session

import (
	"time"

	"github.com/xraph/broker/id"
	"github.com/xraph/broker/types"
)

// State is the lifecycle state of a session.
//
// The machine is Requested → Active → Closed. Creation and activation are a
// single step — no multi-party handshake is required beyond inviting the
// counterpart — so Requested is never externally observable; sessions are
// persisted Active.
type State string

const (
	StateRequested State = "requested"
	StateActive    State = "active"
	StateClosed    State = "closed"
)

// CloseReason records why a session left the Active state.
type CloseReason string

const (
	// CloseExplicit is an administrative or caller-requested close.
	CloseExplicit CloseReason = "explicit"
	// CloseExhausted is the forced close when the client's balance ran out.
	CloseExhausted CloseReason = "exhausted"
	// CloseUpstreamGone records that the external platform reported the
	// channel destroyed.
	CloseUpstreamGone CloseReason = "upstream_gone"
)

// Session is an ephemeral paired channel between a client account and a
// counterpart account. At most one Active session exists per
// (client, counterpart) pair at any instant.
type Session struct {
	types.Entity
	ID            id.SessionID `json:"id"`
	ClientID      string       `json:"client_id"`
	CounterpartID string       `json:"counterpart_id"`
	State         State        `json:"state"`
	CloseReason   CloseReason  `json:"close_reason,omitempty"`
	ClosedAt      *time.Time   `json:"closed_at,omitempty"`
}

// New creates an Active session between the given accounts.
func New(clientID, counterpartID string) *Session {
	return &Session{
		Entity:        types.NewEntity(),
		ID:            id.NewSessionID(),
		ClientID:      clientID,
		CounterpartID: counterpartID,
		State:         StateActive,
	}
}

// IsActive reports whether the session accepts metered actions.
func (s *Session) IsActive() bool {
	return s.State == StateActive
}

// IsClosed reports whether the session has been torn down.
func (s *Session) IsClosed() bool {
	return s.State == StateClosed
}

// Close transitions the session to Closed. Closing a Closed session is a
// no-op (idempotent); the original reason and timestamp are preserved.
func (s *Session) Close(reason CloseReason, at time.Time) {
	if s.State == StateClosed {
		return
	}

	s.State = StateClosed
	s.CloseReason = reason
	closedAt := at.UTC()
	s.ClosedAt = &closedAt
	s.Touch()
}

// PairKey returns the registry key identifying the (client, counterpart)
// pair, used to enforce the single-active-session invariant.
func (s *Session) PairKey() string {
	return PairKey(s.ClientID, s.CounterpartID)
}

// PairKey builds the registry key for a (client, counterpart) pair.
func PairKey(clientID, counterpartID string) string {
	return clientID + "\x1f" + counterpartID
}

// ListOpts filters session listings.
type ListOpts struct {
	ClientID      string
	CounterpartID string
	State         State
	Limit         int
	Offset        int
}
