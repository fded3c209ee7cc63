package mongo

import (
	"time"

	"github.com/xraph/broker/account"
	"github.com/xraph/broker/id"
	"github.com/xraph/broker/payment"
	"github.com/xraph/broker/session"
	"github.com/xraph/broker/types"
)

// accountModel is the MongoDB document for an account.
type accountModel struct {
	ID        string    `bson:"_id"`
	Balance   int64     `bson:"balance"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func fromAccountModel(m *accountModel) *account.Account {
	acct := &account.Account{
		ID:      m.ID,
		Balance: types.CreditsOf(m.Balance),
	}
	acct.CreatedAt = m.CreatedAt
	acct.UpdatedAt = m.UpdatedAt
	return acct
}

// sessionModel is the MongoDB document for a session.
type sessionModel struct {
	ID            string     `bson:"_id"`
	ClientID      string     `bson:"client_id"`
	CounterpartID string     `bson:"counterpart_id"`
	State         string     `bson:"state"`
	CloseReason   string     `bson:"close_reason"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
	ClosedAt      *time.Time `bson:"closed_at,omitempty"`
}

func toSessionModel(sess *session.Session) *sessionModel {
	return &sessionModel{
		ID:            sess.ID.String(),
		ClientID:      sess.ClientID,
		CounterpartID: sess.CounterpartID,
		State:         string(sess.State),
		CloseReason:   string(sess.CloseReason),
		CreatedAt:     sess.CreatedAt,
		UpdatedAt:     sess.UpdatedAt,
		ClosedAt:      sess.ClosedAt,
	}
}

func fromSessionModel(m *sessionModel) (*session.Session, error) {
	sessID, err := id.ParseSessionID(m.ID)
	if err != nil {
		return nil, err
	}

	sess := &session.Session{
		ID:            sessID,
		ClientID:      m.ClientID,
		CounterpartID: m.CounterpartID,
		State:         session.State(m.State),
		CloseReason:   session.CloseReason(m.CloseReason),
		ClosedAt:      m.ClosedAt,
	}
	sess.CreatedAt = m.CreatedAt
	sess.UpdatedAt = m.UpdatedAt
	return sess, nil
}

// paymentModel is the MongoDB document for an applied payment. The external
// reference is the document id, which makes replays collide on insert.
type paymentModel struct {
	ExternalRef string    `bson:"_id"`
	ReceiptID   string    `bson:"receipt_id"`
	AccountID   string    `bson:"account_id"`
	Credits     int64     `bson:"credits"`
	AppliedAt   time.Time `bson:"applied_at"`
}

func toPaymentModel(r *payment.Receipt) *paymentModel {
	return &paymentModel{
		ExternalRef: r.ExternalRef,
		ReceiptID:   r.ID.String(),
		AccountID:   r.AccountID,
		Credits:     r.Credits.Int64(),
		AppliedAt:   r.AppliedAt,
	}
}

func fromPaymentModel(m *paymentModel) (*payment.Receipt, error) {
	payID, err := id.ParsePaymentID(m.ReceiptID)
	if err != nil {
		return nil, err
	}

	return &payment.Receipt{
		ID:          payID,
		ExternalRef: m.ExternalRef,
		AccountID:   m.AccountID,
		Credits:     types.CreditsOf(m.Credits),
		AppliedAt:   m.AppliedAt,
	}, nil
}
