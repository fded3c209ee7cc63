// Package account defines the credit-holding account entity.
package account

import (
	"github.com/xraph/broker/types"
)

// DefaultStartingBalance is the credit grant applied when an account is
// created on first contact.
const DefaultStartingBalance types.Credits = 10

// Account is a credit-holding identity. The ID is the opaque, stable
// identifier supplied by the external identity source; the broker never
// trusts or interprets its contents.
//
// Balance is always non-negative. Every mutation is a bounded atomic delta
// applied by the store: debits only when the post-condition holds, credits
// unconditionally.
type Account struct {
	types.Entity
	ID      string        `json:"id"`
	Balance types.Credits `json:"balance"`
}

// CanAfford reports whether the account balance covers the given cost.
func (a *Account) CanAfford(cost types.Credits) bool {
	return a.Balance.Covers(cost)
}
