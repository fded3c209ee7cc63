package broker

import "github.com/xraph/broker/types"

// Re-export common types for convenience so users don't have to import types package.

// Credits is re-exported from types package.
type Credits = types.Credits

// Entity is re-exported from types package.
type Entity = types.Entity

// Re-export Credits constructors
var (
	CreditsOf    = types.CreditsOf
	ParseCredits = types.ParseCredits
	SumCredits   = types.SumCredits
)

// Re-export Entity constructor
var NewEntity = types.NewEntity
