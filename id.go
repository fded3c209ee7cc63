package broker

import "github.com/xraph/broker/id"

// ID is the primary identifier type for all broker entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
