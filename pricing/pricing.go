// Package pricing provides the static mapping from interaction kind to
// credit cost.
//
// Pricing is configuration, not state: tables are built in code or loaded
// from a YAML file at startup and are immutable afterwards. Catalog changes
// are a deployment concern.
package pricing

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xraph/broker/types"
)

// Kind is a priced action performable inside an Active session.
//
// Kinds form a closed set validated against the table at action time;
// unknown kinds are rejected explicitly, never defaulted.
type Kind string

const (
	// KindConnect is the flat charge for opening a session.
	KindConnect Kind = "connect"
	// KindTextTurn is a single metered chat message.
	KindTextTurn Kind = "text-turn"

	KindGiftTier1    Kind = "gift-tier-1"
	KindGiftTier2    Kind = "gift-tier-2"
	KindMediaRequest Kind = "media-request"
	KindVideoCall    Kind = "video-call"
)

// ErrUnknownKind is returned when a kind is not present in the table.
var ErrUnknownKind = errors.New("pricing: unknown interaction kind")

// Table is an immutable mapping from interaction kind to credit cost.
type Table struct {
	costs map[Kind]types.Credits
}

// New builds a Table from the given cost map. Every cost must be a positive
// integer number of credits.
func New(costs map[Kind]types.Credits) (*Table, error) {
	if len(costs) == 0 {
		return nil, errors.New("pricing: empty cost table")
	}

	copied := make(map[Kind]types.Credits, len(costs))
	for kind, cost := range costs {
		if kind == "" {
			return nil, errors.New("pricing: empty interaction kind")
		}
		if !cost.IsPositive() {
			return nil, fmt.Errorf("pricing: kind %q: cost must be positive, got %s", kind, cost)
		}
		copied[kind] = cost
	}

	return &Table{costs: copied}, nil
}

// Default returns the standard cost table: one credit to connect, one credit
// per text turn, and escalating costs for gifts, media, and video.
func Default() *Table {
	t, err := New(map[Kind]types.Credits{
		KindConnect:      1,
		KindTextTurn:     1,
		KindGiftTier1:    5,
		KindGiftTier2:    20,
		KindMediaRequest: 10,
		KindVideoCall:    50,
	})
	if err != nil {
		panic(fmt.Sprintf("pricing: default table: %v", err))
	}
	return t
}

// Resolve returns the credit cost for the given kind, or ErrUnknownKind.
// Costs are looked up fresh at action time; pricing is not versioned per
// session.
func (t *Table) Resolve(kind Kind) (types.Credits, error) {
	cost, ok := t.costs[kind]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return cost, nil
}

// Kinds returns every kind present in the table.
func (t *Table) Kinds() []Kind {
	kinds := make([]Kind, 0, len(t.costs))
	for k := range t.costs {
		kinds = append(kinds, k)
	}
	return kinds
}

// Len returns the number of priced kinds.
func (t *Table) Len() int { return len(t.costs) }

// fileSchema is the YAML layout for a pricing table file:
//
//	costs:
//	  connect: 1
//	  text-turn: 1
//	  video-call: 50
type fileSchema struct {
	Costs map[string]int64 `yaml:"costs"`
}

// Load parses a YAML pricing table from raw bytes.
func Load(data []byte) (*Table, error) {
	var schema fileSchema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("pricing: parse table: %w", err)
	}

	costs := make(map[Kind]types.Credits, len(schema.Costs))
	for kind, cost := range schema.Costs {
		costs[Kind(kind)] = types.CreditsOf(cost)
	}

	return New(costs)
}

// LoadFile reads and parses a YAML pricing table from disk.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pricing: read table %s: %w", path, err)
	}
	return Load(data)
}
