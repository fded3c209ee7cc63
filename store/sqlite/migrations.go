package sqlite

// migrations are applied in order by Migrate. Statements are idempotent so
// startup can run them unconditionally.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
    id         TEXT PRIMARY KEY,
    balance    INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
    created_ts INTEGER NOT NULL,
    updated_ts INTEGER NOT NULL
)`,

	`CREATE TABLE IF NOT EXISTS sessions (
    id             TEXT PRIMARY KEY,
    client_id      TEXT NOT NULL,
    counterpart_id TEXT NOT NULL,
    state          TEXT NOT NULL DEFAULT 'active',
    close_reason   TEXT NOT NULL DEFAULT '',
    created_ts     INTEGER NOT NULL,
    updated_ts     INTEGER NOT NULL,
    closed_ts      INTEGER
)`,

	// The single-active-session invariant: check-and-create is one INSERT
	// racing against this partial unique index.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_pair
    ON sessions (client_id, counterpart_id) WHERE state = 'active'`,

	`CREATE INDEX IF NOT EXISTS idx_sessions_client ON sessions (client_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions (state)`,

	`CREATE TABLE IF NOT EXISTS applied_payments (
    external_ref TEXT PRIMARY KEY,
    id           TEXT NOT NULL,
    account_id   TEXT NOT NULL,
    credits      INTEGER NOT NULL CHECK (credits > 0),
    applied_ts   INTEGER NOT NULL
)`,

	`CREATE INDEX IF NOT EXISTS idx_applied_payments_account ON applied_payments (account_id)`,
}
