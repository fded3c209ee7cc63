package postgres

// migrations are idempotent and run in order on every Migrate call.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		counterpart_id TEXT NOT NULL,
		state TEXT NOT NULL,
		close_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		closed_at TIMESTAMPTZ
	)`,

	// One active session per directed (client, counterpart) pair.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_pair
		ON sessions (client_id, counterpart_id)
		WHERE state = 'active'`,

	`CREATE INDEX IF NOT EXISTS idx_sessions_client ON sessions (client_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_counterpart ON sessions (counterpart_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions (state)`,

	`CREATE TABLE IF NOT EXISTS applied_payments (
		external_ref TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		credits BIGINT NOT NULL CHECK (credits > 0),
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_payments_account ON applied_payments (account_id)`,
}
