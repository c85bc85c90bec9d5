package migrasi

import (
	"context"
)

// Driver is the transactional executor the engine runs against. It owns the
// ledger table and hands out transactions that can run script statements and
// write ledger rows atomically with them.
type Driver interface {
	// SetLedgerTableName sets the name of the table that stores applied migration records.
	SetLedgerTableName(name string)

	// CreateLedgerTable creates the ledger table if it does not already exist.
	CreateLedgerTable(ctx context.Context) error

	// GetRecords returns every ledger row ordered by version.
	// If reverse is true, the list is returned in descending order (most recent first).
	GetRecords(ctx context.Context, reverse bool) ([]Record, error)

	// Begin opens a transaction scoped to a single script.
	Begin(ctx context.Context) (Tx, error)

	// Ping checks that the database is reachable.
	Ping(ctx context.Context) error

	// ServerVersion returns the database server's version label.
	ServerVersion(ctx context.Context) (string, error)

	// CleanDatabase drops all user tables in the database, the ledger included.
	CleanDatabase(ctx context.Context) error

	// Close gracefully closes the connection to the database or releases resources.
	Close() error
}

// Tx is one script's unit of atomicity.
type Tx interface {
	// Exec runs one statement and returns the number of affected rows, or 0
	// when the driver cannot report it.
	Exec(ctx context.Context, statement string) (int64, error)

	// InsertRecord writes a successful ledger row, replacing any failed row
	// left for the same version.
	InsertRecord(ctx context.Context, record Record) error

	// DeleteRecord removes the ledger row of version.
	DeleteRecord(ctx context.Context, version int) error

	Commit() error
	Rollback() error
}
