package migrasi

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	createLedger: `
		CREATE TABLE IF NOT EXISTS %s (
			version_number INTEGER PRIMARY KEY,
			migration_name TEXT NOT NULL UNIQUE,
			executed_at DATETIME NOT NULL,
			execution_time_ms INTEGER NOT NULL DEFAULT 0 CHECK (execution_time_ms >= 0),
			checksum TEXT NOT NULL,
			success BOOLEAN NOT NULL DEFAULT 1,
			rollback_sql TEXT NULL,
			applied_by TEXT NOT NULL
		);
	`,
	serverVersion: `SELECT sqlite_version();`,
	placeholder:   questionPlaceholder,
	cleanDatabase: cleanSqlite,
}

// SqliteDriver manages the ledger and script transactions for SQLite, using
// the pure Go modernc.org/sqlite driver.
type SqliteDriver struct {
	sqlDriver
}

// NewSqliteDriver opens (creating if needed) the database file at path.
func NewSqliteDriver(path string) (*SqliteDriver, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return NewSqliteDriverFromDB(db), nil
}

// NewSqliteDriverFromDB wraps an already opened SQLite handle.
func NewSqliteDriverFromDB(db *sql.DB) *SqliteDriver {
	return &SqliteDriver{newSQLDriver(db, sqliteDialect)}
}

func cleanSqlite(ctx context.Context, db *sql.DB) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to acquire connection")
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = OFF;`); err != nil {
		return errors.Wrap(err, "failed to disable foreign keys")
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `PRAGMA foreign_keys = ON;`)
	}()

	rows, err := conn.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%';`)
	if err != nil {
		return errors.Wrap(err, "failed to query tables")
	}

	var tableNames []string
	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			rows.Close()
			return errors.Wrap(err, "failed to scan table name")
		}
		tableNames = append(tableNames, table)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "failed to read table names")
	}

	for _, table := range tableNames {
		dropSQL := fmt.Sprintf(`DROP TABLE IF EXISTS "%s";`, strings.ReplaceAll(table, `"`, `""`))
		if _, err := conn.ExecContext(ctx, dropSQL); err != nil {
			return errors.Wrapf(err, "failed to drop table %s", table)
		}
	}

	return nil
}
