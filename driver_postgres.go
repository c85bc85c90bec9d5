package migrasi

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	_ "github.com/lib/pq"
)

var postgresDialect = dialect{
	name: "postgres",
	createLedger: `
		CREATE TABLE IF NOT EXISTS %s (
			version_number INTEGER PRIMARY KEY,
			migration_name VARCHAR(255) NOT NULL UNIQUE,
			executed_at TIMESTAMPTZ NOT NULL,
			execution_time_ms BIGINT NOT NULL DEFAULT 0 CHECK (execution_time_ms >= 0),
			checksum VARCHAR(64) NOT NULL,
			success BOOLEAN NOT NULL DEFAULT TRUE,
			rollback_sql TEXT NULL,
			applied_by VARCHAR(255) NOT NULL
		);
	`,
	serverVersion: `SHOW server_version;`,
	placeholder:   dollarPlaceholder,
	cleanDatabase: cleanPostgres,
}

// PostgresDriver manages the ledger and script transactions for PostgreSQL.
type PostgresDriver struct {
	sqlDriver
}

// NewPostgresDriver creates and returns a new instance of PostgresDriver.
// It opens a connection to the given PostgreSQL database using the provided credentials and schema.
func NewPostgresDriver(
	host string,
	port string,
	user string,
	password string,
	database string,
	schema string,
) (*PostgresDriver, error) {
	if schema == "" {
		schema = "public"
	}
	dsn := "host=%s port=%s user=%s password=%s dbname=%s sslmode=disable search_path=%s"
	dsn = fmt.Sprintf(dsn, host, port, user, password, database, schema)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return NewPostgresDriverFromDB(db), nil
}

// NewPostgresDriverFromDB wraps an already opened PostgreSQL pool.
func NewPostgresDriverFromDB(db *sql.DB) *PostgresDriver {
	return &PostgresDriver{newSQLDriver(db, postgresDialect)}
}

// cleanPostgres drops all tables in the current schema, the first entry of
// search_path.
func cleanPostgres(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename
		FROM pg_tables
		WHERE schemaname = current_schema();
	`)
	if err != nil {
		return errors.Wrap(err, "query table names")
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			return errors.Wrap(err, "scan table name")
		}
		tables = append(tables, fmt.Sprintf(`"%s"`, strings.ReplaceAll(table, `"`, `""`)))
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "read table names")
	}

	if len(tables) == 0 {
		return nil
	}

	query := fmt.Sprintf(`DROP TABLE IF EXISTS %s CASCADE;`, strings.Join(tables, ", "))
	if _, err := db.ExecContext(ctx, query); err != nil {
		return errors.Wrap(err, "drop tables")
	}

	return nil
}
