package migrasi

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	_ "github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	name: "mysql",
	createLedger: `
		CREATE TABLE IF NOT EXISTS %s (
			version_number INT NOT NULL PRIMARY KEY,
			migration_name VARCHAR(255) NOT NULL UNIQUE,
			executed_at DATETIME(3) NOT NULL,
			execution_time_ms BIGINT NOT NULL DEFAULT 0 CHECK (execution_time_ms >= 0),
			checksum VARCHAR(64) NOT NULL,
			success BOOLEAN NOT NULL DEFAULT TRUE,
			rollback_sql LONGTEXT NULL,
			applied_by VARCHAR(255) NOT NULL
		)
	`,
	serverVersion:    `SELECT VERSION()`,
	placeholder:      questionPlaceholder,
	cleanDatabase:    cleanMySql,
	backslashEscapes: true,
}

// MySqlDriver manages the ledger and script transactions for MySQL.
// MySQL commits DDL implicitly, so only data statements of a script are
// covered by its transaction.
type MySqlDriver struct {
	sqlDriver
}

func NewMySqlDriver(
	host string,
	port string,
	user string,
	password string,
	database string,
	charset string,
) (*MySqlDriver, error) {
	if charset == "" {
		charset = "utf8mb4"
	}
	dsn := fmt.Sprintf(
		"%s:%s@tcp(%s:%s)/%s?charset=%s&parseTime=True&loc=UTC",
		user,
		password,
		host,
		port,
		database,
		charset,
	)

	db, err := sql.Open("mysql", dsn)

	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return NewMySqlDriverFromDB(db), nil
}

// NewMySqlDriverFromDB wraps an already opened MySQL pool.
func NewMySqlDriverFromDB(db *sql.DB) *MySqlDriver {
	return &MySqlDriver{newSQLDriver(db, mysqlDialect)}
}

// cleanMySql drops every table of the current database. Foreign key checks
// are a session setting, so everything runs on one pinned connection.
func cleanMySql(ctx context.Context, db *sql.DB) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to acquire connection")
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SET FOREIGN_KEY_CHECKS = 0;`); err != nil {
		return errors.Wrap(err, "failed to disable FK checks")
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SET FOREIGN_KEY_CHECKS = 1;`)
	}()

	rows, err := conn.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = DATABASE();
	`)
	if err != nil {
		return errors.Wrap(err, "failed to query tables")
	}
	defer rows.Close()

	var tableNames []string
	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			return errors.Wrap(err, "failed to scan table name")
		}
		tableNames = append(tableNames, fmt.Sprintf("`%s`", strings.ReplaceAll(table, "`", "``")))
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "failed to read table names")
	}

	if len(tableNames) == 0 {
		return nil
	}

	dropSQL := fmt.Sprintf("DROP TABLE %s;", strings.Join(tableNames, ", "))
	if _, err := conn.ExecContext(ctx, dropSQL); err != nil {
		return errors.Wrap(err, "failed to drop tables")
	}

	return nil
}
