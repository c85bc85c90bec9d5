package migrasi

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const defaultLedgerTableName = "schema_ledger"

// dialect holds what differs between the database/sql backed drivers.
type dialect struct {
	name          string
	createLedger  string
	serverVersion string
	placeholder   func(n int) string
	cleanDatabase func(ctx context.Context, db *sql.DB) error
	// backslashEscapes is set when a backslash escapes the next character in
	// a string literal.
	backslashEscapes bool
}

func questionPlaceholder(int) string { return "?" }

func dollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// sqlDriver implements Driver on top of database/sql.
type sqlDriver struct {
	db              *sql.DB
	ledgerTableName string
	dialect         dialect
}

func newSQLDriver(db *sql.DB, d dialect) sqlDriver {
	return sqlDriver{
		db:              db,
		ledgerTableName: defaultLedgerTableName,
		dialect:         d,
	}
}

// OpenDriver opens a driver by name ("postgres", "mysql" or "sqlite") and
// checks the connection.
func OpenDriver(ctx context.Context, name, dsn string) (Driver, error) {
	var (
		sqlName string
		d       dialect
	)
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pgsql":
		sqlName, d = "postgres", postgresDialect
	case "mysql", "mariadb":
		sqlName, d = "mysql", mysqlDialect
	case "sqlite", "sqlite3":
		sqlName, d = "sqlite", sqliteDialect
	default:
		return nil, errors.Errorf("unsupported driver %q", name)
	}

	db, err := sql.Open(sqlName, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s database", sqlName)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to connect to %s database", sqlName)
	}

	drv := newSQLDriver(db, d)
	switch d.name {
	case postgresDialect.name:
		return &PostgresDriver{drv}, nil
	case mysqlDialect.name:
		return &MySqlDriver{drv}, nil
	default:
		return &SqliteDriver{drv}, nil
	}
}

func (d *sqlDriver) backslashEscapes() bool {
	return d.dialect.backslashEscapes
}

// DB exposes the underlying connection pool, e.g. for advisory locks.
func (d *sqlDriver) DB() *sql.DB {
	return d.db
}

func (d *sqlDriver) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// SetLedgerTableName sets the name of the ledger table.
// If the provided name is empty, the default "schema_ledger" is used.
func (d *sqlDriver) SetLedgerTableName(name string) {
	if name == "" {
		name = defaultLedgerTableName
	}
	d.ledgerTableName = name
}

func (d *sqlDriver) CreateLedgerTable(ctx context.Context) error {
	query := fmt.Sprintf(d.dialect.createLedger, d.ledgerTableName)
	if _, err := d.db.ExecContext(ctx, query); err != nil {
		return errors.Wrapf(err, "failed to create ledger table %s", d.ledgerTableName)
	}
	return nil
}

func (d *sqlDriver) GetRecords(ctx context.Context, reverse bool) ([]Record, error) {
	order := "ASC"
	if reverse {
		order = "DESC"
	}
	query := fmt.Sprintf(
		`SELECT version_number, migration_name, executed_at, execution_time_ms, checksum, success, rollback_sql, applied_by FROM %s ORDER BY version_number %s`,
		d.ledgerTableName, order,
	)

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query ledger")
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			record     Record
			executedAt ledgerTime
			rollback   sql.NullString
		)
		if err := rows.Scan(
			&record.Version,
			&record.MigrationName,
			&executedAt,
			&record.ExecutionTimeMs,
			&record.Checksum,
			&record.Success,
			&rollback,
			&record.AppliedBy,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan ledger row")
		}
		record.ExecutedAt = executedAt.Time
		if rollback.Valid {
			script := rollback.String
			record.RollbackScript = &script
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read ledger")
	}

	return records, nil
}

func (d *sqlDriver) Begin(ctx context.Context) (Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	return &sqlTx{tx: tx, ledgerTableName: d.ledgerTableName, dialect: d.dialect}, nil
}

func (d *sqlDriver) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *sqlDriver) ServerVersion(ctx context.Context) (string, error) {
	var version string
	if err := d.db.QueryRowContext(ctx, d.dialect.serverVersion).Scan(&version); err != nil {
		return "", errors.Wrap(err, "failed to query server version")
	}
	return fmt.Sprintf("%s %s", d.dialect.name, version), nil
}

func (d *sqlDriver) CleanDatabase(ctx context.Context) error {
	return d.dialect.cleanDatabase(ctx, d.db)
}

type sqlTx struct {
	tx              *sql.Tx
	ledgerTableName string
	dialect         dialect
}

func (t *sqlTx) Exec(ctx context.Context, statement string) (int64, error) {
	result, err := t.tx.ExecContext(ctx, statement)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return affected, nil
}

func (t *sqlTx) InsertRecord(ctx context.Context, record Record) error {
	p := t.dialect.placeholder

	cleanup := fmt.Sprintf(`DELETE FROM %s WHERE version_number = %s AND success = %s`, t.ledgerTableName, p(1), p(2))
	if _, err := t.tx.ExecContext(ctx, cleanup, record.Version, false); err != nil {
		return errors.Wrapf(err, "failed to clear failed ledger row for version %d", record.Version)
	}

	var rollback sql.NullString
	if record.RollbackScript != nil {
		rollback = sql.NullString{String: *record.RollbackScript, Valid: true}
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (version_number, migration_name, executed_at, execution_time_ms, checksum, success, rollback_sql, applied_by) VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		t.ledgerTableName, p(1), p(2), p(3), p(4), p(5), p(6), p(7), p(8),
	)
	if _, err := t.tx.ExecContext(ctx, query,
		record.Version,
		record.MigrationName,
		record.ExecutedAt.UTC(),
		record.ExecutionTimeMs,
		record.Checksum,
		record.Success,
		rollback,
		record.AppliedBy,
	); err != nil {
		return errors.Wrapf(err, "failed to record version %d in ledger", record.Version)
	}
	return nil
}

func (t *sqlTx) DeleteRecord(ctx context.Context, version int) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE version_number = %s`, t.ledgerTableName, t.dialect.placeholder(1))
	if _, err := t.tx.ExecContext(ctx, query, version); err != nil {
		return errors.Wrapf(err, "failed to remove version %d from ledger", version)
	}
	return nil
}

func (t *sqlTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqlTx) Rollback() error {
	return t.tx.Rollback()
}

var ledgerTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// ledgerTime scans executed_at whether the driver hands back a time.Time or
// its text form.
type ledgerTime struct {
	time.Time
}

func (t *ledgerTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return errors.Errorf("unsupported executed_at value of type %T", src)
	}
}

func (t *ledgerTime) parse(value string) error {
	for _, layout := range ledgerTimeLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return errors.Errorf("cannot parse executed_at value %q", value)
}
