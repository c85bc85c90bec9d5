package migrasi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const (
	// LockFileName is the lock file FileLocker creates inside its directory.
	LockFileName = ".migrasi.lock"

	lockPollInterval = 500 * time.Millisecond
)

// Locker excludes concurrent Migrate and Rollback runs across processes.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// LockInfo is written into the lock file so a blocked operator can see who
// holds it.
type LockInfo struct {
	PID       int    `json:"pid"`
	Owner     string `json:"owner"`
	StartTime string `json:"start_time"`
}

// FileLocker holds a lock file next to the migration scripts. It only
// excludes processes sharing that directory, which suits SQLite and local
// development.
type FileLocker struct {
	path  string
	owner string
}

func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{
		path:  filepath.Join(dir, LockFileName),
		owner: defaultAppliedBy(),
	}
}

// Path returns the lock file path.
func (l *FileLocker) Path() string {
	return l.path
}

// Lock creates the lock file, failing with ErrLocked if it already exists.
func (l *FileLocker) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			if info, readErr := l.Info(); readErr == nil {
				return errors.Wrapf(ErrLocked, "held by %s (PID %d) since %s", info.Owner, info.PID, info.StartTime)
			}
			return errors.Wrapf(ErrLocked, "lock file %s exists", l.path)
		}
		return errors.Wrap(err, "failed to create lock file")
	}
	defer f.Close()

	data, err := json.MarshalIndent(LockInfo{
		PID:       os.Getpid(),
		Owner:     l.owner,
		StartTime: time.Now().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal lock info")
	}
	if _, err := f.Write(data); err != nil {
		return errors.Wrap(err, "failed to write lock file")
	}
	return nil
}

func (l *FileLocker) Unlock(context.Context) error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove lock file")
	}
	return nil
}

// Info reads the holder of an existing lock file.
func (l *FileLocker) Info() (*LockInfo, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read lock file")
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal lock info")
	}
	return &info, nil
}

// AdvisoryLocker takes a database level lock: pg_try_advisory_lock on
// PostgreSQL and GET_LOCK on MySQL. The lock belongs to a session, so one
// connection is pinned from Lock until Unlock.
type AdvisoryLocker struct {
	db      *sql.DB
	dialect string
	name    string
	key     int64
	conn    *sql.Conn
}

// NewAdvisoryLocker derives the lock identity from name, usually the ledger
// table name. SQLite has no advisory locks; use a FileLocker there.
func NewAdvisoryLocker(driver Driver, name string) (*AdvisoryLocker, error) {
	var (
		db      *sql.DB
		dialect string
	)
	switch d := driver.(type) {
	case *PostgresDriver:
		db, dialect = d.DB(), postgresDialect.name
	case *MySqlDriver:
		db, dialect = d.DB(), mysqlDialect.name
	default:
		return nil, errors.Errorf("advisory locks are not supported by %T", driver)
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte("migrasi:" + name))

	return &AdvisoryLocker{
		db:      db,
		dialect: dialect,
		name:    fmt.Sprintf("migrasi:%s", name),
		key:     int64(h.Sum64()),
	}, nil
}

// Lock polls until the lock is granted or ctx is done.
func (l *AdvisoryLocker) Lock(ctx context.Context) error {
	if l.conn != nil {
		return errors.New("advisory lock already held")
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to acquire connection for lock")
	}

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		acquired, err := l.try(ctx, conn)
		if err != nil {
			_ = conn.Close()
			return err
		}
		if acquired {
			l.conn = conn
			return nil
		}

		select {
		case <-ctx.Done():
			_ = conn.Close()
			return errors.Wrapf(ErrLocked, "waiting for %s: %v", l.name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *AdvisoryLocker) try(ctx context.Context, conn *sql.Conn) (bool, error) {
	var acquired bool
	var err error
	switch l.dialect {
	case postgresDialect.name:
		err = conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&acquired)
	default:
		var granted sql.NullInt64
		err = conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, 0)`, l.name).Scan(&granted)
		acquired = granted.Valid && granted.Int64 == 1
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to request advisory lock")
	}
	return acquired, nil
}

func (l *AdvisoryLocker) Unlock(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		_ = l.conn.Close()
		l.conn = nil
	}()

	var err error
	switch l.dialect {
	case postgresDialect.name:
		_, err = l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, l.key)
	default:
		_, err = l.conn.ExecContext(ctx, `SELECT RELEASE_LOCK(?)`, l.name)
	}
	if err != nil {
		return errors.Wrap(err, "failed to release advisory lock")
	}
	return nil
}
