package migrasi

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrConfigNotProvided          = errors.New("config not provided")
	ErrDriverNotProvided          = errors.New("driver not provided")
	ErrMigrationDirNotProvided    = errors.New("migration directory not provided")
	ErrMigrationDirNotExists      = errors.New("migration directory does not exist")
	ErrMigrationNameNotProvided   = errors.New("migration name not provided")
	ErrMigrationFileAlreadyExists = errors.New("migration file already exists")
	ErrInvalidRollbackStep        = errors.New("invalid rollback step")
	ErrRollbackSelectorMissing    = errors.New("rollback requires a step count, target version or target migration name")
	ErrRollbackTargetNotFound     = errors.New("rollback target not found in ledger")
	ErrRollbackTargetAmbiguous    = errors.New("rollback target matches more than one ledger record")
	ErrValidationFailed           = errors.New("migration validation failed")
	ErrMigrasiNotProvided         = errors.New("migrasi not provided")
	ErrLocked                     = errors.New("migrations are locked by another process")
)

// MalformedNameError reports a change file whose name does not follow
// <version>_<name>.sql.
type MalformedNameError struct {
	Filename string
	Reason   string
}

func (e *MalformedNameError) Error() string {
	return fmt.Sprintf("malformed migration file name %q: %s", e.Filename, e.Reason)
}

// SequenceGapError reports the first version that breaks the 1..N sequence,
// either because it is missing or because two files claim it.
type SequenceGapError struct {
	Version   int
	Duplicate bool
	Files     []string
}

func (e *SequenceGapError) Error() string {
	if e.Duplicate {
		return fmt.Sprintf("duplicate migration version %d in %v", e.Version, e.Files)
	}
	return fmt.Sprintf("missing migration version %d in sequence", e.Version)
}

// ChecksumMismatchError reports drift between the checksum recorded in the
// ledger and the current content of the script.
type ChecksumMismatchError struct {
	Version          int
	ExpectedChecksum string
	ActualChecksum   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf(
		"checksum mismatch for version %d: ledger has %s, source has %s",
		e.Version, e.ExpectedChecksum, e.ActualChecksum,
	)
}

// OrphanedRecordError reports an applied ledger record whose script is no
// longer present in the source directory.
type OrphanedRecordError struct {
	Version       int
	MigrationName string
}

func (e *OrphanedRecordError) Error() string {
	return fmt.Sprintf("applied migration %s (version %d) has no source script", e.MigrationName, e.Version)
}

// StatementExecutionError wraps a database error raised by one statement of a
// script. Index is 1-based.
type StatementExecutionError struct {
	Version int
	Index   int
	Snippet string
	Err     error
}

func (e *StatementExecutionError) Error() string {
	return fmt.Sprintf("version %d: statement %d (%s) failed: %v", e.Version, e.Index, e.Snippet, e.Err)
}

func (e *StatementExecutionError) Unwrap() error {
	return e.Err
}

// StatementSplitError reports a script that could not be tokenized, usually
// because of an unterminated string or comment.
type StatementSplitError struct {
	Version int
	Err     error
}

func (e *StatementSplitError) Error() string {
	return fmt.Sprintf("version %d: cannot split script into statements: %v", e.Version, e.Err)
}

func (e *StatementSplitError) Unwrap() error {
	return e.Err
}

// TransactionTimeoutError reports a script whose transaction ran past its
// deadline and was rolled back.
type TransactionTimeoutError struct {
	Version int
	Err     error
}

func (e *TransactionTimeoutError) Error() string {
	return fmt.Sprintf("version %d: transaction timed out: %v", e.Version, e.Err)
}

func (e *TransactionTimeoutError) Unwrap() error {
	return e.Err
}

// RollbackUnavailableError reports an applied version that carries no
// rollback script.
type RollbackUnavailableError struct {
	Version       int
	MigrationName string
}

func (e *RollbackUnavailableError) Error() string {
	return fmt.Sprintf("no rollback script recorded for %s (version %d)", e.MigrationName, e.Version)
}

// ValidationError collects the fatal problems found while checking the
// source against the ledger. It matches ErrValidationFailed with errors.Is
// and each collected error with errors.As.
type ValidationError struct {
	Errors []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%s: %s", ErrValidationFailed, strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() []error {
	return e.Errors
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// IsFatal reports whether err means the source of truth cannot be trusted and
// nothing further may be executed.
func IsFatal(err error) bool {
	var (
		malformed *MalformedNameError
		gap       *SequenceGapError
		mismatch  *ChecksumMismatchError
		orphan    *OrphanedRecordError
	)
	return errors.As(err, &malformed) ||
		errors.As(err, &gap) ||
		errors.As(err, &mismatch) ||
		errors.As(err, &orphan)
}
