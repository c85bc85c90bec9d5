package migrasi

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	metaOperation  = "operation"
	metaRunID      = "run_id"
	metaDryRun     = "dry_run"
	metaSkipped    = "skipped"
	metaStatements = "statements"

	operationApply      = "apply"
	operationRollback   = "rollback"
	operationCompensate = "compensating_rollback"

	snippetLength = 80
)

// step produces the result of one script. Steps carry their own transaction
// handling so the run loop only decides whether to continue.
type step func(ctx context.Context) RunResult

// runSteps folds steps into their results in order. It stops once halt
// reports true for a result and never starts a step after ctx is done.
func runSteps(ctx context.Context, steps []step, halt func(RunResult) bool) []RunResult {
	results := make([]RunResult, 0, len(steps))
	for _, s := range steps {
		if ctx.Err() != nil {
			break
		}
		result := s(ctx)
		results = append(results, result)
		if halt(result) {
			break
		}
	}
	return results
}

// haltOnFailure stops a run at the first failed script unless
// continueOnFailure is set. Fatal failures always stop it.
func haltOnFailure(continueOnFailure bool) func(RunResult) bool {
	return func(result RunResult) bool {
		if result.Success {
			return false
		}
		return !continueOnFailure || IsFatal(result.Error)
	}
}

// engine executes scripts and rollback scripts through a Driver, one
// transaction per script.
type engine struct {
	driver    Driver
	logger    logrus.FieldLogger
	metrics   *Metrics
	appliedBy string
	txTimeout time.Duration
	noSplit   bool
	debugSQL  bool
}

// execOptions are the per-call knobs shared by apply and revert.
type execOptions struct {
	dryRun    bool
	noSplit   bool
	txTimeout time.Duration
}

func (e *engine) options(cfg RunConfig) execOptions {
	opts := execOptions{
		dryRun:    cfg.DryRun,
		noSplit:   cfg.NoSplit || e.noSplit,
		txTimeout: e.txTimeout,
	}
	if cfg.TransactionTimeout > 0 {
		opts.txTimeout = cfg.TransactionTimeout
	}
	return opts
}

// applyPending applies scripts in the order given, which callers keep
// ascending by version.
func (e *engine) applyPending(ctx context.Context, runID string, scripts []Script, cfg RunConfig) []RunResult {
	logger := e.logger.WithField("run_id", runID)
	opts := e.options(cfg)

	steps := make([]step, 0, len(scripts))
	for _, script := range scripts {
		steps = append(steps, func(ctx context.Context) RunResult {
			result := e.apply(ctx, logger, runID, script, opts)
			e.metrics.observe(result)
			return result
		})
	}

	results := runSteps(ctx, steps, haltOnFailure(cfg.ContinueOnFailure))
	if err := ctx.Err(); err != nil && len(results) < len(scripts) {
		logger.Warnf("⏱️  Run stopped before applying %d script(s): %v", len(scripts)-len(results), err)
	}
	return results
}

// compensate reverses the most recent script applied by this run after a
// failure halted it. It returns an error when there is nothing it can
// reverse: no script committed in this run, or the last one is irreversible.
func (e *engine) compensate(ctx context.Context, runID string, results []RunResult, cfg RunConfig) (RunResult, error) {
	logger := e.logger.WithField("run_id", runID)

	var last *RunResult
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		if r.Success && r.Metadata[metaSkipped] != true && r.Metadata[metaDryRun] != true {
			last = &results[i]
			break
		}
	}
	if last == nil {
		err := errors.Wrap(ErrRollbackTargetNotFound, "no script was applied by this run")
		logger.WithError(err).Error("🚨 Compensating rollback impossible")
		return RunResult{}, err
	}

	records, err := e.driver.GetRecords(ctx, true)
	if err != nil {
		return RunResult{}, errors.Wrap(err, "failed to read ledger for compensating rollback")
	}
	record, ok := findRecord(records, last.Script.Version)
	if !ok || !record.Success {
		return RunResult{}, errors.Wrapf(ErrRollbackTargetNotFound, "version %d", last.Script.Version)
	}
	if !record.Reversible() {
		err := &RollbackUnavailableError{Version: record.Version, MigrationName: record.MigrationName}
		logger.WithError(err).Error("🚨 Compensating rollback impossible; manual inspection required")
		return RunResult{}, err
	}

	logger.Warnf("↩️  Compensating: reverting %s", record.MigrationName)
	result := e.revert(ctx, logger, runID, operationCompensate, record, e.options(cfg))
	e.metrics.observe(result)
	if !result.Success {
		return result, errors.Wrapf(result.Error, "compensating rollback of %s failed", record.MigrationName)
	}
	return result, nil
}

func (e *engine) apply(ctx context.Context, logger logrus.FieldLogger, runID string, script Script, opts execOptions) RunResult {
	start := time.Now()
	log := logger.WithFields(logrus.Fields{"version": script.Version, "script": script.Key()})
	result := RunResult{
		Script: script,
		Metadata: map[string]any{
			metaOperation: operationApply,
			metaRunID:     runID,
		},
	}
	fail := func(err error) RunResult {
		result.Success = false
		result.Error = err
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
		log.WithError(err).Errorf("❌ Migration failed: %s", script.Key())
		return result
	}

	// The ledger may have moved since validation.
	records, err := e.driver.GetRecords(ctx, false)
	if err != nil {
		return fail(errors.Wrap(err, "failed to re-read ledger before apply"))
	}
	if record, ok := findRecord(records, script.Version); ok && record.Success {
		if record.Checksum != script.Checksum {
			return fail(&ChecksumMismatchError{
				Version:          script.Version,
				ExpectedChecksum: record.Checksum,
				ActualChecksum:   script.Checksum,
			})
		}
		result.Success = true
		result.Metadata[metaSkipped] = true
		result.Warnings = append(result.Warnings, "already applied by another run; skipped")
		log.Warnf("⚠️  Skipping %s: already recorded in ledger", script.Key())
		return result
	}

	statements, err := e.split(script.Version, script.Content, opts)
	if err != nil {
		return fail(err)
	}
	result.Metadata[metaStatements] = len(statements)
	if len(statements) == 0 {
		result.Warnings = append(result.Warnings, "script contains no executable statements")
	}

	if opts.dryRun {
		result.Success = true
		result.Metadata[metaDryRun] = true
		result.Warnings = append(result.Warnings, "dry run: script not executed")
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
		log.Infof("🧪 Dry run: %s (%d statement(s))", script.Key(), len(statements))
		return result
	}

	log.Infof("📦 Migrating: %s", script.Key())

	txCtx, cancel := withTimeout(ctx, opts.txTimeout)
	defer cancel()

	tx, err := e.driver.Begin(txCtx)
	if err != nil {
		return fail(e.txError(txCtx, script.Version, err))
	}

	affected, err := e.execAll(txCtx, log, tx, script.Version, statements)
	if err != nil {
		e.rollbackTx(log, tx)
		return fail(err)
	}

	record := Record{
		MigrationName:   script.Key(),
		Version:         script.Version,
		ExecutedAt:      start,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		Checksum:        script.Checksum,
		Success:         true,
		AppliedBy:       e.appliedBy,
	}
	if script.HasRollback() {
		down := script.DownContent
		record.RollbackScript = &down
	}

	if err := tx.InsertRecord(txCtx, record); err != nil {
		e.rollbackTx(log, tx)
		return fail(e.txError(txCtx, script.Version, err))
	}
	if err := tx.Commit(); err != nil {
		e.rollbackTx(log, tx)
		return fail(e.txError(txCtx, script.Version, errors.Wrap(err, "failed to commit transaction")))
	}

	result.Success = true
	result.AffectedRows = &affected
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	log.WithField("duration_ms", result.ExecutionTimeMs).Infof("✅ Migrated: %s", script.Key())
	return result
}

// revert runs the rollback script stored in record and removes the record,
// both inside one transaction.
func (e *engine) revert(ctx context.Context, logger logrus.FieldLogger, runID, operation string, record Record, opts execOptions) RunResult {
	start := time.Now()
	script := scriptFromRecord(record)
	log := logger.WithFields(logrus.Fields{"version": record.Version, "script": record.MigrationName})
	result := RunResult{
		Script: script,
		Metadata: map[string]any{
			metaOperation: operation,
			metaRunID:     runID,
		},
	}
	fail := func(err error) RunResult {
		result.Success = false
		result.Error = err
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
		log.WithError(err).Errorf("❌ Rollback failed: %s", record.MigrationName)
		return result
	}

	if !record.Reversible() {
		return fail(&RollbackUnavailableError{Version: record.Version, MigrationName: record.MigrationName})
	}

	statements, err := e.split(record.Version, *record.RollbackScript, opts)
	if err != nil {
		return fail(err)
	}
	if len(statements) == 0 {
		return fail(&RollbackUnavailableError{Version: record.Version, MigrationName: record.MigrationName})
	}
	result.Metadata[metaStatements] = len(statements)

	if opts.dryRun {
		result.Success = true
		result.Metadata[metaDryRun] = true
		result.Warnings = append(result.Warnings, "dry run: rollback not executed")
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
		log.Infof("🧪 Dry run rollback: %s (%d statement(s))", record.MigrationName, len(statements))
		return result
	}

	log.Infof("🔄 Rolling back: %s", record.MigrationName)

	txCtx, cancel := withTimeout(ctx, opts.txTimeout)
	defer cancel()

	tx, err := e.driver.Begin(txCtx)
	if err != nil {
		return fail(e.txError(txCtx, record.Version, err))
	}

	affected, err := e.execAll(txCtx, log, tx, record.Version, statements)
	if err != nil {
		e.rollbackTx(log, tx)
		return fail(err)
	}
	if err := tx.DeleteRecord(txCtx, record.Version); err != nil {
		e.rollbackTx(log, tx)
		return fail(e.txError(txCtx, record.Version, err))
	}
	if err := tx.Commit(); err != nil {
		e.rollbackTx(log, tx)
		return fail(e.txError(txCtx, record.Version, errors.Wrap(err, "failed to commit transaction")))
	}

	result.Success = true
	result.AffectedRows = &affected
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	log.WithField("duration_ms", result.ExecutionTimeMs).Infof("✅ Rolled back: %s", record.MigrationName)
	return result
}

// escapingDriver is implemented by drivers whose string literals use
// backslash escapes.
type escapingDriver interface {
	backslashEscapes() bool
}

func (e *engine) split(version int, content string, opts execOptions) ([]string, error) {
	if opts.noSplit {
		if trimmed := strings.TrimSpace(content); trimmed != "" {
			return []string{trimmed}, nil
		}
		return nil, nil
	}
	splitter := SplitStatements
	if d, ok := e.driver.(escapingDriver); ok && d.backslashEscapes() {
		splitter = SplitMySqlStatements
	}
	statements, err := splitter(content)
	if err != nil {
		return nil, &StatementSplitError{Version: version, Err: err}
	}
	return statements, nil
}

func (e *engine) execAll(ctx context.Context, log logrus.FieldLogger, tx Tx, version int, statements []string) (int64, error) {
	var affected int64
	for i, statement := range statements {
		if e.debugSQL {
			log.WithField("statement", i+1).Debug(statement)
		}
		n, err := tx.Exec(ctx, statement)
		if err != nil {
			if timedOut(ctx, err) {
				return affected, &TransactionTimeoutError{Version: version, Err: err}
			}
			return affected, &StatementExecutionError{
				Version: version,
				Index:   i + 1,
				Snippet: truncate(statement, snippetLength),
				Err:     err,
			}
		}
		affected += n
	}
	return affected, nil
}

func (e *engine) txError(ctx context.Context, version int, err error) error {
	if timedOut(ctx, err) {
		return &TransactionTimeoutError{Version: version, Err: err}
	}
	return err
}

func (e *engine) rollbackTx(log logrus.FieldLogger, tx Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.WithError(err).Error("failed to roll back transaction")
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func timedOut(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func findRecord(records []Record, version int) (Record, bool) {
	for _, record := range records {
		if record.Version == version {
			return record, true
		}
	}
	return Record{}, false
}

func scriptFromRecord(record Record) Script {
	name := record.MigrationName
	if _, rest, ok := strings.Cut(name, "_"); ok {
		name = rest
	}
	script := Script{
		Version:     record.Version,
		Name:        name,
		Description: describe(name),
		Filename:    record.MigrationName + scriptExt,
		Checksum:    record.Checksum,
	}
	if record.RollbackScript != nil {
		script.Content = *record.RollbackScript
		script.Size = int64(len(script.Content))
	}
	return script
}
