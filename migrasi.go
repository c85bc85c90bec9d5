// Package migrasi applies versioned SQL change scripts to a database and
// keeps a ledger of what was applied. Scripts live in a directory as
// <version>_<name>.sql files numbered 1..N, optionally with a
// <version>_<name>.down.sql companion used for rollback. Each script runs in
// its own transaction together with its ledger record.
package migrasi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const defaultMigrationFilesDir = "migrations"

// Migrasi is the main struct for discovering, applying and rolling back
// migration scripts.
//
// Migrasi serializes its own Migrate and Rollback calls. Runs from other
// processes must be excluded with a Locker.
type Migrasi struct {
	driver            Driver
	migrationFilesDir string
	logger            logrus.FieldLogger
	metrics           *Metrics
	engine            *engine
	mu                sync.Mutex
}

// New creates a new instance of Migrasi using the provided configuration.
// It validates and sets defaults for missing fields, checks for the migration
// directory, and applies configuration to the driver.
func New(config *Config) (*Migrasi, error) {
	if config == nil {
		return nil, ErrConfigNotProvided
	}
	if config.Driver == nil {
		return nil, ErrDriverNotProvided
	}

	if config.MigrationFilesDir == "" {
		config.MigrationFilesDir = defaultMigrationFilesDir
	}
	if config.LedgerTableName == "" {
		config.LedgerTableName = defaultLedgerTableName
	}
	if config.AppliedBy == "" {
		config.AppliedBy = defaultAppliedBy()
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	if _, err := sanitizeTableName(config.LedgerTableName); err != nil {
		return nil, errors.Wrap(err, "invalid ledger table name")
	}

	if !migrationDirExists(config.MigrationFilesDir) {
		return nil, errors.Wrapf(ErrMigrationDirNotExists, "%q", config.MigrationFilesDir)
	}

	var metrics *Metrics
	if config.Registerer != nil {
		var err error
		if metrics, err = NewMetrics(config.Registerer); err != nil {
			return nil, err
		}
	}

	config.Driver.SetLedgerTableName(config.LedgerTableName)

	return &Migrasi{
		driver:            config.Driver,
		migrationFilesDir: config.MigrationFilesDir,
		logger:            config.Logger,
		metrics:           metrics,
		engine: &engine{
			driver:    config.Driver,
			logger:    config.Logger,
			metrics:   metrics,
			appliedBy: config.AppliedBy,
			txTimeout: config.TransactionTimeout,
			noSplit:   config.NoSplit,
			debugSQL:  config.DebugSql,
		},
	}, nil
}

// Discover scans the migration directory.
func (m *Migrasi) Discover() ([]Script, error) {
	return Discover(m.migrationFilesDir)
}

// Migrate applies every pending script in ascending version order.
//
// Discovery and validation problems are returned as errors before anything
// runs. Script failures are reported in the returned results instead; the
// error is non-nil only when the run cannot be trusted (drift found mid-run)
// or a requested compensating rollback could not be carried out.
func (m *Migrasi) Migrate(ctx context.Context, cfg RunConfig) (RunResultList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	runID := uuid.NewString()
	logger := m.logger.WithField("run_id", runID)

	pending, err := m.pending(ctx, logger)
	if err != nil {
		return nil, err
	}

	if len(pending) == 0 {
		logger.Info("✅ No migrations to run")
		return RunResultList{}, nil
	}

	logger.Infof("🚀 Applying %d migration(s)...", len(pending))

	results := RunResultList(m.engine.applyPending(ctx, runID, pending, cfg))
	m.metrics.setPending(len(pending) - appliedInRun(results))

	failed, ok := results.Failed()
	if !ok {
		if len(results) < len(pending) {
			return results, errors.Wrapf(ctx.Err(), "run stopped after %d of %d migration(s)", len(results), len(pending))
		}
		return results, nil
	}

	if IsFatal(failed.Error) {
		return results, &ValidationError{Errors: []error{failed.Error}}
	}

	if cfg.RollbackOnError && !cfg.ContinueOnFailure && !cfg.DryRun {
		// The run context may be the reason the run stopped.
		compensation, err := m.engine.compensate(context.WithoutCancel(ctx), runID, results, cfg)
		if compensation.Metadata != nil {
			results = append(results, compensation)
		}
		if err != nil {
			return results, err
		}
	}

	return results, nil
}

// ApplyPending applies scripts without discovering or validating them first.
// Callers are expected to pass the Pending list of a successful Validate.
func (m *Migrasi) ApplyPending(ctx context.Context, scripts []Script, cfg RunConfig) RunResultList {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.engine.applyPending(ctx, uuid.NewString(), scripts, cfg)
}

func (m *Migrasi) pending(ctx context.Context, logger logrus.FieldLogger) ([]Script, error) {
	scripts, err := m.Discover()
	if err != nil {
		logger.WithError(err).Error("❌ Migration discovery failed")
		return nil, errors.Wrap(err, "failed to discover migrations")
	}

	if err := m.driver.CreateLedgerTable(ctx); err != nil {
		return nil, err
	}
	records, err := m.driver.GetRecords(ctx, false)
	if err != nil {
		return nil, err
	}

	validation := Validate(scripts, records)
	m.metrics.setPending(len(validation.Pending))
	if !validation.OK {
		for _, verr := range validation.Errors {
			logger.WithError(verr).Error("❌ Migration validation failed")
		}
		return nil, &ValidationError{Errors: validation.Errors}
	}

	return validation.Pending, nil
}

// Rollback reverses the applied scripts selected by req, most recent first.
func (m *Migrasi) Rollback(ctx context.Context, req RollbackRequest) (RunResultList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.rollback(ctx, req)
}

func (m *Migrasi) rollback(ctx context.Context, req RollbackRequest) (RunResultList, error) {
	runID := uuid.NewString()
	logger := m.logger.WithField("run_id", runID)

	if err := m.driver.CreateLedgerTable(ctx); err != nil {
		return nil, err
	}
	records, err := m.driver.GetRecords(ctx, true)
	if err != nil {
		return nil, err
	}

	plan, err := PlanRollback(records, req)
	if err != nil {
		return nil, err
	}

	if len(plan) == 0 {
		logger.Info("✅ No migrations to rollback")
		return RunResultList{}, nil
	}

	logger.Infof("🔁 Rolling back %d migration(s)...", len(plan))

	results, err := m.engine.rollback(ctx, runID, plan, req)
	return RunResultList(results), err
}

// Status reports counts, the last applied script and the integrity verdict.
// Problems are collected into the status rather than returned.
func (m *Migrasi) Status(ctx context.Context) *MigrationStatus {
	scripts, err := m.Discover()
	status := reportStatus(ctx, m.driver, scripts, err)
	if status.Reachable {
		m.metrics.setPending(status.Pending)
	}
	return status
}

// List returns all discovered scripts along with their ledger state.
func (m *Migrasi) List(ctx context.Context) (ScriptStateList, error) {
	scripts, err := m.Discover()
	if err != nil {
		return nil, err
	}

	if err := m.driver.CreateLedgerTable(ctx); err != nil {
		return nil, err
	}
	records, err := m.driver.GetRecords(ctx, false)
	if err != nil {
		return nil, err
	}

	applied := make(map[int]Record, len(records))
	for _, record := range records {
		if record.Success {
			applied[record.Version] = record
		}
	}

	states := make(ScriptStateList, 0, len(scripts))
	for _, script := range scripts {
		state := ScriptState{Script: script}
		if record, ok := applied[script.Version]; ok {
			executedAt := record.ExecutedAt
			state.IsApplied = true
			state.ExecutedAt = &executedAt
			state.AppliedBy = record.AppliedBy
		}
		states = append(states, state)
	}

	return states, nil
}

// Create writes the next script in the sequence along with an empty
// rollback companion and returns the path of the new script.
func (m *Migrasi) Create(name string) (string, error) {
	if name == "" {
		return "", ErrMigrationNameNotProvided
	}

	migrationName, err := sanitizeMigrationName(name)
	if err != nil {
		return "", err
	}

	scripts, err := m.Discover()
	if err != nil {
		return "", errors.Wrap(err, "cannot number new migration")
	}

	key := fmt.Sprintf("%03d_%s", len(scripts)+1, migrationName)
	upFile := filepath.Join(m.migrationFilesDir, key+scriptExt)
	downFile := filepath.Join(m.migrationFilesDir, key+rollbackExt)

	if fileExists(upFile) || fileExists(downFile) {
		return "", ErrMigrationFileAlreadyExists
	}

	description := describe(migrationName)
	if err := os.WriteFile(upFile, []byte(migrationFileTemplate(key, description, false)), 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write %s", upFile)
	}
	if err := os.WriteFile(downFile, []byte(migrationFileTemplate(key, description, true)), 0644); err != nil {
		_ = os.Remove(upFile)
		return "", errors.Wrapf(err, "failed to write %s", downFile)
	}

	m.logger.WithField("file", upFile).Info("📝 Migration file created")
	return upFile, nil
}

// Fresh wipes the database clean and reapplies all scripts from scratch.
func (m *Migrasi) Fresh(ctx context.Context, cfg RunConfig) (RunResultList, error) {
	if err := m.Clean(ctx); err != nil {
		return nil, err
	}

	m.logger.Info("🚀 Running fresh migrations...")

	results, err := m.Migrate(ctx, cfg)
	if err != nil {
		return results, errors.Wrap(err, "failed to run migrations after cleaning")
	}
	return results, nil
}

// Reset rolls back every applied script and reapplies them from scratch.
// Nothing is touched if any applied script is irreversible.
func (m *Migrasi) Reset(ctx context.Context, cfg RunConfig) (RunResultList, error) {
	m.mu.Lock()
	if err := m.driver.CreateLedgerTable(ctx); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	records, err := m.driver.GetRecords(ctx, true)
	if err != nil {
		m.mu.Unlock()
		return nil, errors.Wrap(err, "failed to get applied migrations")
	}

	var results RunResultList
	if applied := appliedRecords(records); applied > 0 {
		m.logger.Infof("🔁 Resetting %d applied migration(s)...", applied)
		results, err = m.rollback(ctx, RollbackRequest{StepCount: applied})
		if err != nil {
			m.mu.Unlock()
			return results, errors.Wrap(err, "rollback failed during reset")
		}
		if failed, ok := results.Failed(); ok {
			m.mu.Unlock()
			return results, errors.Wrap(failed.Error, "rollback failed during reset")
		}
	}
	m.mu.Unlock()

	applyResults, err := m.Migrate(ctx, cfg)
	results = append(results, applyResults...)
	if err != nil {
		return results, errors.Wrap(err, "migration failed during reset")
	}

	m.logger.Info("✅ Migration reset completed successfully")
	return results, nil
}

// Clean drops every table in the database, the ledger included.
func (m *Migrasi) Clean(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("🧹 Cleaning database...")

	if err := m.driver.CleanDatabase(ctx); err != nil {
		return errors.Wrap(err, "failed to clean database")
	}

	m.logger.Info("✅ Database cleaned successfully")
	return nil
}

func appliedRecords(records []Record) int {
	n := 0
	for _, record := range records {
		if record.Success {
			n++
		}
	}
	return n
}

// appliedInRun counts results that actually committed a script.
func appliedInRun(results []RunResult) int {
	n := 0
	for _, result := range results {
		if result.Success && result.Metadata[metaDryRun] != true && result.Metadata[metaSkipped] != true {
			n++
		}
	}
	return n
}
