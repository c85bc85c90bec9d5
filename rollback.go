package migrasi

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// PlanRollback resolves req against the ledger into the records to reverse,
// most recent first. Only successful records are candidates.
//
// Selector precedence is StepCount, then TargetVersion, then
// TargetMigrationName. A step count larger than the ledger selects every
// record.
func PlanRollback(records []Record, req RollbackRequest) ([]Record, error) {
	applied := make([]Record, 0, len(records))
	for _, record := range records {
		if record.Success {
			applied = append(applied, record)
		}
	}
	sort.SliceStable(applied, func(i, j int) bool {
		return applied[i].Version > applied[j].Version
	})

	switch {
	case req.StepCount < 0:
		return nil, errors.Wrapf(ErrInvalidRollbackStep, "step count %d", req.StepCount)

	case req.StepCount > 0:
		n := req.StepCount
		if n > len(applied) {
			n = len(applied)
		}
		return applied[:n], nil

	case req.TargetVersion != nil:
		target := *req.TargetVersion
		if target < 0 {
			return nil, errors.Wrapf(ErrInvalidRollbackStep, "target version %d", target)
		}
		plan := []Record{}
		for _, record := range applied {
			if record.Version > target {
				plan = append(plan, record)
			}
		}
		return plan, nil

	case req.TargetMigrationName != "":
		target, err := matchTarget(applied, req.TargetMigrationName)
		if err != nil {
			return nil, err
		}
		plan := []Record{}
		for _, record := range applied {
			if record.Version > target.Version {
				plan = append(plan, record)
			}
		}
		return plan, nil
	}

	return nil, ErrRollbackSelectorMissing
}

// matchTarget finds the record named by name. The full key
// ("002_add_index") always wins; the bare name ("add_index") must be unique.
func matchTarget(applied []Record, name string) (Record, error) {
	name = strings.TrimSuffix(name, scriptExt)

	var matches []Record
	for _, record := range applied {
		if record.MigrationName == name {
			return record, nil
		}
		if _, rest, ok := strings.Cut(record.MigrationName, "_"); ok && rest == name {
			matches = append(matches, record)
		}
	}

	switch len(matches) {
	case 0:
		return Record{}, errors.Wrapf(ErrRollbackTargetNotFound, "migration %q", name)
	case 1:
		return matches[0], nil
	default:
		return Record{}, errors.Wrapf(ErrRollbackTargetAmbiguous, "migration %q", name)
	}
}

// preflight returns the first irreversible record of plan.
func preflight(plan []Record) error {
	for _, record := range plan {
		if !record.Reversible() {
			return &RollbackUnavailableError{Version: record.Version, MigrationName: record.MigrationName}
		}
	}
	return nil
}

// rollback reverses plan in order. Without req.Force an irreversible record
// aborts before anything is touched. With it, irreversible records are
// reported and passed over. Any execution failure stops the rollback.
func (e *engine) rollback(ctx context.Context, runID string, plan []Record, req RollbackRequest) ([]RunResult, error) {
	logger := e.logger.WithField("run_id", runID)

	if !req.Force {
		if err := preflight(plan); err != nil {
			logger.WithError(err).Error("❌ Rollback aborted before any change")
			return nil, err
		}
	}

	opts := e.options(RunConfig{DryRun: req.DryRun})

	steps := make([]step, 0, len(plan))
	for _, record := range plan {
		steps = append(steps, func(ctx context.Context) RunResult {
			result := e.revert(ctx, logger, runID, operationRollback, record, opts)
			e.metrics.observe(result)
			return result
		})
	}

	halt := func(result RunResult) bool {
		if result.Success {
			return false
		}
		var unavailable *RollbackUnavailableError
		return !(req.Force && errors.As(result.Error, &unavailable))
	}

	return runSteps(ctx, steps, halt), nil
}
