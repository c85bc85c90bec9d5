package migrasi

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reversibleLedger(versions ...int) []Record {
	records := make([]Record, 0, len(versions))
	for _, v := range versions {
		s := upScript(v, "step", "SELECT 1;", "")
		records = append(records, Record{
			MigrationName:  s.Key(),
			Version:        v,
			Checksum:       s.Checksum,
			Success:        true,
			RollbackScript: strPtr("SELECT 0;"),
		})
	}
	return records
}

func versionsOf(records []Record) []int {
	versions := make([]int, 0, len(records))
	for _, r := range records {
		versions = append(versions, r.Version)
	}
	return versions
}

func intPtr(v int) *int {
	return &v
}

func TestPlanRollback_StepCount(t *testing.T) {
	records := reversibleLedger(1, 2, 3, 4, 5)

	plan, err := PlanRollback(records, RollbackRequest{StepCount: 2})

	require.NoError(t, err)
	assert.Equal(t, []int{5, 4}, versionsOf(plan))
}

func TestPlanRollback_StepCountLargerThanLedger(t *testing.T) {
	plan, err := PlanRollback(reversibleLedger(1, 2), RollbackRequest{StepCount: 10})

	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, versionsOf(plan))
}

func TestPlanRollback_TargetVersion(t *testing.T) {
	records := reversibleLedger(1, 2, 3, 4, 5)

	plan, err := PlanRollback(records, RollbackRequest{TargetVersion: intPtr(2)})
	require.NoError(t, err)
	assert.Equal(t, []int{5, 4, 3}, versionsOf(plan))

	plan, err = PlanRollback(records, RollbackRequest{TargetVersion: intPtr(0)})
	require.NoError(t, err)
	assert.Equal(t, []int{5, 4, 3, 2, 1}, versionsOf(plan))

	plan, err = PlanRollback(records, RollbackRequest{TargetVersion: intPtr(5)})
	require.NoError(t, err)
	assert.Empty(t, plan)
}

func TestPlanRollback_TargetMigrationName(t *testing.T) {
	records := reversibleLedger(1, 2, 3)
	records[1].MigrationName = "002_add_users_index"

	plan, err := PlanRollback(records, RollbackRequest{TargetMigrationName: "002_add_users_index"})
	require.NoError(t, err)
	assert.Equal(t, []int{3}, versionsOf(plan))

	plan, err = PlanRollback(records, RollbackRequest{TargetMigrationName: "add_users_index.sql"})
	require.NoError(t, err)
	assert.Equal(t, []int{3}, versionsOf(plan))
}

func TestPlanRollback_TargetMigrationNameErrors(t *testing.T) {
	records := reversibleLedger(1, 2, 3)

	_, err := PlanRollback(records, RollbackRequest{TargetMigrationName: "missing"})
	assert.True(t, errors.Is(err, ErrRollbackTargetNotFound))

	// Every record is named "<version>_step".
	_, err = PlanRollback(records, RollbackRequest{TargetMigrationName: "step"})
	assert.True(t, errors.Is(err, ErrRollbackTargetAmbiguous))
}

func TestPlanRollback_SelectorPrecedence(t *testing.T) {
	records := reversibleLedger(1, 2, 3, 4, 5)

	plan, err := PlanRollback(records, RollbackRequest{
		StepCount:           1,
		TargetVersion:       intPtr(1),
		TargetMigrationName: "002_step",
	})
	require.NoError(t, err)
	assert.Equal(t, []int{5}, versionsOf(plan))

	plan, err = PlanRollback(records, RollbackRequest{
		TargetVersion:       intPtr(3),
		TargetMigrationName: "001_step",
	})
	require.NoError(t, err)
	assert.Equal(t, []int{5, 4}, versionsOf(plan))
}

func TestPlanRollback_IgnoresFailedRecords(t *testing.T) {
	records := reversibleLedger(1, 2, 3)
	records[2].Success = false

	plan, err := PlanRollback(records, RollbackRequest{StepCount: 1})

	require.NoError(t, err)
	assert.Equal(t, []int{2}, versionsOf(plan))
}

func TestPlanRollback_InvalidRequests(t *testing.T) {
	records := reversibleLedger(1)

	_, err := PlanRollback(records, RollbackRequest{})
	assert.Equal(t, ErrRollbackSelectorMissing, err)

	_, err = PlanRollback(records, RollbackRequest{StepCount: -1})
	assert.True(t, errors.Is(err, ErrInvalidRollbackStep))

	_, err = PlanRollback(records, RollbackRequest{TargetVersion: intPtr(-3)})
	assert.True(t, errors.Is(err, ErrInvalidRollbackStep))
}

func expectRevert(mock sqlmock.Sqlmock, version int) {
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT 0`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM schema_ledger WHERE version_number = \$1`).WithArgs(version).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestEngine_Rollback_MostRecentFirst(t *testing.T) {
	e, mock, _ := newMockEngine(t)
	plan, err := PlanRollback(reversibleLedger(1, 2, 3, 4, 5), RollbackRequest{StepCount: 2})
	require.NoError(t, err)

	expectRevert(mock, 5)
	expectRevert(mock, 4)

	results, err := e.rollback(context.Background(), "run-1", plan, RollbackRequest{StepCount: 2})

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 5, results[0].Script.Version)
	assert.Equal(t, 4, results[1].Script.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_Rollback_PreflightRejectsIrreversible(t *testing.T) {
	e, mock, _ := newMockEngine(t)
	plan := reversibleLedger(3, 2, 1)
	plan[1].RollbackScript = nil

	results, err := e.rollback(context.Background(), "run-1", plan, RollbackRequest{StepCount: 3})

	var unavailable *RollbackUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, 2, unavailable.Version)
	assert.Empty(t, results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_Rollback_ForcePassesOverIrreversible(t *testing.T) {
	e, mock, _ := newMockEngine(t)
	plan := reversibleLedger(3, 2, 1)
	plan[1].RollbackScript = nil

	expectRevert(mock, 3)
	expectRevert(mock, 1)

	results, err := e.rollback(context.Background(), "run-1", plan, RollbackRequest{StepCount: 3, Force: true})

	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	var unavailable *RollbackUnavailableError
	assert.True(t, errors.As(results[1].Error, &unavailable))
	assert.True(t, results[2].Success)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_Rollback_CommentOnlyScriptFailsPreflight(t *testing.T) {
	e, mock, _ := newMockEngine(t)
	plan := reversibleLedger(2, 1)
	plan[0].RollbackScript = strPtr("-- nothing to undo yet\n")

	results, err := e.rollback(context.Background(), "run-1", plan, RollbackRequest{StepCount: 2})

	var unavailable *RollbackUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, 2, unavailable.Version)
	assert.Empty(t, results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_Rollback_ExecutionFailureHalts(t *testing.T) {
	e, mock, _ := newMockEngine(t)
	plan := reversibleLedger(2, 1)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT 0`).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	results, err := e.rollback(context.Background(), "run-1", plan, RollbackRequest{StepCount: 2, Force: true})

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_Rollback_DryRun(t *testing.T) {
	e, mock, _ := newMockEngine(t)
	plan := reversibleLedger(2, 1)

	results, err := e.rollback(context.Background(), "run-1", plan, RollbackRequest{StepCount: 2, DryRun: true})

	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, result := range results {
		assert.True(t, result.Success)
		assert.Equal(t, true, result.Metadata[metaDryRun])
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}
