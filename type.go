package migrasi

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Script is one discovered change file. It is derived from the source
// directory on every discovery pass and never persisted as such.
type Script struct {
	Version      int       `json:"version"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Filename     string    `json:"filename"`
	Checksum     string    `json:"checksum"`
	Content      string    `json:"-"`
	DownContent  string    `json:"-"`
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"mod_time"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Key is the ledger identifier of the script, e.g. "001_create_users".
func (s Script) Key() string {
	if s.Filename == "" {
		return fmt.Sprintf("%03d_%s", s.Version, s.Name)
	}
	return strings.TrimSuffix(s.Filename, scriptExt)
}

// HasRollback reports whether a .down.sql companion was discovered and holds
// at least one statement. A companion left as comments does not count.
func (s Script) HasRollback() bool {
	return hasStatements(s.DownContent)
}

// ScriptList is printable as a table.
type ScriptList []Script

func (l ScriptList) Print() {
	var tableData [][]string
	tableData = append(tableData, []string{"Version", "File", "Description", "Checksum", "Size", "Rollback"})

	for _, script := range l {
		tableData = append(tableData, []string{
			strconv.Itoa(script.Version),
			script.Filename,
			script.Description,
			truncate(script.Checksum, 15),
			strconv.FormatInt(script.Size, 10),
			fmt.Sprintf("%t", script.HasRollback()),
		})
	}

	printTable(tableData)
}

// Record is a ledger row for one applied script.
type Record struct {
	MigrationName   string    `json:"migration_name"`
	Version         int       `json:"version"`
	ExecutedAt      time.Time `json:"executed_at"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	Checksum        string    `json:"checksum"`
	Success         bool      `json:"success"`
	RollbackScript  *string   `json:"rollback_script,omitempty"`
	AppliedBy       string    `json:"applied_by"`
}

// Reversible reports whether the record carries a rollback script with at
// least one statement.
func (r Record) Reversible() bool {
	return r.RollbackScript != nil && hasStatements(*r.RollbackScript)
}

// RunResult is the outcome of one attempted apply or rollback.
type RunResult struct {
	Script          Script         `json:"script"`
	Success         bool           `json:"success"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	AffectedRows    *int64         `json:"affected_rows,omitempty"`
	Error           error          `json:"-"`
	Warnings        []string       `json:"warnings,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// RunResultList is printable as a table.
type RunResultList []RunResult

func (l RunResultList) Print() {
	var tableData [][]string
	tableData = append(tableData, []string{"Version", "Migration", "Operation", "Success", "Time (ms)", "Rows", "Notes"})

	for _, result := range l {
		rows := "N/A"
		if result.AffectedRows != nil {
			rows = strconv.FormatInt(*result.AffectedRows, 10)
		}
		operation := "apply"
		if op, ok := result.Metadata[metaOperation].(string); ok {
			operation = op
		}
		notes := ""
		switch {
		case result.Error != nil:
			notes = result.Error.Error()
		case len(result.Warnings) > 0:
			notes = result.Warnings[0]
		}
		tableData = append(tableData, []string{
			strconv.Itoa(result.Script.Version),
			result.Script.Key(),
			operation,
			fmt.Sprintf("%t", result.Success),
			strconv.FormatInt(result.ExecutionTimeMs, 10),
			rows,
			truncate(notes, 60),
		})
	}

	printTable(tableData)
}

// Failed returns the first failed result, if any.
func (l RunResultList) Failed() (RunResult, bool) {
	for _, result := range l {
		if !result.Success {
			return result, true
		}
	}
	return RunResult{}, false
}

// RunConfig controls one Migrate invocation. The zero value stops at the
// first failed script and applies for real.
type RunConfig struct {
	DryRun             bool
	Timeout            time.Duration
	TransactionTimeout time.Duration
	ContinueOnFailure  bool
	RollbackOnError    bool
	NoSplit            bool
}

// RollbackRequest selects applied scripts to reverse. When more than one
// selector is set, StepCount wins over TargetVersion, which wins over
// TargetMigrationName.
type RollbackRequest struct {
	StepCount           int
	TargetVersion       *int
	TargetMigrationName string
	DryRun              bool
	Force               bool
}

// ValidationResult is the outcome of cross-checking scripts against the ledger.
type ValidationResult struct {
	OK      bool
	Pending []Script
	Errors  []error
}

// MigrationStatus summarizes the source and the ledger.
type MigrationStatus struct {
	Total           int
	Applied         int
	Pending         int
	LastApplied     *Record
	DatabaseVersion string
	Reachable       bool
	IntegrityOK     bool
	Errors          []error
}

func (s *MigrationStatus) Print() {
	lastApplied := "N/A"
	if s.LastApplied != nil {
		lastApplied = fmt.Sprintf("%s (%s)", s.LastApplied.MigrationName, s.LastApplied.ExecutedAt.Format(time.RFC3339))
	}
	databaseVersion := s.DatabaseVersion
	if databaseVersion == "" {
		databaseVersion = "N/A"
	}

	tableData := [][]string{
		{"Field", "Value"},
		{"Total", strconv.Itoa(s.Total)},
		{"Applied", strconv.Itoa(s.Applied)},
		{"Pending", strconv.Itoa(s.Pending)},
		{"Last Applied", lastApplied},
		{"Database Version", databaseVersion},
		{"Reachable", fmt.Sprintf("%t", s.Reachable)},
		{"Integrity OK", fmt.Sprintf("%t", s.IntegrityOK)},
	}
	for _, err := range s.Errors {
		tableData = append(tableData, []string{"Error", err.Error()})
	}

	printTable(tableData)
}

// ScriptState is a row of List: a discovered script joined with its ledger record.
type ScriptState struct {
	Script     Script
	IsApplied  bool
	ExecutedAt *time.Time
	AppliedBy  string
}

type ScriptStateList []ScriptState

func (m ScriptStateList) Print() {
	var tableData [][]string
	tableData = append(tableData, []string{"Version", "Migration Name", "Is Applied", "Executed At", "Applied By", "Rollback"})

	for _, state := range m {
		executedAt := "N/A"
		if state.ExecutedAt != nil {
			executedAt = state.ExecutedAt.Format(time.RFC3339)
		}
		appliedBy := state.AppliedBy
		if appliedBy == "" {
			appliedBy = "N/A"
		}
		row := []string{
			strconv.Itoa(state.Script.Version),
			state.Script.Key(),
			fmt.Sprintf("%t", state.IsApplied),
			executedAt,
			appliedBy,
			fmt.Sprintf("%t", state.Script.HasRollback()),
		}
		tableData = append(tableData, row)
	}

	printTable(tableData)
}

type Config struct {
	Driver             Driver
	MigrationFilesDir  string
	LedgerTableName    string
	AppliedBy          string
	TransactionTimeout time.Duration
	NoSplit            bool
	DebugSql           bool
	Logger             logrus.FieldLogger
	Registerer         prometheus.Registerer
}
