package migrasi

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

const probeTimeout = 5 * time.Second

// reportStatus builds a MigrationStatus from a discovery pass and the ledger.
// Errors are collected into the status, never returned, so a status can be
// produced for a broken source or an unreachable database.
func reportStatus(ctx context.Context, driver Driver, scripts []Script, discoverErr error) *MigrationStatus {
	status := &MigrationStatus{Total: len(scripts)}
	if discoverErr != nil {
		status.Errors = append(status.Errors, discoverErr)
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := driver.Ping(probeCtx); err != nil {
		status.Errors = append(status.Errors, errors.Wrap(err, "database unreachable"))
		status.Pending = status.Total
		return status
	}
	status.Reachable = true

	if version, err := driver.ServerVersion(probeCtx); err != nil {
		status.Errors = append(status.Errors, err)
	} else {
		status.DatabaseVersion = version
	}

	if err := driver.CreateLedgerTable(ctx); err != nil {
		status.Errors = append(status.Errors, err)
		status.Pending = status.Total
		return status
	}
	records, err := driver.GetRecords(ctx, false)
	if err != nil {
		status.Errors = append(status.Errors, err)
		status.Pending = status.Total
		return status
	}

	status.Applied = appliedCount(scripts, records)
	status.Pending = status.Total - status.Applied
	status.LastApplied = lastApplied(records)

	if discoverErr == nil {
		validation := Validate(scripts, records)
		status.Errors = append(status.Errors, validation.Errors...)
	}

	status.IntegrityOK = len(status.Errors) == 0
	return status
}

// lastApplied is the successful record with the highest version.
func lastApplied(records []Record) *Record {
	var last *Record
	for i := range records {
		if !records[i].Success {
			continue
		}
		if last == nil || records[i].Version > last.Version {
			last = &records[i]
		}
	}
	return last
}
