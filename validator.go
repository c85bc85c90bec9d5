package migrasi

import "sort"

// Validate cross-references discovered scripts with ledger records by
// version. Only successful records count as applied: their checksum must match
// the script's, and they must still have a script. Everything else is pending.
func Validate(scripts []Script, records []Record) ValidationResult {
	applied := make(map[int]Record, len(records))
	for _, record := range records {
		if record.Success {
			applied[record.Version] = record
		}
	}

	result := ValidationResult{Pending: []Script{}}
	known := make(map[int]struct{}, len(scripts))

	for _, script := range scripts {
		known[script.Version] = struct{}{}

		record, ok := applied[script.Version]
		if !ok {
			result.Pending = append(result.Pending, script)
			continue
		}
		if record.Checksum != script.Checksum {
			result.Errors = append(result.Errors, &ChecksumMismatchError{
				Version:          script.Version,
				ExpectedChecksum: record.Checksum,
				ActualChecksum:   script.Checksum,
			})
		}
	}

	for _, record := range records {
		if !record.Success {
			continue
		}
		if _, ok := known[record.Version]; !ok {
			result.Errors = append(result.Errors, &OrphanedRecordError{
				Version:       record.Version,
				MigrationName: record.MigrationName,
			})
		}
	}

	sort.SliceStable(result.Pending, func(i, j int) bool {
		return result.Pending[i].Version < result.Pending[j].Version
	})

	result.OK = len(result.Errors) == 0
	return result
}

// appliedCount is the number of scripts holding a successful ledger record.
func appliedCount(scripts []Script, records []Record) int {
	applied := make(map[int]struct{}, len(records))
	for _, record := range records {
		if record.Success {
			applied[record.Version] = struct{}{}
		}
	}

	count := 0
	for _, script := range scripts {
		if _, ok := applied[script.Version]; ok {
			count++
		}
	}
	return count
}
