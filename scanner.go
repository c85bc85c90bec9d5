package migrasi

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	scriptExt     = ".sql"
	rollbackExt   = ".down.sql"
	maxVersionLen = 18
)

var (
	scriptNamePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_\-]+)$`)
	versionPrefix     = regexp.MustCompile(`^\d+`)
)

// Discover reads every change file in dir and returns the scripts in
// ascending version order. Any malformed name or break in the 1..N version
// sequence aborts discovery.
func Discover(dir string) ([]Script, error) {
	if !migrationDirExists(dir) {
		return nil, errors.Wrapf(ErrMigrationDirNotExists, "discover %q", dir)
	}
	return DiscoverFS(os.DirFS(dir), ".")
}

// DiscoverFS is Discover over an fs.FS, e.g. an embed.FS holding the scripts.
func DiscoverFS(fsys fs.FS, dir string) ([]Script, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read migration directory %q", dir)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	discoveredAt := time.Now()
	scripts := make([]Script, 0, len(entries))
	downs := make(map[string]string)

	for _, entry := range entries {
		fileName := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(fileName, scriptExt) {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, fileName))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read migration file %s", fileName)
		}

		if strings.HasSuffix(fileName, rollbackExt) {
			key := strings.TrimSuffix(fileName, rollbackExt)
			if _, _, err := parseScriptName(fileName, key); err != nil {
				return nil, err
			}
			downs[key] = string(content)
			continue
		}

		version, name, err := parseScriptName(fileName, strings.TrimSuffix(fileName, scriptExt))
		if err != nil {
			return nil, err
		}

		info, err := entry.Info()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to stat migration file %s", fileName)
		}

		scripts = append(scripts, Script{
			Version:      version,
			Name:         name,
			Description:  describe(name),
			Filename:     fileName,
			Checksum:     Checksum(content),
			Content:      string(content),
			Size:         info.Size(),
			ModTime:      info.ModTime(),
			DiscoveredAt: discoveredAt,
		})
	}

	sort.SliceStable(scripts, func(i, j int) bool {
		return scripts[i].Version < scripts[j].Version
	})

	if err := checkSequence(scripts); err != nil {
		return nil, err
	}

	for i := range scripts {
		key := scripts[i].Key()
		if down, ok := downs[key]; ok {
			scripts[i].DownContent = down
			delete(downs, key)
		}
	}
	if len(downs) > 0 {
		orphans := make([]string, 0, len(downs))
		for key := range downs {
			orphans = append(orphans, key)
		}
		sort.Strings(orphans)
		return nil, &MalformedNameError{
			Filename: orphans[0] + rollbackExt,
			Reason:   "rollback script has no matching migration script",
		}
	}

	return scripts, nil
}

// Checksum is the hex-encoded SHA-256 of a script's content.
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func parseScriptName(fileName, base string) (int, string, error) {
	if !versionPrefix.MatchString(base) {
		return 0, "", &MalformedNameError{Filename: fileName, Reason: "missing numeric version prefix"}
	}

	matches := scriptNamePattern.FindStringSubmatch(base)
	if matches == nil {
		return 0, "", &MalformedNameError{Filename: fileName, Reason: "expected <version>_<name>.sql"}
	}
	if len(matches[1]) > maxVersionLen {
		return 0, "", &MalformedNameError{Filename: fileName, Reason: "version prefix is too long"}
	}

	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, "", &MalformedNameError{Filename: fileName, Reason: "version is not a valid integer"}
	}
	if version < 1 {
		return 0, "", &MalformedNameError{Filename: fileName, Reason: "version must be a positive integer"}
	}

	return version, matches[2], nil
}

// checkSequence expects scripts sorted by version and requires exactly 1..N.
func checkSequence(scripts []Script) error {
	expected := 1
	for i, script := range scripts {
		if i > 0 && script.Version == scripts[i-1].Version {
			return &SequenceGapError{
				Version:   script.Version,
				Duplicate: true,
				Files:     []string{scripts[i-1].Filename, script.Filename},
			}
		}
		if script.Version != expected {
			return &SequenceGapError{Version: expected}
		}
		expected++
	}
	return nil
}
