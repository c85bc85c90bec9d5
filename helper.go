package migrasi

import (
	"fmt"
	"os"
	"os/user"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

func fileExists(fileName string) bool {
	_, err := os.Stat(fileName)
	return !os.IsNotExist(err)
}

func migrationDirExists(migrationFilesDir string) bool {
	info, err := os.Stat(migrationFilesDir)
	return err == nil && info.IsDir()
}

func printTable(data [][]string) {
	if len(data) == 0 {
		fmt.Println("No data to display.")
		return
	}

	colWidths := make([]int, len(data[0]))
	for _, row := range data {
		for colIdx, col := range row {
			if colIdx < len(colWidths) && len(col) > colWidths[colIdx] {
				colWidths[colIdx] = len(col)
			}
		}
	}

	printRow := func(row []string) {
		fmt.Print("|")
		for i, col := range row {
			format := fmt.Sprintf(" %%-%ds |", colWidths[i])
			fmt.Printf(format, col)
		}
		fmt.Println()
	}

	printSeparator := func() {
		fmt.Print("+")
		for _, width := range colWidths {
			fmt.Print(strings.Repeat("-", width+2) + "+")
		}
		fmt.Println()
	}

	printSeparator()
	printRow(data[0])
	printSeparator()

	for _, row := range data[1:] {
		printRow(row)
	}
	printSeparator()
}

func sanitizeMigrationName(name string) (string, error) {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ToLower(name)
	name = strings.Trim(name, "_")
	if len(name) > 200 {
		name = name[:200]
	}

	if !validIdentifier.MatchString(name) {
		return "", fmt.Errorf("invalid migration name: %s", name)
	}

	return name, nil
}

func sanitizeTableName(name string) (string, error) {
	if !validIdentifier.MatchString(name) {
		return "", fmt.Errorf("invalid table name: %s", name)
	}

	return name, nil
}

// describe turns "add_users_index" into "Add Users Index".
func describe(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})
	return cases.Title(language.English).String(strings.Join(words, " "))
}

func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func defaultAppliedBy() string {
	name := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return name + "@" + host
	}
	return name
}

func migrationFileTemplate(key, description string, down bool) string {
	direction := "Apply"
	if down {
		direction = "Revert"
	}
	return fmt.Sprintf("-- Migration: %s\n-- Description: %s %s\n\n", key, direction, description)
}
