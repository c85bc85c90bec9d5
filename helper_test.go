package migrasi

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeMigrationName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		wantErr  bool
	}{
		{"My Migration-Name", "my_migration_name", false},
		{"invalid name!!", "", true},
		{"   spaced name   ", "spaced_name", false},
		{"Name-With-Dashes", "name_with_dashes", false},
		{"", "", true},
	}

	for _, tt := range tests {
		result, err := sanitizeMigrationName(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("sanitizeMigrationName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if result != tt.expected {
			t.Errorf("sanitizeMigrationName(%q) = %v, want %v", tt.input, result, tt.expected)
		}
	}
}

func TestSanitizeTableName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		wantErr  bool
	}{
		{"valid_table_name", "valid_table_name", false},
		{"invalid table!", "", true},
		{"schema_ledger; DROP TABLE users", "", true},
		{"AnotherOne123", "AnotherOne123", false},
	}

	for _, tt := range tests {
		result, err := sanitizeTableName(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("sanitizeTableName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if result != tt.expected {
			t.Errorf("sanitizeTableName(%q) = %v, want %v", tt.input, result, tt.expected)
		}
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Create Users", describe("create_users"))
	assert.Equal(t, "Add Users Index", describe("add-users_index"))
	assert.Equal(t, "", describe(""))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "SELECT 1", truncate("SELECT\n\t1", 80))

	long := "INSERT INTO users (name) VALUES ('" + strings.Repeat("x", 100) + "')"
	out := truncate(long, 20)
	assert.Len(t, out, 20)
	assert.True(t, strings.HasSuffix(out, "..."))
}

func TestMigrationFileTemplate(t *testing.T) {
	up := migrationFileTemplate("004_create_orders", "Create Orders", false)
	down := migrationFileTemplate("004_create_orders", "Create Orders", true)

	assert.Contains(t, up, "-- Migration: 004_create_orders")
	assert.Contains(t, up, "-- Description: Apply Create Orders")
	assert.Contains(t, down, "-- Description: Revert Create Orders")

	statements, err := SplitStatements(up)
	assert.NoError(t, err)
	assert.Empty(t, statements)
}

func TestDefaultAppliedBy(t *testing.T) {
	assert.NotEmpty(t, defaultAppliedBy())
}
