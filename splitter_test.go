package migrasi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		expected []string
	}{
		{
			name:     "single statement without terminator",
			script:   "CREATE TABLE users (id INT)",
			expected: []string{"CREATE TABLE users (id INT)"},
		},
		{
			name: "several statements",
			script: `CREATE TABLE users (id INT);
CREATE INDEX idx_users_id ON users (id);

INSERT INTO users (id) VALUES (1);`,
			expected: []string{
				"CREATE TABLE users (id INT)",
				"CREATE INDEX idx_users_id ON users (id)",
				"INSERT INTO users (id) VALUES (1)",
			},
		},
		{
			name:     "terminator inside string literal",
			script:   "INSERT INTO notes (body) VALUES ('a; b');INSERT INTO notes (body) VALUES ('it''s; fine');",
			expected: []string{"INSERT INTO notes (body) VALUES ('a; b')", "INSERT INTO notes (body) VALUES ('it''s; fine')"},
		},
		{
			name:     "terminator inside quoted identifiers",
			script:   `SELECT "weird;name" FROM t; SELECT ` + "`odd;col`" + ` FROM t;`,
			expected: []string{`SELECT "weird;name" FROM t`, "SELECT `odd;col` FROM t"},
		},
		{
			name:     "comments are stripped",
			script:   "-- create; the table\nCREATE TABLE a (id INT); /* block; comment */ DROP TABLE b;",
			expected: []string{"CREATE TABLE a (id INT)", "DROP TABLE b"},
		},
		{
			name: "dollar quoted function body",
			script: `CREATE FUNCTION touch() RETURNS trigger AS $$
BEGIN
  NEW.updated_at = now();
  RETURN NEW;
END;
$$ LANGUAGE plpgsql;
SELECT 1;`,
			expected: []string{
				"CREATE FUNCTION touch() RETURNS trigger AS $$\nBEGIN\n  NEW.updated_at = now();\n  RETURN NEW;\nEND;\n$$ LANGUAGE plpgsql",
				"SELECT 1",
			},
		},
		{
			name:     "minus and slash are plain text",
			script:   "UPDATE t SET a = a - 1 / 2 WHERE b = $1;",
			expected: []string{"UPDATE t SET a = a - 1 / 2 WHERE b = $1"},
		},
		{
			name:     "empty statements dropped",
			script:   ";;  ;\n-- only a comment\n",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			statements, err := SplitStatements(tt.script)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, statements)
		})
	}
}

func TestSplitStatements_BackslashIsPlainText(t *testing.T) {
	statements, err := SplitStatements(`INSERT INTO paths VALUES ('C:\'); INSERT INTO paths VALUES ('x');`)

	require.NoError(t, err)
	assert.Equal(t, []string{`INSERT INTO paths VALUES ('C:\')`, `INSERT INTO paths VALUES ('x')`}, statements)
}

func TestSplitMySqlStatements(t *testing.T) {
	statements, err := SplitMySqlStatements(`INSERT INTO notes VALUES ('it\'s; fine', 'a''b'); SELECT 1;`)
	require.NoError(t, err)
	assert.Equal(t, []string{`INSERT INTO notes VALUES ('it\'s; fine', 'a''b')`, "SELECT 1"}, statements)

	// A trailing backslash escapes the closing quote in MySQL.
	_, err = SplitMySqlStatements(`INSERT INTO paths VALUES ('C:\');`)
	assert.ErrorContains(t, err, "failed to tokenize script")
}

func TestSplitStatements_Unterminated(t *testing.T) {
	tests := []struct {
		name   string
		script string
		errMsg string
	}{
		{"block comment", "SELECT 1; /* never closed", "unterminated block comment"},
		{"dollar quote", "CREATE FUNCTION f() AS $$ BEGIN", "unterminated dollar-quoted string"},
		{"string literal", "INSERT INTO t VALUES ('oops);", "failed to tokenize script"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SplitStatements(tt.script)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
