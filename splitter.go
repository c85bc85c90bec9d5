package migrasi

import (
	"strings"

	"github.com/alecthomas/participle/v2/lexer"
	"github.com/pkg/errors"
)

const (
	// Standard SQL: a quote inside a literal is doubled, backslash is plain text.
	standardString = `'(?:[^']|'')*'`
	// MySQL additionally escapes with backslash.
	backslashString = `'(?:[^'\\]|\\.|'')*'`
)

// newSQLLexer knows just enough SQL to find statement boundaries: comments,
// quoted literals and identifiers, dollar-quoted bodies and the ';'
// terminator. Everything else is opaque text.
func newSQLLexer(stringPattern string) *lexer.StatefulDefinition {
	return lexer.MustSimple([]lexer.SimpleRule{
		{Name: "LineComment", Pattern: `--[^\n]*`},
		{Name: "BlockComment", Pattern: `/\*(?s:.*?)\*/`},
		{Name: "OpenComment", Pattern: `/\*`},
		{Name: "DollarBody", Pattern: `\$\$(?s:.*?)\$\$`},
		{Name: "OpenDollar", Pattern: `\$\$`},
		{Name: "String", Pattern: stringPattern},
		{Name: "QuotedIdent", Pattern: `"(?:[^"]|"")*"`},
		{Name: "BacktickIdent", Pattern: "`(?:[^`]|``)*`"},
		{Name: "Terminator", Pattern: `;`},
		{Name: "Whitespace", Pattern: `\s+`},
		{Name: "Word", Pattern: "[^;'\"`\\s\\-/$]+"},
		{Name: "Punct", Pattern: `[\-/$]`},
	})
}

var (
	standardLexer  = newSQLLexer(standardString)
	backslashLexer = newSQLLexer(backslashString)

	// Both lexers declare the same rules in the same order, so their token
	// types agree.
	lineCommentToken  = standardLexer.Symbols()["LineComment"]
	blockCommentToken = standardLexer.Symbols()["BlockComment"]
	openCommentToken  = standardLexer.Symbols()["OpenComment"]
	openDollarToken   = standardLexer.Symbols()["OpenDollar"]
	terminatorToken   = standardLexer.Symbols()["Terminator"]
)

// SplitStatements strips comments from script and splits it on ';'
// terminators that appear outside string literals, quoted identifiers and
// dollar-quoted bodies. Empty statements are dropped. String literals follow
// standard SQL, as PostgreSQL and SQLite read them: '' is the only escape.
func SplitStatements(script string) ([]string, error) {
	return splitStatements(script, false)
}

// SplitMySqlStatements is SplitStatements for MySQL, where a backslash also
// escapes the next character inside a string literal.
func SplitMySqlStatements(script string) ([]string, error) {
	return splitStatements(script, true)
}

// hasStatements reports whether script holds anything besides comments and
// terminators. A script the splitter rejects counts as non-empty so that the
// error surfaces when it runs.
func hasStatements(script string) bool {
	if strings.TrimSpace(script) == "" {
		return false
	}
	statements, err := SplitStatements(script)
	return err != nil || len(statements) > 0
}

func splitStatements(script string, backslashEscapes bool) ([]string, error) {
	def := standardLexer
	if backslashEscapes {
		def = backslashLexer
	}
	lex, err := def.LexString("", script)
	if err != nil {
		return nil, errors.Wrap(err, "failed to tokenize script")
	}
	tokens, err := lexer.ConsumeAll(lex)
	if err != nil {
		return nil, errors.Wrap(err, "failed to tokenize script")
	}

	var (
		statements []string
		current    strings.Builder
	)
	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for _, token := range tokens {
		if token.EOF() {
			break
		}
		switch token.Type {
		case lineCommentToken, blockCommentToken:
			current.WriteString(" ")
		case openCommentToken:
			return nil, errors.Errorf("%s: unterminated block comment", token.Pos)
		case openDollarToken:
			return nil, errors.Errorf("%s: unterminated dollar-quoted string", token.Pos)
		case terminatorToken:
			flush()
		default:
			current.WriteString(token.Value)
		}
	}
	flush()

	return statements, nil
}
