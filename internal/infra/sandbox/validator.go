package sandbox

import (
	"strings"
	"unicode"

	"tabular-ai-analyst/internal/domain"
)

// The validator fails fast on anything that is not a single read-only
// SELECT. It is deliberately conservative: the sandbox connection's
// query_only pragma is the authoritative write barrier, so a false
// rejection here costs a retry while a false acceptance costs nothing.

var deniedKeywords = map[string]bool{
	"insert": true, "update": true, "delete": true, "drop": true,
	"create": true, "alter": true, "replace": true, "truncate": true,
	"attach": true, "detach": true, "pragma": true, "vacuum": true,
	"reindex": true, "analyze": true, "grant": true, "revoke": true,
	"begin": true, "commit": true, "rollback": true, "savepoint": true,
}

// ValidateQuery rejects multi-statement input, non-SELECT statements and
// any appearance of a data-modification keyword outside string literals.
func ValidateQuery(sqlText string) error {
	tokens := tokenize(sqlText)
	if len(tokens) == 0 {
		return domain.NewValidationError(domain.CodeUnsafeStatement, "empty statement")
	}

	first := strings.ToLower(tokens[0].text)
	if tokens[0].kind != tokWord || (first != "select" && first != "with") {
		return domain.NewValidationError(domain.CodeUnsafeStatement, "only a single SELECT statement is allowed")
	}

	for i, t := range tokens {
		switch t.kind {
		case tokSemicolon:
			// A trailing semicolon is fine; anything after it is a second
			// statement.
			for _, rest := range tokens[i+1:] {
				if rest.kind != tokSemicolon {
					return domain.NewValidationError(domain.CodeUnsafeStatement, "multiple statements are not allowed")
				}
			}
		case tokWord:
			if deniedKeywords[strings.ToLower(t.text)] {
				return domain.NewValidationError(domain.CodeUnsafeStatement, "statement contains forbidden keyword "+strings.ToUpper(t.text))
			}
		}
	}
	return nil
}

// ReferencedTables returns the table names the statement reads from,
// excluding names the statement itself defines (CTEs and aliases used as
// subquery names). Quoted identifiers are unquoted.
func ReferencedTables(sqlText string) []string {
	tokens := tokenize(sqlText)

	cte := map[string]bool{}
	// WITH name AS (...), name2 AS (...) SELECT ...
	for i := 0; i+1 < len(tokens); i++ {
		if tokens[i+1].kind == tokWord && strings.EqualFold(tokens[i+1].text, "as") &&
			tokens[i].kind == tokWord && !reservedWord(tokens[i].text) {
			cte[strings.ToLower(tokens[i].text)] = true
		}
	}

	seen := map[string]bool{}
	var out []string
	for i := 0; i+1 < len(tokens); i++ {
		w := tokens[i]
		if w.kind != tokWord {
			continue
		}
		lw := strings.ToLower(w.text)
		if lw != "from" && lw != "join" {
			continue
		}
		// Skip subqueries: FROM ( SELECT ... )
		next := tokens[i+1]
		if next.kind != tokWord || reservedWord(next.text) {
			continue
		}
		name := strings.ToLower(next.text)
		if cte[name] || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, next.text)
	}
	return out
}

func reservedWord(s string) bool {
	switch strings.ToLower(s) {
	case "select", "with", "as", "on", "using", "where", "group", "order",
		"by", "limit", "offset", "union", "all", "distinct", "having",
		"inner", "outer", "left", "right", "full", "cross", "natural", "join",
		"from", "lateral":
		return true
	}
	return false
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokSemicolon
	tokOther
)

type token struct {
	kind tokenKind
	text string
}

// tokenize splits SQL into words, semicolons and punctuation, dropping
// comments and the contents of string literals. Quoted identifiers come
// back as words with the quotes removed.
func tokenize(s string) []token {
	var out []token
	r := []rune(s)
	i := 0
	for i < len(r) {
		c := r[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '-' && i+1 < len(r) && r[i+1] == '-':
			for i < len(r) && r[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(r) && r[i+1] == '*':
			i += 2
			for i+1 < len(r) && !(r[i] == '*' && r[i+1] == '/') {
				i++
			}
			i += 2
		case c == '\'':
			i++
			for i < len(r) {
				if r[i] == '\'' {
					if i+1 < len(r) && r[i+1] == '\'' { // escaped quote
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			out = append(out, token{kind: tokOther, text: "'...'"})
		case c == '"' || c == '`' || c == '[':
			closer := c
			if c == '[' {
				closer = ']'
			}
			i++
			start := i
			for i < len(r) && r[i] != closer {
				i++
			}
			out = append(out, token{kind: tokWord, text: string(r[start:i])})
			if i < len(r) {
				i++
			}
		case c == ';':
			out = append(out, token{kind: tokSemicolon, text: ";"})
			i++
		case unicode.IsLetter(c) || c == '_':
			start := i
			for i < len(r) && (unicode.IsLetter(r[i]) || unicode.IsDigit(r[i]) || r[i] == '_') {
				i++
			}
			out = append(out, token{kind: tokWord, text: string(r[start:i])})
		default:
			out = append(out, token{kind: tokOther, text: string(c)})
			i++
		}
	}
	return out
}
