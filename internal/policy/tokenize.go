package policy

import (
	"path"
	"regexp"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
)

// extract splits a raw string into top-level segments, tokenizes each one,
// and picks out the command of every segment. Unbalanced quotes surface as
// an error from the tokenizer.
func extract(raw string) ([]command, error) {
	var cmds []command
	for _, seg := range splitSegments(raw) {
		tokens, err := shellquote.Split(seg)
		if err != nil {
			return nil, err
		}
		for i, tok := range tokens {
			if skipToken(tok) {
				continue
			}
			cmds = append(cmds, command{
				name:  baseName(tok),
				token: tok,
				args:  tokens[i+1:],
			})
			break
		}
	}
	return cmds, nil
}

// splitSegments breaks a command line on `;`, `&&`, `||`, `|`, `&` and
// newlines. Operator characters are separators, so `&&` and `&` produce the
// same segment boundaries. Separators inside quotes, backticks or $(...)
// spans do not split; substituted spans are recursed into separately.
func splitSegments(raw string) []string {
	var (
		segments   []string
		cur        strings.Builder
		inSingle   bool
		inDouble   bool
		inBacktick bool
		escaped    bool
		parens     int
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			segments = append(segments, s)
		}
		cur.Reset()
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case c == '\\' && !inSingle:
			cur.WriteByte(c)
			escaped = true
		case c == '\'' && !inDouble:
			cur.WriteByte(c)
			inSingle = !inSingle
		case c == '"' && !inSingle:
			cur.WriteByte(c)
			inDouble = !inDouble
		case inSingle:
			cur.WriteByte(c)
		case c == '`':
			cur.WriteByte(c)
			inBacktick = !inBacktick
		case c == '$' && i+1 < len(raw) && raw[i+1] == '(':
			cur.WriteByte(c)
			cur.WriteByte(raw[i+1])
			i++
			parens++
		case c == '(' && parens > 0:
			cur.WriteByte(c)
			parens++
		case c == ')' && parens > 0:
			cur.WriteByte(c)
			parens--
		case parens == 0 && !inBacktick && !inDouble && (c == ';' || c == '&' || c == '|' || c == '\n'):
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return segments
}

// substitutions returns the contents of $(...) and backtick spans, the parts
// of the line the shell would execute as commands of their own. Single quotes
// suppress substitution; double quotes do not. An unterminated span runs to
// the end of the string so its contents are still checked.
func substitutions(raw string) []string {
	var (
		spans    []string
		inSingle bool
		inDouble bool
		escaped  bool
	)
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && !inSingle:
			escaped = true
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case inSingle:
		case c == '`':
			rest := raw[i+1:]
			if end := strings.IndexByte(rest, '`'); end >= 0 {
				spans = append(spans, rest[:end])
				i += end + 1
			} else {
				spans = append(spans, rest)
				i = len(raw)
			}
		case c == '$' && i+1 < len(raw) && raw[i+1] == '(':
			inner, end := matchParen(raw, i+2)
			spans = append(spans, inner)
			i = end
		}
	}
	return spans
}

// matchParen scans from start to the parenthesis that closes the
// substitution, honoring nesting, and returns the contents plus the index
// of the closer.
func matchParen(raw string, start int) (string, int) {
	depth := 1
	for i := start; i < len(raw); i++ {
		switch raw[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return raw[start:i], i
			}
		}
	}
	return raw[start:], len(raw)
}

var (
	assignmentPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

	shellKeywords = map[string]struct{}{
		"if": {}, "then": {}, "else": {}, "elif": {}, "fi": {},
		"for": {}, "while": {}, "until": {}, "do": {}, "done": {},
		"case": {}, "esac": {}, "in": {}, "function": {}, "time": {},
		"!": {}, "{": {}, "}": {},
	}
)

// skipToken reports whether a token cannot be the command of its segment:
// flags, variable assignments and shell keywords.
func skipToken(tok string) bool {
	if strings.HasPrefix(tok, "-") {
		return true
	}
	if assignmentPattern.MatchString(tok) {
		return true
	}
	_, keyword := shellKeywords[tok]
	return keyword
}

// baseName strips any path prefix from a command token.
func baseName(tok string) string {
	return path.Base(tok)
}
