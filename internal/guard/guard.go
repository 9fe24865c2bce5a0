// Package guard validates generated SQL against the read-only policy and
// enforces a row limit. It is a textual defense layered on top of read-only
// database connections, never the only barrier.
package guard

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/models"
)

// blockedRe matches statement keywords that can never appear in a read-only
// query, on word boundaries, case-insensitive.
var blockedRe = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|DROP|ALTER|CREATE|REPLACE|TRUNCATE|ATTACH|DETACH|PRAGMA|VACUUM|REINDEX)\b`)

var limitRe = regexp.MustCompile(`(?i)\bLIMIT\b`)

// Guard checks one SQL text at a time. Stateless and safe for concurrent use.
type Guard struct {
	cfg *config.GuardConfig
}

// New creates a guard with the given row limits.
func New(cfg *config.GuardConfig) *Guard {
	return &Guard{cfg: cfg}
}

// Check runs the safety rules in order and returns the verdict. Accepted
// queries carry a normalized SQL text with the row limit applied, the limit
// value in effect, and an execution variant whose LIMIT is one higher so the
// executor can detect overflow. Rejected queries carry the reason. Checking
// an already normalized text again yields the same text.
func (g *Guard) Check(sqlText string) *models.SafetyVerdict {
	reject := func(reason string) *models.SafetyVerdict {
		return &models.SafetyVerdict{Accepted: false, RejectionReason: reason}
	}

	cleaned := strings.TrimSpace(stripComments(sqlText))
	if cleaned == "" {
		return reject("empty statement")
	}

	// Masking keeps byte offsets aligned with cleaned, so scans over the
	// masked text can rewrite the original.
	masked := maskLiterals(cleaned)

	first := strings.ToUpper(firstWord(masked))
	if first != "SELECT" && first != "WITH" {
		return reject(fmt.Sprintf("only SELECT or WITH statements are allowed, got %q", first))
	}
	if m := blockedRe.FindString(masked); m != "" {
		return reject(fmt.Sprintf("blocked keyword %s", strings.ToUpper(m)))
	}
	if strings.Contains(masked, ";") {
		return reject("semicolons are not allowed outside string literals")
	}

	normalized, execSQL, applied := g.applyLimit(cleaned, masked)
	return &models.SafetyVerdict{
		Accepted:      true,
		NormalizedSQL: normalized,
		AppliedLimit:  applied,
		ExecSQL:       execSQL,
	}
}

// applyLimit appends the default LIMIT when the outer query has none and
// clamps an explicit LIMIT to the hard maximum. The returned execSQL carries
// the applied limit plus one; applied is zero when the limit expression is
// not a numeric literal.
func (g *Guard) applyLimit(cleaned, masked string) (normalized, execSQL string, applied int) {
	loc := outerLimit(masked)
	if loc == nil {
		applied = g.cfg.MaxRowsDefault
		return fmt.Sprintf("%s LIMIT %d", cleaned, applied),
			fmt.Sprintf("%s LIMIT %d", cleaned, applied+1), applied
	}

	// LIMIT n, LIMIT n OFFSET m, or LIMIT m, n; the row count is the last
	// number in the two-argument comma form.
	numStart, numEnd := numberAfter(masked, loc[1])
	if numStart < 0 {
		// Non-literal limit expression; the executor's hard cap still applies.
		return cleaned, cleaned, 0
	}
	if second, secondEnd := commaNumberAfter(masked, numEnd); second >= 0 {
		numStart, numEnd = second, secondEnd
	}
	n, err := strconv.Atoi(cleaned[numStart:numEnd])
	if err != nil {
		return cleaned, cleaned, 0
	}
	normalized = cleaned
	if n > g.cfg.MaxRowsHard {
		n = g.cfg.MaxRowsHard
		normalized = cleaned[:numStart] + strconv.Itoa(n) + cleaned[numEnd:]
	}
	execSQL = cleaned[:numStart] + strconv.Itoa(n+1) + cleaned[numEnd:]
	return normalized, execSQL, n
}

// outerLimit returns the match range of the last LIMIT keyword at paren
// depth zero, or nil.
func outerLimit(masked string) []int {
	var found []int
	for _, loc := range limitRe.FindAllStringIndex(masked, -1) {
		if parenDepth(masked[:loc[0]]) == 0 {
			found = loc
		}
	}
	return found
}

func parenDepth(s string) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
	}
	return depth
}

// numberAfter returns the range of a decimal literal following only
// whitespace after pos, or (-1, -1).
func numberAfter(s string, pos int) (int, int) {
	i := pos
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	start := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == start {
		return -1, -1
	}
	return start, i
}

// commaNumberAfter returns the range of a number following a comma after
// pos, for the LIMIT m, n form.
func commaNumberAfter(s string, pos int) (int, int) {
	i := pos
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	if i >= len(s) || s[i] != ',' {
		return -1, -1
	}
	return numberAfter(s, i+1)
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// stripComments removes -- line comments and /* */ blocks, leaving string
// literals and quoted identifiers intact.
func stripComments(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		switch {
		case s[i] == '\'' || s[i] == '"':
			j := closeQuote(s, i)
			b.WriteString(s[i:j])
			i = j
		case s[i] == '-' && i+1 < len(s) && s[i+1] == '-':
			for i < len(s) && s[i] != '\n' {
				i++
			}
		case s[i] == '/' && i+1 < len(s) && s[i+1] == '*':
			i += 2
			for i+1 < len(s) && !(s[i] == '*' && s[i+1] == '/') {
				i++
			}
			i += 2
			if i > len(s) {
				i = len(s)
			}
			b.WriteByte(' ')
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String()
}

// maskLiterals overwrites the contents of string literals and quoted
// identifiers with spaces, preserving length so offsets stay valid.
func maskLiterals(s string) string {
	out := []byte(s)
	for i := 0; i < len(s); {
		if s[i] == '\'' || s[i] == '"' {
			j := closeQuote(s, i)
			for k := i; k < j; k++ {
				out[k] = ' '
			}
			i = j
			continue
		}
		i++
	}
	return string(out)
}

// closeQuote returns the index just past the quoted run starting at i,
// honoring the doubled-quote escape.
func closeQuote(s string, i int) int {
	q := s[i]
	j := i + 1
	for j < len(s) {
		if s[j] == q {
			if j+1 < len(s) && s[j+1] == q {
				j += 2
				continue
			}
			return j + 1
		}
		j++
	}
	return len(s)
}
