// Package render formats pipeline results as markdown.
package render

import (
	"fmt"
	"strings"

	"github.com/hyperjump/kotae/internal/catalog"
	"github.com/hyperjump/kotae/internal/models"
)

// Markdown renders the answer block: the chosen database, the executed SQL,
// and the result table. A truncated result is labeled, never hidden.
func Markdown(dbID, sqlText string, res *models.ExecutionResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**DB:** `%s`\n\n", dbID)
	b.WriteString("**SQL**\n```sql\n")
	b.WriteString(sqlText)
	b.WriteString("\n```\n\n")

	if len(res.Rows) == 0 {
		b.WriteString("**Result**\n\n(no rows)")
		return b.String()
	}

	fmt.Fprintf(&b, "**Result** (%d %s)\n\n", len(res.Rows), plural(len(res.Rows), "row", "rows"))
	writeRow(&b, res.Columns)
	sep := make([]string, len(res.Columns))
	for i := range sep {
		sep[i] = "---"
	}
	writeRow(&b, sep)
	for _, row := range res.Rows {
		writeRow(&b, row)
	}
	if res.Truncated {
		fmt.Fprintf(&b, "\n_truncated at %d rows_", len(res.Rows))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Error renders a failure as one stage-tagged line.
func Error(stage, message string) string {
	return fmt.Sprintf("ERROR [%s]: %s", stage, strings.TrimSpace(message))
}

// Databases renders the catalog listing.
func Databases(cat *catalog.Catalog) string {
	if cat.Len() == 0 {
		return "(no databases)"
	}
	var b strings.Builder
	b.WriteString("**Databases**\n\n")
	for _, id := range cat.IDs() {
		entry := cat.Entry(id)
		fmt.Fprintf(&b, "- `%s` (%d %s): %s\n",
			id, len(entry.Tables), plural(len(entry.Tables), "table", "tables"),
			strings.Join(entry.TableNames(), ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeRow(b *strings.Builder, cells []string) {
	b.WriteString("|")
	for _, c := range cells {
		b.WriteString(" ")
		b.WriteString(escapeCell(c))
		b.WriteString(" |")
	}
	b.WriteString("\n")
}

// escapeCell keeps table markup intact when a value contains pipes or
// newlines.
func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
