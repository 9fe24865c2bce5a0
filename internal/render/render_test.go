package render

import (
	"strings"
	"testing"

	"github.com/hyperjump/kotae/internal/catalog"
	"github.com/hyperjump/kotae/internal/models"
)

func TestMarkdown(t *testing.T) {
	res := &models.ExecutionResult{
		Columns: []string{"decidestat", "n"},
		Rows:    [][]string{{"APPROVE", "12"}, {"DENY", "3"}},
	}
	out := Markdown("credit", "SELECT decidestat, COUNT(*) AS n FROM core_record GROUP BY decidestat LIMIT 50", res)

	for _, fragment := range []string{
		"**DB:** `credit`",
		"```sql\nSELECT decidestat",
		"**Result** (2 rows)",
		"| decidestat | n |",
		"| --- | --- |",
		"| APPROVE | 12 |",
	} {
		if !strings.Contains(out, fragment) {
			t.Errorf("output missing %q:\n%s", fragment, out)
		}
	}
	if strings.Contains(out, "truncated") {
		t.Error("untruncated result carries a truncation label")
	}
}

func TestMarkdown_Truncated(t *testing.T) {
	res := &models.ExecutionResult{
		Columns:   []string{"id"},
		Rows:      [][]string{{"1"}, {"2"}},
		Truncated: true,
	}
	out := Markdown("credit", "SELECT id FROM t", res)
	if !strings.Contains(out, "_truncated at 2 rows_") {
		t.Errorf("missing truncation label:\n%s", out)
	}
}

func TestMarkdown_NoRows(t *testing.T) {
	out := Markdown("credit", "SELECT 1 WHERE 0", &models.ExecutionResult{Columns: []string{"1"}})
	if !strings.Contains(out, "(no rows)") {
		t.Errorf("missing empty marker:\n%s", out)
	}
}

func TestMarkdown_EscapesPipes(t *testing.T) {
	res := &models.ExecutionResult{
		Columns: []string{"event"},
		Rows:    [][]string{{"a|b\nc"}},
	}
	out := Markdown("credit", "SELECT event FROM audit_log", res)
	if !strings.Contains(out, `| a\|b c |`) {
		t.Errorf("cell not escaped:\n%s", out)
	}
}

func TestError(t *testing.T) {
	out := Error("validate", "blocked keyword DROP\n")
	if out != "ERROR [validate]: blocked keyword DROP" {
		t.Errorf("Error() = %q", out)
	}
	if strings.Contains(out, "\n") {
		t.Error("error output must be a single line")
	}
}

func TestDatabases(t *testing.T) {
	cat := catalog.New([]*catalog.Entry{
		{ID: "credit", Tables: []catalog.Table{{Name: "core_record"}, {Name: "applicant"}}},
		{ID: "fleet", Tables: []catalog.Table{{Name: "vehicle"}}},
	})
	out := Databases(cat)
	if !strings.Contains(out, "- `credit` (2 tables): core_record, applicant") {
		t.Errorf("missing credit line:\n%s", out)
	}
	if !strings.Contains(out, "- `fleet` (1 table): vehicle") {
		t.Errorf("missing fleet line:\n%s", out)
	}
	if got := Databases(catalog.New(nil)); got != "(no databases)" {
		t.Errorf("empty catalog = %q", got)
	}
}
