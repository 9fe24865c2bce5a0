// Package schema renders a database schema as compact prompt text, slimmed
// to the tables and columns a question plausibly needs.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hyperjump/kotae/internal/catalog"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/pkg/utils"
)

// Table-scoring weights. Table names count more than column names.
const (
	tableNameWeight = 3.0
	columnWeight    = 1.0
)

// RolePolicy decides which columns a role may see. A nil policy allows
// everything.
type RolePolicy interface {
	AllowColumn(role, dbID, table, column string) bool
}

// Rendered is the outcome of one schema rendering.
type Rendered struct {
	// Text is the prompt-ready schema description.
	Text string
	// Tables lists the included table names in catalog order.
	Tables []string
	// Full reports whether the complete schema fit the budget.
	Full bool
}

// Renderer produces slimmed schema text. Rendering is deterministic: the
// same entry, question, and role always produce the same text.
type Renderer struct {
	cfg    *config.SchemaConfig
	policy RolePolicy
}

// New creates a renderer with the given limits.
func New(cfg *config.SchemaConfig) *Renderer {
	return &Renderer{cfg: cfg}
}

// WithPolicy attaches a column visibility policy.
func (r *Renderer) WithPolicy(p RolePolicy) *Renderer { r.policy = p; return r }

// Render builds the schema text for a question against one database. When
// the complete schema fits cfg.FullSchemaMaxChars it is sent whole;
// otherwise tables are ranked by question overlap, capped at cfg.TopTables,
// and extended with up to cfg.MaxRelatedTables foreign-key neighbors.
func (r *Renderer) Render(entry *catalog.Entry, question, role string) *Rendered {
	tables := r.visibleTables(entry, role)

	full := renderTables(tables, r.cfg.MaxColumns, nil)
	if r.cfg.FullSchemaMaxChars > 0 && len(full) <= r.cfg.FullSchemaMaxChars {
		return &Rendered{Text: full, Tables: tableNames(tables), Full: true}
	}

	tokens := utils.Tokenize(question)
	selected := r.selectTables(tables, tokens)
	keep := make(map[string]bool, len(selected))
	for _, name := range selected {
		keep[name] = true
	}

	var kept []catalog.Table
	for _, t := range tables {
		if keep[t.Name] {
			kept = append(kept, t)
		}
	}
	return &Rendered{
		Text:   renderTables(kept, r.cfg.MaxColumns, tokens),
		Tables: tableNames(kept),
		Full:   false,
	}
}

// visibleTables applies the role policy, dropping filtered columns and any
// table left without columns.
func (r *Renderer) visibleTables(entry *catalog.Entry, role string) []catalog.Table {
	if r.policy == nil {
		return entry.Tables
	}
	out := make([]catalog.Table, 0, len(entry.Tables))
	for _, t := range entry.Tables {
		cols := make([]catalog.Column, 0, len(t.Columns))
		for _, c := range t.Columns {
			if r.policy.AllowColumn(role, entry.ID, t.Name, c.Name) {
				cols = append(cols, c)
			}
		}
		if len(cols) == 0 {
			continue
		}
		t.Columns = cols
		out = append(out, t)
	}
	return out
}

// selectTables ranks tables by question overlap, keeps the top cfg.TopTables,
// and adds foreign-key neighbors of the kept set.
func (r *Renderer) selectTables(tables []catalog.Table, tokens []string) []string {
	type scored struct {
		name  string
		order int
		score float64
	}
	ranked := make([]scored, 0, len(tables))
	for i, t := range tables {
		var score float64
		nameTokens := tokenSet(t.Name)
		colTokens := map[string]bool{}
		for _, c := range t.Columns {
			for _, tok := range utils.Tokenize(c.Name) {
				colTokens[tok] = true
			}
		}
		for _, tok := range tokens {
			if nameTokens[tok] {
				score += tableNameWeight
			} else if colTokens[tok] {
				score += columnWeight
			}
		}
		ranked = append(ranked, scored{name: t.Name, order: i, score: score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].order < ranked[j].order
	})

	top := r.cfg.TopTables
	if top <= 0 || top > len(ranked) {
		top = len(ranked)
	}
	keep := map[string]bool{}
	for _, s := range ranked[:top] {
		keep[s.name] = true
	}

	// Pull in tables joined to the kept set so generated joins resolve.
	byName := map[string]*catalog.Table{}
	for i := range tables {
		byName[tables[i].Name] = &tables[i]
	}
	added := 0
	for _, t := range tables {
		if added >= r.cfg.MaxRelatedTables {
			break
		}
		if keep[t.Name] {
			for _, fk := range t.ForeignKeys {
				if !keep[fk.RefTable] && byName[fk.RefTable] != nil && added < r.cfg.MaxRelatedTables {
					keep[fk.RefTable] = true
					added++
				}
			}
			continue
		}
		for _, fk := range t.ForeignKeys {
			if keep[fk.RefTable] {
				keep[t.Name] = true
				added++
				break
			}
		}
	}

	names := make([]string, 0, len(keep))
	for _, t := range tables {
		if keep[t.Name] {
			names = append(names, t.Name)
		}
	}
	return names
}

// renderTables prints one line per table plus FK lines. Columns beyond
// maxColumns are dropped, keeping primary keys and question-matched columns
// first; original column order is preserved in the output.
func renderTables(tables []catalog.Table, maxColumns int, tokens []string) string {
	var b strings.Builder
	for _, t := range tables {
		cols := capColumns(t.Columns, maxColumns, tokens)
		b.WriteString("TABLE ")
		b.WriteString(t.Name)
		if t.RowEstimate > 0 {
			fmt.Fprintf(&b, " (~%d rows)", t.RowEstimate)
		}
		b.WriteString(": ")
		for i, c := range cols {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(renderColumn(c))
		}
		b.WriteString("\n")
		for _, fk := range t.ForeignKeys {
			fmt.Fprintf(&b, "  FK %s.%s -> %s.%s\n", t.Name, fk.From, fk.RefTable, fk.To)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderColumn(c catalog.Column) string {
	var b strings.Builder
	b.WriteString(c.Name)
	if c.DeclaredType != catalog.TypeUnknown {
		b.WriteString(" (")
		b.WriteString(strings.ToUpper(string(c.DeclaredType)))
		if c.PrimaryKey {
			b.WriteString(" PK")
		}
		if c.NotNull {
			b.WriteString(" NOT NULL")
		}
		b.WriteString(")")
	} else if c.PrimaryKey {
		b.WriteString(" (PK)")
	}
	return b.String()
}

// capColumns keeps at most maxColumns columns, preferring primary keys and
// columns whose name overlaps the question, then earlier columns.
func capColumns(cols []catalog.Column, maxColumns int, tokens []string) []catalog.Column {
	if maxColumns <= 0 || len(cols) <= maxColumns {
		return cols
	}
	matched := map[string]bool{}
	for _, tok := range tokens {
		matched[tok] = true
	}
	type pick struct {
		idx  int
		prio int
	}
	picks := make([]pick, len(cols))
	for i, c := range cols {
		prio := 2
		if c.PrimaryKey {
			prio = 0
		} else {
			for _, tok := range utils.Tokenize(c.Name) {
				if matched[tok] {
					prio = 1
					break
				}
			}
		}
		picks[i] = pick{idx: i, prio: prio}
	}
	sort.SliceStable(picks, func(i, j int) bool { return picks[i].prio < picks[j].prio })
	keep := map[int]bool{}
	for _, p := range picks[:maxColumns] {
		keep[p.idx] = true
	}
	out := make([]catalog.Column, 0, maxColumns)
	for i, c := range cols {
		if keep[i] {
			out = append(out, c)
		}
	}
	return out
}

// Meanings renders the advisory column descriptions for the included tables,
// bounded at maxChars. Returns "" when nothing is annotated.
func Meanings(entry *catalog.Entry, tables []string, maxChars int) string {
	include := map[string]bool{}
	for _, name := range tables {
		include[name] = true
	}
	var b strings.Builder
	for _, t := range entry.Tables {
		if len(include) > 0 && !include[t.Name] {
			continue
		}
		for _, c := range t.Columns {
			if c.Meaning == "" {
				continue
			}
			line := t.Name + "." + c.Name + ": " + c.Meaning + "\n"
			if maxChars > 0 && b.Len()+len(line) > maxChars {
				return strings.TrimRight(b.String(), "\n")
			}
			b.WriteString(line)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func tableNames(tables []catalog.Table) []string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	return names
}

func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range utils.Tokenize(s) {
		set[tok] = true
	}
	return set
}
