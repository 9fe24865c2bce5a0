// Package catalog discovers SQLite database files and introspects their
// schemas into an immutable, process-lifetime snapshot.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/pkg/utils"
)

// ColumnType is the small semantic type set columns are mapped onto.
type ColumnType string

const (
	TypeText    ColumnType = "text"
	TypeInt     ColumnType = "int"
	TypeReal    ColumnType = "real"
	TypeBlob    ColumnType = "blob"
	TypeUnknown ColumnType = "unknown"
)

// Column describes one column of a table. Meaning is advisory context from a
// sidecar artifact, attached by name match and never required for correctness.
type Column struct {
	Name         string     `json:"name"`
	DeclaredType ColumnType `json:"type"`
	NotNull      bool       `json:"not_null,omitempty"`
	PrimaryKey   bool       `json:"primary_key,omitempty"`
	Meaning      string     `json:"meaning,omitempty"`
}

// ForeignKey is one outgoing foreign-key edge of a table.
type ForeignKey struct {
	From     string `json:"from"`
	RefTable string `json:"ref_table"`
	To       string `json:"to"`
}

// Table describes one table: ordered columns and an optional row estimate.
type Table struct {
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
	RowEstimate int64        `json:"row_estimate,omitempty"`
}

// Entry is one database of the catalog: its identifier, file location, and
// the ordered table descriptors introspected at load time.
type Entry struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Path   string  `json:"-"`
	Rel    string  `json:"path"`
	Tables []Table `json:"tables"`
}

// TableNames returns the entry's table names in catalog order.
func (e *Entry) TableNames() []string {
	names := make([]string, len(e.Tables))
	for i, t := range e.Tables {
		names[i] = t.Name
	}
	return names
}

// Table returns the named table, or nil.
func (e *Entry) Table(name string) *Table {
	for i := range e.Tables {
		if e.Tables[i].Name == name {
			return &e.Tables[i]
		}
	}
	return nil
}

// Catalog is an immutable snapshot of every discovered database. It is safe
// for unlimited concurrent readers; a reload publishes a whole new Catalog.
type Catalog struct {
	entries map[string]*Entry
	ids     []string
}

// New builds a snapshot from the given entries. Entry IDs must be unique;
// later duplicates win.
func New(entries []*Entry) *Catalog {
	m := make(map[string]*Entry, len(entries))
	for _, e := range entries {
		m[e.ID] = e
	}
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &Catalog{entries: m, ids: ids}
}

// IDs returns all database identifiers in stable sorted order.
func (c *Catalog) IDs() []string { return c.ids }

// Entry returns the catalog entry for id, or nil when unknown.
func (c *Catalog) Entry(id string) *Entry { return c.entries[id] }

// Len returns the number of databases.
func (c *Catalog) Len() int { return len(c.ids) }

// ReadOnlyDSN builds a go-sqlite3 DSN that opens the file in read-only mode.
// The driver refuses the connection when the mode cannot be honored.
func ReadOnlyDSN(path string) string {
	return "file:" + path + "?mode=ro&_busy_timeout=5000"
}

// Scan walks cfg.Root for SQLite files, skips templates, and introspects each
// database read-only. Databases that fail introspection are skipped with a
// warning; an unreadable root is an error.
func Scan(ctx context.Context, cfg *config.CatalogConfig, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	type found struct {
		path, rel, base, parent string
	}
	var files []found
	err := filepath.WalkDir(cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		low := strings.ToLower(d.Name())
		if !hasAnySuffix(low, cfg.Extensions) || hasAnySuffix(low, cfg.TemplateSuffixes) {
			return nil
		}
		rel, relErr := filepath.Rel(cfg.Root, path)
		if relErr != nil {
			rel = path
		}
		base := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		files = append(files, found{
			path:   path,
			rel:    filepath.ToSlash(rel),
			base:   base,
			parent: filepath.Base(filepath.Dir(path)),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog scan failed: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })

	entries := make(map[string]*Entry, len(files))
	for _, f := range files {
		id := utils.Slug(f.base)
		if _, taken := entries[id]; taken {
			id = utils.Slug(f.parent + "_" + f.base)
		}
		tables, introErr := introspect(ctx, f.path)
		if introErr != nil {
			logger.Warn("skipping database: introspection failed",
				zap.String("path", f.path), zap.Error(introErr))
			continue
		}
		attachMeanings(id, filepath.Dir(f.path), tables)
		entries[id] = &Entry{
			ID:     id,
			Name:   f.base,
			Path:   f.path,
			Rel:    f.rel,
			Tables: tables,
		}
	}

	cat := &Catalog{entries: entries}
	for id := range entries {
		cat.ids = append(cat.ids, id)
	}
	sort.Strings(cat.ids)

	logger.Info("catalog loaded", zap.Int("databases", cat.Len()), zap.String("root", cfg.Root))
	return cat, nil
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, strings.ToLower(suf)) {
			return true
		}
	}
	return false
}

// introspect opens the database read-only and lists tables, columns, and
// foreign keys via sqlite_master and the table_info/foreign_key_list pragmas.
func introspect(ctx context.Context, path string) ([]Table, error) {
	db, err := sql.Open("sqlite3", ReadOnlyDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		t := Table{Name: name}
		if err := fillColumns(ctx, db, &t); err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
		fillForeignKeys(ctx, db, &t)
		fillRowEstimate(ctx, db, &t)
		tables = append(tables, t)
	}
	return tables, nil
}

func fillColumns(ctx context.Context, db *sql.DB, t *Table) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", t.Name))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			decl    sql.NullString
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &decl, &notNull, &dflt, &pk); err != nil {
			return err
		}
		t.Columns = append(t.Columns, Column{
			Name:         name,
			DeclaredType: mapDeclaredType(decl.String),
			NotNull:      notNull != 0,
			PrimaryKey:   pk != 0,
		})
	}
	return rows.Err()
}

func fillForeignKeys(ctx context.Context, db *sql.DB, t *Table) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%q)", t.Name))
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, seq            int
			refTable, from     string
			to                 sql.NullString
			onUpd, onDel, mtch string
		)
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpd, &onDel, &mtch); err != nil {
			return
		}
		t.ForeignKeys = append(t.ForeignKeys, ForeignKey{From: from, RefTable: refTable, To: to.String})
	}
}

// fillRowEstimate is best effort; a slow or failing count leaves the zero value.
func fillRowEstimate(ctx context.Context, db *sql.DB, t *Table) {
	var n int64
	if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %q", t.Name)).Scan(&n); err == nil {
		t.RowEstimate = n
	}
}

// mapDeclaredType folds SQLite's free-form declared types onto the small
// semantic set, following SQLite's own affinity rules.
func mapDeclaredType(decl string) ColumnType {
	d := strings.ToUpper(decl)
	switch {
	case d == "":
		return TypeUnknown
	case strings.Contains(d, "INT"):
		return TypeInt
	case strings.Contains(d, "CHAR"), strings.Contains(d, "CLOB"), strings.Contains(d, "TEXT"):
		return TypeText
	case strings.Contains(d, "BLOB"):
		return TypeBlob
	case strings.Contains(d, "REAL"), strings.Contains(d, "FLOA"), strings.Contains(d, "DOUB"),
		strings.Contains(d, "NUM"), strings.Contains(d, "DEC"):
		return TypeReal
	default:
		return TypeUnknown
	}
}

// attachMeanings loads <id>_column_meaning_base.json next to the database, if
// present, and attaches meanings to matching columns. Keys are
// "db|table|column"; values are either strings or {"column_meaning": ...}.
func attachMeanings(id, dir string, tables []Table) {
	data, err := os.ReadFile(filepath.Join(dir, id+"_column_meaning_base.json"))
	if err != nil {
		return
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	meanings := make(map[string]string, len(raw))
	for key, val := range raw {
		var s string
		if err := json.Unmarshal(val, &s); err == nil {
			meanings[key] = s
			continue
		}
		var obj struct {
			ColumnMeaning string `json:"column_meaning"`
		}
		if err := json.Unmarshal(val, &obj); err == nil && obj.ColumnMeaning != "" {
			meanings[key] = obj.ColumnMeaning
		}
	}
	for ti := range tables {
		for ci := range tables[ti].Columns {
			key := id + "|" + tables[ti].Name + "|" + tables[ti].Columns[ci].Name
			if m, ok := meanings[key]; ok {
				tables[ti].Columns[ci].Meaning = m
			}
		}
	}
}
