package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/kotae/internal/catalog"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/llm"
	"github.com/hyperjump/kotae/internal/models"
)

// scriptedClient returns canned replies in order, one per call.
type scriptedClient struct {
	replies []string
	errs    []error
	calls   int
}

func (s *scriptedClient) Complete(_ context.Context, _, _ string) (string, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i < len(s.replies) {
		return s.replies[i], nil
	}
	return "", fmt.Errorf("unexpected call %d", i)
}

func testStore(t *testing.T) *catalog.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credit.sqlite")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	stmts := []string{
		`CREATE TABLE core_record (id INTEGER PRIMARY KEY, decidestat TEXT, amount REAL)`,
		`INSERT INTO core_record (decidestat, amount) VALUES ('APPROVE', 10.5), ('DENY', 3.0), ('APPROVE', 7.0)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatal(err)
		}
	}
	entry := &catalog.Entry{
		ID:   "credit",
		Name: "credit",
		Path: path,
		Tables: []catalog.Table{{
			Name: "core_record",
			Columns: []catalog.Column{
				{Name: "id", DeclaredType: catalog.TypeInt, PrimaryKey: true},
				{Name: "decidestat", DeclaredType: catalog.TypeText},
				{Name: "amount", DeclaredType: catalog.TypeReal},
			},
		}},
	}
	return catalog.NewStore(catalog.New([]*catalog.Entry{entry}))
}

// storeWithRows builds a catalog around one core_record table holding n rows.
func storeWithRows(t *testing.T, n int) *catalog.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credit.sqlite")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE core_record (id INTEGER PRIMARY KEY, decidestat TEXT)`); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		if _, err := db.Exec(`INSERT INTO core_record (decidestat) VALUES ('APPROVE')`); err != nil {
			t.Fatal(err)
		}
	}
	entry := &catalog.Entry{
		ID:   "credit",
		Name: "credit",
		Path: path,
		Tables: []catalog.Table{{
			Name: "core_record",
			Columns: []catalog.Column{
				{Name: "id", DeclaredType: catalog.TypeInt, PrimaryKey: true},
				{Name: "decidestat", DeclaredType: catalog.TypeText},
			},
		}},
	}
	return catalog.NewStore(catalog.New([]*catalog.Entry{entry}))
}

func newPipeline(t *testing.T, client llm.Client) *Pipeline {
	t.Helper()
	p := New(config.Default(), testStore(t), client, nil, nil, nil)
	t.Cleanup(func() { p.Close() })
	return p
}

func ask(p *Pipeline, question string) *models.AskResponse {
	return p.Ask(context.Background(), []models.Message{{Role: "user", Content: question}}, "")
}

func TestAsk(t *testing.T) {
	client := &scriptedClient{replies: []string{
		"```sql\nSELECT COUNT(*) AS n FROM core_record WHERE decidestat = 'APPROVE'\n```",
	}}
	resp := ask(newPipeline(t, client), "how many approved core records")

	if resp.Error != "" {
		t.Fatalf("Error = %q (stage %s)", resp.Error, resp.Stage)
	}
	if resp.DatabaseID != "credit" {
		t.Errorf("DatabaseID = %q, want credit", resp.DatabaseID)
	}
	if !strings.HasSuffix(resp.SQL, "LIMIT 50") {
		t.Errorf("SQL = %q, want default limit appended", resp.SQL)
	}
	if len(resp.Rows) != 1 || resp.Rows[0][0] != "2" {
		t.Errorf("Rows = %v, want [[2]]", resp.Rows)
	}
	if !strings.Contains(resp.Answer, "**DB:** `credit`") || !strings.Contains(resp.Answer, "| n |") {
		t.Errorf("Answer missing markdown blocks:\n%s", resp.Answer)
	}
	for _, stage := range []string{StageNormalize, StageRoute, StageSchema, StageGenerate, StageValidate, StageExecute, StageRender} {
		if _, ok := resp.TimingMs[stage]; !ok {
			t.Errorf("TimingMs missing stage %s: %v", stage, resp.TimingMs)
		}
	}
	if client.calls != 1 {
		t.Errorf("model calls = %d, want 1", client.calls)
	}
}

func TestAsk_RepairAfterRejection(t *testing.T) {
	client := &scriptedClient{replies: []string{
		"UPDATE core_record SET amount = 0",
		"SELECT COUNT(*) FROM core_record",
	}}
	resp := ask(newPipeline(t, client), "count core records")

	if resp.Error != "" {
		t.Fatalf("Error = %q (stage %s)", resp.Error, resp.Stage)
	}
	if client.calls != 2 {
		t.Errorf("model calls = %d, want 2", client.calls)
	}
	if len(resp.Rows) != 1 || resp.Rows[0][0] != "3" {
		t.Errorf("Rows = %v, want [[3]]", resp.Rows)
	}
}

func TestAsk_SecondRejectionIsFinal(t *testing.T) {
	client := &scriptedClient{replies: []string{
		"DELETE FROM core_record",
		"DROP TABLE core_record",
	}}
	resp := ask(newPipeline(t, client), "count core records")

	if resp.Stage != StageValidate || resp.Error == "" {
		t.Errorf("Stage = %q, Error = %q, want validate failure", resp.Stage, resp.Error)
	}
	if client.calls != 2 {
		t.Errorf("model calls = %d, want 2 (no third attempt)", client.calls)
	}
	if !strings.HasPrefix(resp.Answer, "ERROR [validate]:") {
		t.Errorf("Answer = %q", resp.Answer)
	}
}

func TestAsk_RepairAfterExecutionError(t *testing.T) {
	client := &scriptedClient{replies: []string{
		"SELECT COUNT(*) FROM record",
		"SELECT COUNT(*) FROM core_record",
	}}
	resp := ask(newPipeline(t, client), "count core records")

	if resp.Error != "" {
		t.Fatalf("Error = %q (stage %s)", resp.Error, resp.Stage)
	}
	if client.calls != 2 {
		t.Errorf("model calls = %d, want 2", client.calls)
	}
}

func TestAsk_SecondExecutionErrorIsFinal(t *testing.T) {
	client := &scriptedClient{replies: []string{
		"SELECT COUNT(*) FROM record",
		"SELECT COUNT(*) FROM still_wrong",
	}}
	resp := ask(newPipeline(t, client), "count core records")

	if resp.Stage != StageExecute || resp.Error == "" {
		t.Errorf("Stage = %q, Error = %q, want execute failure", resp.Stage, resp.Error)
	}
	if client.calls != 2 {
		t.Errorf("model calls = %d, want 2", client.calls)
	}
}

func TestAsk_RetryAfterEndpointFailure(t *testing.T) {
	client := &scriptedClient{
		errs:    []error{fmt.Errorf("%w: connection refused", llm.ErrUnavailable)},
		replies: []string{"", "SELECT COUNT(*) FROM core_record"},
	}
	resp := ask(newPipeline(t, client), "count core records")

	if resp.Error != "" {
		t.Fatalf("Error = %q (stage %s)", resp.Error, resp.Stage)
	}
	if client.calls != 2 {
		t.Errorf("model calls = %d, want 2", client.calls)
	}
}

func TestAsk_DirectSQL(t *testing.T) {
	client := &scriptedClient{}
	resp := ask(newPipeline(t, client),
		"DB=credit SQL: SELECT decidestat FROM core_record ORDER BY id")

	if resp.Error != "" {
		t.Fatalf("Error = %q (stage %s)", resp.Error, resp.Stage)
	}
	if client.calls != 0 {
		t.Errorf("model calls = %d, want 0 in direct mode", client.calls)
	}
	if resp.DatabaseID != "credit" || len(resp.Rows) != 3 {
		t.Errorf("resp = db %q rows %v", resp.DatabaseID, resp.Rows)
	}
	if !strings.HasSuffix(resp.SQL, "LIMIT 50") {
		t.Errorf("SQL = %q, want guard limit applied in direct mode", resp.SQL)
	}
}

func TestAsk_DirectSQLRejected(t *testing.T) {
	resp := ask(newPipeline(t, &scriptedClient{}), "SQL: DROP TABLE core_record")
	if resp.Stage != StageValidate {
		t.Errorf("Stage = %q, want validate", resp.Stage)
	}
}

func TestAsk_EmptyQuestion(t *testing.T) {
	p := newPipeline(t, &scriptedClient{})
	resp := p.Ask(context.Background(), nil, "")
	if resp.Stage != StageNormalize || resp.Error == "" {
		t.Errorf("Stage = %q, Error = %q, want normalize failure", resp.Stage, resp.Error)
	}
	if resp.RequestID == "" {
		t.Error("failed response carries no request id")
	}
	if _, ok := resp.TimingMs[StageNormalize]; !ok {
		t.Errorf("TimingMs missing %s: %v", StageNormalize, resp.TimingMs)
	}
}

func TestAsk_TruncatedAtAppliedLimit(t *testing.T) {
	client := &scriptedClient{replies: []string{"SELECT id FROM core_record ORDER BY id"}}
	p := New(config.Default(), storeWithRows(t, 60), client, nil, nil, nil)
	t.Cleanup(func() { p.Close() })
	resp := ask(p, "list core records")

	if resp.Error != "" {
		t.Fatalf("Error = %q (stage %s)", resp.Error, resp.Stage)
	}
	if !strings.HasSuffix(resp.SQL, "LIMIT 50") {
		t.Errorf("SQL = %q, want default limit appended", resp.SQL)
	}
	if len(resp.Rows) != 50 {
		t.Fatalf("rows = %d, want 50", len(resp.Rows))
	}
	if !resp.Truncated {
		t.Error("Truncated = false, want true when rows were cut at the limit")
	}
	if !strings.Contains(resp.Answer, "truncated at 50 rows") {
		t.Errorf("Answer missing truncation note:\n%s", resp.Answer)
	}
}

func TestAsk_ExactLimitNotTruncated(t *testing.T) {
	client := &scriptedClient{replies: []string{"SELECT id FROM core_record ORDER BY id"}}
	p := New(config.Default(), storeWithRows(t, 50), client, nil, nil, nil)
	t.Cleanup(func() { p.Close() })
	resp := ask(p, "list core records")

	if resp.Error != "" {
		t.Fatalf("Error = %q (stage %s)", resp.Error, resp.Stage)
	}
	if len(resp.Rows) != 50 {
		t.Fatalf("rows = %d, want 50", len(resp.Rows))
	}
	if resp.Truncated {
		t.Error("Truncated = true, want false when the table holds exactly the limit")
	}
}

func TestAsk_DatabasesShortcut(t *testing.T) {
	client := &scriptedClient{}
	resp := ask(newPipeline(t, client), "dbs")
	if resp.Error != "" {
		t.Fatalf("Error = %q", resp.Error)
	}
	if client.calls != 0 {
		t.Errorf("model calls = %d, want 0", client.calls)
	}
	if !strings.Contains(resp.Answer, "`credit`") {
		t.Errorf("Answer = %q, want database listing", resp.Answer)
	}
}

func TestDatabases(t *testing.T) {
	p := newPipeline(t, &scriptedClient{})
	out := p.Databases()
	if !strings.Contains(out, "`credit`") {
		t.Errorf("Databases() = %q", out)
	}
}
