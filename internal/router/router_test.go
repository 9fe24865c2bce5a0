package router

import (
	"context"
	"errors"
	"testing"

	"github.com/hyperjump/kotae/internal/catalog"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/models"
)

func testCatalog() *catalog.Catalog {
	return catalog.New([]*catalog.Entry{
		{
			ID:   "credit",
			Name: "credit",
			Tables: []catalog.Table{
				{Name: "core_record", Columns: []catalog.Column{{Name: "decidestat"}, {Name: "amount"}}},
				{Name: "applicant", Columns: []catalog.Column{{Name: "name"}}},
			},
		},
		{
			ID:   "fleet",
			Name: "fleet",
			Tables: []catalog.Table{
				{Name: "vehicle", Columns: []catalog.Column{{Name: "plate"}, {Name: "mileage"}}},
			},
		},
	})
}

func newRouter(mutate func(*config.RouterConfig)) *Router {
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg.Router)
	}
	return New(&cfg.Router, nil)
}

type stubModel struct {
	resp  string
	err   error
	calls int
}

func (s *stubModel) Complete(_ context.Context, _, _ string) (string, error) {
	s.calls++
	return s.resp, s.err
}

func TestRoute_Heuristic(t *testing.T) {
	r := newRouter(nil)
	d, q, err := r.Route(context.Background(), testCatalog(), "average mileage per vehicle")
	if err != nil {
		t.Fatal(err)
	}
	if d.DatabaseID != "fleet" || d.Method != models.RouteHeuristic {
		t.Errorf("decision = %+v, want heuristic fleet", d)
	}
	if d.Confidence <= 0 || d.Confidence > 1 {
		t.Errorf("Confidence = %v, want in (0,1]", d.Confidence)
	}
	if q != "average mileage per vehicle" {
		t.Errorf("question = %q, want unchanged", q)
	}
}

func TestRoute_Override(t *testing.T) {
	r := newRouter(nil)
	d, q, err := r.Route(context.Background(), testCatalog(), "DB=fleet how many applicants")
	if err != nil {
		t.Fatal(err)
	}
	if d.DatabaseID != "fleet" || d.Method != models.RouteOverride || d.Confidence != 1.0 {
		t.Errorf("decision = %+v, want override fleet confidence 1", d)
	}
	if q != "how many applicants" {
		t.Errorf("question = %q, want marker stripped", q)
	}
}

func TestRoute_UnknownOverrideFallsThrough(t *testing.T) {
	r := newRouter(nil)
	d, q, err := r.Route(context.Background(), testCatalog(), "DB=nosuch average vehicle mileage")
	if err != nil {
		t.Fatal(err)
	}
	if d.DatabaseID != "fleet" || d.Method != models.RouteHeuristic {
		t.Errorf("decision = %+v, want heuristic fleet", d)
	}
	if q != "average vehicle mileage" {
		t.Errorf("question = %q, want marker stripped", q)
	}
}

func TestRoute_NoMatchUsesDefault(t *testing.T) {
	r := newRouter(func(c *config.RouterConfig) { c.DefaultDatabase = "fleet" })
	d, _, err := r.Route(context.Background(), testCatalog(), "weather tomorrow")
	if err != nil {
		t.Fatal(err)
	}
	if d.DatabaseID != "fleet" || d.Method != models.RouteDefault || d.Confidence != 0 {
		t.Errorf("decision = %+v, want default fleet confidence 0", d)
	}
}

func TestRoute_NoMatchWithoutConfiguredDefault(t *testing.T) {
	r := newRouter(nil)
	d, _, err := r.Route(context.Background(), testCatalog(), "weather tomorrow")
	if err != nil {
		t.Fatal(err)
	}
	// first id in sorted order
	if d.DatabaseID != "credit" || d.Method != models.RouteDefault {
		t.Errorf("decision = %+v, want default credit", d)
	}
}

func TestRoute_EmptyCatalog(t *testing.T) {
	r := newRouter(nil)
	if _, _, err := r.Route(context.Background(), catalog.New(nil), "anything"); !errors.Is(err, ErrEmptyCatalog) {
		t.Errorf("err = %v, want ErrEmptyCatalog", err)
	}
}

func TestRoute_Tiebreak(t *testing.T) {
	cat := catalog.New([]*catalog.Entry{
		{ID: "alpha", Name: "alpha", Tables: []catalog.Table{{Name: "orders"}}},
		{ID: "beta", Name: "beta", Tables: []catalog.Table{{Name: "orders"}}},
	})
	r := newRouter(nil)
	d, _, err := r.Route(context.Background(), cat, "count orders")
	if err != nil {
		t.Fatal(err)
	}
	if d.DatabaseID != "alpha" || !d.TiebreakApplied {
		t.Errorf("decision = %+v, want alpha with tiebreak", d)
	}
}

func TestRoute_Deterministic(t *testing.T) {
	cat := testCatalog()
	question := "average mileage per vehicle"

	r := newRouter(nil)
	first, _, err := r.Route(context.Background(), cat, question)
	if err != nil {
		t.Fatal(err)
	}
	// repeated calls on the same router hit the cached signature index
	for i := 0; i < 5; i++ {
		d, _, err := r.Route(context.Background(), cat, question)
		if err != nil {
			t.Fatal(err)
		}
		if d.DatabaseID != first.DatabaseID || d.Confidence != first.Confidence || d.Method != first.Method {
			t.Fatalf("call %d: decision = %+v, want %+v", i, d, first)
		}
	}
	// a fresh router rebuilds the index from the same catalog
	for i := 0; i < 3; i++ {
		d, _, err := newRouter(nil).Route(context.Background(), cat, question)
		if err != nil {
			t.Fatal(err)
		}
		if d.DatabaseID != first.DatabaseID || d.Confidence != first.Confidence || d.Method != first.Method {
			t.Fatalf("rebuild %d: decision = %+v, want %+v", i, d, first)
		}
	}
}

func TestRoute_FallbackConsultedBelowThreshold(t *testing.T) {
	model := &stubModel{resp: `{"db_id": "credit", "confidence": 0.8}`}
	r := newRouter(func(c *config.RouterConfig) {
		c.ConfidenceThreshold = 0.99
		c.AllowLLMFallback = true
	}).WithFallback(model)

	d, _, err := r.Route(context.Background(), testCatalog(), "average mileage per vehicle")
	if err != nil {
		t.Fatal(err)
	}
	if model.calls != 1 {
		t.Fatalf("fallback calls = %d, want 1", model.calls)
	}
	if d.DatabaseID != "credit" || d.Method != models.RouteLLM || d.Confidence != 0.8 {
		t.Errorf("decision = %+v, want llm credit 0.8", d)
	}
}

func TestRoute_FallbackFailureKeepsHeuristic(t *testing.T) {
	tests := []struct {
		name  string
		model *stubModel
	}{
		{"transport error", &stubModel{err: errors.New("connection refused")}},
		{"no json", &stubModel{resp: "the fleet database looks right"}},
		{"unknown db", &stubModel{resp: `{"db_id": "nosuch", "confidence": 0.9}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(func(c *config.RouterConfig) {
				c.ConfidenceThreshold = 0.99
				c.AllowLLMFallback = true
			}).WithFallback(tt.model)
			d, _, err := r.Route(context.Background(), testCatalog(), "average mileage per vehicle")
			if err != nil {
				t.Fatal(err)
			}
			if d.DatabaseID != "fleet" || d.Method != models.RouteHeuristic {
				t.Errorf("decision = %+v, want heuristic fleet kept", d)
			}
		})
	}
}

func TestRoute_FallbackSkippedAboveThreshold(t *testing.T) {
	model := &stubModel{resp: `{"db_id": "credit", "confidence": 0.9}`}
	r := newRouter(func(c *config.RouterConfig) {
		c.ConfidenceThreshold = 0.01
		c.AllowLLMFallback = true
	}).WithFallback(model)
	if _, _, err := r.Route(context.Background(), testCatalog(), "average mileage per vehicle"); err != nil {
		t.Fatal(err)
	}
	if model.calls != 0 {
		t.Errorf("fallback calls = %d, want 0", model.calls)
	}
}

type stubOntology struct{ extra []string }

func (s *stubOntology) Expand(tokens []string) []string { return append(tokens, s.extra...) }

func TestRoute_OntologyExpansion(t *testing.T) {
	r := newRouter(nil).WithOntology(&stubOntology{extra: []string{"vehicle"}})
	d, _, err := r.Route(context.Background(), testCatalog(), "how many cars")
	if err != nil {
		t.Fatal(err)
	}
	if d.DatabaseID != "fleet" {
		t.Errorf("DatabaseID = %q, want fleet via expanded token", d.DatabaseID)
	}
}
