// Package router decides which catalog database a question targets.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/catalog"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/pkg/utils"
)

// ErrEmptyCatalog is returned when there is no database to route to.
var ErrEmptyCatalog = errors.New("catalog has no databases")

// overrideRe matches an explicit DB=<id> marker anywhere in the question.
var overrideRe = regexp.MustCompile(`(?i)\bdb\s*=\s*([a-z0-9_]+)`)

// Term weights for the routing index. Database identity outweighs table
// names, which outweigh column names.
const (
	weightDatabase = 4.0
	weightTable    = 3.0
	weightHint     = 2.0
	weightColumn   = 1.0
)

// Model is the completion surface the LLM-assisted fallback needs.
type Model interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Ontology expands question tokens with domain synonyms before scoring.
type Ontology interface {
	Expand(tokens []string) []string
}

// HintProvider supplies extra routing terms for a database, typically from a
// sidecar retrieval index shipped next to the database file.
type HintProvider interface {
	Terms(dbID string) []string
}

// Router scores the question against a per-database term index and picks the
// best match, consulting the fallback model when the heuristic is unsure.
// Safe for concurrent use.
type Router struct {
	cfg      *config.RouterConfig
	fallback Model
	ontology Ontology
	hints    HintProvider
	logger   *zap.Logger

	mu    sync.Mutex
	built *catalog.Catalog
	index map[string]map[string]float64
}

// New creates a router. The fallback model, ontology, and hint provider are
// attached with the With methods when available.
func New(cfg *config.RouterConfig, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{cfg: cfg, logger: logger}
}

// WithFallback attaches the LLM-assisted fallback model.
func (r *Router) WithFallback(m Model) *Router { r.fallback = m; return r }

// WithOntology attaches a token expander.
func (r *Router) WithOntology(o Ontology) *Router { r.ontology = o; return r }

// WithHints attaches a routing hint provider.
func (r *Router) WithHints(h HintProvider) *Router { r.hints = h; return r }

// Route picks a database for the question. It returns the decision and the
// question with any DB=<id> marker removed. A question that matches nothing
// routes to the configured default with confidence zero; only an empty
// catalog is an error.
func (r *Router) Route(ctx context.Context, cat *catalog.Catalog, question string) (*models.RoutingDecision, string, error) {
	if cat == nil || cat.Len() == 0 {
		return nil, question, ErrEmptyCatalog
	}

	if m := overrideRe.FindStringSubmatch(question); m != nil {
		cleaned := strings.Join(strings.Fields(overrideRe.ReplaceAllString(question, " ")), " ")
		id := strings.ToLower(m[1])
		if cat.Entry(id) != nil {
			return &models.RoutingDecision{
				DatabaseID: id,
				Confidence: 1.0,
				Method:     models.RouteOverride,
			}, cleaned, nil
		}
		r.logger.Warn("ignoring unknown database override", zap.String("db", id))
		question = cleaned
	}

	tokens := utils.Tokenize(question)
	if r.ontology != nil {
		tokens = r.ontology.Expand(tokens)
	}

	ranked := r.rank(cat, tokens)
	if len(ranked) == 0 || ranked[0].score == 0 {
		return r.defaultDecision(cat), question, nil
	}

	decision := &models.RoutingDecision{
		DatabaseID: ranked[0].id,
		Confidence: confidence(ranked[0].score, len(tokens)),
		Method:     models.RouteHeuristic,
	}
	if len(ranked) > 1 && ranked[1].score == ranked[0].score {
		decision.TiebreakApplied = true
	}

	if decision.Confidence < r.cfg.ConfidenceThreshold && r.cfg.AllowLLMFallback && r.fallback != nil {
		if d := r.consultFallback(ctx, cat, ranked, question); d != nil {
			return d, question, nil
		}
	}
	return decision, question, nil
}

type candidate struct {
	id    string
	score float64
}

// rank scores every database and orders by score descending, then id
// ascending so equal scores resolve deterministically.
func (r *Router) rank(cat *catalog.Catalog, tokens []string) []candidate {
	index := r.indexFor(cat)
	ranked := make([]candidate, 0, cat.Len())
	for _, id := range cat.IDs() {
		var score float64
		terms := index[id]
		for _, tok := range tokens {
			score += terms[tok]
		}
		ranked = append(ranked, candidate{id: id, score: score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].id < ranked[j].id
	})
	return ranked
}

// confidence normalizes a raw overlap score onto [0,1]. A question whose
// every token hits database-identity terms scores 1.
func confidence(score float64, tokenCount int) float64 {
	if tokenCount == 0 {
		return 0
	}
	c := score / (weightDatabase * float64(tokenCount))
	if c > 1 {
		return 1
	}
	return c
}

func (r *Router) defaultDecision(cat *catalog.Catalog) *models.RoutingDecision {
	id := r.cfg.DefaultDatabase
	if id == "" || cat.Entry(id) == nil {
		id = cat.IDs()[0]
	}
	return &models.RoutingDecision{DatabaseID: id, Confidence: 0, Method: models.RouteDefault}
}

// indexFor returns the term index for the snapshot, rebuilding it only when
// the snapshot changed. Snapshots are immutable so pointer identity suffices.
func (r *Router) indexFor(cat *catalog.Catalog) map[string]map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.built == cat && r.index != nil {
		return r.index
	}
	index := make(map[string]map[string]float64, cat.Len())
	for _, id := range cat.IDs() {
		entry := cat.Entry(id)
		terms := map[string]float64{}
		add := func(text string, weight float64) {
			for _, tok := range utils.Tokenize(text) {
				if terms[tok] < weight {
					terms[tok] = weight
				}
			}
		}
		add(entry.ID, weightDatabase)
		add(entry.Name, weightDatabase)
		for _, t := range entry.Tables {
			add(t.Name, weightTable)
			for _, c := range t.Columns {
				add(c.Name, weightColumn)
			}
		}
		if r.hints != nil {
			for _, term := range r.hints.Terms(id) {
				add(term, weightHint)
			}
		}
		index[id] = terms
	}
	r.built = cat
	r.index = index
	return index
}

const fallbackSystem = "You route analytics questions to the most relevant database. " +
	"Answer with a single JSON object and nothing else."

// consultFallback asks the model to choose among the top candidates. Any
// failure keeps the heuristic decision; the fallback never makes routing fatal.
func (r *Router) consultFallback(ctx context.Context, cat *catalog.Catalog, ranked []candidate, question string) *models.RoutingDecision {
	topK := r.cfg.TopK
	if topK <= 0 || topK > len(ranked) {
		topK = len(ranked)
	}

	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n\nDatabases:\n")
	for _, c := range ranked[:topK] {
		entry := cat.Entry(c.id)
		b.WriteString("- ")
		b.WriteString(c.id)
		b.WriteString(": tables ")
		b.WriteString(strings.Join(entry.TableNames(), ", "))
		b.WriteString("\n")
	}
	b.WriteString("\nReply with {\"db_id\": \"<id>\", \"confidence\": <0.0-1.0>}.")

	raw, err := r.fallback.Complete(ctx, fallbackSystem, b.String())
	if err != nil {
		r.logger.Debug("routing fallback unavailable", zap.Error(err))
		return nil
	}
	var parsed struct {
		DBID       string  `json:"db_id"`
		Confidence float64 `json:"confidence"`
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		r.logger.Debug("routing fallback returned no JSON", zap.String("raw", utils.Truncate(raw, 200)))
		return nil
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		r.logger.Debug("routing fallback returned bad JSON", zap.Error(err))
		return nil
	}
	if cat.Entry(parsed.DBID) == nil {
		r.logger.Debug("routing fallback picked unknown database", zap.String("db", parsed.DBID))
		return nil
	}
	conf := parsed.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return &models.RoutingDecision{DatabaseID: parsed.DBID, Confidence: conf, Method: models.RouteLLM}
}
