// Package pipeline orchestrates one question through routing, schema
// rendering, SQL generation, validation, execution, and rendering.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/augment"
	"github.com/hyperjump/kotae/internal/catalog"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/execute"
	"github.com/hyperjump/kotae/internal/generate"
	"github.com/hyperjump/kotae/internal/guard"
	"github.com/hyperjump/kotae/internal/llm"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/normalize"
	"github.com/hyperjump/kotae/internal/render"
	"github.com/hyperjump/kotae/internal/router"
	"github.com/hyperjump/kotae/internal/schema"
	"github.com/hyperjump/kotae/internal/trace"
)

// Pipeline stage names, in execution order.
const (
	StageNormalize = "normalize"
	StageRoute     = "route"
	StageSchema    = "schema"
	StageGenerate  = "generate"
	StageValidate  = "validate"
	StageExecute   = "execute"
	StageRender    = "render"
)

// maxAttempts bounds model round trips per request: the first generation
// plus at most one corrective regeneration.
const maxAttempts = 2

// directSQLRe marks a request that carries its own SQL instead of a question.
var directSQLRe = regexp.MustCompile(`(?is)\bsql\s*:\s*`)

// StageError is a failure attributed to one pipeline stage.
type StageError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Reason)
}

func (e *StageError) Unwrap() error { return e.Err }

// Options carries the optional capability providers.
type Options struct {
	Policy   schema.RolePolicy
	Ontology router.Ontology
	Hints    router.HintProvider
}

// Pipeline wires the stages together. Safe for concurrent use; every
// request works against the catalog snapshot taken when it enters.
type Pipeline struct {
	cfg        *config.Config
	store      *catalog.Store
	normalizer *normalize.Normalizer
	router     *router.Router
	renderer   *schema.Renderer
	generator  *generate.Generator
	guard      *guard.Guard
	executor   *execute.Executor
	kb         *augment.KB
	logger     *zap.Logger
}

// New builds a pipeline. client serves SQL generation; routerClient serves
// the routing fallback and may equal client. opts may be nil.
func New(cfg *config.Config, store *catalog.Store, client, routerClient llm.Client, opts *Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts == nil {
		opts = &Options{}
	}

	rt := router.New(&cfg.Router, logger)
	if routerClient != nil {
		rt.WithFallback(routerClient)
	}
	if opts.Ontology != nil {
		rt.WithOntology(opts.Ontology)
	}
	if opts.Hints != nil {
		rt.WithHints(opts.Hints)
	}

	renderer := schema.New(&cfg.Schema)
	if opts.Policy != nil {
		renderer.WithPolicy(opts.Policy)
	}

	p := &Pipeline{
		cfg:        cfg,
		store:      store,
		normalizer: normalize.New(&cfg.Question),
		router:     rt,
		renderer:   renderer,
		generator:  generate.New(client, logger),
		guard:      guard.New(&cfg.Guard),
		executor:   execute.New(&cfg.Executor, cfg.Guard.MaxRowsHard, logger),
		logger:     logger,
	}
	if cfg.Augment.EnableKB {
		p.kb = augment.NewKB(&cfg.Augment, logger)
	}
	return p
}

// Close releases pooled connections and indexes.
func (p *Pipeline) Close() error {
	err := p.executor.Close()
	if p.kb != nil {
		if kerr := p.kb.Close(); err == nil {
			err = kerr
		}
	}
	return err
}

// Databases renders the current catalog listing.
func (p *Pipeline) Databases() string {
	return render.Databases(p.store.Snapshot())
}

// Ask runs one request end to end. Failures land in the response's Error
// and Stage fields; the returned response is always usable.
func (p *Pipeline) Ask(ctx context.Context, messages []models.Message, roleOverride string) *models.AskResponse {
	started := time.Now()
	req, err := p.normalizer.Normalize(messages, roleOverride)
	normMs := float64(time.Since(started)) / float64(time.Millisecond)
	if err != nil {
		rid := normalize.NewRequestID()
		tr := trace.New(rid, p.logger)
		tr.Record(StageNormalize, normMs)
		return failedResponse(rid, tr, &StageError{
			Stage: StageNormalize, Reason: "no usable question", Err: err,
		})
	}

	switch strings.ToLower(strings.TrimSpace(req.Question)) {
	case "dbs", "list dbs", "databases":
		return &models.AskResponse{RequestID: req.ID, Answer: p.Databases()}
	}

	tr := trace.New(req.ID, p.logger)
	tr.Record(StageNormalize, normMs)
	resp, serr := p.run(ctx, req, tr)
	if serr != nil {
		p.logger.Warn("request failed",
			zap.String("rid", req.ID),
			zap.String("stage", serr.Stage),
			zap.String("reason", serr.Reason),
			zap.Error(serr.Err))
		return failedResponse(req.ID, tr, serr)
	}
	p.logger.Debug("request complete",
		zap.String("rid", req.ID),
		zap.Strings("stages", tr.Stages()))
	return resp
}

func (p *Pipeline) run(ctx context.Context, req *models.Request, tr *trace.Trace) (*models.AskResponse, *StageError) {
	cat := p.store.Snapshot()

	question := req.Question
	directSQL := ""
	if m := directSQLRe.FindStringIndex(question); m != nil {
		directSQL = strings.TrimSpace(question[m[1]:])
		question = strings.TrimSpace(question[:m[0]])
	}

	stopRoute := tr.Span(StageRoute)
	decision, question, err := p.router.Route(ctx, cat, question)
	stopRoute()
	if err != nil {
		return nil, &StageError{Stage: StageRoute, Reason: "routing failed", Err: err}
	}
	entry := cat.Entry(decision.DatabaseID)
	if entry == nil {
		return nil, &StageError{Stage: StageRoute, Reason: "routed to unknown database " + decision.DatabaseID}
	}
	p.logger.Info("routed",
		zap.String("rid", req.ID),
		zap.String("db", decision.DatabaseID),
		zap.String("method", string(decision.Method)),
		zap.Float64("confidence", decision.Confidence))

	if directSQL != "" {
		return p.runDirect(ctx, req, tr, entry, directSQL)
	}

	stopSchema := tr.Span(StageSchema)
	rendered := p.renderer.Render(entry, question, req.Role)
	in := &generate.Input{
		Question:   question,
		DatabaseID: entry.ID,
		Schema:     rendered.Text,
	}
	if p.cfg.Augment.EnableColumnMeanings {
		in.Meanings = schema.Meanings(entry, rendered.Tables, p.cfg.Augment.ColumnMeaningsChars)
	}
	var knowledge []string
	if notes := augment.SchemaNotes(entry, p.cfg.Augment.KBMaxChars); notes != "" {
		knowledge = append(knowledge, notes)
	}
	if p.kb != nil {
		if snippets := p.kb.Snippets(entry, question); snippets != "" {
			knowledge = append(knowledge, snippets)
		}
	}
	in.Knowledge = strings.Join(knowledge, "\n")
	stopSchema()
	if rendered.Text == "" {
		return nil, &StageError{Stage: StageSchema, Reason: "no schema visible for role " + req.Role}
	}

	query, serr := p.generateFirst(ctx, tr, in)
	if serr != nil {
		return nil, serr
	}

	verdict, query, serr := p.validate(ctx, tr, in, query)
	if serr != nil {
		return nil, serr
	}

	result, verdict, serr := p.execute(ctx, tr, in, entry, query, verdict)
	if serr != nil {
		return nil, serr
	}

	stopRender := tr.Span(StageRender)
	answer := render.Markdown(entry.ID, verdict.NormalizedSQL, result)
	stopRender()

	return &models.AskResponse{
		RequestID:  req.ID,
		DatabaseID: entry.ID,
		SQL:        verdict.NormalizedSQL,
		Columns:    result.Columns,
		Rows:       result.Rows,
		Truncated:  result.Truncated,
		Answer:     answer,
		TimingMs:   tr.Timings(),
	}, nil
}

// runDirect executes user-provided SQL. The guard still applies; there is
// no model involved and nothing to repair.
func (p *Pipeline) runDirect(ctx context.Context, req *models.Request, tr *trace.Trace, entry *catalog.Entry, sqlText string) (*models.AskResponse, *StageError) {
	stopValidate := tr.Span(StageValidate)
	verdict := p.guard.Check(sqlText)
	stopValidate()
	if !verdict.Accepted {
		return nil, &StageError{Stage: StageValidate, Reason: verdict.RejectionReason}
	}

	stopExecute := tr.Span(StageExecute)
	result, err := p.executor.Run(ctx, entry, verdict.ExecSQL, verdict.AppliedLimit)
	stopExecute()
	if err != nil {
		return nil, &StageError{Stage: StageExecute, Reason: "query failed", Err: err}
	}

	stopRender := tr.Span(StageRender)
	answer := render.Markdown(entry.ID, verdict.NormalizedSQL, result)
	stopRender()

	return &models.AskResponse{
		RequestID:  req.ID,
		DatabaseID: entry.ID,
		SQL:        verdict.NormalizedSQL,
		Columns:    result.Columns,
		Rows:       result.Rows,
		Truncated:  result.Truncated,
		Answer:     answer,
		TimingMs:   tr.Timings(),
	}, nil
}

// generateFirst makes the initial generation attempt, retrying once when
// the completion endpoint is unreachable.
func (p *Pipeline) generateFirst(ctx context.Context, tr *trace.Trace, in *generate.Input) (*models.GeneratedQuery, *StageError) {
	stop := tr.Span(StageGenerate)
	defer stop()

	query, err := p.generator.Generate(ctx, in)
	if err != nil && errors.Is(err, llm.ErrUnavailable) {
		p.logger.Debug("generation retry after transport failure", zap.Error(err))
		query, err = p.generator.Generate(ctx, in)
	}
	if err != nil {
		return nil, &StageError{Stage: StageGenerate, Reason: "sql generation failed", Err: err}
	}
	return query, nil
}

// validate checks the candidate, allowing one corrective regeneration when
// the guard rejects it and the attempt budget is not spent.
func (p *Pipeline) validate(ctx context.Context, tr *trace.Trace, in *generate.Input, query *models.GeneratedQuery) (*models.SafetyVerdict, *models.GeneratedQuery, *StageError) {
	stopValidate := tr.Span(StageValidate)
	verdict := p.guard.Check(query.RawText)
	stopValidate()
	if verdict.Accepted {
		return verdict, query, nil
	}
	if query.Attempt >= maxAttempts {
		return nil, nil, &StageError{Stage: StageValidate, Reason: verdict.RejectionReason}
	}

	p.logger.Info("regenerating after rejection", zap.String("reason", verdict.RejectionReason))
	stopGen := tr.Span(StageGenerate)
	repaired, err := p.generator.Repair(ctx, in, query.RawText, "rejected: "+verdict.RejectionReason, query.Attempt+1)
	stopGen()
	if err != nil {
		return nil, nil, &StageError{Stage: StageGenerate, Reason: "sql regeneration failed", Err: err}
	}

	stopValidate = tr.Span(StageValidate)
	verdict = p.guard.Check(repaired.RawText)
	stopValidate()
	if !verdict.Accepted {
		return nil, nil, &StageError{Stage: StageValidate, Reason: verdict.RejectionReason}
	}
	return verdict, repaired, nil
}

// execute runs the query, allowing one corrective regeneration seeded with
// the engine error when the attempt budget is not spent. The repaired
// statement passes through the guard again before it runs.
func (p *Pipeline) execute(ctx context.Context, tr *trace.Trace, in *generate.Input, entry *catalog.Entry, query *models.GeneratedQuery, verdict *models.SafetyVerdict) (*models.ExecutionResult, *models.SafetyVerdict, *StageError) {
	stopExecute := tr.Span(StageExecute)
	result, err := p.executor.Run(ctx, entry, verdict.ExecSQL, verdict.AppliedLimit)
	stopExecute()
	if err == nil {
		return result, verdict, nil
	}
	if query.Attempt >= maxAttempts {
		return nil, nil, &StageError{Stage: StageExecute, Reason: "query failed", Err: err}
	}

	p.logger.Info("regenerating after execution failure", zap.Error(err))
	stopGen := tr.Span(StageGenerate)
	repaired, rerr := p.generator.Repair(ctx, in, verdict.NormalizedSQL, err.Error(), query.Attempt+1)
	stopGen()
	if rerr != nil {
		return nil, nil, &StageError{Stage: StageExecute, Reason: "query failed", Err: err}
	}

	stopValidate := tr.Span(StageValidate)
	reVerdict := p.guard.Check(repaired.RawText)
	stopValidate()
	if !reVerdict.Accepted {
		return nil, nil, &StageError{Stage: StageValidate, Reason: reVerdict.RejectionReason}
	}

	stopExecute = tr.Span(StageExecute)
	result, err = p.executor.Run(ctx, entry, reVerdict.ExecSQL, reVerdict.AppliedLimit)
	stopExecute()
	if err != nil {
		return nil, nil, &StageError{Stage: StageExecute, Reason: "query failed", Err: err}
	}
	return result, reVerdict, nil
}

func failedResponse(rid string, tr *trace.Trace, serr *StageError) *models.AskResponse {
	resp := &models.AskResponse{
		RequestID: rid,
		Stage:     serr.Stage,
		Error:     serr.Reason,
		Answer:    render.Error(serr.Stage, serr.Reason),
	}
	if serr.Err != nil {
		resp.Error = serr.Reason + ": " + serr.Err.Error()
		resp.Answer = render.Error(serr.Stage, resp.Error)
	}
	if tr != nil {
		resp.TimingMs = tr.Timings()
	}
	return resp
}
