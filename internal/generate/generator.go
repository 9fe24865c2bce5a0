// Package generate turns a question plus schema context into candidate SQL.
package generate

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/llm"
	"github.com/hyperjump/kotae/internal/models"
)

const systemPrompt = `You translate natural language questions into SQLite SQL.
Rules:
- Reply with exactly one SQL statement and nothing else.
- The statement must be a SELECT or start with WITH.
- Never end the statement with a semicolon.
- Use only the tables and columns listed in the schema.
- Prefer explicit column lists over SELECT * when the question names fields.`

var (
	fenceRe  = regexp.MustCompile("(?s)```(?:sql|sqlite)?\\s*(.*?)```")
	prefixRe = regexp.MustCompile(`(?i)^\s*(?:sql|query|answer)\s*:\s*`)
)

// Input carries everything the prompt needs for one generation.
type Input struct {
	Question   string
	DatabaseID string
	Schema     string
	// Meanings and Knowledge are optional advisory context.
	Meanings  string
	Knowledge string
}

// Generator produces SQL through the completion client. One call makes one
// model round trip; retry policy lives with the caller.
type Generator struct {
	client llm.Client
	logger *zap.Logger
}

// New creates a generator over the given client.
func New(client llm.Client, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{client: client, logger: logger}
}

// Generate asks for a first SQL candidate.
func (g *Generator) Generate(ctx context.Context, in *Input) (*models.GeneratedQuery, error) {
	return g.complete(ctx, g.userPrompt(in), 1)
}

// Repair asks for a corrected statement after badSQL failed with problem.
// The previous attempt and the failure stay in the prompt so the model does
// not repeat the mistake.
func (g *Generator) Repair(ctx context.Context, in *Input, badSQL, problem string, attempt int) (*models.GeneratedQuery, error) {
	var b strings.Builder
	b.WriteString(g.userPrompt(in))
	b.WriteString("\n\nYour previous statement:\n")
	b.WriteString(badSQL)
	b.WriteString("\n\nIt failed with:\n")
	b.WriteString(problem)
	b.WriteString("\n\nReturn a corrected statement.")
	return g.complete(ctx, b.String(), attempt)
}

func (g *Generator) complete(ctx context.Context, user string, attempt int) (*models.GeneratedQuery, error) {
	raw, err := g.client.Complete(ctx, systemPrompt, user)
	if err != nil {
		return nil, fmt.Errorf("sql generation: %w", err)
	}
	sqlText := ExtractSQL(raw)
	if sqlText == "" {
		return nil, fmt.Errorf("sql generation: model returned no statement")
	}
	g.logger.Debug("sql generated", zap.Int("attempt", attempt), zap.Int("chars", len(sqlText)))
	return &models.GeneratedQuery{RawText: sqlText, Attempt: attempt}, nil
}

func (g *Generator) userPrompt(in *Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Database: %s\n\nSchema:\n%s\n", in.DatabaseID, in.Schema)
	if in.Meanings != "" {
		b.WriteString("\nColumn meanings:\n")
		b.WriteString(in.Meanings)
		b.WriteString("\n")
	}
	if in.Knowledge != "" {
		b.WriteString("\nDomain knowledge:\n")
		b.WriteString(in.Knowledge)
		b.WriteString("\n")
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(in.Question)
	return b.String()
}

// ExtractSQL pulls the statement out of a model reply: the first fenced code
// block when present, otherwise the whole reply, with any leading "SQL:"
// style prefix removed.
func ExtractSQL(raw string) string {
	text := raw
	if m := fenceRe.FindStringSubmatch(raw); m != nil {
		text = m[1]
	}
	text = prefixRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
