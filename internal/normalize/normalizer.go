// Package normalize turns the inbound conversational payload into a clean,
// bounded request context.
package normalize

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/models"
)

// ErrEmptyQuestion is returned when no usable text remains after sanitizing.
var ErrEmptyQuestion = errors.New("no usable question text")

var (
	fencedBlockRe  = regexp.MustCompile("(?s)```.*?```")
	noiseLineRe    = regexp.MustCompile(`(?im)^\s*(TIMING|INFO:|DEBUG:|WARNING:|ERROR:)\b.*$`)
	priorResultRe  = regexp.MustCompile(`(?is)\*\*(DB|SQL|Result)[:*].*`)
	questionTailRe = regexp.MustCompile(`(?is)\b(?:frage|question)\s*:\s*`)
	spaceRe        = regexp.MustCompile(`\s+`)
)

// Normalizer builds request contexts from conversational payloads.
type Normalizer struct {
	cfg *config.QuestionConfig
}

// New creates a normalizer with the given question handling settings.
func New(cfg *config.QuestionConfig) *Normalizer {
	return &Normalizer{cfg: cfg}
}

// Normalize extracts the question and effective role from the payload. The
// role override in the payload wins over the configured default. Returns
// ErrEmptyQuestion when nothing usable remains.
func (n *Normalizer) Normalize(messages []models.Message, roleOverride string) (*models.Request, error) {
	question := n.pickQuestion(messages)
	question = sanitize(question)
	question = capChars(question, n.cfg.MaxChars)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	role := roleOverride
	if role == "" {
		role = n.cfg.DefaultRole
	}

	return &models.Request{
		ID:         uuid.NewString(),
		Question:   question,
		Role:       role,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// pickQuestion selects the text to work with: the most recent user message
// when configured, otherwise all user messages joined in order.
func (n *Normalizer) pickQuestion(messages []models.Message) string {
	if n.cfg.UseLastUserMessageOnly {
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == "user" && strings.TrimSpace(messages[i].Content) != "" {
				return messages[i].Content
			}
		}
		return ""
	}
	var parts []string
	for _, m := range messages {
		if m.Role == "user" && strings.TrimSpace(m.Content) != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// sanitize strips fenced code blocks, pipeline output noise, and previously
// rendered results, keeps the last pasted "Question:" block, and collapses
// whitespace.
func sanitize(s string) string {
	if m := questionTailRe.FindAllStringIndex(s, -1); len(m) > 0 {
		s = s[m[len(m)-1][1]:]
	}
	s = noiseLineRe.ReplaceAllString(s, " ")
	s = priorResultRe.ReplaceAllString(s, " ")
	s = fencedBlockRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// capChars keeps the trailing maxChars characters: the most recent part of a
// long transcript carries the actual question.
func capChars(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	return strings.TrimSpace(s[len(s)-maxChars:])
}

// NewRequestID returns a fresh request identifier.
func NewRequestID() string {
	return uuid.NewString()
}
