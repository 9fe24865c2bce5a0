// Package models defines core data structures for requests, routing,
// generated SQL, and execution results.
package models

import "time"

// Message is one entry of the inbound conversational payload.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the per-call context built by the normalizer. It is immutable
// once built and flows read-only through every pipeline stage.
type Request struct {
	ID         string    `json:"id"`
	Question   string    `json:"question"`
	Role       string    `json:"role"`
	ReceivedAt time.Time `json:"received_at"`
}

// AskRequest is the body of POST /api/v1/ask: the raw conversational payload
// plus an optional role override.
type AskRequest struct {
	Messages []Message `json:"messages"`
	Role     string    `json:"role,omitempty"`
}

// AskResponse is the rendered outcome of one pipeline run.
type AskResponse struct {
	RequestID  string             `json:"request_id"`
	DatabaseID string             `json:"database_id,omitempty"`
	SQL        string             `json:"sql,omitempty"`
	Columns    []string           `json:"columns,omitempty"`
	Rows       [][]string         `json:"rows,omitempty"`
	Truncated  bool               `json:"truncated,omitempty"`
	Answer     string             `json:"answer"`
	Error      string             `json:"error,omitempty"`
	Stage      string             `json:"failed_stage,omitempty"`
	TimingMs   map[string]float64 `json:"timing_ms,omitempty"`
}
