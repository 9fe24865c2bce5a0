package models

// GeneratedQuery is the raw generator output for one attempt.
// Attempt is 1 for the initial generation, 2 for the single corrective retry.
type GeneratedQuery struct {
	RawText string `json:"raw_text"`
	Attempt int    `json:"attempt"`
}

// SafetyVerdict is the guard's decision on a candidate statement. An accepted
// verdict is the only value the executor may consume.
type SafetyVerdict struct {
	Accepted      bool   `json:"accepted"`
	NormalizedSQL string `json:"normalized_sql,omitempty"`
	// AppliedLimit is the outer row limit in effect after normalization.
	// Zero when the limit expression is not a numeric literal.
	AppliedLimit int `json:"applied_limit,omitempty"`
	// ExecSQL is the variant the executor runs: its outer LIMIT is one above
	// AppliedLimit so an overflowing result can be told apart from a full page.
	ExecSQL         string `json:"-"`
	RejectionReason string `json:"rejection_reason,omitempty"`
}
