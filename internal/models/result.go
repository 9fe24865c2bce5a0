package models

// ExecutionResult holds columns and rows captured positionally from a
// successful read-only execution. Truncated is set when the applied LIMIT
// (or the hard row cap) cut the result off.
type ExecutionResult struct {
	Columns   []string   `json:"columns"`
	Rows      [][]string `json:"rows"`
	Truncated bool       `json:"truncated"`
	ElapsedMs int64      `json:"elapsed_ms"`
}
