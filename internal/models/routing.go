package models

// RouteMethod says how a routing decision was reached.
type RouteMethod string

const (
	// RouteHeuristic is the fast token-overlap path.
	RouteHeuristic RouteMethod = "heuristic"
	// RouteLLM is the LLM-assisted fallback.
	RouteLLM RouteMethod = "llm"
	// RouteOverride is an explicit DB=<id> override in the question.
	RouteOverride RouteMethod = "override"
	// RouteDefault is the configured fallback when nothing matched.
	RouteDefault RouteMethod = "default"
)

// RoutingDecision is produced exactly once per request by the router.
type RoutingDecision struct {
	DatabaseID      string      `json:"database_id"`
	Confidence      float64     `json:"confidence"`
	Method          RouteMethod `json:"method"`
	TiebreakApplied bool        `json:"tiebreak_applied,omitempty"`
}
