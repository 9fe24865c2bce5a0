// Package trace records per-stage timings for one request.
package trace

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Trace accumulates stage durations for a single request. Stages are
// recorded append-only; recording the same stage twice keeps the sum.
// Safe for concurrent use.
type Trace struct {
	rid    string
	logger *zap.Logger

	mu     sync.Mutex
	order  []string
	byName map[string]float64
}

// New creates a trace for the request id.
func New(rid string, logger *zap.Logger) *Trace {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trace{rid: rid, logger: logger, byName: make(map[string]float64)}
}

// Span starts timing a stage and returns the stop function.
func (t *Trace) Span(stage string) func() {
	start := time.Now()
	return func() {
		t.Record(stage, float64(time.Since(start))/float64(time.Millisecond))
	}
}

// Record adds ms to the stage's accumulated time.
func (t *Trace) Record(stage string, ms float64) {
	t.mu.Lock()
	if _, seen := t.byName[stage]; !seen {
		t.order = append(t.order, stage)
	}
	t.byName[stage] += ms
	t.mu.Unlock()

	t.logger.Debug("stage timing",
		zap.String("rid", t.rid),
		zap.String("stage", stage),
		zap.Float64("ms", ms))
}

// Timings returns a copy of the accumulated stage times.
func (t *Trace) Timings() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.byName))
	for stage, ms := range t.byName {
		out[stage] = ms
	}
	return out
}

// Stages returns the stage names in first-recorded order.
func (t *Trace) Stages() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}
