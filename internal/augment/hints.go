package augment

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/catalog"
)

// Hints exposes the terms of a per-database <id>_retrieval_index.json
// sidecar for routing. The sidecar is a JSON object keyed by term; values
// (weights or table lists) are ignored here.
type Hints struct {
	store  *catalog.Store
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string][]string
}

// NewHints creates a hint provider over the catalog store.
func NewHints(store *catalog.Store, logger *zap.Logger) *Hints {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hints{store: store, logger: logger, cache: make(map[string][]string)}
}

// Terms returns the sidecar terms for dbID in sorted order, or nil.
func (h *Hints) Terms(dbID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if terms, ok := h.cache[dbID]; ok {
		return terms
	}

	entry := h.store.Snapshot().Entry(dbID)
	if entry == nil {
		return nil
	}
	path := filepath.Join(filepath.Dir(entry.Path), dbID+"_retrieval_index.json")
	data, err := os.ReadFile(path)
	if err != nil {
		h.cache[dbID] = nil
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		h.logger.Warn("retrieval index sidecar unusable", zap.String("path", path), zap.Error(err))
		h.cache[dbID] = nil
		return nil
	}
	terms := make([]string, 0, len(obj))
	for term := range obj {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	h.cache[dbID] = terms
	return terms
}
