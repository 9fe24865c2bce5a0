// Package augment loads optional sidecar artifacts shipped next to database
// files: domain knowledge, routing hints, role policies, and an ontology.
// Everything here is advisory; a missing or broken sidecar never fails a
// request.
package augment

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/catalog"
	"github.com/hyperjump/kotae/internal/config"
)

// kbDoc is one indexed knowledge line.
type kbDoc struct {
	Text string `json:"text"`
}

// KB retrieves question-relevant snippets from a per-database
// <id>_kb.jsonl sidecar through an in-memory full-text index. Indexes are
// built lazily on first use and kept for the process lifetime.
type KB struct {
	cfg    *config.AugmentConfig
	logger *zap.Logger

	mu      sync.Mutex
	indexes map[string]bleve.Index
}

// NewKB creates the knowledge retriever.
func NewKB(cfg *config.AugmentConfig, logger *zap.Logger) *KB {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KB{cfg: cfg, logger: logger, indexes: make(map[string]bleve.Index)}
}

// Snippets returns up to cfg.KBTopK knowledge lines matching the question,
// newline-joined and capped at cfg.KBMaxChars. Returns "" when the database
// has no knowledge sidecar or nothing matches.
func (k *KB) Snippets(entry *catalog.Entry, question string) string {
	idx := k.indexFor(entry)
	if idx == nil {
		return ""
	}

	query := bleve.NewMatchQuery(question)
	req := bleve.NewSearchRequest(query)
	req.Size = k.cfg.KBTopK
	req.Fields = []string{"text"}
	res, err := idx.Search(req)
	if err != nil {
		k.logger.Debug("knowledge search failed", zap.String("db", entry.ID), zap.Error(err))
		return ""
	}

	var b strings.Builder
	for _, hit := range res.Hits {
		text, _ := hit.Fields["text"].(string)
		if text == "" {
			continue
		}
		line := "- " + text + "\n"
		if k.cfg.KBMaxChars > 0 && b.Len()+len(line) > k.cfg.KBMaxChars {
			break
		}
		b.WriteString(line)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Close releases every built index.
func (k *KB) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var first error
	for id, idx := range k.indexes {
		if idx == nil {
			continue
		}
		if err := idx.Close(); err != nil && first == nil {
			first = err
		}
		delete(k.indexes, id)
	}
	return first
}

// indexFor returns the knowledge index for the entry, building it on first
// use. A nil cache entry records "no sidecar" so the file is not re-probed.
func (k *KB) indexFor(entry *catalog.Entry) bleve.Index {
	k.mu.Lock()
	defer k.mu.Unlock()
	if idx, ok := k.indexes[entry.ID]; ok {
		return idx
	}

	path := filepath.Join(filepath.Dir(entry.Path), entry.ID+"_kb.jsonl")
	idx, err := buildKBIndex(path)
	if err != nil {
		if !os.IsNotExist(err) {
			k.logger.Warn("knowledge sidecar unusable", zap.String("path", path), zap.Error(err))
		}
		k.indexes[entry.ID] = nil
		return nil
	}
	count, _ := idx.DocCount()
	k.logger.Info("knowledge sidecar indexed", zap.String("db", entry.ID), zap.Uint64("lines", count))
	k.indexes[entry.ID] = idx
	return idx
}

func buildKBIndex(path string) (bleve.Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		text := knowledgeText(line)
		if text == "" {
			continue
		}
		n++
		if err := idx.Index(fmt.Sprintf("kb-%d", n), kbDoc{Text: text}); err != nil {
			idx.Close()
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		idx.Close()
		return nil, err
	}
	return idx, nil
}

// knowledgeText extracts the display text from one JSONL line. Known field
// names are tried first; otherwise every string value joins in key order.
func knowledgeText(line string) string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		// Plain text lines index as-is.
		return line
	}
	for _, key := range []string{"knowledge", "text", "content", "description"} {
		if s, ok := obj[key].(string); ok && s != "" {
			return s
		}
	}
	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var parts []string
	for _, key := range keys {
		if s, ok := obj[key].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}
