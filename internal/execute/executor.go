// Package execute runs validated SQL against catalog databases over
// read-only connections with a time and row bound.
package execute

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/catalog"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/models"
)

// Executor holds one lazily opened read-only pool per database file.
// Safe for concurrent use.
type Executor struct {
	cfg     *config.ExecutorConfig
	hardCap int
	logger  *zap.Logger

	mu    sync.Mutex
	pools map[string]*sql.DB
}

// New creates an executor. hardCap is the absolute row ceiling; results are
// truncated there regardless of the query's own LIMIT.
func New(cfg *config.ExecutorConfig, hardCap int, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:     cfg,
		hardCap: hardCap,
		logger:  logger,
		pools:   make(map[string]*sql.DB),
	}
}

// Run executes sqlText against the entry's database and collects rows as
// display strings. The query is cancelled at the configured timeout. maxRows
// is the caller's row limit; zero means only the hard cap bounds the result.
// When the engine yields a row beyond the effective limit the result is
// truncated, not failed. Callers that want overflow detected must pass a
// statement whose own LIMIT exceeds maxRows, as guard verdicts do.
func (e *Executor) Run(ctx context.Context, entry *catalog.Entry, sqlText string, maxRows int) (*models.ExecutionResult, error) {
	limit := e.hardCap
	if maxRows > 0 && maxRows < limit {
		limit = maxRows
	}

	db, err := e.pool(entry.Path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.TimeoutMs)*time.Millisecond)
	defer cancel()

	start := time.Now()
	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	result := &models.ExecutionResult{Columns: cols}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if len(result.Rows) >= limit {
			result.Truncated = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("query failed: %w", err)
		}
		row := make([]string, len(cols))
		for i, v := range values {
			row[i] = formatCell(v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	result.ElapsedMs = time.Since(start).Milliseconds()

	e.logger.Debug("query executed",
		zap.String("db", entry.ID),
		zap.Int("rows", len(result.Rows)),
		zap.Bool("truncated", result.Truncated),
		zap.Int64("elapsed_ms", result.ElapsedMs))
	return result, nil
}

// Close closes every open pool. The executor is unusable afterwards.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var first error
	for path, db := range e.pools {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
		delete(e.pools, path)
	}
	return first
}

func (e *Executor) pool(path string) (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if db, ok := e.pools[path]; ok {
		return db, nil
	}
	db, err := sql.Open("sqlite3", catalog.ReadOnlyDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	e.pools[path] = db
	return db, nil
}

// formatCell renders one scanned value for display. NULL renders empty.
func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
