package augment

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperjump/kotae/internal/catalog"
)

// SchemaNotes returns the free-text <id>_schema_notes.txt sidecar next to
// the database file, trimmed and capped at maxChars. Returns "" when absent.
func SchemaNotes(entry *catalog.Entry, maxChars int) string {
	path := filepath.Join(filepath.Dir(entry.Path), entry.ID+"_schema_notes.txt")
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	s := strings.TrimSpace(string(data))
	if maxChars > 0 && len(s) > maxChars {
		s = strings.TrimSpace(s[:maxChars])
	}
	return s
}
