// Package config provides configuration loading and structs for the kotae server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application. It is built once at
// process start and passed by reference into component constructors; no
// component reads environment state after that.
type Config struct {
	Debug    bool           `yaml:"debug"`
	Server   ServerConfig   `yaml:"server"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Router   RouterConfig   `yaml:"router"`
	Schema   SchemaConfig   `yaml:"schema"`
	Question QuestionConfig `yaml:"question"`
	Guard    GuardConfig    `yaml:"guard"`
	Executor ExecutorConfig `yaml:"executor"`
	LLM      LLMConfig      `yaml:"llm"`
	Augment  AugmentConfig  `yaml:"augment"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// CatalogConfig holds database discovery settings.
type CatalogConfig struct {
	// Root is the directory scanned recursively for SQLite files.
	Root string `yaml:"root"`
	// Extensions lists file extensions treated as SQLite databases.
	Extensions []string `yaml:"extensions"`
	// TemplateSuffixes lists file name suffixes to skip (template databases).
	TemplateSuffixes []string `yaml:"template_suffixes"`
	// Watch enables fsnotify-driven catalog reload when files under Root change.
	Watch bool `yaml:"watch"`
}

// RouterConfig holds database routing settings.
type RouterConfig struct {
	// ConfidenceThreshold is the normalized heuristic score below which the
	// LLM-assisted fallback is consulted.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// AllowLLMFallback enables the LLM-assisted fallback router.
	AllowLLMFallback bool `yaml:"allow_llm_fallback"`
	// DefaultDatabase receives requests whose question matches nothing.
	DefaultDatabase string `yaml:"default_database"`
	// TopK caps how many candidates are offered to the fallback router.
	TopK int `yaml:"top_k"`
}

// SchemaConfig holds schema slimming settings. The caps are a tunable
// accuracy/cost trade-off; raising them toward "full schema" is safe.
type SchemaConfig struct {
	TopTables  int `yaml:"top_tables"`
	MaxColumns int `yaml:"max_columns"`
	// MaxRelatedTables caps foreign-key neighbors appended after ranking.
	MaxRelatedTables int `yaml:"max_related_tables"`
	// FullSchemaMaxChars sends the complete schema when its rendering fits.
	// Negative disables the full-schema shortcut.
	FullSchemaMaxChars int `yaml:"full_schema_max_chars"`
}

// QuestionConfig holds inbound question handling settings.
type QuestionConfig struct {
	MaxChars               int  `yaml:"max_chars"`
	UseLastUserMessageOnly bool `yaml:"use_last_user_message_only"`
	// DefaultRole applies when the payload carries no role override.
	DefaultRole string `yaml:"default_role"`
}

// GuardConfig holds the SQL safety policy limits.
type GuardConfig struct {
	MaxRowsDefault int `yaml:"max_rows_default"`
	MaxRowsHard    int `yaml:"max_rows_hard"`
}

// ExecutorConfig holds execution bounds.
type ExecutorConfig struct {
	TimeoutMs int `yaml:"timeout_ms"`
}

// LLMConfig holds the completion endpoint settings. The endpoint speaks the
// Ollama /api/chat protocol.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// RouterModel optionally overrides Model for the routing fallback.
	RouterModel string `yaml:"router_model"`
	APIKey      string `yaml:"api_key"`
	TimeoutS    int    `yaml:"timeout_s"`
}

// AugmentConfig holds optional sidecar augmentation settings.
type AugmentConfig struct {
	EnableColumnMeanings bool `yaml:"enable_column_meanings"`
	EnableKB             bool `yaml:"enable_kb"`
	KBTopK               int  `yaml:"kb_top_k"`
	KBMaxChars           int  `yaml:"kb_max_chars"`
	ColumnMeaningsChars  int  `yaml:"column_meanings_max_chars"`
	// RolePolicyPath and OntologyPath point at the external capability
	// provider artifacts; empty disables the provider.
	RolePolicyPath string `yaml:"role_policy_path"`
	OntologyPath   string `yaml:"ontology_path"`
}

// ApplyDefaults fills zero values with working defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Catalog.Root == "" {
		cfg.Catalog.Root = "./data"
	}
	if len(cfg.Catalog.Extensions) == 0 {
		cfg.Catalog.Extensions = []string{".sqlite", ".db", ".sqlite3"}
	}
	if len(cfg.Catalog.TemplateSuffixes) == 0 {
		cfg.Catalog.TemplateSuffixes = []string{"_template.sqlite", "_template.db", "_template.sqlite3"}
	}
	if cfg.Router.ConfidenceThreshold == 0 {
		cfg.Router.ConfidenceThreshold = 0.15
	}
	if cfg.Router.TopK == 0 {
		cfg.Router.TopK = 10
	}
	if cfg.Schema.TopTables == 0 {
		cfg.Schema.TopTables = 10
	}
	if cfg.Schema.MaxColumns == 0 {
		cfg.Schema.MaxColumns = 80
	}
	if cfg.Schema.MaxRelatedTables == 0 {
		cfg.Schema.MaxRelatedTables = 10
	}
	if cfg.Schema.FullSchemaMaxChars == 0 {
		cfg.Schema.FullSchemaMaxChars = 14000
	}
	if cfg.Question.MaxChars == 0 {
		cfg.Question.MaxChars = 1600
	}
	if cfg.Guard.MaxRowsDefault == 0 {
		cfg.Guard.MaxRowsDefault = 50
	}
	if cfg.Guard.MaxRowsHard == 0 {
		cfg.Guard.MaxRowsHard = 500
	}
	if cfg.Executor.TimeoutMs == 0 {
		cfg.Executor.TimeoutMs = 15000
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "http://localhost:11434"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "llama3.1:latest"
	}
	if cfg.LLM.TimeoutS == 0 {
		cfg.LLM.TimeoutS = 120
	}
	if cfg.Augment.KBTopK == 0 {
		cfg.Augment.KBTopK = 6
	}
	if cfg.Augment.KBMaxChars == 0 {
		cfg.Augment.KBMaxChars = 2500
	}
	if cfg.Augment.ColumnMeaningsChars == 0 {
		cfg.Augment.ColumnMeaningsChars = 3500
	}
}

// Load reads and parses the config file at path, applies defaults, and
// expands relative paths. Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Catalog.Root = expandPath(cfg.Catalog.Root, configDir)
	if cfg.Augment.RolePolicyPath != "" {
		cfg.Augment.RolePolicyPath = expandPath(cfg.Augment.RolePolicyPath, configDir)
	}
	if cfg.Augment.OntologyPath != "" {
		cfg.Augment.OntologyPath = expandPath(cfg.Augment.OntologyPath, configDir)
	}

	return &cfg, nil
}

// Default returns a config with all defaults applied, for use without a file.
func Default() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return &cfg
}

// expandPath converts a path to absolute. Paths starting with "./" are
// relative to configDir; other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
