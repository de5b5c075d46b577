package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the knowledge base.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Chunking    ChunkingConfig    `yaml:"chunking"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Lexical     LexicalConfig     `yaml:"lexical"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Rerank      RerankConfig      `yaml:"rerank"`
	Budget      BudgetConfig      `yaml:"budget"`
	Ingestion   IngestionConfig   `yaml:"ingestion"`
	Security    SecurityConfig    `yaml:"security"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// StorageConfig locates the relational store and the vector index.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type ObjectStoreConfig struct {
	BasePath    string `yaml:"base_path"`
	MaxFileSize int64  `yaml:"max_file_size"`
}

// ChunkingConfig selects the chunking strategy at startup.
type ChunkingConfig struct {
	Strategy     string `yaml:"strategy"` // "structure" or "window"
	ChunkTokens  int    `yaml:"chunk_tokens"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
}

// EmbeddingConfig holds embedding configuration.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"` // "openai", "ollama", "hash"
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	Dimension int    `yaml:"dimension"`
	BatchSize int    `yaml:"batch_size"`
	CacheSize int    `yaml:"cache_size"`
}

type LexicalConfig struct {
	K1 float64 `yaml:"k1"`
	B  float64 `yaml:"b"`
}

// RetrievalConfig holds query-path parameters.
type RetrievalConfig struct {
	TopKRaw             int           `yaml:"top_k_raw"`
	TopM                int           `yaml:"top_m"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"` // 0 disables
	ChannelTimeout      time.Duration `yaml:"channel_timeout"`
	QueryTimeout        time.Duration `yaml:"query_timeout"`
}

type RerankConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Provider  string        `yaml:"provider"` // "cohere", "overlap"
	Model     string        `yaml:"model"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
}

// BudgetConfig holds context budget parameters.
type BudgetConfig struct {
	MaxContextTokens   int     `yaml:"max_context_tokens"`
	ChunkMaxTokens     int     `yaml:"chunk_max_tokens"`
	CompressionEnabled bool    `yaml:"compression_enabled"`
	CompressionRatio   float64 `yaml:"compression_ratio"`
}

type IngestionConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	MaxJobRetries int           `yaml:"max_job_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	MaxParallel   int           `yaml:"max_parallel"`
	Includes      []string      `yaml:"includes"`
	Excludes      []string      `yaml:"excludes"`
}

type SecurityConfig struct {
	MaxQueryRate int `yaml:"max_query_rate"` // per tenant per minute, 0 disables
	QueryBurst   int `yaml:"query_burst"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Mode  string `yaml:"mode"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: "./data",
		},
		ObjectStore: ObjectStoreConfig{
			BasePath:    "./data/objects",
			MaxFileSize: 100 * 1024 * 1024,
		},
		Chunking: ChunkingConfig{
			Strategy:     "structure",
			ChunkTokens:  300,
			ChunkOverlap: 30,
		},
		Embedding: EmbeddingConfig{
			Provider:  "hash",
			Model:     "text-embedding-3-small",
			APIKeyEnv: "OPENAI_API_KEY",
			Dimension: 1536,
			BatchSize: 32,
			CacheSize: 256,
		},
		Lexical: LexicalConfig{
			K1: 1.2,
			B:  0.75,
		},
		Retrieval: RetrievalConfig{
			TopKRaw:             20,
			TopM:                5,
			SimilarityThreshold: 0.7,
			ChannelTimeout:      3 * time.Second,
			QueryTimeout:        10 * time.Second,
		},
		Rerank: RerankConfig{
			Enabled:   true,
			Provider:  "overlap",
			Model:     "rerank-english-v3.0",
			APIKeyEnv: "COHERE_API_KEY",
			Timeout:   5 * time.Second,
		},
		Budget: BudgetConfig{
			MaxContextTokens:   2048,
			ChunkMaxTokens:     350,
			CompressionEnabled: true,
			CompressionRatio:   0.5,
		},
		Ingestion: IngestionConfig{
			MaxAttempts:   3,
			MaxJobRetries: 3,
			RetryBackoff:  200 * time.Millisecond,
			MaxParallel:   4,
			Includes:      []string{"**/*.md", "**/*.markdown", "**/*.txt"},
			Excludes:      []string{"**/.git/**", "**/node_modules/**"},
		},
		Security: SecurityConfig{
			MaxQueryRate: 100,
			QueryBurst:   10,
		},
		Logging: LoggingConfig{
			Level: "info",
			Mode:  "dev",
		},
	}
}

// Load loads configuration from a YAML file, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromDir loads .env and ragkb.yaml from a directory.
func LoadFromDir(dir string) (*Config, error) {
	envPath := filepath.Join(dir, ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}
	return Load(filepath.Join(dir, "ragkb.yaml"))
}

// applyEnv overrides selected keys from RAGKB_* variables.
func (c *Config) applyEnv() error {
	str := map[string]*string{
		"RAGKB_DATA_DIR":           &c.Storage.DataDir,
		"RAGKB_OBJECT_STORE_PATH":  &c.ObjectStore.BasePath,
		"RAGKB_EMBEDDING_PROVIDER": &c.Embedding.Provider,
		"RAGKB_EMBEDDING_MODEL":    &c.Embedding.Model,
		"RAGKB_LOG_LEVEL":          &c.Logging.Level,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"RAGKB_EMBEDDING_DIMENSION": &c.Embedding.Dimension,
		"RAGKB_MAX_CONTEXT_TOKENS":  &c.Budget.MaxContextTokens,
		"RAGKB_CHUNK_MAX_TOKENS":    &c.Budget.ChunkMaxTokens,
		"RAGKB_TOP_K_RAW":           &c.Retrieval.TopKRaw,
		"RAGKB_TOP_M":               &c.Retrieval.TopM,
		"RAGKB_MAX_QUERY_RATE":      &c.Security.MaxQueryRate,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	if v, ok := os.LookupEnv("RAGKB_COMPRESSION_RATIO"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RAGKB_COMPRESSION_RATIO: %w", err)
		}
		c.Budget.CompressionRatio = f
	}
	return nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Embedding.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("embedding.dimension must be positive"))
	}
	if c.Chunking.ChunkTokens <= 0 {
		errs = append(errs, fmt.Errorf("chunking.chunk_tokens must be positive"))
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkTokens {
		errs = append(errs, fmt.Errorf("chunking.chunk_overlap must be in [0, chunk_tokens)"))
	}
	switch c.Chunking.Strategy {
	case "structure", "window":
	default:
		errs = append(errs, fmt.Errorf("chunking.strategy %q is not one of structure, window", c.Chunking.Strategy))
	}
	if c.Retrieval.TopKRaw <= 0 || c.Retrieval.TopM <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_k_raw and retrieval.top_m must be positive"))
	}
	if c.Retrieval.TopM > c.Retrieval.TopKRaw {
		errs = append(errs, fmt.Errorf("retrieval.top_m (%d) exceeds top_k_raw (%d)", c.Retrieval.TopM, c.Retrieval.TopKRaw))
	}
	if c.Budget.ChunkMaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("budget.chunk_max_tokens must be positive"))
	}
	if c.Budget.MaxContextTokens < c.Budget.ChunkMaxTokens {
		errs = append(errs, fmt.Errorf("budget.max_context_tokens (%d) is below chunk_max_tokens (%d)", c.Budget.MaxContextTokens, c.Budget.ChunkMaxTokens))
	}
	if c.Budget.CompressionRatio <= 0 || c.Budget.CompressionRatio > 1 {
		errs = append(errs, fmt.Errorf("budget.compression_ratio must be in (0, 1]"))
	}
	if c.Ingestion.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("ingestion.max_attempts must be positive"))
	}
	if c.Ingestion.MaxJobRetries < 0 {
		errs = append(errs, fmt.Errorf("ingestion.max_job_retries must not be negative"))
	}
	return errors.Join(errs...)
}

// Encode writes c as YAML.
func (c *Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

// Save writes c to path, refusing to replace an existing file unless
// overwrite is set.
func (c *Config) Save(path string, overwrite bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return err
	}
	if err := c.Encode(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ChunkStorePath returns the path of the relational bbolt file.
func (c *Config) ChunkStorePath() string {
	return filepath.Join(c.Storage.DataDir, "chunks.db")
}

// VectorIndexPath returns the path of the vector index bbolt file.
func (c *Config) VectorIndexPath() string {
	return filepath.Join(c.Storage.DataDir, "vectors.db")
}

// EnsureDataDir creates the data directory.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.Storage.DataDir, 0755)
}
