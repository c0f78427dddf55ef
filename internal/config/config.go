// Package config loads corpusd configuration from YAML with environment
// variable overrides. Precedence: defaults < config file < CORPUSD_* env.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete corpusd configuration.
type Config struct {
	Version  int            `yaml:"version" json:"version"`
	DataDir  string         `yaml:"data_dir" json:"data_dir"`
	Dedupe   DedupeConfig   `yaml:"dedupe" json:"dedupe"`
	Chunking ChunkingConfig `yaml:"chunking" json:"chunking"`
	Index    IndexConfig    `yaml:"index" json:"index"`
	Search   SearchConfig   `yaml:"search" json:"search"`
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline"`
	Server   ServerConfig   `yaml:"server" json:"server"`
	LogLevel string         `yaml:"log_level" json:"log_level"`
}

// DedupeConfig configures near-duplicate detection.
type DedupeConfig struct {
	// Fingerprint selects the signature algorithm: "simhash" (fast,
	// 64-bit) or "minhash" (128 permutations, better Jaccard estimates).
	Fingerprint string `yaml:"fingerprint" json:"fingerprint"`

	// Threshold is the similarity above which a document is a duplicate.
	// Range 0-1. Applies to Hamming similarity for simhash and estimated
	// Jaccard for minhash.
	Threshold float64 `yaml:"threshold" json:"threshold"`

	// Bands is the number of LSH bands the signature is split into.
	Bands int `yaml:"bands" json:"bands"`

	// ShingleSize is the token shingle width fed into fingerprints.
	ShingleSize int `yaml:"shingle_size" json:"shingle_size"`
}

// ChunkingConfig configures the document splitter.
type ChunkingConfig struct {
	// WindowTokens is the target chunk size in tokens.
	WindowTokens int `yaml:"window_tokens" json:"window_tokens"`

	// OverlapTokens is how many tokens consecutive chunks share.
	OverlapTokens int `yaml:"overlap_tokens" json:"overlap_tokens"`

	// BoundarySlack is how far (in tokens) a window may shrink to end on
	// a sentence or paragraph break instead of a hard cut.
	BoundarySlack int `yaml:"boundary_slack" json:"boundary_slack"`
}

// IndexConfig configures the dual index.
type IndexConfig struct {
	// LexicalBackend selects the lexical index: "bleve" (default) or
	// "sqlite" (FTS5, concurrent multi-process access).
	LexicalBackend string `yaml:"lexical_backend" json:"lexical_backend"`

	// Dimensions is the embedding dimension (default from the embedder).
	Dimensions int `yaml:"dimensions" json:"dimensions"`

	// SnapshotInterval is how often the vector index is snapshotted to
	// durable storage. Zero disables periodic snapshots.
	SnapshotInterval time.Duration `yaml:"snapshot_interval" json:"snapshot_interval"`

	// EmbedWorkers is the worker pool size for embedding computation.
	EmbedWorkers int `yaml:"embed_workers" json:"embed_workers"`
}

// SearchConfig configures hybrid retrieval.
type SearchConfig struct {
	// LexicalWeight is the RRF weight for BM25 keyword matching.
	LexicalWeight float64 `yaml:"lexical_weight" json:"lexical_weight"`

	// VectorWeight is the RRF weight for vector similarity.
	VectorWeight float64 `yaml:"vector_weight" json:"vector_weight"`

	// RRFConstant is the RRF smoothing parameter k (default 60).
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`

	// FusionPoolSize is how many candidates each sub-search contributes
	// before fusion, independent of the query's k.
	FusionPoolSize int `yaml:"fusion_pool_size" json:"fusion_pool_size"`

	// MaxK caps the per-query result count.
	MaxK int `yaml:"max_k" json:"max_k"`

	// CacheSize is the number of retrieval results kept in the cache.
	CacheSize int `yaml:"cache_size" json:"cache_size"`

	// CacheTTL caps cache entry lifetime. Epoch comparison keeps cached
	// results correct; the TTL only bounds memory for idle corpora.
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// PipelineConfig configures ingestion workers and redelivery.
type PipelineConfig struct {
	// Workers is the per-stage worker pool size.
	Workers int `yaml:"workers" json:"workers"`

	// MaxDeliveries is how many times an event is delivered before it is
	// routed to the dead-letter topic.
	MaxDeliveries int `yaml:"max_deliveries" json:"max_deliveries"`

	// SpoolDir is watched for normalized document JSON files when set.
	SpoolDir string `yaml:"spool_dir" json:"spool_dir"`
}

// ServerConfig configures the retrieval API.
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`

	// RateLimit is requests per second allowed per server (0 = unlimited).
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`

	// Burst is the rate limiter burst size.
	Burst int `yaml:"burst" json:"burst"`

	// ShutdownGrace is how long in-flight requests get on shutdown.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
}

// New returns a Config with defaults.
func New() *Config {
	return &Config{
		Version: 1,
		DataDir: defaultDataDir(),
		Dedupe: DedupeConfig{
			Fingerprint: "simhash",
			Threshold:   0.85,
			Bands:       8,
			ShingleSize: 3,
		},
		Chunking: ChunkingConfig{
			WindowTokens:  512,
			OverlapTokens: 64,
			BoundarySlack: 48,
		},
		Index: IndexConfig{
			LexicalBackend:   "bleve",
			Dimensions:       0, // auto-detect from embedder
			SnapshotInterval: 5 * time.Minute,
			EmbedWorkers:     runtime.NumCPU(),
		},
		Search: SearchConfig{
			LexicalWeight:  0.35,
			VectorWeight:   0.65,
			RRFConstant:    60,
			FusionPoolSize: 50,
			MaxK:           100,
			CacheSize:      1024,
			CacheTTL:       10 * time.Minute,
		},
		Pipeline: PipelineConfig{
			Workers:       runtime.NumCPU(),
			MaxDeliveries: 4,
		},
		Server: ServerConfig{
			Addr:          ":8765",
			RateLimit:     50,
			Burst:         100,
			ShutdownGrace: 10 * time.Second,
		},
		LogLevel: "info",
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".corpusd")
	}
	return filepath.Join(home, ".corpusd")
}

// Load loads configuration: defaults, then the YAML file at path (skipped
// when path is empty or missing), then CORPUSD_* env overrides, then
// validation.
func Load(path string) (*Config, error) {
	cfg := New()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies CORPUSD_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CORPUSD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CORPUSD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CORPUSD_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("CORPUSD_DEDUPE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Dedupe.Threshold = f
		}
	}
	if v := os.Getenv("CORPUSD_FINGERPRINT"); v != "" {
		c.Dedupe.Fingerprint = v
	}
	if v := os.Getenv("CORPUSD_LEXICAL_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Search.LexicalWeight = f
		}
	}
	if v := os.Getenv("CORPUSD_VECTOR_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Search.VectorWeight = f
		}
	}
	if v := os.Getenv("CORPUSD_RRF_CONSTANT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Search.RRFConstant = n
		}
	}
	if v := os.Getenv("CORPUSD_LEXICAL_BACKEND"); v != "" {
		c.Index.LexicalBackend = v
	}
	if v := os.Getenv("CORPUSD_SPOOL_DIR"); v != "" {
		c.Pipeline.SpoolDir = v
	}
}

// Validate checks ranges and clamps soft limits. Hard misconfiguration
// returns an error; recoverable values are clamped to their bounds.
func (c *Config) Validate() error {
	switch c.Dedupe.Fingerprint {
	case "simhash", "minhash":
	default:
		return fmt.Errorf("dedupe.fingerprint must be simhash or minhash, got %q", c.Dedupe.Fingerprint)
	}
	if c.Dedupe.Threshold <= 0 || c.Dedupe.Threshold > 1 {
		return fmt.Errorf("dedupe.threshold must be in (0,1], got %v", c.Dedupe.Threshold)
	}
	if c.Dedupe.Bands <= 0 {
		c.Dedupe.Bands = 8
	}
	if c.Dedupe.ShingleSize <= 0 {
		c.Dedupe.ShingleSize = 3
	}

	if c.Chunking.WindowTokens <= 0 {
		return fmt.Errorf("chunking.window_tokens must be positive, got %d", c.Chunking.WindowTokens)
	}
	if c.Chunking.OverlapTokens < 0 || c.Chunking.OverlapTokens >= c.Chunking.WindowTokens {
		return fmt.Errorf("chunking.overlap_tokens must be in [0, window), got %d", c.Chunking.OverlapTokens)
	}
	if c.Chunking.BoundarySlack < 0 {
		c.Chunking.BoundarySlack = 0
	}

	switch c.Index.LexicalBackend {
	case "bleve", "sqlite":
	default:
		return fmt.Errorf("index.lexical_backend must be bleve or sqlite, got %q", c.Index.LexicalBackend)
	}
	if c.Index.EmbedWorkers <= 0 {
		c.Index.EmbedWorkers = runtime.NumCPU()
	}

	if c.Search.LexicalWeight < 0 || c.Search.VectorWeight < 0 {
		return fmt.Errorf("search weights must be non-negative")
	}
	if sum := c.Search.LexicalWeight + c.Search.VectorWeight; sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("search weights must sum to 1.0, got %v", sum)
	}
	if c.Search.RRFConstant <= 0 {
		c.Search.RRFConstant = 60
	}
	if c.Search.FusionPoolSize <= 0 {
		c.Search.FusionPoolSize = 50
	}
	if c.Search.MaxK <= 0 {
		c.Search.MaxK = 100
	}
	if c.Search.CacheSize <= 0 {
		c.Search.CacheSize = 1024
	}
	if c.Search.CacheTTL <= 0 {
		c.Search.CacheTTL = 10 * time.Minute
	}

	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = runtime.NumCPU()
	}
	if c.Pipeline.MaxDeliveries <= 0 {
		c.Pipeline.MaxDeliveries = 4
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8765"
	}
	if c.Server.Burst <= 0 {
		c.Server.Burst = 100
	}
	if c.Server.ShutdownGrace <= 0 {
		c.Server.ShutdownGrace = 10 * time.Second
	}
	return nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
