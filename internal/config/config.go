// Package config provides unified configuration for all Kestrel commands.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode represents the operation the binary runs.
type Mode string

const (
	ModeServe       Mode = "serve"
	ModeGenerate    Mode = "generate"
	ModeCompute     Mode = "compute"
	ModeMaterialize Mode = "materialize"
	ModeQuery       Mode = "query"
)

// Config holds the unified configuration for all Kestrel commands.
type Config struct {
	// Mode specifies the operation: serve, generate, compute, materialize, query
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// RegistryPath is the path to the feature view registry file
	RegistryPath string `json:"registry_path" yaml:"registry_path"`

	// HTTP configuration for the serving surface
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Compute configuration for the feature computation engine
	Compute ComputeConfig `json:"compute" yaml:"compute"`

	// Offline store configuration
	Offline OfflineConfig `json:"offline" yaml:"offline"`

	// Online store configuration
	Online OnlineConfig `json:"online" yaml:"online"`

	// Materialization configuration
	Materialize MaterializeConfig `json:"materialize" yaml:"materialize"`

	// Storage configuration for segment durability
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the listen address for the feature serving API
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// ComputeConfig holds feature computation configuration.
type ComputeConfig struct {
	// Concurrency is the number of entities computed in parallel (0 = NumCPU)
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// Precision is the number of decimal places floating aggregates are
	// rounded to at emission
	Precision int `json:"precision" yaml:"precision"`
}

// OfflineConfig holds offline store configuration.
type OfflineConfig struct {
	// SegmentDir is the directory for feature row segment files
	SegmentDir string `json:"segment_dir" yaml:"segment_dir"`

	// BloomFalsePositiveRate is the target FPR for per-segment entity filters
	BloomFalsePositiveRate float64 `json:"bloom_fpr" yaml:"bloom_fpr"`
}

// OnlineConfig holds online store configuration.
type OnlineConfig struct {
	// Backend is the online store backend: redis, memory
	Backend string `json:"backend" yaml:"backend"`

	// RedisAddr is the Redis host:port
	RedisAddr string `json:"redis_addr" yaml:"redis_addr"`

	// RedisPassword is the Redis password (empty for none)
	RedisPassword string `json:"redis_password" yaml:"redis_password"`

	// RedisDB is the Redis database number
	RedisDB int `json:"redis_db" yaml:"redis_db"`

	// Namespace prefixes every online key
	Namespace string `json:"namespace" yaml:"namespace"`

	// DialTimeout bounds the initial connection
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`

	// OpTimeout bounds every read/write against the store
	OpTimeout time.Duration `json:"op_timeout" yaml:"op_timeout"`
}

// MaterializeConfig holds materialization configuration.
type MaterializeConfig struct {
	// OpTimeout bounds a single materialization cycle
	OpTimeout time.Duration `json:"op_timeout" yaml:"op_timeout"`
}

// StorageConfig holds object storage configuration for sealed segments.
type StorageConfig struct {
	// Type is the storage type: none, local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:         ModeServe,
		DataDir:      "./data/kestrel",
		RegistryPath: "",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Compute: ComputeConfig{
			Concurrency: 0,
			Precision:   2,
		},
		Offline: OfflineConfig{
			SegmentDir:             "",
			BloomFalsePositiveRate: 0.01,
		},
		Online: OnlineConfig{
			Backend:     "memory",
			RedisAddr:   "localhost:6379",
			Namespace:   "kestrel",
			DialTimeout: 5 * time.Second,
			OpTimeout:   2 * time.Second,
		},
		Materialize: MaterializeConfig{
			OpTimeout: 5 * time.Minute,
		},
		Storage: StorageConfig{
			Type: "none",
			Path: "",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/kestrel"
	}

	if c.Offline.SegmentDir == "" {
		c.Offline.SegmentDir = filepath.Join(c.DataDir, "segments")
	}

	if c.Storage.Type == "local" && c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "objects")
	}
}

// CatalogPath returns the path to the offline segment catalog database.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.DataDir, "segments.db")
}

// WatermarkPath returns the path to the materialization watermark database.
func (c *Config) WatermarkPath() string {
	return filepath.Join(c.DataDir, "watermarks.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeServe, ModeGenerate, ModeCompute, ModeMaterialize, ModeQuery:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be serve, generate, compute, materialize, or query)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Online.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("invalid online backend: %s (must be redis or memory)", c.Online.Backend)
	}

	if c.Online.Backend == "redis" && c.Online.RedisAddr == "" {
		return fmt.Errorf("online.redis_addr is required when online backend is redis")
	}

	switch c.Storage.Type {
	case "none", "local", "s3":
	default:
		return fmt.Errorf("invalid storage type: %s (must be none, local, or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Compute.Precision < 0 || c.Compute.Precision > 10 {
		return fmt.Errorf("compute.precision must be between 0 and 10, got %d", c.Compute.Precision)
	}

	if c.Offline.BloomFalsePositiveRate <= 0 || c.Offline.BloomFalsePositiveRate >= 1 {
		return fmt.Errorf("offline.bloom_fpr must be in (0, 1), got %g", c.Offline.BloomFalsePositiveRate)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the KESTREL_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("KESTREL_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("KESTREL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("KESTREL_REGISTRY_PATH"); v != "" {
		cfg.RegistryPath = v
	}

	// HTTP configuration
	if v := os.Getenv("KESTREL_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// Compute configuration
	if v := os.Getenv("KESTREL_COMPUTE_CONCURRENCY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Compute.Concurrency)
	}

	// Online store configuration
	if v := os.Getenv("KESTREL_ONLINE_BACKEND"); v != "" {
		cfg.Online.Backend = v
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Online.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_REDIS_PASSWORD"); v != "" {
		cfg.Online.RedisPassword = v
	}
	if v := os.Getenv("KESTREL_REDIS_DB"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Online.RedisDB)
	}
	if v := os.Getenv("KESTREL_ONLINE_NAMESPACE"); v != "" {
		cfg.Online.Namespace = v
	}
	if v := os.Getenv("KESTREL_ONLINE_OP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Online.OpTimeout = d
		}
	}

	// Materialization configuration
	if v := os.Getenv("KESTREL_MATERIALIZE_OP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Materialize.OpTimeout = d
		}
	}

	// Storage configuration
	if v := os.Getenv("KESTREL_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("KESTREL_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("KESTREL_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("KESTREL_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("KESTREL_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Offline.SegmentDir,
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
