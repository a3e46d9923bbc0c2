// Package config loads trialgraph runtime settings from the environment and
// the pipeline definition from YAML.
//
// Runtime settings come from environment variables. The Neo4j connection uses
// the conventional NEO4J_* names; everything else is prefixed with
// TRIALGRAPH_. A .env file, when present, is loaded first and never overrides
// variables that are already set.
//
// Example Usage:
//
//	if err := config.LoadEnvFile(".env"); err != nil {
//		log.Fatal(err)
//	}
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables:
//
// Neo4j:
//   - NEO4J_URI="bolt://localhost:7687"
//   - NEO4J_USER / NEO4J_USERNAME, NEO4J_PASSWORD
//   - NEO4J_DATABASE="neo4j"
//
// Loader:
//   - TRIALGRAPH_BACKEND="neo4j", "badger" or "memory"
//   - TRIALGRAPH_DATA_DIR="./data/graph"
//   - TRIALGRAPH_CHUNK_SIZE=100
//   - TRIALGRAPH_SUB_BATCH_SIZE=10000
//   - TRIALGRAPH_MAX_CONCURRENT_WRITES=16
//   - TRIALGRAPH_WRITE_TIMEOUT=5m
//
// For a complete list, see LoadFromEnv.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Graph backends.
const (
	BackendNeo4j  = "neo4j"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Config holds all runtime configuration.
//
// Configuration is organized into logical sections:
//   - Neo4j: connection to an external Neo4j server
//   - Store: which graph backend receives writes
//   - Load: chunking, batching and write concurrency
//   - S3: object storage for s3:// dataset paths
//   - Logging, Metrics
//   - Memory: pooling and Go runtime tuning
type Config struct {
	Neo4j   Neo4jConfig
	Store   StoreConfig
	Load    LoadConfig
	S3      S3Config
	Logging LoggingConfig
	Metrics MetricsConfig
	Memory  MemoryConfig
}

// Neo4jConfig holds Bolt connection settings.
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	// Database receives writes unless a pipeline entry names another.
	Database string
	// MaxConnectionPoolSize bounds open Bolt connections
	MaxConnectionPoolSize int
	ConnectionTimeout     time.Duration
}

// StoreConfig selects the graph backend.
type StoreConfig struct {
	// Backend is neo4j, badger or memory
	Backend string
	// DataDir is the Badger directory
	DataDir string
	// SyncWrites makes Badger fsync every commit
	SyncWrites bool
}

// LoadConfig holds pipeline execution settings.
type LoadConfig struct {
	// ChunkSize is the target rows per chunk
	ChunkSize int
	// SubBatchSize is the rows per inner store transaction
	SubBatchSize int
	// MaxConcurrentWrites bounds in-flight chunk writes per stage; 0 is unbounded
	MaxConcurrentWrites int
	// WriteTimeout bounds each store call
	WriteTimeout time.Duration
	// DataRoot is prepended to relative dataset paths
	DataRoot string
}

// S3Config holds object storage settings.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is debug, info, warn or error
	Level string
	// Format is text, json or logfmt
	Format string
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	// PushgatewayURL enables pushing metrics at the end of a run
	PushgatewayURL string
	// Job is the Pushgateway job name
	Job string
}

// MemoryConfig holds pooling and Go runtime memory settings.
type MemoryConfig struct {
	// PoolEnabled turns on object pooling for batch parameter maps
	PoolEnabled bool
	// PoolMaxSize limits the size of pooled objects
	PoolMaxSize int

	// RuntimeLimitStr is the raw TRIALGRAPH_MEMORY_LIMIT value
	RuntimeLimitStr string
	// RuntimeLimit is the soft memory limit in bytes; 0 is unlimited
	RuntimeLimit int64
	// GCPercent is passed to debug.SetGCPercent when not 100
	GCPercent int
}

// LoadEnvFile loads variables from the given .env files. Missing files are
// ignored; variables already in the environment win.
func LoadEnvFile(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// LoadFromEnv builds a Config from environment variables, applying defaults
// for anything unset.
func LoadFromEnv() *Config {
	config := &Config{}

	config.Neo4j.URI = getEnv("NEO4J_URI", "bolt://localhost:7687")
	config.Neo4j.Username = getEnv("NEO4J_USER", getEnv("NEO4J_USERNAME", "neo4j"))
	config.Neo4j.Password = getEnv("NEO4J_PASSWORD", "")
	config.Neo4j.Database = getEnv("NEO4J_DATABASE", "neo4j")
	config.Neo4j.MaxConnectionPoolSize = getEnvInt("NEO4J_MAX_CONNECTION_POOL_SIZE", 100)
	config.Neo4j.ConnectionTimeout = getEnvDuration("NEO4J_CONNECTION_TIMEOUT", 30*time.Second)

	config.Store.Backend = strings.ToLower(getEnv("TRIALGRAPH_BACKEND", BackendNeo4j))
	config.Store.DataDir = getEnv("TRIALGRAPH_DATA_DIR", "./data/graph")
	config.Store.SyncWrites = getEnvBool("TRIALGRAPH_SYNC_WRITES", false)

	config.Load.ChunkSize = getEnvInt("TRIALGRAPH_CHUNK_SIZE", 100)
	config.Load.SubBatchSize = getEnvInt("TRIALGRAPH_SUB_BATCH_SIZE", 10000)
	config.Load.MaxConcurrentWrites = getEnvInt("TRIALGRAPH_MAX_CONCURRENT_WRITES", 16)
	config.Load.WriteTimeout = getEnvDuration("TRIALGRAPH_WRITE_TIMEOUT", 5*time.Minute)
	config.Load.DataRoot = getEnv("TRIALGRAPH_DATA_ROOT", "")

	config.S3.Endpoint = getEnv("TRIALGRAPH_S3_ENDPOINT", "")
	config.S3.Region = getEnv("TRIALGRAPH_S3_REGION", getEnv("AWS_REGION", "us-east-1"))
	config.S3.AccessKey = getEnv("TRIALGRAPH_S3_ACCESS_KEY", "")
	config.S3.SecretKey = getEnv("TRIALGRAPH_S3_SECRET_KEY", "")
	config.S3.PathStyle = getEnvBool("TRIALGRAPH_S3_PATH_STYLE", false)

	config.Logging.Level = getEnv("TRIALGRAPH_LOG_LEVEL", "info")
	config.Logging.Format = getEnv("TRIALGRAPH_LOG_FORMAT", "text")

	config.Metrics.PushgatewayURL = getEnv("TRIALGRAPH_PUSHGATEWAY_URL", "")
	config.Metrics.Job = getEnv("TRIALGRAPH_METRICS_JOB", "trialgraph")

	config.Memory.PoolEnabled = getEnvBool("TRIALGRAPH_POOL_ENABLED", true)
	config.Memory.PoolMaxSize = getEnvInt("TRIALGRAPH_POOL_MAX_SIZE", 1000)
	config.Memory.RuntimeLimitStr = getEnv("TRIALGRAPH_MEMORY_LIMIT", "0")
	config.Memory.RuntimeLimit = parseMemorySize(config.Memory.RuntimeLimitStr)
	config.Memory.GCPercent = getEnvInt("TRIALGRAPH_GC_PERCENT", 100)

	return config
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendNeo4j:
		if c.Neo4j.URI == "" {
			return fmt.Errorf("neo4j backend requires NEO4J_URI")
		}
	case BackendBadger:
		if c.Store.DataDir == "" {
			return fmt.Errorf("badger backend requires TRIALGRAPH_DATA_DIR")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q (want %s, %s or %s)", c.Store.Backend, BackendNeo4j, BackendBadger, BackendMemory)
	}

	if c.Load.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk size: %d", c.Load.ChunkSize)
	}
	if c.Load.SubBatchSize <= 0 {
		return fmt.Errorf("invalid sub-batch size: %d", c.Load.SubBatchSize)
	}
	if c.Load.MaxConcurrentWrites < 0 {
		return fmt.Errorf("invalid max concurrent writes: %d", c.Load.MaxConcurrentWrites)
	}
	if c.Load.WriteTimeout <= 0 {
		return fmt.Errorf("invalid write timeout: %v", c.Load.WriteTimeout)
	}
	if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
		return fmt.Errorf("S3 access key and secret key must be set together")
	}
	if c.Memory.RuntimeLimit < 0 {
		return fmt.Errorf("invalid memory limit: %s", c.Memory.RuntimeLimitStr)
	}
	return nil
}

// String summarizes the configuration without secrets.
func (c *Config) String() string {
	target := c.Neo4j.URI + "/" + c.Neo4j.Database
	if c.Store.Backend != BackendNeo4j {
		target = c.Store.DataDir
		if c.Store.Backend == BackendMemory {
			target = "in-memory"
		}
	}
	memory := "unlimited"
	if c.Memory.RuntimeLimit > 0 {
		memory = FormatMemorySize(c.Memory.RuntimeLimit)
	}
	return fmt.Sprintf(
		"Config{Backend: %s, Target: %s, ChunkSize: %d, SubBatch: %d, MaxWrites: %d, Timeout: %s, Memory: %s}",
		c.Store.Backend, target,
		c.Load.ChunkSize, c.Load.SubBatchSize, c.Load.MaxConcurrentWrites, c.Load.WriteTimeout, memory,
	)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// parseMemorySize parses sizes like "512MB", "2G" or "1024". Empty, "0" and
// "unlimited" mean no limit.
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" || s == "UNLIMITED" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "T")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

// FormatMemorySize renders a byte count for humans.
func FormatMemorySize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// ApplyRuntimeMemory applies the memory limit and GC percent to the Go
// runtime.
func (c *MemoryConfig) ApplyRuntimeMemory() {
	if c.RuntimeLimit > 0 {
		debug.SetMemoryLimit(c.RuntimeLimit)
	}
	if c.GCPercent != 100 {
		debug.SetGCPercent(c.GCPercent)
	}
}
