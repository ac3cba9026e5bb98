// Package config provides configuration loading for the chunked
// transcription engine: defaults, JSON file overlay, then environment
// variable overrides (highest precedence), mirroring the load pipeline
// used throughout the rest of this codebase's services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the complete process configuration.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Chunking    ChunkingConfig    `json:"chunking"`
	Gates       GatesConfig       `json:"gates"`
	Upstream    UpstreamConfig    `json:"upstream"`
	Store       StoreConfig       `json:"store"`
	ObjectStore ObjectStoreConfig `json:"object_store"`
	Logging     LoggingConfig     `json:"logging"`
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ChunkingConfig holds the defaults applied at job creation (overridable
// per-request by the `chunk_size_mb` option).
type ChunkingConfig struct {
	DefaultChunkSizeMB int     `json:"default_chunk_size_mb"`
	OverlapFraction    float64 `json:"overlap_fraction"`
	OverlapCapBytes    int64   `json:"overlap_cap_bytes"`
}

// GateConfig mirrors one of C1's four named limiters.
type GateConfig struct {
	MaxConcurrent      int     `json:"max_concurrent"`
	MaxRPS             float64 `json:"max_rps"`
	UniformDistribution bool   `json:"uniform_distribution"`
}

type GatesConfig struct {
	Transcription   GateConfig `json:"transcription"`
	Correction      GateConfig `json:"correction"`
	JobSpawn        GateConfig `json:"job_spawn"`
	ChunkProcessing GateConfig `json:"chunk_processing"`
}

type UpstreamConfig struct {
	TranscriptionURL string        `json:"transcription_url"`
	TranscriptionKey string        `json:"transcription_key"`
	CorrectionURL    string        `json:"correction_url"`
	CorrectionKey    string        `json:"correction_key"`
	RequestTimeout   time.Duration `json:"request_timeout"`
}

// StoreConfig selects and configures the durable ParentJob/SubJob backend.
type StoreConfig struct {
	Driver   string        `json:"driver"` // "memory" or "postgres"
	DSN      string        `json:"dsn"`
	TTL      time.Duration `json:"ttl"`
}

// ObjectStoreConfig selects and configures the chunk-byte backend.
type ObjectStoreConfig struct {
	Driver      string `json:"driver"` // "disk" or "ipfs"
	DiskRoot    string `json:"disk_root"`
	IPFSAPI     string `json:"ipfs_api"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns the engine's baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Chunking: ChunkingConfig{
			DefaultChunkSizeMB: 10,
			OverlapFraction:    0.05,
			OverlapCapBytes:    50 * 1024,
		},
		Gates: GatesConfig{
			Transcription:   GateConfig{MaxConcurrent: 4, MaxRPS: 10, UniformDistribution: true},
			Correction:      GateConfig{MaxConcurrent: 3, MaxRPS: 8, UniformDistribution: true},
			JobSpawn:        GateConfig{MaxConcurrent: 2, MaxRPS: 0},
			ChunkProcessing: GateConfig{MaxConcurrent: 3, MaxRPS: 0},
		},
		Upstream: UpstreamConfig{
			RequestTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver: "memory",
			TTL:    24 * time.Hour,
		},
		ObjectStore: ObjectStoreConfig{
			Driver:   "disk",
			DiskRoot: "./data/objects",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config starting from Default(), overlays a JSON file (if
// path is non-empty and exists), then applies TRANSCRIBE_* environment
// variable overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, c)
}

// applyEnv overrides configuration values from TRANSCRIBE_* environment
// variables. Invalid numeric/boolean values are silently ignored so a
// malformed override never blocks startup.
func (c *Config) applyEnv() {
	if v := os.Getenv("TRANSCRIBE_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("TRANSCRIBE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("TRANSCRIBE_CHUNK_SIZE_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Chunking.DefaultChunkSizeMB = n
		}
	}
	if v := os.Getenv("TRANSCRIBE_TRANSCRIPTION_URL"); v != "" {
		c.Upstream.TranscriptionURL = v
	}
	if v := os.Getenv("TRANSCRIBE_TRANSCRIPTION_KEY"); v != "" {
		c.Upstream.TranscriptionKey = v
	}
	if v := os.Getenv("TRANSCRIBE_CORRECTION_URL"); v != "" {
		c.Upstream.CorrectionURL = v
	}
	if v := os.Getenv("TRANSCRIBE_CORRECTION_KEY"); v != "" {
		c.Upstream.CorrectionKey = v
	}
	if v := os.Getenv("TRANSCRIBE_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("TRANSCRIBE_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("TRANSCRIBE_OBJECT_STORE_DRIVER"); v != "" {
		c.ObjectStore.Driver = v
	}
	if v := os.Getenv("TRANSCRIBE_OBJECT_STORE_DISK_ROOT"); v != "" {
		c.ObjectStore.DiskRoot = v
	}
	if v := os.Getenv("TRANSCRIBE_IPFS_API"); v != "" {
		c.ObjectStore.IPFSAPI = v
	}
	if v := os.Getenv("TRANSCRIBE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TRANSCRIBE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.Chunking.DefaultChunkSizeMB <= 0 {
		return fmt.Errorf("chunking.default_chunk_size_mb must be positive")
	}
	if c.Chunking.OverlapFraction < 0 || c.Chunking.OverlapFraction > 0.5 {
		return fmt.Errorf("chunking.overlap_fraction must be in [0, 0.5]")
	}
	switch strings.ToLower(c.Store.Driver) {
	case "memory", "postgres":
	default:
		return fmt.Errorf("store.driver must be 'memory' or 'postgres', got %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required when store.driver is 'postgres'")
	}
	switch strings.ToLower(c.ObjectStore.Driver) {
	case "disk", "ipfs":
	default:
		return fmt.Errorf("object_store.driver must be 'disk' or 'ipfs', got %q", c.ObjectStore.Driver)
	}
	if c.ObjectStore.Driver == "ipfs" && c.ObjectStore.IPFSAPI == "" {
		return fmt.Errorf("object_store.ipfs_api is required when object_store.driver is 'ipfs'")
	}
	return nil
}
