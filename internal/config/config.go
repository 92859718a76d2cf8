package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Source     SourceConfig     `mapstructure:"source"`
	Chunking   ChunkingConfig   `mapstructure:"chunking"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Vector     VectorConfig     `mapstructure:"vector"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Quarantine QuarantineConfig `mapstructure:"quarantine"`
	Log        LogConfig        `mapstructure:"log"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// SourceConfig describes where documents are read from.
type SourceConfig struct {
	// Kind is "dir" (directory of JSON document files) or "array"
	// (a single JSON file holding an array of documents).
	Kind string `mapstructure:"kind"`
	Path string `mapstructure:"path"`
}

type ChunkingConfig struct {
	Size    int `mapstructure:"size"`
	Overlap int `mapstructure:"overlap"`
}

type EmbeddingConfig struct {
	URL       string        `mapstructure:"url"`
	BatchSize int           `mapstructure:"batch_size"`
	Dimension int           `mapstructure:"dimension"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// Concurrency bounds how many embedding sub-batches a single
	// document may have in flight at once.
	Concurrency int `mapstructure:"concurrency"`
}

type VectorConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Collection  string        `mapstructure:"collection"`
	VectorSize  int           `mapstructure:"vector_size"`
	Distance    string        `mapstructure:"distance"`
	Timeout     time.Duration `mapstructure:"timeout"`
	UpsertPause time.Duration `mapstructure:"upsert_pause"`
}

// RetryConfig is the single retry policy shared by the embedding client
// and the vector store writer.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

type PipelineConfig struct {
	// Profile selects a named set of tuning constants; explicit values
	// below always win over the profile.
	Profile         string        `mapstructure:"profile"`
	Workers         int           `mapstructure:"workers"`
	InterBatchDelay time.Duration `mapstructure:"inter_batch_delay"`
	Retry           RetryConfig   `mapstructure:"retry"`

	// Dynamic upsert batch sizing tiers, keyed by document size in chars.
	LargeDocThreshold  int `mapstructure:"large_doc_threshold"`
	MediumDocThreshold int `mapstructure:"medium_doc_threshold"`
	LargeDocBatch      int `mapstructure:"large_doc_batch"`
	MediumDocBatch     int `mapstructure:"medium_doc_batch"`
	SmallDocBatch      int `mapstructure:"small_doc_batch"`

	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	MetricsAddr      string        `mapstructure:"metrics_addr"`
}

type CheckpointConfig struct {
	Path         string `mapstructure:"path"`
	SnapshotPath string `mapstructure:"snapshot_path"`
	// Reconcile rebuilds the dedup set from the vector store at startup
	// instead of trusting the local snapshot.
	Reconcile bool `mapstructure:"reconcile"`
}

type QuarantineConfig struct {
	Dir string `mapstructure:"dir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// AuditPath enables the JSONL run journal when set. Accepts a file
	// path, "stdout" or "stderr".
	AuditPath string `mapstructure:"audit_path"`
}

type TracingConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	Environment  string  `mapstructure:"environment"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// Profiles are named tuning presets. Explicitly configured values
// override the selected profile.
var profiles = map[string]PipelineConfig{
	"conservative": {
		Workers:            2,
		InterBatchDelay:    500 * time.Millisecond,
		Retry:              RetryConfig{MaxRetries: 5, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second},
		LargeDocThreshold:  500_000,
		MediumDocThreshold: 100_000,
		LargeDocBatch:      40,
		MediumDocBatch:     80,
		SmallDocBatch:      100,
	},
	"balanced": {
		Workers:            4,
		InterBatchDelay:    200 * time.Millisecond,
		Retry:              RetryConfig{MaxRetries: 3, BaseDelay: 1 * time.Second, MaxDelay: 30 * time.Second},
		LargeDocThreshold:  500_000,
		MediumDocThreshold: 100_000,
		LargeDocBatch:      80,
		MediumDocBatch:     150,
		SmallDocBatch:      200,
	},
	"aggressive": {
		Workers:            8,
		InterBatchDelay:    50 * time.Millisecond,
		Retry:              RetryConfig{MaxRetries: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 15 * time.Second},
		LargeDocThreshold:  500_000,
		MediumDocThreshold: 100_000,
		LargeDocBatch:      80,
		MediumDocBatch:     150,
		SmallDocBatch:      200,
	},
}

// KnownProfiles lists the selectable pipeline profiles.
func KnownProfiles() []string {
	return []string{"conservative", "balanced", "aggressive"}
}

// ApplyProfile fills unset pipeline tuning fields from the named profile.
// An unknown profile name is an error; an empty name means "balanced".
func (c *Config) ApplyProfile() error {
	name := c.Pipeline.Profile
	if name == "" {
		name = "balanced"
	}
	p, ok := profiles[name]
	if !ok {
		return fmt.Errorf("unknown pipeline profile %q (known: %s)", name, strings.Join(KnownProfiles(), ", "))
	}

	if c.Pipeline.Workers == 0 {
		c.Pipeline.Workers = p.Workers
	}
	if c.Pipeline.InterBatchDelay == 0 {
		c.Pipeline.InterBatchDelay = p.InterBatchDelay
	}
	if c.Pipeline.Retry.MaxRetries == 0 {
		c.Pipeline.Retry.MaxRetries = p.Retry.MaxRetries
	}
	if c.Pipeline.Retry.BaseDelay == 0 {
		c.Pipeline.Retry.BaseDelay = p.Retry.BaseDelay
	}
	if c.Pipeline.Retry.MaxDelay == 0 {
		c.Pipeline.Retry.MaxDelay = p.Retry.MaxDelay
	}
	if c.Pipeline.LargeDocThreshold == 0 {
		c.Pipeline.LargeDocThreshold = p.LargeDocThreshold
	}
	if c.Pipeline.MediumDocThreshold == 0 {
		c.Pipeline.MediumDocThreshold = p.MediumDocThreshold
	}
	if c.Pipeline.LargeDocBatch == 0 {
		c.Pipeline.LargeDocBatch = p.LargeDocBatch
	}
	if c.Pipeline.MediumDocBatch == 0 {
		c.Pipeline.MediumDocBatch = p.MediumDocBatch
	}
	if c.Pipeline.SmallDocBatch == 0 {
		c.Pipeline.SmallDocBatch = p.SmallDocBatch
	}
	if c.Pipeline.ProgressInterval == 0 {
		c.Pipeline.ProgressInterval = 30 * time.Second
	}
	return nil
}

// Validate checks configuration for issues and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	if c.Chunking.Size > 0 && c.Chunking.Overlap >= c.Chunking.Size {
		warnings = append(warnings, fmt.Sprintf("chunking overlap %d is not smaller than chunk size %d", c.Chunking.Overlap, c.Chunking.Size))
	}
	if c.Embedding.URL == "" {
		warnings = append(warnings, "embedding url is empty")
	}
	if c.Embedding.Dimension > 0 && c.Vector.VectorSize > 0 && c.Embedding.Dimension != c.Vector.VectorSize {
		warnings = append(warnings, fmt.Sprintf("embedding dimension %d does not match collection vector size %d", c.Embedding.Dimension, c.Vector.VectorSize))
	}
	if c.Pipeline.Workers < 0 {
		warnings = append(warnings, fmt.Sprintf("pipeline workers %d is negative", c.Pipeline.Workers))
	}
	if c.Pipeline.MediumDocThreshold > c.Pipeline.LargeDocThreshold && c.Pipeline.LargeDocThreshold > 0 {
		warnings = append(warnings, "medium_doc_threshold exceeds large_doc_threshold")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1.0 {
		warnings = append(warnings, fmt.Sprintf("tracing sample rate %.2f is outside [0.0, 1.0]", c.Tracing.SampleRate))
	}

	return warnings
}

// Load reads configuration from file and environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("LEXVEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.ApplyProfile(); err != nil {
		return nil, err
	}

	// Validate configuration and print warnings
	if warnings := cfg.Validate(); len(warnings) > 0 {
		for _, warning := range warnings {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
		}
	}

	return &cfg, nil
}
