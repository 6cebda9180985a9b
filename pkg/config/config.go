package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes as "30s", "5m" in
// JSON, YAML and environment variables.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	Workspace string          `json:"workspace" yaml:"workspace" env:"AGENTMEMORY_WORKSPACE"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Indexing  IndexingConfig  `json:"indexing" yaml:"indexing"`
	Vector    VectorConfig    `json:"vector" yaml:"vector"`
	Search    SearchConfig    `json:"search" yaml:"search"`
	Embedding EmbeddingConfig `json:"embedding" yaml:"embedding"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Jobs      JobsConfig      `json:"jobs" yaml:"jobs"`
	Rollup    RollupConfig    `json:"rollup" yaml:"rollup"`
	Retention RetentionConfig `json:"retention" yaml:"retention"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	mu        sync.RWMutex
}

type StorageConfig struct {
	// Dir defaults to <workspace>/store.
	Dir     string   `json:"dir" yaml:"dir" env:"AGENTMEMORY_STORAGE_DIR"`
	CacheMB int      `json:"cache_mb" yaml:"cache_mb" env:"AGENTMEMORY_STORAGE_CACHE_MB"`
	Targets []string `json:"targets" yaml:"targets" env:"AGENTMEMORY_STORAGE_TARGETS" envSeparator:","`
}

type IndexingConfig struct {
	ConsumerID string `json:"consumer_id" yaml:"consumer_id" env:"AGENTMEMORY_INDEXING_CONSUMER_ID"`
	BatchSize  int    `json:"batch_size" yaml:"batch_size" env:"AGENTMEMORY_INDEXING_BATCH_SIZE"`
}

type VectorConfig struct {
	// Dir defaults to <workspace>/vector.
	Dir         string `json:"dir" yaml:"dir" env:"AGENTMEMORY_VECTOR_DIR"`
	Collection  string `json:"collection" yaml:"collection" env:"AGENTMEMORY_VECTOR_COLLECTION"`
	MaxElements int    `json:"max_elements" yaml:"max_elements" env:"AGENTMEMORY_VECTOR_MAX_ELEMENTS"`
	Compress    bool   `json:"compress" yaml:"compress" env:"AGENTMEMORY_VECTOR_COMPRESS"`
}

type SearchConfig struct {
	// Path defaults to <workspace>/search.db.
	Path        string   `json:"path" yaml:"path" env:"AGENTMEMORY_SEARCH_PATH"`
	BusyTimeout Duration `json:"busy_timeout" yaml:"busy_timeout" env:"AGENTMEMORY_SEARCH_BUSY_TIMEOUT"`
}

type EmbeddingConfig struct {
	Model string `json:"model" yaml:"model" env:"AGENTMEMORY_EMBEDDING_MODEL"`
}

type SchedulerConfig struct {
	// Timezone is the default zone for job schedules.
	Timezone      string   `json:"timezone" yaml:"timezone" env:"AGENTMEMORY_SCHEDULER_TIMEZONE"`
	Grace         Duration `json:"grace" yaml:"grace" env:"AGENTMEMORY_SCHEDULER_GRACE"`
	MaxConcurrent int      `json:"max_concurrent" yaml:"max_concurrent" env:"AGENTMEMORY_SCHEDULER_MAX_CONCURRENT"`
}

// JobConfig schedules one maintenance job. Cron accepts 5 fields, or 6 with
// seconds first.
type JobConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Cron     string   `json:"cron" yaml:"cron" env:"CRON"`
	Timezone string   `json:"timezone,omitempty" yaml:"timezone,omitempty" env:"TIMEZONE"`
	Overlap  string   `json:"overlap" yaml:"overlap" env:"OVERLAP"`
	Jitter   Duration `json:"jitter" yaml:"jitter" env:"JITTER"`
}

type JobsConfig struct {
	IndexSync   JobConfig `json:"index_sync" yaml:"index_sync" envPrefix:"AGENTMEMORY_JOBS_INDEX_SYNC_"`
	Rollup      JobConfig `json:"rollup" yaml:"rollup" envPrefix:"AGENTMEMORY_JOBS_ROLLUP_"`
	Compaction  JobConfig `json:"compaction" yaml:"compaction" envPrefix:"AGENTMEMORY_JOBS_COMPACTION_"`
	VectorPrune JobConfig `json:"vector_prune" yaml:"vector_prune" envPrefix:"AGENTMEMORY_JOBS_VECTOR_PRUNE_"`
	SearchPrune JobConfig `json:"search_prune" yaml:"search_prune" envPrefix:"AGENTMEMORY_JOBS_SEARCH_PRUNE_"`
}

type RollupConfig struct {
	LookbackDays int `json:"lookback_days" yaml:"lookback_days" env:"AGENTMEMORY_ROLLUP_LOOKBACK_DAYS"`
}

// RetentionConfig holds prune horizons in days; zero disables a scope.
type RetentionConfig struct {
	SegmentDays int `json:"segment_days" yaml:"segment_days" env:"AGENTMEMORY_RETENTION_SEGMENT_DAYS"`
	DayDays     int `json:"day_days" yaml:"day_days" env:"AGENTMEMORY_RETENTION_DAY_DAYS"`
	WeekDays    int `json:"week_days" yaml:"week_days" env:"AGENTMEMORY_RETENTION_WEEK_DAYS"`
	GripDays    int `json:"grip_days" yaml:"grip_days" env:"AGENTMEMORY_RETENTION_GRIP_DAYS"`
	EventDays   int `json:"event_days" yaml:"event_days" env:"AGENTMEMORY_RETENTION_EVENT_DAYS"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"AGENTMEMORY_LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"AGENTMEMORY_LOG_FORMAT"` // json or console
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" env:"AGENTMEMORY_METRICS_ENABLED"`
	Listen    string `json:"listen" yaml:"listen" env:"AGENTMEMORY_METRICS_LISTEN"`
	Namespace string `json:"namespace" yaml:"namespace" env:"AGENTMEMORY_METRICS_NAMESPACE"`
}

func DefaultConfig() *Config {
	return &Config{
		Workspace: "~/.agentmemory",
		Storage: StorageConfig{
			CacheMB: 8,
			Targets: []string{"vector", "search"},
		},
		Indexing: IndexingConfig{
			ConsumerID: "index-pipeline",
			BatchSize:  256,
		},
		Vector: VectorConfig{
			Collection:  "nodes",
			MaxElements: 1_000_000,
		},
		Search: SearchConfig{
			BusyTimeout: Duration(5 * time.Second),
		},
		Embedding: EmbeddingConfig{
			Model: "agentmemory-chargram-384-v1",
		},
		Scheduler: SchedulerConfig{
			Timezone:      "UTC",
			Grace:         Duration(30 * time.Second),
			MaxConcurrent: 4,
		},
		Jobs: JobsConfig{
			IndexSync:   JobConfig{Enabled: true, Cron: "*/10 * * * * *", Overlap: "skip"},
			Rollup:      JobConfig{Enabled: true, Cron: "0 0 3 * * *", Overlap: "skip", Jitter: Duration(time.Minute)},
			Compaction:  JobConfig{Enabled: true, Cron: "0 30 4 * * 0", Overlap: "skip", Jitter: Duration(time.Minute)},
			VectorPrune: JobConfig{Enabled: true, Cron: "0 0 4 * * *", Overlap: "skip", Jitter: Duration(time.Minute)},
			SearchPrune: JobConfig{Enabled: true, Cron: "0 15 4 * * *", Overlap: "skip", Jitter: Duration(time.Minute)},
		},
		Rollup: RollupConfig{
			LookbackDays: 7,
		},
		Retention: RetentionConfig{
			SegmentDays: 30,
			DayDays:     365,
			WeekDays:    1825,
			GripDays:    30,
			EventDays:   30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Listen:    "127.0.0.1:9464",
			Namespace: "agentmemory",
		},
	}
}

// LoadConfig reads path (.json, .yaml or .yml) over the defaults, applies
// AGENTMEMORY_* environment overrides and validates the result. A missing
// file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := unmarshal(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func unmarshal(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	if strings.TrimSpace(c.Workspace) == "" {
		errs = append(errs, errors.New("workspace is required"))
	}
	if c.Indexing.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("indexing.batch_size must be positive, got %d", c.Indexing.BatchSize))
	}
	if strings.TrimSpace(c.Indexing.ConsumerID) == "" {
		errs = append(errs, errors.New("indexing.consumer_id is required"))
	}
	if c.Vector.MaxElements < 0 {
		errs = append(errs, errors.New("vector.max_elements must not be negative"))
	}
	if c.Scheduler.MaxConcurrent < 0 {
		errs = append(errs, errors.New("scheduler.max_concurrent must not be negative"))
	}
	if err := validTimezone(c.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}
	for _, t := range c.Storage.Targets {
		switch t {
		case "vector", "search", "topic":
		default:
			errs = append(errs, fmt.Errorf("storage.targets: unknown target %q", t))
		}
	}
	for name, job := range c.jobs() {
		if !job.Enabled {
			continue
		}
		if !gronx.New().IsValid(job.Cron) {
			errs = append(errs, fmt.Errorf("jobs.%s.cron: invalid expression %q", name, job.Cron))
		}
		switch strings.ToLower(job.Overlap) {
		case "", "skip", "concurrent", "allow":
		default:
			errs = append(errs, fmt.Errorf("jobs.%s.overlap: unknown policy %q", name, job.Overlap))
		}
		if job.Jitter < 0 {
			errs = append(errs, fmt.Errorf("jobs.%s.jitter must not be negative", name))
		}
		if err := validTimezone(job.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("jobs.%s.timezone: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func validTimezone(name string) error {
	if name == "" {
		return nil
	}
	_, err := time.LoadLocation(name)
	return err
}

func (c *Config) jobs() map[string]JobConfig {
	return map[string]JobConfig{
		"index_sync":   c.Jobs.IndexSync,
		"rollup":       c.Jobs.Rollup,
		"compaction":   c.Jobs.Compaction,
		"vector_prune": c.Jobs.VectorPrune,
		"search_prune": c.Jobs.SearchPrune,
	}
}

// DefaultConfigPath is where the CLI looks for a config file when none is
// given.
func DefaultConfigPath() string {
	return filepath.Join(expandHome("~/.agentmemory"), "config.json")
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Workspace)
}

func (c *Config) StorageDir() string {
	return c.underWorkspace(c.Storage.Dir, "store")
}

func (c *Config) VectorDir() string {
	return c.underWorkspace(c.Vector.Dir, "vector")
}

func (c *Config) SearchPath() string {
	return c.underWorkspace(c.Search.Path, "search.db")
}

func (c *Config) underWorkspace(path, fallback string) string {
	if path == "" {
		return filepath.Join(c.WorkspacePath(), fallback)
	}
	path = expandHome(path)
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.WorkspacePath(), path)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
