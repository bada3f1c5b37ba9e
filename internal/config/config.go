package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/tbumi/glacier-upload/internal/progress"
	"github.com/tbumi/glacier-upload/internal/retry"
	"github.com/tbumi/glacier-upload/pkg/multipart"
	"github.com/tbumi/glacier-upload/pkg/retrieval"
	"github.com/tbumi/glacier-upload/pkg/vault"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "GLACIER_"

// Config defines configuration for the glacier CLI.
type Config struct {
	// VaultURL selects the backend: an http(s) endpoint speaking the
	// Glacier REST API, or a gocloud bucket URL (mem://, file://, s3://,
	// gs://).
	VaultURL  string          `yaml:"vault_url"`
	PartSize  int64           `yaml:"part_size"`
	Workers   int             `yaml:"workers"`
	Progress  bool            `yaml:"progress"`
	Verbose   bool            `yaml:"verbose"`
	Retry     RetryConfig     `yaml:"retry"`
	Poll      PollConfig      `yaml:"poll"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Inventory InventoryConfig `yaml:"inventory"`
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// PollConfig defines how retrieval jobs are polled.
type PollConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MinInterval time.Duration `yaml:"min_interval"`
	// Timeout of zero waits indefinitely.
	Timeout time.Duration `yaml:"timeout"`
}

// RetrievalConfig defines archive retrieval and download.
type RetrievalConfig struct {
	Tier      string `yaml:"tier"`
	ChunkSize int64  `yaml:"chunk_size"`
	Workers   int    `yaml:"workers"`
}

// InventoryConfig defines inventory retrieval.
type InventoryConfig struct {
	Format string `yaml:"format"`
}

// DefaultWorkers is five uploads per CPU.
func DefaultWorkers() int {
	return max(runtime.NumCPU()*5, 1)
}

// Default returns a Config with sensible defaults.
func Default() Config {
	r := retry.DefaultPolicy()
	return Config{
		PartSize: multipart.DefaultPartSize,
		Workers:  DefaultWorkers(),
		Retry: RetryConfig{
			Attempts:   r.Attempts,
			Backoff:    r.Backoff,
			MaxBackoff: r.MaxBackoff,
		},
		Poll: PollConfig{
			Interval:    time.Minute,
			MinInterval: time.Second,
		},
		Retrieval: RetrievalConfig{
			Tier:      vault.TierStandard,
			ChunkSize: retrieval.DefaultChunkSize,
			Workers:   4,
		},
		Inventory: InventoryConfig{
			Format: vault.FormatJSON,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string sizes and
// durations.
type yamlConfig struct {
	VaultURL  string              `yaml:"vault_url"`
	PartSize  string              `yaml:"part_size"`
	Workers   int                 `yaml:"workers"`
	Progress  bool                `yaml:"progress"`
	Verbose   bool                `yaml:"verbose"`
	Retry     yamlRetryConfig     `yaml:"retry"`
	Poll      yamlPollConfig      `yaml:"poll"`
	Retrieval yamlRetrievalConfig `yaml:"retrieval"`
	Inventory InventoryConfig     `yaml:"inventory"`
}

type yamlRetryConfig struct {
	Attempts   int    `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

type yamlPollConfig struct {
	Interval    string `yaml:"interval"`
	MinInterval string `yaml:"min_interval"`
	Timeout     string `yaml:"timeout"`
}

type yamlRetrievalConfig struct {
	Tier      string `yaml:"tier"`
	ChunkSize string `yaml:"chunk_size"`
	Workers   int    `yaml:"workers"`
}

// LoadFromFile loads configuration from a YAML file. Keys missing from
// the file keep their defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.VaultURL != "" {
		cfg.VaultURL = yc.VaultURL
	}
	if err := setSize(&cfg.PartSize, yc.PartSize, "part_size"); err != nil {
		return Config{}, err
	}
	if yc.Workers != 0 {
		cfg.Workers = yc.Workers
	}
	cfg.Progress = yc.Progress
	cfg.Verbose = yc.Verbose

	if yc.Retry.Attempts != 0 {
		cfg.Retry.Attempts = yc.Retry.Attempts
	}
	for _, d := range []struct {
		dst  *time.Duration
		val  string
		name string
	}{
		{&cfg.Retry.Backoff, yc.Retry.Backoff, "retry.backoff"},
		{&cfg.Retry.MaxBackoff, yc.Retry.MaxBackoff, "retry.max_backoff"},
		{&cfg.Poll.Interval, yc.Poll.Interval, "poll.interval"},
		{&cfg.Poll.MinInterval, yc.Poll.MinInterval, "poll.min_interval"},
		{&cfg.Poll.Timeout, yc.Poll.Timeout, "poll.timeout"},
	} {
		if err := setDuration(d.dst, d.val, d.name); err != nil {
			return Config{}, err
		}
	}

	if yc.Retrieval.Tier != "" {
		cfg.Retrieval.Tier = yc.Retrieval.Tier
	}
	if err := setSize(&cfg.Retrieval.ChunkSize, yc.Retrieval.ChunkSize, "retrieval.chunk_size"); err != nil {
		return Config{}, err
	}
	if yc.Retrieval.Workers != 0 {
		cfg.Retrieval.Workers = yc.Retrieval.Workers
	}
	if yc.Inventory.Format != "" {
		cfg.Inventory.Format = yc.Inventory.Format
	}

	return cfg, nil
}

func setSize(dst *int64, val, name string) error {
	if val == "" {
		return nil
	}
	size, err := progress.ParseBytes(val)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = size
	return nil
}

func setDuration(dst *time.Duration, val, name string) error {
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, val, name string) error {
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = n
	return nil
}

func envBool(v string) bool {
	return v == "true" || v == "1"
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the GLACIER_ prefix; GLACIER_DEBUG is an
// alias for GLACIER_VERBOSE.
func (c *Config) LoadFromEnv() error {
	env := func(key string) string { return os.Getenv(EnvPrefix + key) }

	if v := env("VAULT_URL"); v != "" {
		c.VaultURL = v
	}
	if err := setSize(&c.PartSize, env("PART_SIZE"), EnvPrefix+"PART_SIZE"); err != nil {
		return err
	}
	if err := setInt(&c.Workers, env("WORKERS"), EnvPrefix+"WORKERS"); err != nil {
		return err
	}
	if v := env("PROGRESS"); v != "" {
		c.Progress = envBool(v)
	}
	if v := env("VERBOSE"); v != "" {
		c.Verbose = envBool(v)
	}
	if v := env("DEBUG"); v != "" {
		c.Verbose = c.Verbose || envBool(v)
	}
	if err := setInt(&c.Retry.Attempts, env("RETRY_ATTEMPTS"), EnvPrefix+"RETRY_ATTEMPTS"); err != nil {
		return err
	}
	for _, d := range []struct {
		dst *time.Duration
		key string
	}{
		{&c.Retry.Backoff, "RETRY_BACKOFF"},
		{&c.Retry.MaxBackoff, "RETRY_MAX_BACKOFF"},
		{&c.Poll.Interval, "POLL_INTERVAL"},
		{&c.Poll.MinInterval, "POLL_MIN_INTERVAL"},
		{&c.Poll.Timeout, "POLL_TIMEOUT"},
	} {
		if err := setDuration(d.dst, env(d.key), EnvPrefix+d.key); err != nil {
			return err
		}
	}
	if v := env("TIER"); v != "" {
		c.Retrieval.Tier = v
	}
	if err := setSize(&c.Retrieval.ChunkSize, env("CHUNK_SIZE"), EnvPrefix+"CHUNK_SIZE"); err != nil {
		return err
	}
	if err := setInt(&c.Retrieval.Workers, env("DOWNLOAD_WORKERS"), EnvPrefix+"DOWNLOAD_WORKERS"); err != nil {
		return err
	}
	if v := env("INVENTORY_FORMAT"); v != "" {
		c.Inventory.Format = v
	}

	return nil
}

func invalid(field, reason string, args ...any) error {
	return &vault.ValidationError{Field: field, Reason: fmt.Sprintf(reason, args...)}
}

// Validate validates the configuration. Errors are *vault.ValidationError.
func (c *Config) Validate() error {
	if c.VaultURL == "" {
		return invalid("vault_url", "required")
	}
	if err := multipart.ValidatePartSize(c.PartSize); err != nil {
		return err
	}
	if c.Workers <= 0 {
		return invalid("workers", "must be positive, got %d", c.Workers)
	}
	if c.Retry.Attempts <= 0 {
		return invalid("retry.attempts", "must be positive, got %d", c.Retry.Attempts)
	}
	if c.Retry.Backoff < 0 || c.Retry.MaxBackoff < 0 {
		return invalid("retry", "backoff must not be negative")
	}
	if c.Poll.Interval < 0 || c.Poll.MinInterval < 0 || c.Poll.Timeout < 0 {
		return invalid("poll", "durations must not be negative")
	}
	switch c.Retrieval.Tier {
	case vault.TierStandard, vault.TierBulk, vault.TierExpedited:
	default:
		return invalid("retrieval.tier", "unknown tier %q", c.Retrieval.Tier)
	}
	if err := retrieval.ValidateChunkSize(c.Retrieval.ChunkSize); err != nil {
		return err
	}
	if c.Retrieval.Workers <= 0 {
		return invalid("retrieval.workers", "must be positive, got %d", c.Retrieval.Workers)
	}
	switch c.Inventory.Format {
	case vault.FormatJSON, vault.FormatCSV:
	default:
		return invalid("inventory.format", "unknown format %q", c.Inventory.Format)
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.VaultURL != "" {
		c.VaultURL = override.VaultURL
	}
	if override.PartSize != 0 {
		c.PartSize = override.PartSize
	}
	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if override.Progress {
		c.Progress = override.Progress
	}
	if override.Verbose {
		c.Verbose = override.Verbose
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	if override.Poll.Interval != 0 {
		c.Poll.Interval = override.Poll.Interval
	}
	if override.Poll.MinInterval != 0 {
		c.Poll.MinInterval = override.Poll.MinInterval
	}
	if override.Poll.Timeout != 0 {
		c.Poll.Timeout = override.Poll.Timeout
	}
	if override.Retrieval.Tier != "" {
		c.Retrieval.Tier = override.Retrieval.Tier
	}
	if override.Retrieval.ChunkSize != 0 {
		c.Retrieval.ChunkSize = override.Retrieval.ChunkSize
	}
	if override.Retrieval.Workers != 0 {
		c.Retrieval.Workers = override.Retrieval.Workers
	}
	if override.Inventory.Format != "" {
		c.Inventory.Format = override.Inventory.Format
	}
	return c
}

// RetryPolicy returns the retry policy described by c.Retry.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		Attempts:   c.Retry.Attempts,
		Backoff:    c.Retry.Backoff,
		MaxBackoff: c.Retry.MaxBackoff,
	}
}

// PollOptions returns poller options described by c.Poll.
func (c *Config) PollOptions() retrieval.Options {
	return retrieval.Options{
		Interval:    c.Poll.Interval,
		MinInterval: c.Poll.MinInterval,
		Timeout:     c.Poll.Timeout,
		Retry:       c.RetryPolicy(),
	}
}
