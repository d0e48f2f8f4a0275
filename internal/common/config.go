package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration for a single epoch run.
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production"
	Indexer     IndexerConfig     `toml:"indexer"`
	Crawler     CrawlerConfig     `toml:"crawler"`
	Queue       QueueConfig       `toml:"queue"`
	Storage     StorageConfig     `toml:"storage"`
	Credentials CredentialsConfig `toml:"credentials"`
	Logging     LoggingConfig     `toml:"logging"`
	Schedule    string            `toml:"schedule"` // optional cron expression; empty means run once and exit
	StartDT     string            `toml:"start_dt"` // RFC3339 override of the epoch timestamp, for deterministic testing
}

// IndexerConfig bounds the Site Indexer (C5) walk to the portal's own tree.
type IndexerConfig struct {
	RootURL         string   `toml:"root_url" validate:"required,url"`
	AllowedPrefixes []string `toml:"allowed_prefixes"` // e.g. campus/, conferences/, events/, speakers/, lectures/
}

// CrawlerConfig holds the HTTP Fetcher (C1) tunables.
type CrawlerConfig struct {
	Workers        int           `toml:"workers" validate:"required,min=1"`
	UserAgent      string        `toml:"user_agent" validate:"required"`
	RequestTimeout time.Duration `toml:"request_timeout"`
	PerHostRPS     float64       `toml:"per_host_rps"` // token-bucket rate per host, golang.org/x/time/rate
}

// QueueConfig tunes the bounded Worker Pool (C2) queues and idle/drain timers.
type QueueConfig struct {
	TaskCapacity   int           `toml:"task_capacity" validate:"required,min=1"`
	ResultCapacity int           `toml:"result_capacity" validate:"required,min=1"`
	IdleMax        time.Duration `toml:"idle_max"`      // default 20s per spec §4.2
	DrainTimeout   time.Duration `toml:"drain_timeout"` // default 300s per spec §4.10; not read by the Epoch Controller or the stages
}

// StorageConfig points at the embedded relational store (C3).
type StorageConfig struct {
	DBPath         string `toml:"db_path" validate:"required"`
	UseBase64      bool   `toml:"use_base64"`      // base64-encode record bodies at rest (legacy compatibility)
	Backup         bool   `toml:"backup"`          // copy the store file before running
	ResetOnStartup bool   `toml:"reset_on_startup"`
	WALMode        bool   `toml:"wal_mode"`
	CacheSizeMB    int    `toml:"cache_size_mb"`
	BusyTimeoutMS  int    `toml:"busy_timeout_ms"`
}

// CredentialsConfig feeds the Credential Resolver (C4). Process-local only;
// never persisted to the store (see spec §9 "Process-wide state").
type CredentialsConfig struct {
	Global  LoginConfig      `toml:"global"`
	PerPath []PathCredential `toml:"per_path"`
}

// LoginConfig is a username/password pair posted to j_security_check or a
// series-login endpoint.
type LoginConfig struct {
	User string `toml:"user"`
	Pass string `toml:"pass"`
}

// PathCredential overrides the global login for URLs under URLPrefix.
type PathCredential struct {
	URLPrefix string `toml:"url_prefix" validate:"required"`
	User      string `toml:"user"`
	Pass      string `toml:"pass"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Format string   `toml:"format"` // "json" or "text"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig returns a configuration with the defaults named in spec §4
// and §6. Only user-facing settings need to be supplied in lecturecrawl.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Indexer: IndexerConfig{
			AllowedPrefixes: []string{"campus/", "conferences/", "events/", "speakers/", "lectures/"},
		},
		Crawler: CrawlerConfig{
			Workers:        4,
			UserAgent:      "lecturecrawl/1.0 (+incremental metadata crawler)",
			RequestTimeout: 30 * time.Second,
			PerHostRPS:     2,
		},
		Queue: QueueConfig{
			TaskCapacity:   256,
			ResultCapacity: 256,
			IdleMax:        20 * time.Second,
			DrainTimeout:   300 * time.Second,
		},
		Storage: StorageConfig{
			DBPath:        "./data/lecturecrawl.db",
			CacheSizeMB:   64,
			BusyTimeoutMS: 5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFiles loads configuration from multiple TOML files with priority
// default -> file1 -> file2 -> ... -> env. Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// Validate checks the recognized options named in spec §6 are well-formed.
func Validate(config *Config) error {
	v := validator.New()
	if err := v.Struct(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if config.Queue.TaskCapacity <= 0 || config.Queue.ResultCapacity <= 0 {
		return fmt.Errorf("invalid configuration: queue capacities must be positive")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("LECTURECRAWL_ENV"); env != "" {
		config.Environment = env
	}
	if rootURL := os.Getenv("LECTURECRAWL_ROOT_URL"); rootURL != "" {
		config.Indexer.RootURL = rootURL
	}
	if workers := os.Getenv("LECTURECRAWL_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil {
			config.Crawler.Workers = w
		}
	}
	if dbPath := os.Getenv("LECTURECRAWL_DB_PATH"); dbPath != "" {
		config.Storage.DBPath = dbPath
	}
	if level := os.Getenv("LECTURECRAWL_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if startDT := os.Getenv("LECTURECRAWL_START_DT"); startDT != "" {
		config.StartDT = startDT
	}
}

// IsProduction returns true if the environment is set to production.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
