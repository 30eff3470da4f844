// Package config loads the harvester configuration from flags, environment
// variables, optional .env files and the YAML aspects file.
package config

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/Sternrassler/catalog-harvester/pkg/fetcher"
	"github.com/Sternrassler/catalog-harvester/pkg/harvest"
	"github.com/Sternrassler/catalog-harvester/pkg/logging"
	"github.com/Sternrassler/catalog-harvester/pkg/model"
	"github.com/Sternrassler/catalog-harvester/pkg/ratelimit"
	"github.com/Sternrassler/catalog-harvester/pkg/storage/mongostore"
	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

// Version is set at build time via -ldflags
var Version = "dev"

// GetVersion returns the build version.
func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

// ErrHelp is returned by Load when help was requested and printed.
var ErrHelp = errors.New("help requested")

// Store backends.
const (
	StoreMemory = "memory"
	StoreMongo  = "mongo"
)

// Options are the command line flags and their environment variables.
type Options struct {
	// Fetcher
	MaxAttempts        int           `long:"max-attempts" env:"HARVEST_MAX_ATTEMPTS" default:"5" description:"Outbound requests per fetch before giving up"`
	CooldownOnThrottle time.Duration `long:"cooldown-on-throttle" env:"HARVEST_COOLDOWN_ON_THROTTLE" default:"30s" description:"Pause after a 429 or 5xx response"`
	MinThinkTime       time.Duration `long:"min-think-time" env:"HARVEST_MIN_THINK_TIME" default:"3s" description:"Pause after every successful response"`
	BackoffBase        time.Duration `long:"backoff-base" env:"HARVEST_BACKOFF_BASE" default:"1s" description:"Transport error backoff base (base*2^attempt)"`
	MaxJitter          time.Duration `long:"max-jitter" env:"HARVEST_MAX_JITTER" default:"500ms" description:"Upper bound of the backoff jitter"`
	RequestTimeout     time.Duration `long:"request-timeout" env:"HARVEST_REQUEST_TIMEOUT" default:"30s" description:"Timeout of a single request"`
	UserAgents         []string      `long:"user-agent" env:"HARVEST_USER_AGENTS" env-delim:"," description:"User-Agent pool (repeatable; default: built-in browser pool)"`
	RequestsPerSecond  float64       `long:"requests-per-second" env:"HARVEST_REQUESTS_PER_SECOND" default:"0" description:"Aggregate request rate limit (0 = one request per min-think-time when workers > 1)"`
	MaxInFlight        int           `long:"max-in-flight" env:"HARVEST_MAX_IN_FLIGHT" default:"4" description:"Concurrent upstream requests across workers"`

	// Scheduling
	MaxBatchSize      int      `long:"max-batch-size" env:"HARVEST_MAX_BATCH_SIZE" default:"1000" description:"Identifiers per run"`
	TrackedAspects    []string `long:"tracked-aspect" env:"HARVEST_TRACKED_ASPECTS" env-delim:"," description:"Tracked aspects in order (repeatable; default: detail, tags, reviews)"`
	ExcludePattern    string   `long:"exclude-pattern" env:"HARVEST_EXCLUDE_PATTERN" default:"(?i)\\bplaytest\\b" description:"Skip identifiers whose name matches this regular expression"`
	MaxEmptyAttempts  int      `long:"max-empty-attempts" env:"HARVEST_MAX_EMPTY_ATTEMPTS" default:"0" description:"Skip identifiers after this many empty answers (0 = never)"`
	Workers           int      `long:"workers" env:"HARVEST_WORKERS" default:"1" description:"Identifiers processed in parallel"`
	ConcurrentAspects bool     `long:"concurrent-aspects" env:"HARVEST_CONCURRENT_ASPECTS" description:"Fetch the aspects of one identifier concurrently"`
	SkipCatalog       bool     `long:"skip-catalog" env:"HARVEST_SKIP_CATALOG" description:"Do not refresh the catalog before a run"`

	// Storage and coordination
	Store         string        `long:"store" env:"HARVEST_STORE" default:"mongo" choice:"memory" choice:"mongo" description:"Storage backend"`
	MongoURI      string        `long:"mongo-uri" env:"MONGO_URI" default:"mongodb://localhost:27017" description:"MongoDB connection string"`
	MongoDatabase string        `long:"mongo-database" env:"MONGO_DATABASE" default:"harvester" description:"MongoDB database"`
	RedisAddr     string        `long:"redis-addr" env:"REDIS_ADDR" description:"Redis address for the shared limiter and run lock (empty = disabled)"`
	RunLockTTL    time.Duration `long:"run-lock-ttl" env:"HARVEST_RUN_LOCK_TTL" default:"1h" description:"Run lock lease"`

	// Process
	AspectsFile string `long:"aspects-file" env:"HARVEST_ASPECTS_FILE" default:"configs/aspects.yaml" description:"YAML file describing upstream endpoints"`
	Schedule    string `long:"schedule" env:"HARVEST_SCHEDULE" description:"Cron spec for repeated runs, e.g. \"@every 1h\" (empty = run once)"`
	ListenAddr  string `long:"listen" env:"HARVEST_LISTEN_ADDR" description:"Status API address, e.g. :8080 (empty = disabled)"`
	LogLevel    string `long:"log-level" env:"LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`
	LogPretty   bool   `long:"log-pretty" env:"LOG_PRETTY" description:"Human readable console logs"`
}

// Config is the validated process configuration.
type Config struct {
	Options
	Aspects []model.AspectSpec
	Catalog *model.CatalogSpec
	Version string
}

// Load parses args (without the program name) and the environment, then
// reads the aspects file.
func Load(args []string) (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, err
	}

	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, ErrHelp
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	file, err := LoadAspectsFile(opts.AspectsFile)
	if err != nil {
		return nil, err
	}
	return build(opts, file)
}

// build resolves the tracked aspects and validates the result.
func build(opts Options, file *AspectsFile) (*Config, error) {
	names := make([]model.Aspect, 0, len(opts.TrackedAspects))
	for _, n := range opts.TrackedAspects {
		names = append(names, model.Aspect(n))
	}
	if len(names) == 0 {
		names = model.DefaultAspects()
	}
	aspects, err := file.Select(names)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Options: opts,
		Aspects: aspects,
		Catalog: file.Catalog,
		Version: GetVersion(),
	}
	if opts.SkipCatalog {
		cfg.Catalog = nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max-attempts must be >= 1 (got %d)", c.MaxAttempts)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max-batch-size must be >= 1 (got %d)", c.MaxBatchSize)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1 (got %d)", c.Workers)
	}
	if c.MaxEmptyAttempts < 0 {
		return fmt.Errorf("max-empty-attempts must be >= 0 (got %d)", c.MaxEmptyAttempts)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests-per-second must be >= 0 (got %v)", c.RequestsPerSecond)
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("max-in-flight must be >= 1 (got %d)", c.MaxInFlight)
	}
	if c.Workers > 1 && c.RequestsPerSecond == 0 && c.MinThinkTime <= 0 {
		return errors.New("workers > 1 needs requests-per-second or min-think-time to bound the request rate")
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("backoff-base must be > 0 (got %v)", c.BackoffBase)
	}
	// Retry delays grow strictly only while 2*base exceeds the jitter.
	if c.MaxJitter < 0 || c.MaxJitter >= 2*c.BackoffBase {
		return fmt.Errorf("max-jitter must be in [0, 2*backoff-base) (got %v, backoff-base %v)", c.MaxJitter, c.BackoffBase)
	}
	if c.ExcludePattern != "" {
		if _, err := regexp.Compile(c.ExcludePattern); err != nil {
			return fmt.Errorf("exclude-pattern: %w", err)
		}
	}
	if c.Store != StoreMemory && c.Store != StoreMongo {
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if len(c.Aspects) == 0 {
		return errors.New("no tracked aspects")
	}
	return nil
}

// FetcherConfig returns the fetcher settings. The limiter is wired by the
// caller.
func (c *Config) FetcherConfig() fetcher.Config {
	cfg := fetcher.DefaultConfig()
	cfg.MaxAttempts = c.MaxAttempts
	cfg.CooldownOnThrottle = c.CooldownOnThrottle
	cfg.MinThinkTime = c.MinThinkTime
	cfg.BackoffBase = c.BackoffBase
	cfg.MaxJitter = c.MaxJitter
	cfg.RequestTimeout = c.RequestTimeout
	if len(c.UserAgents) > 0 {
		cfg.UserAgents = c.UserAgents
	}
	return cfg
}

// NeedsLimiter reports whether a shared limiter must be created.
func (c *Config) NeedsLimiter() bool {
	return c.Workers > 1 || c.RequestsPerSecond > 0 || c.RedisAddr != ""
}

// LimiterConfig returns the limiter settings. Without an explicit rate,
// parallel workers are paced at one request per MinThinkTime, the rate of a
// single sequential worker.
func (c *Config) LimiterConfig() ratelimit.Config {
	cfg := ratelimit.Config{
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Workers,
		MaxInFlight:       c.MaxInFlight,
	}
	if cfg.RequestsPerSecond == 0 && c.Workers > 1 && c.MinThinkTime > 0 {
		cfg.RequestsPerSecond = 1 / c.MinThinkTime.Seconds()
		cfg.Burst = 1
	}
	return cfg
}

// HarvestConfig returns the run settings.
func (c *Config) HarvestConfig() harvest.Config {
	return harvest.Config{
		Aspects:           c.Aspects,
		MaxBatchSize:      c.MaxBatchSize,
		ExcludePattern:    c.ExcludePattern,
		MaxEmptyAttempts:  c.MaxEmptyAttempts,
		Workers:           c.Workers,
		ConcurrentAspects: c.ConcurrentAspects,
		Catalog:           c.Catalog,
	}
}

// MongoConfig returns the MongoDB connection settings.
func (c *Config) MongoConfig() mongostore.Config {
	cfg := mongostore.DefaultConfig()
	cfg.URI = c.MongoURI
	cfg.Database = c.MongoDatabase
	return cfg
}

// LoggingConfig returns the logger settings.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.LogLevel)
	cfg.Pretty = c.LogPretty
	return cfg
}

// loadEnvFiles loads .env files in priority order:
// 1. ENV_FILE environment variable (if set, loads only this file)
// 2. .env.local (if exists, overrides .env)
// 3. .env
// Variables already set in the environment always win.
func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	if err := godotenv.Load(".env.local"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env.local: %w", err)
	}
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}
