package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Values come from built-in
// defaults, then an optional YAML file (SCRAPER_CONFIG), then environment
// variables (including a .env file).
type Config struct {
	Postgres PostgresConfig `yaml:"postgres"`

	DBDriver string `yaml:"db_driver"`
	DBURL    string `yaml:"db_url"`

	Sources           []string      `yaml:"sources"`
	SourceConcurrency int           `yaml:"source_concurrency"`
	SourceStaggerMs   int           `yaml:"source_stagger_ms"`
	RunTimeout        time.Duration `yaml:"run_timeout"`

	UserAgent      string        `yaml:"user_agent"`
	MinSleepMs     int           `yaml:"min_sleep_ms"`
	MaxSleepMs     int           `yaml:"max_sleep_ms"`
	MaxPages       int           `yaml:"max_pages"`
	HTTPTimeout    time.Duration `yaml:"http_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	BackoffMs      int           `yaml:"backoff_ms"`
	RateLimit      float64       `yaml:"rate_limit"`
	CommissionRate float64       `yaml:"commission_rate"`

	DNB  DNBConfig  `yaml:"dnb"`
	Hjem HjemConfig `yaml:"hjem"`

	SnapshotOutDir string `yaml:"snapshot_out_dir"`
	SnapshotJSON   bool   `yaml:"snapshot_json"`

	LogLevel string `yaml:"log_level"`
}

// PostgresConfig is used to build a DSN when no DB URL is given.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DB       string `yaml:"db"`
	SSLMode  string `yaml:"sslmode"`
}

type DNBConfig struct {
	URL      string `yaml:"url"`
	Referer  string `yaml:"referer"`
	PageSize int    `yaml:"page_size"`
}

type HjemConfig struct {
	URL      string `yaml:"url"`
	Referer  string `yaml:"referer"`
	PageSize int    `yaml:"page_size"`
	// PublishFrom and PublishTo bound publish_date in unix seconds; 0 leaves
	// that side of the window at its default.
	PublishFrom int64 `yaml:"publish_from"`
	PublishTo   int64 `yaml:"publish_to"`
}

const sqliteFile = "megler.db"

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Postgres: PostgresConfig{
			Host:    "localhost",
			Port:    "5432",
			User:    "scraper",
			DB:      "megler",
			SSLMode: "disable",
		},
		DBDriver: "postgres",

		Sources:           []string{"dnb", "hjem"},
		SourceConcurrency: 1,
		RunTimeout:        60 * time.Minute,

		UserAgent:      "MeglerMonitor/POC (+contact: you@example.com)",
		MinSleepMs:     500,
		MaxSleepMs:     1500,
		HTTPTimeout:    30 * time.Second,
		MaxRetries:     3,
		BackoffMs:      300,
		CommissionRate: 0.0125,

		DNB: DNBConfig{
			URL:      "https://dnbeiendom.no/api/v1/cognitivesearch/properties",
			Referer:  "https://dnbeiendom.no/",
			PageSize: 24,
		},
		Hjem: HjemConfig{
			URL:      "https://apigw.hjem.no/search-backend/api/v4/property/search",
			Referer:  "https://hjem.no/",
			PageSize: 50,
		},

		SnapshotOutDir: "out/raw",
		LogLevel:       "info",
	}
}

// Load reads the .env file, the optional YAML file and the environment and
// returns a populated Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	cfg := Default()
	if path := os.Getenv("SCRAPER_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Postgres.Host = getEnv("POSTGRES_HOST", c.Postgres.Host)
	c.Postgres.Port = getEnv("POSTGRES_PORT", c.Postgres.Port)
	c.Postgres.User = getEnv("POSTGRES_USER", c.Postgres.User)
	c.Postgres.Password = getEnv("POSTGRES_PASSWORD", c.Postgres.Password)
	c.Postgres.DB = getEnv("POSTGRES_DB", c.Postgres.DB)
	c.Postgres.SSLMode = getEnv("POSTGRES_SSLMODE", c.Postgres.SSLMode)

	c.DBDriver = strings.ToLower(getEnv("DB_DRIVER", c.DBDriver))
	c.DBURL = getEnv("SCRAPER_DB_URL", c.DBURL)

	if v := os.Getenv("SCRAPER_SOURCES"); v != "" {
		c.Sources = splitList(v)
	}
	c.SourceConcurrency = getEnvInt("SOURCE_CONCURRENCY", c.SourceConcurrency)
	c.SourceStaggerMs = getEnvInt("SOURCE_STAGGER_MS", c.SourceStaggerMs)
	c.RunTimeout = getEnvDuration("RUN_TIMEOUT_MIN", time.Minute, c.RunTimeout)

	c.UserAgent = getEnv("SCRAPER_USER_AGENT", c.UserAgent)
	c.MinSleepMs = getEnvInt("SCRAPER_MIN_SLEEP_MS", c.MinSleepMs)
	c.MaxSleepMs = getEnvInt("SCRAPER_MAX_SLEEP_MS", c.MaxSleepMs)
	c.MaxPages = getEnvInt("SCRAPER_MAX_PAGES", c.MaxPages)
	c.HTTPTimeout = getEnvDuration("HTTP_TIMEOUT_SEC", time.Second, c.HTTPTimeout)
	c.MaxRetries = getEnvInt("HTTP_MAX_RETRIES", c.MaxRetries)
	c.BackoffMs = getEnvInt("HTTP_BACKOFF_MS", c.BackoffMs)
	c.RateLimit = getEnvFloat("HTTP_RATE_LIMIT", c.RateLimit)
	c.CommissionRate = getEnvFloat("SCRAPER_COMMISSION_RATE", c.CommissionRate)

	c.DNB.URL = getEnv("DNB_URL", c.DNB.URL)
	c.DNB.PageSize = getEnvInt("DNB_PAGE_SIZE", c.DNB.PageSize)
	c.Hjem.URL = getEnv("HJEM_URL", c.Hjem.URL)
	c.Hjem.PageSize = getEnvInt("HJEM_PAGE_SIZE", c.Hjem.PageSize)
	c.Hjem.PublishFrom = getEnvInt64("HJEM_PUBLISH_FROM", c.Hjem.PublishFrom)
	c.Hjem.PublishTo = getEnvInt64("HJEM_PUBLISH_TO", c.Hjem.PublishTo)

	c.SnapshotOutDir = getEnv("SNAPSHOT_OUT_DIR", c.SnapshotOutDir)
	c.SnapshotJSON = getEnvBool("SNAPSHOT_JSON", c.SnapshotJSON)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

// Validate rejects configurations the pipeline cannot start with.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("config: no sources enabled")
	}
	for _, s := range c.Sources {
		switch s {
		case "dnb", "hjem":
		default:
			return fmt.Errorf("config: unknown source %q", s)
		}
	}
	switch c.DBDriver {
	case "postgres", "pgx", "sqlite", "none", "":
	default:
		return fmt.Errorf("config: unknown DB_DRIVER %q", c.DBDriver)
	}
	if c.MinSleepMs < 0 || c.MaxSleepMs < c.MinSleepMs {
		return fmt.Errorf("config: invalid sleep range %d..%dms", c.MinSleepMs, c.MaxSleepMs)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("config: negative HTTP_RATE_LIMIT %v", c.RateLimit)
	}
	if c.DNB.PageSize <= 0 || c.Hjem.PageSize <= 0 {
		return fmt.Errorf("config: page sizes must be positive")
	}
	if c.Hjem.PublishFrom > 0 && c.Hjem.PublishTo > 0 && c.Hjem.PublishFrom > c.Hjem.PublishTo {
		return fmt.Errorf("config: hjem publish window is inverted (%d > %d)", c.Hjem.PublishFrom, c.Hjem.PublishTo)
	}
	return nil
}

// DSN returns the connection string for the configured driver. Without a
// DB URL, sqlite gets a database file next to the snapshots and the
// Postgres drivers get a keyword string built from PostgresConfig.
func (c *Config) DSN() string {
	if c.DBURL != "" {
		return c.DBURL
	}
	if c.DBDriver == "sqlite" {
		return filepath.Join(c.SnapshotOutDir, sqliteFile)
	}
	return "host=" + c.Postgres.Host +
		" port=" + c.Postgres.Port +
		" user=" + c.Postgres.User +
		" password=" + c.Postgres.Password +
		" dbname=" + c.Postgres.DB +
		" sslmode=" + c.Postgres.SSLMode
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "all" {
			return []string{"dnb", "hjem"}
		}
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration reads a whole number of units from key. An unset or
// malformed value leaves fallback untouched.
func getEnvDuration(key string, unit, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return time.Duration(n) * unit
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}
