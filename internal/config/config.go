package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"

	StrategySQL    = "sql"
	StrategyMemory = "memory"
)

type Config struct {
	StoreDriver   string
	DatabaseURL   string
	SQLitePath    string
	DataSources   []string
	BatchSize     int
	AutoIngest    bool
	QueryStrategy string
	HTTPAddr      string
	FetchTimeout  time.Duration
	StaleRunAfter time.Duration

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	S3Region    string

	LogLevel  string
	LogFormat string
}

// LoadEnvFiles loads .env files if present. Variables already set in the
// environment win. Tries one level up too, for runs from cmd/<name>.
func LoadEnvFiles() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")
}

func getString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getBool(key, def string) bool {
	v := os.Getenv(key)
	if v == "" {
		v = def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getList(key string, def []string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// DefaultSources is tried in order when DATA_SOURCES is unset: the chunk
// manifest first, then the monolithic document.
var DefaultSources = []string{
	"data/manifest.json",
	"data/vulns.json",
}

func Load() (Config, error) {
	cfg := Config{
		StoreDriver:   strings.ToLower(getString("STORE_DRIVER", "")),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		SQLitePath:    getString("SQLITE_PATH", "data/vulnboard.db"),
		DataSources:   getList("DATA_SOURCES", DefaultSources),
		BatchSize:     getInt("INGEST_BATCH_SIZE", 5000),
		AutoIngest:    getBool("AUTO_INGEST", "true"),
		QueryStrategy: strings.ToLower(getString("QUERY_STRATEGY", StrategySQL)),
		HTTPAddr:      getString("HTTP_ADDR", ":8080"),
		FetchTimeout:  time.Duration(getInt("FETCH_TIMEOUT_SECONDS", 120)) * time.Second,
		StaleRunAfter: time.Duration(getInt("STALE_RUN_MINUTES", 30)) * time.Minute,
		S3Endpoint:    os.Getenv("S3_ENDPOINT"),
		S3AccessKey:   os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:   os.Getenv("S3_SECRET_KEY"),
		S3UseSSL:      getBool("S3_USE_SSL", "false"),
		S3Region:      os.Getenv("S3_REGION"),
		LogLevel:      getString("LOG_LEVEL", "info"),
		LogFormat:     getString("LOG_FORMAT", "json"),
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = DriverMemory
		if cfg.DatabaseURL != "" {
			cfg.StoreDriver = DriverPostgres
		}
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORE_DRIVER=%s", c.StoreDriver)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for STORE_DRIVER=%s", c.StoreDriver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.QueryStrategy {
	case StrategySQL, StrategyMemory:
	default:
		return fmt.Errorf("unknown QUERY_STRATEGY %q", c.QueryStrategy)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("INGEST_BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT_SECONDS must be positive")
	}
	return nil
}
