// Package config loads the server configuration from the environment, with
// an optional .env file, and the optional YAML seed file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// LogConfig selects the log level, format and destination.
type LogConfig struct {
	Level    string `env:"LEVEL" envDefault:"info"`
	Format   string `env:"FORMAT" envDefault:"json"`
	Output   string `env:"OUTPUT" envDefault:"console"`
	FilePath string `env:"FILE_PATH"`
}

// Config is the server configuration.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"REDIS_URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	JWTSecret string        `env:"JWT_SECRET,required,notEmpty"`
	JWTIssuer string        `env:"JWT_ISSUER" envDefault:"portfolio-engine"`
	TokenTTL  time.Duration `env:"JWT_TTL" envDefault:"24h"`

	FinnhubURL     string        `env:"FINNHUB_URL" envDefault:"https://finnhub.io/api/v1"`
	FinnhubToken   string        `env:"FINNHUB_TOKEN"`
	QuoteTimeout   time.Duration `env:"QUOTE_TIMEOUT" envDefault:"5s"`
	QuoteCacheTTL  time.Duration `env:"QUOTE_CACHE_TTL" envDefault:"15s"`
	QuoteCacheSize int64         `env:"QUOTE_CACHE_SIZE" envDefault:"10000"`
	SimulatorSeed  uint64        `env:"SIMULATOR_SEED" envDefault:"1"`

	DefaultBaseline    decimal.Decimal `env:"DEFAULT_BASELINE" envDefault:"100000"`
	HistoryMaxLimit    int             `env:"HISTORY_MAX_LIMIT" envDefault:"1000"`
	RefreshConcurrency int             `env:"REFRESH_CONCURRENCY" envDefault:"8"`

	// Cron specs; empty disables the job.
	HistoryCron string `env:"HISTORY_CRON" envDefault:"@every 5m"`
	RefreshCron string `env:"REFRESH_CRON"`

	KafkaBrokers []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string        `env:"KAFKA_TOPIC" envDefault:"ledger-events"`
	KafkaTimeout time.Duration `env:"KAFKA_TIMEOUT" envDefault:"5s"`

	SeedFile string `env:"SEED_FILE"`

	Log LogConfig `envPrefix:"LOG_"`
}

// Load reads .env (if present) and then the environment. Variables already
// set in the environment win over .env entries.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return parse()
}

func parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c Config) Validate() error {
	var errs []error
	if c.DefaultBaseline.IsNegative() {
		errs = append(errs, fmt.Errorf("DEFAULT_BASELINE must not be negative, got %s", c.DefaultBaseline))
	}
	if c.HistoryMaxLimit < 1 {
		errs = append(errs, fmt.Errorf("HISTORY_MAX_LIMIT must be positive, got %d", c.HistoryMaxLimit))
	}
	if c.RefreshConcurrency < 1 {
		errs = append(errs, fmt.Errorf("REFRESH_CONCURRENCY must be positive, got %d", c.RefreshConcurrency))
	}
	if c.QuoteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("QUOTE_TIMEOUT must be positive, got %s", c.QuoteTimeout))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required with KAFKA_BROKERS"))
	}
	return errors.Join(errs...)
}

// LiveQuotes reports whether a live quote provider is configured.
func (c Config) LiveQuotes() bool { return c.FinnhubToken != "" }

// Getenv returns the value of key, or fallback when unset. Used by the CLI,
// which reads a handful of variables without the server's requirements.
func Getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
