package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/ldtgate/internal/platform/phi"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	LDTCharset               string  `mapstructure:"LDT_CHARSET"`
	LDTFieldTable            string  `mapstructure:"LDT_FIELD_TABLE"`
	LDTMaxDecodeFailureRatio float64 `mapstructure:"LDT_MAX_DECODE_FAILURE_RATIO"`
	LDTMaxBodyBytes          string  `mapstructure:"LDT_MAX_BODY_BYTES"`

	MatchFuzzyThreshold float64       `mapstructure:"MATCH_FUZZY_THRESHOLD"`
	MatchLookupTimeout  time.Duration `mapstructure:"MATCH_LOOKUP_TIMEOUT"`
	DirectoryFile       string        `mapstructure:"DIRECTORY_FILE"`

	RetryBaseDelay   time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RetryMaxDelay    time.Duration `mapstructure:"RETRY_MAX_DELAY"`
	RetryMaxAttempts int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryInterval    time.Duration `mapstructure:"RETRY_INTERVAL"`
	RetryBatchSize   int           `mapstructure:"RETRY_BATCH_SIZE"`
	RetryConcurrency int           `mapstructure:"RETRY_CONCURRENCY"`

	QuarantineStaleAfter time.Duration `mapstructure:"QUARANTINE_STALE_AFTER"`
	PHIEncryptionKey     string        `mapstructure:"PHI_ENCRYPTION_KEY"`

	ArchiveS3Bucket   string `mapstructure:"ARCHIVE_S3_BUCKET"`
	ArchiveS3Region   string `mapstructure:"ARCHIVE_S3_REGION"`
	ArchiveS3Endpoint string `mapstructure:"ARCHIVE_S3_ENDPOINT"`
	ArchivePrefix     string `mapstructure:"ARCHIVE_PREFIX"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	TLSEnabled     bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string        `mapstructure:"TLS_KEY_FILE"`
}

var defaults = map[string]interface{}{
	"PORT":                         "8000",
	"ENV":                          "development",
	"STORE_DRIVER":                 DriverMemory,
	"DB_MAX_CONNS":                 20,
	"DB_MIN_CONNS":                 2,
	"SQLITE_PATH":                  "data/ldtgate.db",
	"LDT_CHARSET":                  "",
	"LDT_MAX_DECODE_FAILURE_RATIO": 1.0,
	"LDT_MAX_BODY_BYTES":           "4M",
	"MATCH_FUZZY_THRESHOLD":        0.90,
	"MATCH_LOOKUP_TIMEOUT":         "2s",
	"RETRY_BASE_DELAY":             "30s",
	"RETRY_MAX_DELAY":              "30m",
	"RETRY_MAX_ATTEMPTS":           8,
	"RETRY_INTERVAL":               "1m",
	"RETRY_BATCH_SIZE":             50,
	"RETRY_CONCURRENCY":            4,
	"QUARANTINE_STALE_AFTER":       "24h",
	"ARCHIVE_S3_REGION":            "eu-central-1",
	"ARCHIVE_PREFIX":               "ldt",
	"REQUEST_TIMEOUT":              "30s",
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"SQLITE_PATH", "REDIS_URL",
	"LDT_CHARSET", "LDT_FIELD_TABLE", "LDT_MAX_DECODE_FAILURE_RATIO", "LDT_MAX_BODY_BYTES",
	"MATCH_FUZZY_THRESHOLD", "MATCH_LOOKUP_TIMEOUT", "DIRECTORY_FILE",
	"RETRY_BASE_DELAY", "RETRY_MAX_DELAY", "RETRY_MAX_ATTEMPTS", "RETRY_INTERVAL",
	"RETRY_BATCH_SIZE", "RETRY_CONCURRENCY",
	"QUARANTINE_STALE_AFTER", "PHI_ENCRYPTION_KEY",
	"ARCHIVE_S3_BUCKET", "ARCHIVE_S3_REGION", "ARCHIVE_S3_ENDPOINT", "ARCHIVE_PREFIX",
	"REQUEST_TIMEOUT", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

// Load reads configuration from the environment, with an optional .env file
// in the working directory underneath it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	// Unmarshal only sees keys viper knows about
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// a missing .env is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_DRIVER=memory loses the idempotency ledger on restart; use postgres or sqlite in production")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
		}
		if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) are inconsistent", c.DBMinConns, c.DBMaxConns)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is sqlite")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q or %q, got %q",
			DriverMemory, DriverPostgres, DriverSQLite, c.StoreDriver)
	}

	if c.LDTMaxDecodeFailureRatio < 0 || c.LDTMaxDecodeFailureRatio > 1 {
		return fmt.Errorf("LDT_MAX_DECODE_FAILURE_RATIO must be within [0,1], got %v", c.LDTMaxDecodeFailureRatio)
	}
	if c.MatchFuzzyThreshold <= 0 || c.MatchFuzzyThreshold > 1 {
		return fmt.Errorf("MATCH_FUZZY_THRESHOLD must be within (0,1], got %v", c.MatchFuzzyThreshold)
	}

	for name, d := range map[string]time.Duration{
		"MATCH_LOOKUP_TIMEOUT":   c.MatchLookupTimeout,
		"RETRY_BASE_DELAY":       c.RetryBaseDelay,
		"RETRY_MAX_DELAY":        c.RetryMaxDelay,
		"RETRY_INTERVAL":         c.RetryInterval,
		"QUARANTINE_STALE_AFTER": c.QuarantineStaleAfter,
		"REQUEST_TIMEOUT":        c.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("RETRY_MAX_DELAY (%s) is below RETRY_BASE_DELAY (%s)", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.RetryMaxAttempts <= 0 || c.RetryBatchSize <= 0 || c.RetryConcurrency <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS, RETRY_BATCH_SIZE and RETRY_CONCURRENCY must be positive")
	}

	if c.IsProduction() && c.PHIEncryptionKey == "" {
		return fmt.Errorf("PHI_ENCRYPTION_KEY is required in production")
	}
	if c.PHIEncryptionKey != "" {
		if _, err := phi.ParseKey(c.PHIEncryptionKey); err != nil {
			return fmt.Errorf("PHI_ENCRYPTION_KEY: %w", err)
		}
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}
