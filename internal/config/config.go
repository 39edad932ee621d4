package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds process configuration read from the environment.
type Config struct {
	Port           string        `env:"TAPLEDGER_PORT" envDefault:"8080"`
	DBPath         string        `env:"TAPLEDGER_DB_PATH" envDefault:"tapledger.db"`
	LogLevel       string        `env:"TAPLEDGER_LOG_LEVEL" envDefault:"info"`
	LogFormat      string        `env:"TAPLEDGER_LOG_FORMAT" envDefault:"text"`
	Timezone       string        `env:"TAPLEDGER_TIMEZONE"`
	DedupPrecision time.Duration `env:"TAPLEDGER_DEDUP_PRECISION" envDefault:"1s"`
	AdminTokenHash string        `env:"TAPLEDGER_ADMIN_TOKEN_HASH"`
	WSOrigins      []string      `env:"TAPLEDGER_WS_ORIGINS" envSeparator:","`

	VAPIDPublicKey  string `env:"TAPLEDGER_VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `env:"TAPLEDGER_VAPID_PRIVATE_KEY"`
	VAPIDSubscriber string `env:"TAPLEDGER_VAPID_SUBSCRIBER" envDefault:"admin@localhost"`
	DigestHour      int    `env:"TAPLEDGER_DIGEST_HOUR" envDefault:"18"`

	PostmarkToken   string   `env:"TAPLEDGER_POSTMARK_TOKEN"`
	DigestEmailFrom string   `env:"TAPLEDGER_DIGEST_EMAIL_FROM"`
	DigestEmailTo   []string `env:"TAPLEDGER_DIGEST_EMAIL_TO" envSeparator:","`

	Backup BackupConfig `envPrefix:"TAPLEDGER_BACKUP_"`
}

// BackupConfig configures encrypted snapshots to S3-compatible storage.
type BackupConfig struct {
	S3Endpoint  string        `env:"S3_ENDPOINT"`
	S3Bucket    string        `env:"S3_BUCKET"`
	S3Region    string        `env:"S3_REGION" envDefault:"us-east-1"`
	S3AccessKey string        `env:"S3_ACCESS_KEY"`
	S3SecretKey string        `env:"S3_SECRET_KEY"`
	Passphrase  string        `env:"PASSPHRASE"`
	Prefix      string        `env:"PREFIX" envDefault:"tapledger/"`
	Keep        int           `env:"KEEP" envDefault:"14"`
	Interval    time.Duration `env:"INTERVAL" envDefault:"24h"`
}

// Load reads an optional .env file and then parses the environment.
// Variables already set in the environment take precedence over the file.
func Load(dotenvPaths ...string) (Config, error) {
	if len(dotenvPaths) == 0 {
		dotenvPaths = []string{".env"}
	}
	for _, p := range dotenvPaths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", p, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DedupPrecision < 0 {
		return Config{}, fmt.Errorf("TAPLEDGER_DEDUP_PRECISION must not be negative, got %s", cfg.DedupPrecision)
	}
	if cfg.DigestHour < 0 || cfg.DigestHour > 23 {
		return Config{}, fmt.Errorf("TAPLEDGER_DIGEST_HOUR must be between 0 and 23, got %d", cfg.DigestHour)
	}
	if cfg.Backup.Keep < 0 {
		return Config{}, fmt.Errorf("TAPLEDGER_BACKUP_KEEP must not be negative, got %d", cfg.Backup.Keep)
	}
	if _, err := cfg.Location(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Location returns the configured attendance timezone, or nil when dates
// follow each event's own offset.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Warnings returns configuration that is valid but likely unintended, for
// logging at startup.
func (c Config) Warnings() []string {
	var warnings []string
	if c.Timezone == "" {
		warnings = append(warnings, "TAPLEDGER_TIMEZONE not set: attendance dates follow each event's offset but \"today\" is computed in UTC")
	}
	if c.AdminTokenHash == "" {
		warnings = append(warnings, "TAPLEDGER_ADMIN_TOKEN_HASH not set, admin routes are disabled")
	}
	return warnings
}
