// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every setting of the service.
type Config struct {
	Port    string `env:"PORT" envDefault:"8080"`
	AppName string `env:"APP_NAME" envDefault:"Campaigns"`

	// Document store backend: Mongo if MongoURI is set, else GCS if Bucket is
	// set, else a local directory.
	LocalStorage          string `env:"LOCAL_STORAGE"`
	Bucket                string `env:"STORAGE_BUCKET"`
	GoogleCredentialsJSON string `env:"GOOGLE_CREDENTIALS_JSON"`
	MongoURI              string `env:"MONGO_URI"`
	MongoDatabase         string `env:"MONGO_DATABASE" envDefault:"campaigns"`

	ExpoAccessToken  string `env:"EXPO_ACCESS_TOKEN"`
	ExpoEndpoint     string `env:"EXPO_ENDPOINT"`
	APNsCertFile     string `env:"APNS_CERT_FILE"`
	APNsCertPassword string `env:"APNS_CERT_PASSWORD"`
	APNsTopic        string `env:"APNS_TOPIC"`
	APNsProduction   bool   `env:"APNS_PRODUCTION"`
	MockPush         bool   `env:"MOCK_PUSH"`

	JWTSecret        string `env:"JWT_SECRET"`
	JobToken         string `env:"JOB_TOKEN"`
	SchedulerEnabled bool   `env:"SCHEDULER_ENABLED"`

	BadgeInterval    time.Duration `env:"BADGE_INTERVAL" envDefault:"6h"`
	ReminderInterval time.Duration `env:"REMINDER_INTERVAL" envDefault:"10m"`
	PurgeInterval    time.Duration `env:"PURGE_INTERVAL" envDefault:"24h"`
	PurgeAfter       time.Duration `env:"PURGE_AFTER" envDefault:"720h"`

	FanoutBatchSize  int           `env:"FANOUT_BATCH_SIZE" envDefault:"100"`
	FanoutBatchDelay time.Duration `env:"FANOUT_BATCH_DELAY" envDefault:"1s"`
	BadgeChunkSize   int           `env:"BADGE_CHUNK_SIZE" envDefault:"50"`
	BadgeChunkDelay  time.Duration `env:"BADGE_CHUNK_DELAY" envDefault:"1s"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LocalMode reports whether documents are kept in a local directory.
func (c *Config) LocalMode() bool {
	return c.MongoURI == "" && c.Bucket == ""
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.FanoutBatchSize <= 0 || c.FanoutBatchSize > 100 {
		errs = append(errs, fmt.Errorf("FANOUT_BATCH_SIZE must be between 1 and 100, got %d", c.FanoutBatchSize))
	}
	if c.BadgeChunkSize <= 0 || c.BadgeChunkSize > 100 {
		errs = append(errs, fmt.Errorf("BADGE_CHUNK_SIZE must be between 1 and 100, got %d", c.BadgeChunkSize))
	}
	if c.APNsCertFile != "" && c.APNsTopic == "" {
		errs = append(errs, errors.New("APNS_TOPIC is required with APNS_CERT_FILE"))
	}
	if c.PurgeAfter <= 0 {
		errs = append(errs, errors.New("PURGE_AFTER must be positive"))
	}
	return errors.Join(errs...)
}
