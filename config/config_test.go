package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" || cfg.FanoutBatchSize != 100 || cfg.BadgeChunkSize != 50 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.ReminderInterval != 10*time.Minute || cfg.PurgeAfter != 720*time.Hour {
		t.Errorf("durations = %v / %v", cfg.ReminderInterval, cfg.PurgeAfter)
	}
	if !cfg.LocalMode() {
		t.Error("no bucket and no Mongo URI means local mode")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MONGO_URI", "mongodb://localhost:27017")
	t.Setenv("FANOUT_BATCH_DELAY", "250ms")
	t.Setenv("SCHEDULER_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LocalMode() {
		t.Error("Mongo URI disables local mode")
	}
	if cfg.FanoutBatchDelay != 250*time.Millisecond || !cfg.SchedulerEnabled {
		t.Errorf("overrides = %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"bad duration", "BADGE_INTERVAL", "soon", "parse env:"},
		{"batch too large", "FANOUT_BATCH_SIZE", "500", "FANOUT_BATCH_SIZE"},
		{"apns without topic", "APNS_CERT_FILE", "cert.p12", "APNS_TOPIC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}
