package config

import (
	"testing"
	"time"
)

type sampleConfig struct {
	Brokers   []string      `env:"KAFKA_BROKERS" envSeparator:","`
	PollEvery time.Duration `env:"POLL_EVERY" envDefault:"2s"`
	BatchSize int           `env:"BATCH_SIZE" envDefault:"50"`
	Enabled   bool          `env:"ENABLED" envDefault:"true"`
}

func TestParseWithDefaults(t *testing.T) {
	cfg, err := ParseWith[sampleConfig](map[string]string{
		"KAFKA_BROKERS": "a:9092,b:9092",
		"BATCH_SIZE":    "10",
	})
	if err != nil {
		t.Fatalf("ParseWith failed: %v", err)
	}
	if len(cfg.Brokers) != 2 || cfg.Brokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.Brokers)
	}
	if cfg.PollEvery != 2*time.Second || cfg.BatchSize != 10 || !cfg.Enabled {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseWithInvalidValue(t *testing.T) {
	if _, err := ParseWith[sampleConfig](map[string]string{"BATCH_SIZE": "many"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestPort(t *testing.T) {
	t.Setenv("TEST_PORT", "70000")
	if _, err := Port("TEST_PORT", "8080"); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
	t.Setenv("TEST_PORT", "")
	p, err := Port("TEST_PORT", "8080")
	if err != nil || p != "8080" {
		t.Fatalf("expected fallback port, got %q err=%v", p, err)
	}
}
