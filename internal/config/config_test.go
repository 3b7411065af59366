package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.SettlementPollInterval != 15*time.Second {
		t.Fatalf("SettlementPollInterval = %v", cfg.SettlementPollInterval)
	}
	if cfg.SettlementMaxAttempts != 5 {
		t.Fatalf("SettlementMaxAttempts = %d", cfg.SettlementMaxAttempts)
	}
	if cfg.PostgresDSN != "" {
		t.Fatalf("PostgresDSN = %q", cfg.PostgresDSN)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("SETTLEMENT_POLL_INTERVAL", "2s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.SettlementPollInterval != 2*time.Second {
		t.Fatalf("SettlementPollInterval = %v", cfg.SettlementPollInterval)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
}
