package config

import (
	"strings"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default("net-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Network.ID != "net-1" {
		t.Fatalf("network id = %s", cfg.Network.ID)
	}
	if cfg.Policy.BlockedAfterDays != cfg.Policy.Tiers[len(cfg.Policy.Tiers)-1].UpToDays {
		t.Fatalf("blocked_after_days must match the last tier boundary")
	}
}

func TestValidateTierRules(t *testing.T) {
	base := func() *Config { return Default("net-1") }

	cfg := base()
	cfg.Policy.Tiers[0].UpToDays = 1
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "tiers[0]") {
		t.Fatalf("first tier must anchor at 0: %v", err)
	}

	cfg = base()
	cfg.Policy.Tiers[2].UpToDays = 7
	if err := cfg.Validate(); err == nil {
		t.Fatalf("non-increasing boundaries should be rejected")
	}

	cfg = base()
	cfg.Policy.Tiers[1].RefundPercent = 90
	if err := cfg.Validate(); err == nil {
		t.Fatalf("increasing refund percent should be rejected")
	}

	cfg = base()
	cfg.Policy.Tiers[3].Multiplier = 1.10
	if err := cfg.Validate(); err == nil {
		t.Fatalf("decreasing multiplier should be rejected")
	}

	cfg = base()
	cfg.Policy.BlockedAfterDays = 30
	if err := cfg.Validate(); err == nil {
		t.Fatalf("blocked_after_days off the last boundary should be rejected")
	}
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	cfg := Default("net-1")
	cfg.Policy.ExchangeWindowDays = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("zero exchange window should be rejected")
	}

	cfg = Default("net-1")
	cfg.BloodGroups = []string{"O-", "O-"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("duplicate blood groups should be rejected")
	}

	cfg = Default("net-1")
	cfg.Webhooks = []WebhookConfig{{}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("webhook without url should be rejected")
	}
}

func TestFromYAMLRoundTrip(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("net-9")))
	if err != nil {
		t.Fatalf("parse generated default: %v", err)
	}
	if cfg.Network.ID != "net-9" {
		t.Fatalf("network id = %s", cfg.Network.ID)
	}
	if cfg.Policy.DepositPerUnit != 2000 || cfg.Policy.MaxExtensions != 3 {
		t.Fatalf("unexpected policy: %+v", cfg.Policy)
	}
}
