package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models bloodline.yml.
type Config struct {
	Network struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"network"`
	BloodGroups []string `yaml:"blood_groups"`
	Policy      Policy   `yaml:"policy"`
	Webhooks    []WebhookConfig `yaml:"webhooks"`
}

// Policy carries the time and money knobs of the coordination rules.
type Policy struct {
	ExchangeWindowDays  int           `yaml:"exchange_window_days"`
	RequestTTLMinutes   int           `yaml:"request_ttl_minutes"`
	ObligationTermDays  int           `yaml:"obligation_term_days"`
	ExtensionDays       int           `yaml:"extension_days"`
	MaxExtensions       int           `yaml:"max_extensions"`
	DepositPerUnit      int           `yaml:"deposit_per_unit"`
	Tiers               []PenaltyTier `yaml:"tiers"`
	BlockedAfterDays    int           `yaml:"blocked_after_days"`
}

// PenaltyTier is one escalation step: it applies while daysOverdue is at
// most UpToDays (the first tier, UpToDays=0, is the on-time band).
type PenaltyTier struct {
	UpToDays      int     `yaml:"up_to_days"`
	Multiplier    float64 `yaml:"multiplier"`
	RefundPercent int     `yaml:"refund_percent"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with bl network config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Network.ID == "" {
		return fmt.Errorf("config.network.id is required")
	}
	if len(c.BloodGroups) == 0 {
		return fmt.Errorf("config.blood_groups is required")
	}
	seen := map[string]bool{}
	for _, g := range c.BloodGroups {
		if g == "" {
			return fmt.Errorf("config.blood_groups contains empty group")
		}
		if seen[g] {
			return fmt.Errorf("config.blood_groups duplicates %s", g)
		}
		seen[g] = true
	}
	p := c.Policy
	if p.ExchangeWindowDays <= 0 {
		return fmt.Errorf("policy.exchange_window_days must be positive")
	}
	if p.RequestTTLMinutes <= 0 {
		return fmt.Errorf("policy.request_ttl_minutes must be positive")
	}
	if p.ObligationTermDays <= 0 {
		return fmt.Errorf("policy.obligation_term_days must be positive")
	}
	if p.ExtensionDays <= 0 {
		return fmt.Errorf("policy.extension_days must be positive")
	}
	if p.MaxExtensions < 0 {
		return fmt.Errorf("policy.max_extensions must not be negative")
	}
	if p.DepositPerUnit < 0 {
		return fmt.Errorf("policy.deposit_per_unit must not be negative")
	}
	if len(p.Tiers) == 0 {
		return fmt.Errorf("policy.tiers is required")
	}
	if p.Tiers[0].UpToDays != 0 {
		return fmt.Errorf("policy.tiers[0].up_to_days must be 0 (on-time band)")
	}
	for i, t := range p.Tiers {
		if t.Multiplier < 1 {
			return fmt.Errorf("policy.tiers[%d].multiplier must be at least 1", i)
		}
		if t.RefundPercent < 0 || t.RefundPercent > 100 {
			return fmt.Errorf("policy.tiers[%d].refund_percent out of range", i)
		}
		if i == 0 {
			continue
		}
		prev := p.Tiers[i-1]
		if t.UpToDays <= prev.UpToDays {
			return fmt.Errorf("policy.tiers[%d].up_to_days must increase", i)
		}
		if t.RefundPercent > prev.RefundPercent {
			return fmt.Errorf("policy.tiers[%d].refund_percent must not increase", i)
		}
		if t.Multiplier < prev.Multiplier {
			return fmt.Errorf("policy.tiers[%d].multiplier must not decrease", i)
		}
	}
	if p.BlockedAfterDays != p.Tiers[len(p.Tiers)-1].UpToDays {
		return fmt.Errorf("policy.blocked_after_days must equal the last tier boundary")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bloodline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(networkID string) string {
	return fmt.Sprintf(defaultTemplate, networkID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a network.
func Default(networkID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, networkID))).Decode(&cfg)
	cfg.Network.ID = networkID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `network:
  id: %s
  name: Bloodline network

blood_groups: [O-, O+, A-, A+, B-, B+, AB-, AB+]

policy:
  exchange_window_days: 15
  request_ttl_minutes: 30
  obligation_term_days: 30
  extension_days: 7
  max_extensions: 3
  deposit_per_unit: 2000

  tiers:
    - up_to_days: 0
      multiplier: 1.00
      refund_percent: 75
    - up_to_days: 7
      multiplier: 1.25
      refund_percent: 50
    - up_to_days: 14
      multiplier: 1.50
      refund_percent: 25
    - up_to_days: 21
      multiplier: 1.75
      refund_percent: 0

  blocked_after_days: 21

webhooks: []
`
