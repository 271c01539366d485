package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"hiveledger/internal/units"
)

// Duration wraps time.Duration so YAML values like "1h" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models hiveledger.yml.
type Config struct {
	Fees struct {
		ProtocolBps int64 `yaml:"protocol_bps"`
		OperatorBps int64 `yaml:"operator_bps"`
	} `yaml:"fees"`
	Pools struct {
		WorkBps int64 `yaml:"work_bps"`
	} `yaml:"pools"`
	Epoch struct {
		Duration Duration `yaml:"duration"`
	} `yaml:"epoch"`
	Vault struct {
		MaxSinglePayout  string   `yaml:"max_single_payout"`
		MinReserve       string   `yaml:"min_reserve"`
		DailyPayoutLimit string   `yaml:"daily_payout_limit"`
		ReconcileEvery   Duration `yaml:"reconcile_every"`
		ConfirmTimeout   Duration `yaml:"confirm_timeout"`
	} `yaml:"vault"`
	Rail struct {
		// Endpoint empty means no gateway: payouts resolve through the
		// confirm/fail callbacks only.
		Endpoint string   `yaml:"endpoint"`
		Timeout  Duration `yaml:"timeout"`
	} `yaml:"rail"`
	Archive struct {
		Endpoint string   `yaml:"endpoint"`
		Timeout  Duration `yaml:"timeout"`
	} `yaml:"archive"`
	Signer struct {
		Endpoint string   `yaml:"endpoint"`
		Timeout  Duration `yaml:"timeout"`
	} `yaml:"signer"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Seal struct {
		MaxAttempts int      `yaml:"max_attempts"`
		Backoff     Duration `yaml:"backoff"`
	} `yaml:"seal"`
}

// Amount fields stay strings in YAML and parse on access so a typo in
// hiveledger.yml fails Validate instead of silently truncating.

func (c *Config) MaxSinglePayout() units.Amount  { return units.MustParse(c.Vault.MaxSinglePayout) }
func (c *Config) MinReserve() units.Amount       { return units.MustParse(c.Vault.MinReserve) }
func (c *Config) DailyPayoutLimit() units.Amount { return units.MustParse(c.Vault.DailyPayoutLimit) }

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	checkBps := func(name string, v int64) error {
		if v < 0 || v > 10_000 {
			return fmt.Errorf("config.%s must be between 0 and 10000 basis points", name)
		}
		return nil
	}
	if err := checkBps("fees.protocol_bps", c.Fees.ProtocolBps); err != nil {
		return err
	}
	if err := checkBps("fees.operator_bps", c.Fees.OperatorBps); err != nil {
		return err
	}
	if c.Fees.ProtocolBps+c.Fees.OperatorBps >= 10_000 {
		return fmt.Errorf("config.fees must leave revenue to distribute")
	}
	if err := checkBps("pools.work_bps", c.Pools.WorkBps); err != nil {
		return err
	}
	if c.Epoch.Duration <= 0 {
		return fmt.Errorf("config.epoch.duration must be positive")
	}
	for name, raw := range map[string]string{
		"vault.max_single_payout":  c.Vault.MaxSinglePayout,
		"vault.min_reserve":        c.Vault.MinReserve,
		"vault.daily_payout_limit": c.Vault.DailyPayoutLimit,
	} {
		v, err := units.Parse(raw)
		if err != nil {
			return fmt.Errorf("config.%s: %w", name, err)
		}
		if v < 0 {
			return fmt.Errorf("config.%s must not be negative", name)
		}
	}
	if c.Vault.ReconcileEvery <= 0 {
		return fmt.Errorf("config.vault.reconcile_every must be positive")
	}
	if c.Vault.ConfirmTimeout <= 0 {
		return fmt.Errorf("config.vault.confirm_timeout must be positive")
	}
	if c.Seal.MaxAttempts < 1 {
		return fmt.Errorf("config.seal.max_attempts must be at least 1")
	}
	if c.Seal.Backoff < 0 {
		return fmt.Errorf("config.seal.backoff must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "hiveledger.yml")
}

// Load reads and validates config from workspace. Falls back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Fields left
// unset take their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.Fees.ProtocolBps = 200
	cfg.Fees.OperatorBps = 500
	cfg.Pools.WorkBps = 7000
	cfg.Epoch.Duration = Duration(time.Hour)
	cfg.Vault.MaxSinglePayout = "100.00"
	cfg.Vault.MinReserve = "50.00"
	cfg.Vault.DailyPayoutLimit = "500.00"
	cfg.Vault.ReconcileEvery = Duration(time.Minute)
	cfg.Vault.ConfirmTimeout = Duration(15 * time.Minute)
	cfg.Rail.Timeout = Duration(10 * time.Second)
	cfg.Archive.Endpoint = "http://127.0.0.1:5001"
	cfg.Archive.Timeout = Duration(30 * time.Second)
	cfg.Signer.Endpoint = "http://127.0.0.1:7300"
	cfg.Signer.Timeout = Duration(10 * time.Second)
	cfg.Seal.MaxAttempts = 5
	cfg.Seal.Backoff = Duration(2 * time.Second)
	return &cfg
}

// GenerateDefault returns default config YAML for hl config init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `fees:
  protocol_bps: 200
  operator_bps: 500

pools:
  work_bps: 7000

epoch:
  duration: 1h

vault:
  max_single_payout: "100.00"
  min_reserve: "50.00"
  daily_payout_limit: "500.00"
  reconcile_every: 1m
  confirm_timeout: 15m

rail:
  endpoint: ""
  timeout: 10s

archive:
  endpoint: http://127.0.0.1:5001
  timeout: 30s

signer:
  endpoint: http://127.0.0.1:7300
  timeout: 10s

seal:
  max_attempts: 5
  backoff: 2s
`
