package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values read as "30s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Source is one data source endpoint behind a logical source name.
type Source struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Endpoint string `yaml:"endpoint,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
}

// Seed is a principal provisioned on first run.
type Seed struct {
	ID        string `yaml:"id"`
	Role      string `yaml:"role"`
	WalletRef string `yaml:"wallet_ref,omitempty"`
}

// Config models grantline.yml.
type Config struct {
	Aggregation struct {
		Sources       map[string][]Source `yaml:"sources"`
		CacheTTL      Duration            `yaml:"cache_ttl"`
		SourceTimeout Duration            `yaml:"source_timeout"`
	} `yaml:"aggregation"`
	Payment struct {
		Currency      string   `yaml:"currency"`
		DefaultMethod string   `yaml:"default_method"`
		MaxAttempts   int      `yaml:"max_attempts"`
		BaseDelay     Duration `yaml:"base_delay"`
		MaxDelay      Duration `yaml:"max_delay"`
		SweepSchedule string   `yaml:"sweep_schedule"`
	} `yaml:"payment"`
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Principals []Seed `yaml:"principals"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "grantline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run gl init to generate one", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Payment.Currency == "" {
		return fmt.Errorf("config.payment.currency is required")
	}
	switch c.Payment.DefaultMethod {
	case "bank_transfer", "card", "wire", "crypto":
	default:
		return fmt.Errorf("config.payment.default_method %q is not a known method", c.Payment.DefaultMethod)
	}
	if c.Payment.MaxAttempts < 1 {
		return fmt.Errorf("config.payment.max_attempts must be at least 1")
	}
	for logical, sources := range c.Aggregation.Sources {
		if logical == "" {
			return fmt.Errorf("config.aggregation.sources contains empty logical name")
		}
		if len(sources) == 0 {
			return fmt.Errorf("logical source %s has no endpoints", logical)
		}
		for _, src := range sources {
			if src.Name == "" {
				return fmt.Errorf("logical source %s has an endpoint without a name", logical)
			}
			switch src.Kind {
			case "http", "static":
			default:
				return fmt.Errorf("source %s has unknown kind %q", src.Name, src.Kind)
			}
			if src.Kind == "http" && src.Endpoint == "" {
				return fmt.Errorf("http source %s requires an endpoint", src.Name)
			}
		}
	}
	for _, seed := range c.Principals {
		if seed.ID == "" {
			return fmt.Errorf("config.principals contains an entry without an id")
		}
		switch seed.Role {
		case "government", "producer", "auditor", "oracle":
		default:
			return fmt.Errorf("principal %s has unknown role %q", seed.ID, seed.Role)
		}
	}
	return nil
}

// Default returns the built-in defaults.
func Default() *Config {
	var cfg Config
	cfg.Aggregation.CacheTTL = Duration{5 * time.Minute}
	cfg.Aggregation.SourceTimeout = Duration{10 * time.Second}
	cfg.Payment.Currency = "EUR"
	cfg.Payment.DefaultMethod = "bank_transfer"
	cfg.Payment.MaxAttempts = 3
	cfg.Payment.BaseDelay = Duration{500 * time.Millisecond}
	cfg.Payment.MaxDelay = Duration{10 * time.Second}
	cfg.Payment.SweepSchedule = "@every 5m"
	cfg.Server.Addr = ":8085"
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `aggregation:
  cache_ttl: 5m
  source_timeout: 10s
  sources:
    grid-meter:
      - name: grid-meter-primary
        kind: http
        endpoint: https://meters.example.org/v1/readings
    field-sensor:
      - name: field-sensor-a
        kind: http
        endpoint: https://sensors.example.org/v1/readings

payment:
  currency: EUR
  default_method: bank_transfer
  max_attempts: 3
  base_delay: 500ms
  max_delay: 10s
  sweep_schedule: "@every 5m"

server:
  addr: ":8085"
  jwt_secret: ""

principals:
  - id: gov-admin
    role: government
`
