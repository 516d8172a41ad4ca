package config_test

import (
	"testing"
	"time"

	"grantline/internal/config"
)

func TestDefaultTemplateParses(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("default template: %v", err)
	}
	if cfg.Payment.Currency != "EUR" || cfg.Payment.DefaultMethod != "bank_transfer" {
		t.Fatalf("payment defaults: %+v", cfg.Payment)
	}
	if cfg.Aggregation.CacheTTL.Duration != 5*time.Minute {
		t.Fatalf("cache ttl = %s", cfg.Aggregation.CacheTTL)
	}
	if len(cfg.Aggregation.Sources["grid-meter"]) == 0 {
		t.Fatalf("grid-meter sources missing")
	}
}

func TestDurationUnmarshal(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
aggregation:
  cache_ttl: 90s
  source_timeout: 250ms
payment:
  currency: USD
  default_method: wire
  max_attempts: 5
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Aggregation.CacheTTL.Duration != 90*time.Second {
		t.Fatalf("cache_ttl = %s", cfg.Aggregation.CacheTTL)
	}
	if cfg.Aggregation.SourceTimeout.Duration != 250*time.Millisecond {
		t.Fatalf("source_timeout = %s", cfg.Aggregation.SourceTimeout)
	}
	if cfg.Payment.MaxAttempts != 5 || cfg.Payment.DefaultMethod != "wire" {
		t.Fatalf("payment = %+v", cfg.Payment)
	}
}

func TestValidation(t *testing.T) {
	bad := []string{
		"payment:\n  default_method: cash\n",
		"payment:\n  currency: ''\n",
		"payment:\n  max_attempts: 0\n",
		"principals:\n  - id: x\n    role: admin\n",
		"aggregation:\n  sources:\n    meter:\n      - name: a\n        kind: carrier-pigeon\n",
		"aggregation:\n  sources:\n    meter:\n      - name: a\n        kind: http\n",
	}
	for _, raw := range bad {
		if _, err := config.FromYAML([]byte(raw)); err == nil {
			t.Errorf("expected validation error for:\n%s", raw)
		}
	}
}
