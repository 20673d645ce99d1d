package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default invalid: %v", err)
	}
	if cfg.Zone != "local" || !cfg.DryRun || cfg.Health.Port != 8080 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Orchestrator.Interval != 30*time.Second || cfg.Processor.Timeout != 120*time.Second || cfg.Processor.MaxRetries != 2 {
		t.Fatalf("timings = %+v %+v", cfg.Orchestrator, cfg.Processor)
	}
	if cfg.Odoo.PaymentThreshold != 100 {
		t.Fatalf("threshold = %v", cfg.Odoo.PaymentThreshold)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`zone: cloud
dry_run: false
odoo:
  url: https://erp.example.com
  db: prod
webhooks:
  - url: https://hooks.example.com/approvals
    secret: s3cret
sync:
  enabled: true
  remote: origin
`))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Zone != "cloud" || cfg.DryRun || cfg.Odoo.DB != "prod" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Health.Port != 8080 || cfg.Retry.MaxDelay != 30*time.Second {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if len(cfg.Webhooks) != 1 || !cfg.Webhooks[0].Active() {
		t.Fatalf("webhooks = %+v", cfg.Webhooks)
	}
	red := cfg.Redacted()
	if red.Webhooks[0].Secret != "***" || cfg.Webhooks[0].Secret != "s3cret" {
		t.Fatalf("redaction leaked or mutated: %q %q", red.Webhooks[0].Secret, cfg.Webhooks[0].Secret)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := map[string]string{
		"zone":       "zone: edge\n",
		"interval":   "orchestrator:\n  interval: 10ms\n",
		"odoo url":   "odoo:\n  url: erp.example.com\n",
		"webhook":    "webhooks:\n  - secret: x\n",
		"sync":       "sync:\n  enabled: true\n",
		"threshold":  "odoo:\n  payment_threshold: -1\n",
		"max delay":  "retry:\n  max_delay: 0s\n",
		"base delay": "retry:\n  base_delay: -1s\n",
		"yaml":       "zone: [\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(doc)); err == nil {
				t.Fatalf("expected error for %q", doc)
			}
		})
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil || cfg.Zone != "local" {
		t.Fatalf("optional cfg=%+v err=%v", cfg, err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "vl init") {
		t.Fatalf("load missing err = %v", err)
	}
	if err := os.WriteFile(Path(dir), []byte(GenerateDefault("cloud")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil || cfg.Zone != "cloud" {
		t.Fatalf("load cfg=%+v err=%v", cfg, err)
	}
}
