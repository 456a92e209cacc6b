package config_test

import (
	"strings"
	"testing"

	"waveline/internal/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Tool.Binary != "gemini" || cfg.Limits.PerMinute != 8 || cfg.Limits.PerDay != 240 || cfg.Limits.Burst != 8 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Retry.BaseSeconds != 2 || cfg.Retry.CapSeconds != 60 {
		t.Errorf("unexpected retry defaults: %+v", cfg.Retry)
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("limits:\n  per_minute: 2\n  per_day: 50\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Limits.PerMinute != 2 || cfg.Limits.PerDay != 50 {
		t.Errorf("limits not applied: %+v", cfg.Limits)
	}
	if cfg.Tool.Binary != "gemini" {
		t.Errorf("defaults lost on partial file: %+v", cfg.Tool)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad backend", "registry:\n  backend: csv\n", "backend"},
		{"no binary", "tool:\n  binary: \"\"\n", "tool.binary"},
		{"zero per_minute", "limits:\n  per_minute: 0\n", "per_minute"},
		{"day below minute", "limits:\n  per_minute: 10\n  per_day: 5\n", "per_day"},
		{"negative burst", "limits:\n  burst: -1\n", "burst"},
		{"cap below base", "retry:\n  base_seconds: 10\n  cap_seconds: 5\n", "retry"},
		{"zero ttl", "lock:\n  ttl_minutes: 0\n", "ttl_minutes"},
		{"zero keep_days", "cleanup:\n  keep_days: 0\n", "keep_days"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("want error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestFingerprintTracksChanges(t *testing.T) {
	a := config.Default()
	b := config.Default()
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical configs disagree on fingerprint")
	}
	b.Tool.Model = "gemini-2.5-pro"
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("model change not reflected in fingerprint")
	}
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Registry.Backend != "yaml" || cfg.Registry.Path != "registry.yml" {
		t.Errorf("defaults = %+v", cfg.Registry)
	}
}
