package config

import "testing"

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.TargetFPS != 30 || cfg.MinQuality != 60 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadAppliesFlagOverrides(t *testing.T) {
	cfg, err := Load([]string{"-target-fps=15", "-addr=:9090"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TargetFPS != 15 || cfg.Addr != ":9090" {
		t.Fatalf("expected overrides applied, got %+v", cfg)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("CAMWATCH_MIN_QUALITY", "40")
	t.Setenv("CAMWATCH_MAX_QUALITY", "70")
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MinQuality != 40 || cfg.MaxQuality != 70 {
		t.Fatalf("expected env overrides applied, got %+v", cfg)
	}
}

func TestLoadRejectsInvalidQualityBounds(t *testing.T) {
	if _, err := Load([]string{"-min-quality=90", "-max-quality=10"}); err == nil {
		t.Fatalf("expected error for inverted quality bounds")
	}
}

func TestLoadRejectsInvalidSegmentDurationBounds(t *testing.T) {
	if _, err := Load([]string{"-min-segment-duration=10m", "-target-segment-duration=5m"}); err == nil {
		t.Fatalf("expected error for inverted segment duration bounds")
	}
}
