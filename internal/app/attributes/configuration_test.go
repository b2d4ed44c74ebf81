package attributes

import "testing"

func TestFromSharedConfigured(t *testing.T) {
	cfg := FromShared(map[string]any{
		KeyEnabled: true,
		KeyRegion: []any{
			map[string]any{"x": 0.0, "y": 0.0},
			map[string]any{"x": 1.0, "y": 0.0},
			map[string]any{"x": 1.0, "y": 1.0},
		},
	})
	if !cfg.Configured() || !cfg.Enabled || len(cfg.Region) != 3 {
		t.Fatalf("unexpected configuration %+v", cfg)
	}
}

func TestFromSharedMissingKeys(t *testing.T) {
	cfg := FromShared(map[string]any{KeyEnabled: true})
	if cfg.Configured() {
		t.Fatalf("missing region must leave configuration unconfigured")
	}
	if !cfg.EnabledValid || cfg.RegionValid {
		t.Fatalf("unexpected validity flags %+v", cfg)
	}

	cfg = FromShared(nil)
	if cfg.Configured() || cfg.Enabled {
		t.Fatalf("nil attributes must be unconfigured, got %+v", cfg)
	}
}

func TestConfiguredRecomputedOnFieldChange(t *testing.T) {
	cfg := FromShared(map[string]any{KeyEnabled: false, KeyRegion: map[string]any{}})
	if !cfg.Configured() {
		t.Fatalf("expected configured with empty-object region")
	}

	if changed := cfg.SetEnabled("yes"); !changed {
		t.Fatalf("invalid enable flag should flip configured")
	}
	if cfg.Configured() || cfg.Enabled {
		t.Fatalf("expected unconfigured and disabled, got %+v", cfg)
	}

	if changed := cfg.SetEnabled("yes"); changed {
		t.Fatalf("repeating the same input must not change configured")
	}

	if changed := cfg.SetEnabled(true); !changed || !cfg.Configured() {
		t.Fatalf("valid enable flag should restore configured")
	}

	if changed := cfg.SetRegion([]any{}); !changed || cfg.Configured() {
		t.Fatalf("empty list region should unconfigure")
	}
	if got := cfg.Report()[KeyConfigured]; got != false {
		t.Fatalf("expected configured=false report, got %v", got)
	}
}
