package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadFromViperDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Branches.Trunk != "main" {
		t.Errorf("expected trunk=main, got %q", cfg.Branches.Trunk)
	}
	if cfg.Branches.Integration != "jules" {
		t.Errorf("expected integration=jules, got %q", cfg.Branches.Integration)
	}
	if cfg.Agent.StuckWindow != 30*time.Minute {
		t.Errorf("expected stuck window 30m, got %v", cfg.Agent.StuckWindow)
	}
	if cfg.Reconcile.MaxDiffChars != 50000 {
		t.Errorf("expected max diff chars 50000, got %d", cfg.Reconcile.MaxDiffChars)
	}
}

func TestLoadOverrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("branches.trunk", "master")
	v.Set("gate.merge_attempts", 5)

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Branches.Trunk != "master" {
		t.Errorf("expected trunk override, got %q", cfg.Branches.Trunk)
	}
	if cfg.Gate.MergeAttempts != 5 {
		t.Errorf("expected merge_attempts override, got %d", cfg.Gate.MergeAttempts)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty trunk", func(c *Config) { c.Branches.Trunk = "" }},
		{"empty integration", func(c *Config) { c.Branches.Integration = "" }},
		{"integration equals trunk", func(c *Config) { c.Branches.Integration = c.Branches.Trunk }},
		{"zero merge attempts", func(c *Config) { c.Gate.MergeAttempts = 0 }},
		{"zero diff cap", func(c *Config) { c.Reconcile.MaxDiffChars = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConfigDirXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	dir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir failed: %v", err)
	}
	if dir != "/tmp/xdg/julesched" {
		t.Errorf("expected /tmp/xdg/julesched, got %q", dir)
	}
}
