// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default configuration invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Profiles = []ProfileConfig{
			{Name: "highsec", Enabled: true, WebhookURL: "http://localhost/hook"},
		}
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:    "empty store path",
			mutate:  func(c *Config) { c.Store.Path = "" },
			wantErr: "store.path",
		},
		{
			name:    "zero queue capacity",
			mutate:  func(c *Config) { c.Queue.Capacity = 0 },
			wantErr: "queue.capacity",
		},
		{
			name:    "zero drain batch",
			mutate:  func(c *Config) { c.Queue.DrainBatchSize = 0 },
			wantErr: "drain_batch_size",
		},
		{
			name:    "zero max attempts",
			mutate:  func(c *Config) { c.Enrichment.MaxAttempts = 0 },
			wantErr: "max_attempts",
		},
		{
			name:    "negative overlap",
			mutate:  func(c *Config) { c.Worker.Overlap = -time.Second },
			wantErr: "overlap",
		},
		{
			name: "rollup max below threshold",
			mutate: func(c *Config) {
				c.Worker.RollupThreshold = 10
				c.Worker.RollupMax = 5
			},
			wantErr: "rollup_max",
		},
		{
			name:    "zero killmail age",
			mutate:  func(c *Config) { c.Retention.KillmailAge = 0 },
			wantErr: "killmail_age",
		},
		{
			name:    "unnamed profile",
			mutate:  func(c *Config) { c.Profiles[0].Name = "" },
			wantErr: "name",
		},
		{
			name: "duplicate profile name",
			mutate: func(c *Config) {
				c.Profiles = append(c.Profiles, c.Profiles[0])
			},
			wantErr: "duplicate",
		},
		{
			name:    "negative min value",
			mutate:  func(c *Config) { c.Profiles[0].MinValue = -1 },
			wantErr: "min_value",
		},
		{
			name:    "enabled profile without webhook",
			mutate:  func(c *Config) { c.Profiles[0].WebhookURL = "" },
			wantErr: "webhook_url",
		},
		{
			name: "disabled profile without webhook is fine",
			mutate: func(c *Config) {
				c.Profiles[0].Enabled = false
				c.Profiles[0].WebhookURL = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error mentioning %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestEnabledProfiles(t *testing.T) {
	c := Default()
	c.Profiles = []ProfileConfig{
		{Name: "a", Enabled: true, WebhookURL: "http://localhost/a"},
		{Name: "b", Enabled: false},
		{Name: "c", Enabled: true, WebhookURL: "http://localhost/c"},
	}

	got := c.EnabledProfiles()
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("enabled profiles = %v, want [a c]", got)
	}

	c.Profiles = nil
	if got := c.EnabledProfiles(); len(got) != 0 {
		t.Errorf("enabled profiles with no profiles = %v, want empty", got)
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"KILLFEED_STORE_PATH", "store.path"},
		{"KILLFEED_QUEUE_CAPACITY", "queue.capacity"},
		{"KILLFEED_QUEUE_DRAIN_BATCH_SIZE", "queue.drain_batch_size"},
		{"KILLFEED_LOGGING_LEVEL", "logging.level"},
		{"KILLFEED_SERVER_ADDR", "server.addr"},
	}
	for _, tt := range tests {
		if got := envTransform(tt.in); got != tt.want {
			t.Errorf("envTransform(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "killfeed.yaml")
	yaml := `
store:
  path: /tmp/layering-test.db
logging:
  level: warn
profiles:
  - name: highsec
    enabled: true
    webhook_url: http://localhost/hook
    system_ids: [30000142, 30002187]
    min_value: 100000000
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	// Environment beats the file.
	t.Setenv("KILLFEED_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Store.Path != "/tmp/layering-test.db" {
		t.Errorf("store path = %q, want the file's value", cfg.Store.Path)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging level = %q, want env override debug", cfg.Logging.Level)
	}
	// Untouched keys keep their defaults.
	if cfg.Queue.Capacity != Default().Queue.Capacity {
		t.Errorf("queue capacity = %d, want default", cfg.Queue.Capacity)
	}

	if len(cfg.Profiles) != 1 {
		t.Fatalf("profiles = %d, want 1", len(cfg.Profiles))
	}
	p := cfg.Profiles[0]
	if p.Name != "highsec" || !p.Enabled {
		t.Errorf("profile = %+v", p)
	}
	if len(p.SystemIDs) != 2 || p.SystemIDs[0] != 30000142 {
		t.Errorf("system ids = %v", p.SystemIDs)
	}
	if p.MinValue != 100000000 {
		t.Errorf("min value = %f", p.MinValue)
	}
}

func TestLoadInvalidConfigFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "killfeed.yaml")
	yaml := `
profiles:
  - name: broken
    enabled: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	if _, err := Load(); err == nil {
		t.Fatal("expected validation failure for enabled profile without webhook")
	}
}
