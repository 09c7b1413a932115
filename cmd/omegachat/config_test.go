package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	omegachat "github.com/omegachat/omegachat-go"
)

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key     string
		value   string
		wantErr bool
		check   func(*Config) bool
	}{
		{"default.base_url", "https://chat.example.com/", false, func(c *Config) bool { return c.Default.BaseURL == "https://chat.example.com" }},
		{"default.upload_limit_mb", "25", false, func(c *Config) bool { return c.Default.UploadLimitMB == 25 }},
		{"default.upload_limit_mb", "0", true, nil},
		{"default.upload_limit_mb", "lots", true, nil},
		{"default.redis_url", "redis://localhost:6379/0", false, func(c *Config) bool { return c.Default.RedisURL == "redis://localhost:6379/0" }},
		{"default.profile", "work", false, func(c *Config) bool { return c.Default.Profile == "work" }},
		{"auth.email", "a@example.com", false, func(c *Config) bool { return c.Auth.Email == "a@example.com" }},
		{"auth.user_id", "u1", false, func(c *Config) bool { return c.Auth.UserID == "u1" }},
		{"default.colour", "blue", true, nil},
		{"auth.token", "x", true, nil},
		{"server.base_url", "x", true, nil},
		{"base_url", "x", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			cfg := &Config{}
			err := setConfigValue(cfg, tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil && !tt.check(cfg) {
				t.Errorf("config after set = %+v", cfg)
			}
		})
	}
}

func TestGetConfigValue(t *testing.T) {
	cfg := &Config{Default: ConfigDefault{BaseURL: "http://x", UploadLimitMB: 7}}
	if v, err := getConfigValue(cfg, "default.upload_limit_mb"); err != nil || v != "7" {
		t.Errorf("upload_limit_mb = %q, %v", v, err)
	}
	if v, err := getConfigValue(cfg, "default.redis_url"); err != nil || v != "" {
		t.Errorf("redis_url = %q, %v", v, err)
	}
	if _, err := getConfigValue(cfg, "nope.nope"); err == nil {
		t.Error("unknown key accepted")
	}
	for _, key := range strings.Split(knownKeys(), ", ") {
		if _, err := getConfigValue(&Config{}, key); err != nil {
			t.Errorf("%s: %v", key, err)
		}
	}
}

func TestConfigRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("OMEGACHAT_HOME", home)
	t.Setenv("OMEGACHAT_BASE_URL", "")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if *cfg != (Config{}) {
		t.Errorf("missing file gave %+v", cfg)
	}
	if got := baseURL(cfg); got != omegachat.DefaultBaseURL {
		t.Errorf("baseURL = %q", got)
	}

	cfg.Default.BaseURL = "http://localhost:5000"
	cfg.Default.UploadLimitMB = 10
	cfg.Auth = ConfigAuth{UserID: "u1", Email: "a@example.com", Name: "Alice"}
	if err := saveConfig(cfg); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(home, "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("perm = %o", perm)
	}

	got, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if *got != *cfg {
		t.Errorf("loaded %+v, want %+v", got, cfg)
	}
	if u := baseURL(got); u != "http://localhost:5000" {
		t.Errorf("baseURL = %q", u)
	}
	t.Setenv("OMEGACHAT_BASE_URL", "http://override:9000")
	if u := baseURL(got); u != "http://override:9000" {
		t.Errorf("env override ignored: %q", u)
	}
}

func TestConfigCorrupt(t *testing.T) {
	home := t.TempDir()
	t.Setenv("OMEGACHAT_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte("[default\nbase_url = "), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(); err == nil {
		t.Error("corrupt config parsed")
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q", got)
	}
}
