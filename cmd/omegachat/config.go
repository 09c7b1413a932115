package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config file
// ============================================================================

// Config is config.toml. The bearer token is not part of it; it lives in
// credentials.toml or Redis.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

type ConfigDefault struct {
	BaseURL       string `toml:"base_url"`
	UploadLimitMB int64  `toml:"upload_limit_mb,omitempty"`
	RedisURL      string `toml:"redis_url,omitempty"`
	Profile       string `toml:"profile,omitempty"`
}

// ConfigAuth caches who the stored token belongs to, so offline commands
// can label messages without calling /api/me.
type ConfigAuth struct {
	UserID string `toml:"user_id"`
	Email  string `toml:"email"`
	Name   string `toml:"name"`
}

// homeDir is $OMEGACHAT_HOME, else ~/.omegachat. It is created on demand.
func homeDir() (string, error) {
	dir := os.Getenv("OMEGACHAT_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".omegachat")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return dir, nil
}

func homeFile(name string) (string, error) {
	dir, err := homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func configPath() (string, error)      { return homeFile("config.toml") }
func credentialsPath() (string, error) { return homeFile("credentials.toml") }

// loadConfig returns an empty Config when the file does not exist yet.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	return cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return nil
}

// ============================================================================
// Keys
// ============================================================================

type configKey struct {
	get func(*Config) string
	set func(*Config, string) error
}

func stringKey(field func(*Config) *string) configKey {
	return configKey{
		get: func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error { *field(c) = v; return nil },
	}
}

var configKeys = map[string]configKey{
	"default.base_url": {
		get: func(c *Config) string { return c.Default.BaseURL },
		set: func(c *Config, v string) error {
			c.Default.BaseURL = strings.TrimRight(v, "/")
			return nil
		},
	},
	"default.upload_limit_mb": {
		get: func(c *Config) string {
			if c.Default.UploadLimitMB == 0 {
				return ""
			}
			return strconv.FormatInt(c.Default.UploadLimitMB, 10)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 {
				return fmt.Errorf("upload_limit_mb must be a positive integer, got %q", v)
			}
			c.Default.UploadLimitMB = n
			return nil
		},
	},
	"default.redis_url": stringKey(func(c *Config) *string { return &c.Default.RedisURL }),
	"default.profile":   stringKey(func(c *Config) *string { return &c.Default.Profile }),
	"auth.user_id":      stringKey(func(c *Config) *string { return &c.Auth.UserID }),
	"auth.email":        stringKey(func(c *Config) *string { return &c.Auth.Email }),
	"auth.name":         stringKey(func(c *Config) *string { return &c.Auth.Name }),
}

func knownKeys() string {
	keys := make([]string, 0, len(configKeys))
	for k := range configKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

func lookupKey(key string) (configKey, error) {
	k, ok := configKeys[key]
	if !ok {
		return configKey{}, fmt.Errorf("unknown key %q (known: %s)", key, knownKeys())
	}
	return k, nil
}

func getConfigValue(cfg *Config, key string) (string, error) {
	k, err := lookupKey(key)
	if err != nil {
		return "", err
	}
	return k.get(cfg), nil
}

func setConfigValue(cfg *Config, key, value string) error {
	k, err := lookupKey(key)
	if err != nil {
		return err
	}
	return k.set(cfg, value)
}

// updateConfig loads config.toml, applies fn and writes it back.
func updateConfig(fn func(*Config) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return err
	}
	return saveConfig(cfg)
}

// ============================================================================
// Commands
// ============================================================================

func init() {
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd)
	rootCmd.AddCommand(initCmd, configCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Point the CLI at an omegachat server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := updateConfig(func(c *Config) error {
			return setConfigValue(c, "default.base_url", args[0])
		}); err != nil {
			return err
		}
		path, _ := configPath()
		fmt.Printf("Server URL saved to %s\n", path)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change CLI settings",
	Long:  "Settings live in $OMEGACHAT_HOME/config.toml (default ~/.omegachat).\nKeys: " + knownKeys(),
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print every setting with its effective value",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path, _ := configPath()
		fmt.Printf("# %s\n", path)
		keys := strings.Split(knownKeys(), ", ")
		for _, key := range keys {
			v, _ := getConfigValue(cfg, key)
			fmt.Printf("%-24s %s\n", key, valueOrDefault(v, "-"))
		}
		fmt.Printf("%-24s %s\n", "(effective base url)", baseURL(cfg))
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		v, err := getConfigValue(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Change one setting",
	Example: "  omegachat config set default.base_url https://chat.example.com\n  omegachat config set default.upload_limit_mb 25",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := updateConfig(func(c *Config) error { return setConfigValue(c, key, value) }); err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", key, value)
		return nil
	},
}
