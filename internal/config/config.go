// Package config loads the service configuration from a YAML (or JSON)
// file and applies RATATOSK_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen   string         `json:"listen" yaml:"listen"`
	AdminKey string         `json:"admin_key" yaml:"admin_key"`
	KV       KVConfig       `json:"kv" yaml:"kv"`
	Google   GoogleConfig   `json:"google" yaml:"google"`
	Supabase SupabaseConfig `json:"supabase" yaml:"supabase"`
	Engine   EngineConfig   `json:"engine" yaml:"engine"`
	Schedule ScheduleConfig `json:"scheduler" yaml:"scheduler"`
}

type KVConfig struct {
	Type     string `json:"type" yaml:"type"`
	Path     string `json:"path" yaml:"path"`
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	DSN      string `json:"dsn" yaml:"dsn"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

type GoogleConfig struct {
	CredentialsFile string `json:"credentials_file" yaml:"credentials_file"`
	CredentialsJSON string `json:"credentials_json" yaml:"credentials_json"`
}

type SupabaseConfig struct {
	URL               string  `json:"url" yaml:"url"`
	ServiceKey        string  `json:"service_key" yaml:"service_key"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

type EngineConfig struct {
	PageSize       int           `json:"page_size" yaml:"page_size"`
	SubBatchSize   int           `json:"sub_batch_size" yaml:"sub_batch_size"`
	KeyScanPage    int           `json:"key_scan_page" yaml:"key_scan_page"`
	DeleteScanMax  int           `json:"delete_scan_max_keys" yaml:"delete_scan_max_keys"`
	DeadlineMargin time.Duration `json:"deadline_margin" yaml:"deadline_margin"`
	BatchTimeout   time.Duration `json:"batch_timeout" yaml:"batch_timeout"`
}

type ScheduleConfig struct {
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	RefreshInterval time.Duration `json:"refresh_interval" yaml:"refresh_interval"`
}

// Default returns the built-in configuration: sqlite KV next to the
// binary, scheduler on, engine defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		KV:     KVConfig{Type: "sqlite", Path: "ratatosk.db"},
		Engine: EngineConfig{BatchTimeout: 2 * time.Minute},
		Schedule: ScheduleConfig{
			Enabled: true,
		},
	}
}

// Load reads path as YAML, falling back to JSON, over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		// Try JSON if YAML fails
		if _, serr := file.Seek(0, 0); serr != nil {
			return nil, serr
		}
		if jerr := json.NewDecoder(file).Decode(cfg); jerr != nil {
			return nil, fmt.Errorf("failed to decode config file (tried YAML and JSON): %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// FromEnv returns the defaults with environment overrides, for running
// without a config file.
func FromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	setString(&c.Listen, "RATATOSK_LISTEN")
	setString(&c.AdminKey, "RATATOSK_ADMIN_KEY")
	setString(&c.KV.Type, "RATATOSK_KV_TYPE")
	setString(&c.KV.Path, "RATATOSK_KV_PATH")
	setString(&c.KV.Address, "RATATOSK_KV_ADDRESS")
	setString(&c.KV.Password, "RATATOSK_KV_PASSWORD")
	setInt(&c.KV.DB, "RATATOSK_KV_DB")
	setString(&c.KV.DSN, "RATATOSK_KV_DSN")
	setString(&c.Google.CredentialsFile, "RATATOSK_GOOGLE_CREDENTIALS_FILE")
	setString(&c.Google.CredentialsJSON, "RATATOSK_GOOGLE_CREDENTIALS_JSON")
	setString(&c.Supabase.URL, "RATATOSK_SUPABASE_URL")
	setString(&c.Supabase.ServiceKey, "RATATOSK_SUPABASE_SERVICE_KEY")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// CredentialsJSON resolves the Google service-account credential, inline
// JSON winning over a file path.
func (c *Config) CredentialsJSON() ([]byte, error) {
	if c.Google.CredentialsJSON != "" {
		return []byte(c.Google.CredentialsJSON), nil
	}
	if c.Google.CredentialsFile != "" {
		data, err := os.ReadFile(c.Google.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read credentials file: %w", err)
		}
		return data, nil
	}
	return nil, nil
}
