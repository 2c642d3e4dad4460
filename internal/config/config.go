// Package config loads gateway configuration from a YAML file with
// environment-variable overrides.
//
// DESIGN: The file is optional; every field has a working default so the
// gateway starts with nothing but API keys in the environment. Env vars win
// over the file, mirroring how the keys themselves are normally supplied
// (.env loaded by the binary, never committed).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig              `yaml:"server"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	Quota      QuotaConfig               `yaml:"quota"`
	Monitoring MonitoringConfig          `yaml:"monitoring"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ProviderConfig holds one upstream's connection settings.
type ProviderConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// WindowConfig describes one quota window.
type WindowConfig struct {
	Duration    time.Duration `yaml:"duration"`
	MaxRequests int           `yaml:"max_requests"`
}

// QuotaConfig holds the global window plus one window per provider.
type QuotaConfig struct {
	Global    WindowConfig            `yaml:"global"`
	Providers map[string]WindowConfig `yaml:"providers"`
}

// MonitoringConfig holds telemetry settings.
type MonitoringConfig struct {
	// EventDBPath is the sqlite file for per-request telemetry.
	// Empty disables the event store (counters still work).
	EventDBPath string `yaml:"event_db_path"`
}

// Default returns a fully-populated configuration with no API keys.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         DefaultServerPort,
			ReadTimeout:  DefaultServerReadTimeout,
			WriteTimeout: DefaultServerWriteTimeout,
		},
		Providers: map[string]ProviderConfig{
			"gemini": {
				BaseURL: "https://generativelanguage.googleapis.com",
				Timeout: DefaultUpstreamTimeout,
			},
			"perplexity": {
				BaseURL: "https://api.perplexity.ai",
				Timeout: DefaultUpstreamTimeout,
			},
		},
		Quota: QuotaConfig{
			Global: WindowConfig{Duration: DefaultQuotaWindow, MaxRequests: DefaultGlobalMaxRequests},
			Providers: map[string]WindowConfig{
				"gemini":     {Duration: DefaultQuotaWindow, MaxRequests: DefaultGeminiMaxRequests},
				"perplexity": {Duration: DefaultQuotaWindow, MaxRequests: DefaultPerplexityMaxRequests},
			},
		},
	}
}

// Load reads the YAML file at path (if non-empty) over the defaults, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.fillZeroes()
	return cfg, nil
}

// applyEnv overrides file values with environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		p := c.Providers["gemini"]
		p.APIKey = v
		c.Providers["gemini"] = p
	}
	if v := os.Getenv("PERPLEXITY_API_KEY"); v != "" {
		p := c.Providers["perplexity"]
		p.APIKey = v
		c.Providers["perplexity"] = p
	}
	if v := os.Getenv("GATEWAY_EVENT_DB"); v != "" {
		c.Monitoring.EventDBPath = v
	}
}

// fillZeroes backfills anything a partial YAML file zeroed out.
func (c *Config) fillZeroes() {
	def := Default()
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if c.Providers == nil {
		c.Providers = def.Providers
	}
	for name, p := range c.Providers {
		if p.Timeout == 0 {
			p.Timeout = DefaultUpstreamTimeout
		}
		if p.BaseURL == "" {
			if d, ok := def.Providers[name]; ok {
				p.BaseURL = d.BaseURL
			}
		}
		c.Providers[name] = p
	}
	if c.Quota.Global.Duration == 0 {
		c.Quota.Global.Duration = DefaultQuotaWindow
	}
	if c.Quota.Global.MaxRequests == 0 {
		c.Quota.Global.MaxRequests = DefaultGlobalMaxRequests
	}
	if c.Quota.Providers == nil {
		c.Quota.Providers = def.Quota.Providers
	}
	for name, w := range c.Quota.Providers {
		if w.Duration == 0 {
			w.Duration = DefaultQuotaWindow
		}
		if w.MaxRequests == 0 {
			if d, ok := def.Quota.Providers[name]; ok {
				w.MaxRequests = d.MaxRequests
			}
		}
		c.Quota.Providers[name] = w
	}
}
