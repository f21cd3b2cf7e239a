// Package config loads and holds all proxy configuration.
// Settings are layered: defaults → mitm-config.json / mitm-config.yaml →
// environment variables (env vars win).
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the full proxy configuration.
type Config struct {
	BindAddress    string `json:"bindAddress" yaml:"bindAddress"`
	ProxyPort      int    `json:"proxyPort" yaml:"proxyPort"`
	ManagementPort int    `json:"managementPort" yaml:"managementPort"`
	LogLevel       string `json:"logLevel" yaml:"logLevel"`

	// CADir is where mitm.pem / mitm.key live; created on first run.
	CADir string `json:"caDir" yaml:"caDir"`

	// LeafCacheSize bounds the in-memory leaf certificate cache.
	LeafCacheSize int `json:"leafCacheSize" yaml:"leafCacheSize"`

	// LeafCacheFile is the bbolt persistent leaf store; empty = memory only.
	LeafCacheFile string `json:"leafCacheFile" yaml:"leafCacheFile"`

	// Relay tuning.
	BufferSize  int  `json:"bufferSize" yaml:"bufferSize"`
	TimeoutSecs int  `json:"timeoutSecs" yaml:"timeoutSecs"`
	KeepAlive   bool `json:"keepAlive" yaml:"keepAlive"`

	// MaxConnections caps concurrently accepted clients; 0 = unlimited.
	MaxConnections int `json:"maxConnections" yaml:"maxConnections"`

	// ShutdownGraceSecs bounds the drain window on SIGINT/SIGTERM.
	ShutdownGraceSecs int `json:"shutdownGraceSecs" yaml:"shutdownGraceSecs"`

	// ManagementToken guards the management API; empty = no auth.
	ManagementToken string `json:"managementToken" yaml:"managementToken"`
}

// Load returns config with defaults overridden by mitm-config.json or
// mitm-config.yaml (first one found wins) and env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "mitm-config.json", "mitm-config.yaml", "mitm-config.yml")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		BindAddress:       "127.0.0.1",
		ProxyPort:         8888,
		ManagementPort:    8889,
		LogLevel:          "info",
		CADir:             ".",
		LeafCacheSize:     100,
		BufferSize:        8192,
		TimeoutSecs:       5,
		KeepAlive:         true,
		ShutdownGraceSecs: 15,
	}
}

func loadFile(cfg *Config, paths ...string) {
	for _, path := range paths {
		data, err := os.ReadFile(path) //nolint:gosec // controlled config file path, not user input
		if err != nil {
			continue // files are optional
		}
		switch {
		case strings.HasSuffix(path, ".json"):
			err = json.Unmarshal(data, cfg)
		default:
			err = yaml.Unmarshal(data, cfg)
		}
		if err != nil {
			log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
		} else {
			log.Printf("[CONFIG] Loaded %s", path)
		}
		return
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("MITM_BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("MITM_PROXY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ProxyPort = n
		}
	}
	if v := os.Getenv("MITM_MANAGEMENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = n
		}
	}
	if v := os.Getenv("MITM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MITM_CA_DIR"); v != "" {
		cfg.CADir = v
	}
	if v := os.Getenv("MITM_LEAF_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LeafCacheSize = n
		}
	}
	if v := os.Getenv("MITM_LEAF_CACHE_FILE"); v != "" {
		cfg.LeafCacheFile = v
	}
	if v := os.Getenv("MITM_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BufferSize = n
		}
	}
	if v := os.Getenv("MITM_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TimeoutSecs = n
		}
	}
	if v := os.Getenv("MITM_KEEP_ALIVE"); v == "false" {
		cfg.KeepAlive = false
	}
	if v := os.Getenv("MITM_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxConnections = n
		}
	}
	if v := os.Getenv("MITM_SHUTDOWN_GRACE_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ShutdownGraceSecs = n
		}
	}
	if v := os.Getenv("MITM_MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
}
