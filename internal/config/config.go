// Package config implements layered configuration: env, then an optional
// JSON file (named by SPLUS_CONF or --config), then command-line flags,
// with the last layer applied winning. The flag.FlagSet + custom Usage
// style follows hazyhaar-GoClode's cmd/goclode/main.go; the field set
// (concurrency, port, cors_max_age, allow_cors, database) follows
// original_source/src/config.cpp.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Config holds every recognized daemon option after layering.
type Config struct {
	Concurrency int      `json:"concurrency"`
	Port        int      `json:"port"`
	CORSMaxAge  int      `json:"cors_max_age"`
	AllowCORS   []string `json:"allow_cors"`
	Database    string   `json:"database"`
	LogFormat   string   `json:"log_format"`
	LogLevel    string   `json:"log_level"`

	// WithSSL is carried for parity with original_source's
	// server_config_t::with_ssl(), which this Go port does not implement
	// (TLS termination is handled by a front proxy, not this daemon). It is
	// never read except to log a warning if an operator sets it.
	WithSSL bool `json:"with_ssl"`

	// ConfigPath is the file Load read (if any). Not part of the JSON
	// schema; kept so callers can pass it to Watch for hot CORS reload.
	ConfigPath string `json:"-"`
}

func defaults() Config {
	return Config{
		Concurrency: runtime.NumCPU(),
		Port:        6862,
		CORSMaxAge:  600,
		AllowCORS:   nil,
		Database:    "./cache.db",
		LogFormat:   "json",
		LogLevel:    "info",
	}
}

// Validate reports the first invariant violation found in c.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range 1-65535", c.Port)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.CORSMaxAge < 0 {
		return fmt.Errorf("config: cors_max_age must be >= 0, got %d", c.CORSMaxAge)
	}
	if c.Database == "" {
		return fmt.Errorf("config: database path must not be empty")
	}
	return nil
}

// ErrHelp is returned by Load when -h/-help was requested; callers should
// treat it as "exit 0".
var ErrHelp = flag.ErrHelp

// Load builds the final Config by layering, in order, hardcoded defaults,
// recognized environment variables, an optional JSON config file (named by
// SPLUS_CONF or --config), and finally command-line flags, which are
// applied last and so win over anything the file or environment set.
func Load(args []string, stderr io.Writer) (*Config, error) {
	cfg := defaults()
	applyEnv(&cfg)

	fs := flag.NewFlagSet("ssplus-cache-me", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath  = fs.String("config", os.Getenv("SPLUS_CONF"), "path to a JSON config file")
		concurrency = fs.Int("concurrency", cfg.Concurrency, "number of request-serving workers (default: NumCPU)")
		port        = fs.Int("port", cfg.Port, "HTTP listen port (1-65535)")
		corsMaxAge  = fs.Int("cors_max_age", cfg.CORSMaxAge, "CORS preflight cache duration in seconds")
		allowCORS   = fs.String("allow_cors", strings.Join(cfg.AllowCORS, ","), "comma-separated list of allowed CORS origins")
		database    = fs.String("database", cfg.Database, "path to the SQLite backing file")
		logFormat   = fs.String("log-format", cfg.LogFormat, "log output format: json or console")
		logLevel    = fs.String("log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	)

	fs.Usage = func() {
		fmt.Fprintf(stderr, `ssplus-cache-me - networked key/value cache daemon

Usage: ssplus-cache-me [options]

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(stderr, `
Environment variables:
  SPLUS_CONF            path to a JSON config file (same as --config)
  SPLUS_CONCURRENCY     worker count
  SPLUS_PORT            HTTP listen port
  SPLUS_CORS_MAX_AGE    CORS preflight cache duration in seconds
  SPLUS_ALLOW_CORS      comma-separated allowed CORS origins
  SPLUS_DATABASE        path to the SQLite backing file
  SPLUS_LOG_FORMAT      json or console
  SPLUS_LOG_LEVEL       debug, info, warn, error
`)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// File layer: overlays env, and is itself overlaid by explicit flags below.
	if *configPath != "" {
		if err := applyFile(&cfg, *configPath); err != nil {
			return nil, err
		}
		cfg.ConfigPath = *configPath
	}

	// Flag layer: only flags the caller actually set override the
	// file/env-derived values, so an unset flag does not clobber a value
	// loaded from the config file with its own unrelated default.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "concurrency":
			cfg.Concurrency = *concurrency
		case "port":
			cfg.Port = *port
		case "cors_max_age":
			cfg.CORSMaxAge = *corsMaxAge
		case "allow_cors":
			cfg.AllowCORS = splitCSV(*allowCORS)
		case "database":
			cfg.Database = *database
		case "log-format":
			cfg.LogFormat = *logFormat
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SPLUS_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("SPLUS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("SPLUS_CORS_MAX_AGE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CORSMaxAge = n
		}
	}
	if v := os.Getenv("SPLUS_ALLOW_CORS"); v != "" {
		cfg.AllowCORS = splitCSV(v)
	}
	if v := os.Getenv("SPLUS_DATABASE"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("SPLUS_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("SPLUS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %q: %w", path, err)
	}
	return nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
