package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	TransportStdio     = "stdio"
	TransportWebSocket = "websocket"

	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config holds application configuration
type Config struct {
	Transport      string   `toml:"transport"`       // stdio or websocket
	BackendCommand string   `toml:"backend_command"` // executable spawned for the stdio transport
	BackendArgs    []string `toml:"backend_args"`
	BackendURL     string   `toml:"backend_url"` // ws:// or wss:// endpoint for the websocket transport

	Store          string        `toml:"store"`     // memory or sqlite
	StoreDSN       string        `toml:"store_dsn"` // SQLite DSN; empty means an in-memory database
	RequestTimeout time.Duration `toml:"request_timeout"`

	LogDir string `toml:"log_dir"`
	Debug  bool   `toml:"debug"`
}

// Default returns the configuration used when no file or flag overrides a field
func Default() Config {
	return Config{
		Transport:      TransportStdio,
		Store:          StoreMemory,
		RequestTimeout: 30 * time.Second,
		LogDir:         "logs",
	}
}

// Load decodes a TOML file over the defaults. Keys absent from the file keep
// their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Validate reports every invalid field at once
func (c Config) Validate() error {
	var errs []error

	switch c.Transport {
	case TransportStdio:
		if strings.TrimSpace(c.BackendCommand) == "" {
			errs = append(errs, errors.New("backend_command is required for the stdio transport"))
		}
	case TransportWebSocket:
		u, err := url.Parse(c.BackendURL)
		if err != nil || c.BackendURL == "" {
			errs = append(errs, fmt.Errorf("backend_url %q is not a valid URL", c.BackendURL))
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			errs = append(errs, fmt.Errorf("backend_url must use ws:// or wss://, got %q", u.Scheme))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid transport %q, must be one of: %s, %s", c.Transport, TransportStdio, TransportWebSocket))
	}

	if c.Store != StoreMemory && c.Store != StoreSQLite {
		errs = append(errs, fmt.Errorf("invalid store %q, must be one of: %s, %s", c.Store, StoreMemory, StoreSQLite))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout))
	}
	if strings.TrimSpace(c.LogDir) == "" {
		errs = append(errs, errors.New("log_dir is required"))
	}

	return errors.Join(errs...)
}

// FromArgs builds the configuration from defaults, the TOML file named by
// -config, and finally any flags set explicitly on the command line.
func FromArgs(name string, args []string) (Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	var (
		configPath  string
		backendArgs string
		flagged     Config
	)
	defaults := Default()

	fs.StringVar(&configPath, "config", "", "Path to a TOML config file")
	fs.StringVar(&flagged.Transport, "transport", defaults.Transport, "Backend transport (stdio|websocket)")
	fs.StringVar(&flagged.BackendCommand, "backend-cmd", "", "Backend executable for the stdio transport")
	fs.StringVar(&backendArgs, "backend-args", "", "Comma-separated arguments for the backend executable")
	fs.StringVar(&flagged.BackendURL, "backend-url", "", "Backend WebSocket URL (ws:// or wss://)")
	fs.StringVar(&flagged.Store, "store", defaults.Store, "Conversation store (memory|sqlite)")
	fs.StringVar(&flagged.StoreDSN, "store-dsn", "", "SQLite DSN (default in-memory)")
	fs.DurationVar(&flagged.RequestTimeout, "timeout", defaults.RequestTimeout, "Timeout for each backend request")
	fs.StringVar(&flagged.LogDir, "log-dir", defaults.LogDir, "Directory for logs, traces and metrics")
	fs.BoolVar(&flagged.Debug, "debug", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg, err := Load(configPath)
	if err != nil {
		return Config{}, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "transport":
			cfg.Transport = flagged.Transport
		case "backend-cmd":
			cfg.BackendCommand = flagged.BackendCommand
		case "backend-args":
			cfg.BackendArgs = nil
			if backendArgs != "" {
				cfg.BackendArgs = strings.Split(backendArgs, ",")
			}
		case "backend-url":
			cfg.BackendURL = flagged.BackendURL
		case "store":
			cfg.Store = flagged.Store
		case "store-dsn":
			cfg.StoreDSN = flagged.StoreDSN
		case "timeout":
			cfg.RequestTimeout = flagged.RequestTimeout
		case "log-dir":
			cfg.LogDir = flagged.LogDir
		case "debug":
			cfg.Debug = flagged.Debug
		}
	})

	return cfg, nil
}
