package config

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Server holds all configuration for the dvdyellow server.
type Server struct {
	Network  NetworkConfig  `yaml:"network"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
}

// NetworkConfig holds listener parameters.
type NetworkConfig struct {
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
}

// DatabaseConfig selects and parameterizes the backing store.
// Driver is "sqlite" (single-file store, Name is the file path) or
// "postgres" (Host/Port/Username/Password/Name/Options apply).
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	Options  string `yaml:"options"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DSN returns the driver-specific connection string.
func (d DatabaseConfig) DSN() (string, error) {
	switch d.Driver {
	case "sqlite":
		dsn := d.Name
		if d.Options != "" {
			dsn += "?" + d.Options
		}
		return dsn, nil
	case "postgres":
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(d.Username, d.Password),
			Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
			Path:     d.Name,
			RawQuery: d.Options,
		}
		return u.String(), nil
	default:
		return "", fmt.Errorf("unknown database driver %q", d.Driver)
	}
}

// Default returns the configuration used when no file is given.
func Default() Server {
	return Server{
		Network: NetworkConfig{
			BindAddress: "0.0.0.0",
			Port:        42371,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Host:   "127.0.0.1",
			Port:   5432,
			Name:   "dvdyellow.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path
// (empty string) yields the defaults unchanged.
func Load(path string) (Server, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Network.Port <= 0 || cfg.Network.Port > 65535 {
		return cfg, fmt.Errorf("invalid network.port %d", cfg.Network.Port)
	}
	if _, err := cfg.DSN(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// DSN is a convenience accessor for the store connection string.
func (s Server) DSN() (string, error) {
	return s.Database.DSN()
}
