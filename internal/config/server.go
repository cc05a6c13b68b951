package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Server daemon defaults.
const (
	DefaultServerBind   = "0.0.0.0:8080"
	DefaultServerDBPath = "/var/lib/timerelay/server.sqlite3"
)

// ServerConfig is the validated server configuration. The WS endpoints and
// the HTTP control surface share one bind address.
type ServerConfig struct {
	Bind   string
	DBPath string

	// RateLimitRPS caps control-plane requests per second; 0 disables.
	RateLimitRPS   float64
	RateLimitBurst int
}

type rawServer struct {
	SchemaVersion int    `yaml:"schema_version"`
	Bind          string `yaml:"bind"`
	DB            struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"db"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// LoadServer reads and validates a server config file.
func LoadServer(path string) (ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("reading config file %q: %w", path, err)
	}
	return parseServer(data)
}

func parseServer(data []byte) (ServerConfig, error) {
	var raw rawServer
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return ServerConfig{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := checkSchemaVersion(raw.SchemaVersion); err != nil {
		return ServerConfig{}, err
	}
	cfg := ServerConfig{
		Bind:           orDefault(raw.Bind, DefaultServerBind),
		DBPath:         orDefault(raw.DB.SQLitePath, DefaultServerDBPath),
		RateLimitRPS:   raw.RateLimit.RPS,
		RateLimitBurst: raw.RateLimit.Burst,
	}
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 1
	}
	return cfg, nil
}
