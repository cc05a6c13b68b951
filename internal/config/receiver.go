package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Receiver daemon defaults.
const (
	DefaultReceiversWSPath = "/ws/v1/receivers"
	DefaultCursorDBPath    = "/var/lib/timerelay/receiver.sqlite3"
)

// ReceiverConfig is the validated receiver configuration.
type ReceiverConfig struct {
	ReceiverID string
	// Token is the raw bearer read from auth.token_file.
	Token string

	ServerBaseURL   string
	ReceiversWSPath string

	CursorDBPath string

	Subscriptions []SubscriptionConfig
}

// SubscriptionConfig is one stream to receive and re-expose locally.
type SubscriptionConfig struct {
	ForwarderID string
	ReaderIP    string
	// LocalPort overrides the default 10000 + last octet. 0 means default.
	LocalPort uint16
}

// WSEndpoint returns the full receiver WebSocket URL.
func (c ReceiverConfig) WSEndpoint() string {
	return c.ServerBaseURL + c.ReceiversWSPath
}

type rawReceiver struct {
	SchemaVersion int    `yaml:"schema_version"`
	ReceiverID    string `yaml:"receiver_id"`
	Server        struct {
		BaseURL         string `yaml:"base_url"`
		ReceiversWSPath string `yaml:"receivers_ws_path"`
	} `yaml:"server"`
	Auth struct {
		TokenFile string `yaml:"token_file"`
	} `yaml:"auth"`
	Cursors struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"cursors"`
	Subscriptions []struct {
		ForwarderID string `yaml:"forwarder_id"`
		ReaderIP    string `yaml:"reader_ip"`
		LocalPort   uint16 `yaml:"local_port"`
	} `yaml:"subscriptions"`
}

// LoadReceiver reads and validates a receiver config file.
func LoadReceiver(path string) (ReceiverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ReceiverConfig{}, fmt.Errorf("reading config file %q: %w", path, err)
	}
	return parseReceiver(data)
}

func parseReceiver(data []byte) (ReceiverConfig, error) {
	var raw rawReceiver
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return ReceiverConfig{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := checkSchemaVersion(raw.SchemaVersion); err != nil {
		return ReceiverConfig{}, err
	}
	if raw.ReceiverID == "" {
		return ReceiverConfig{}, missing("receiver_id")
	}
	if raw.Server.BaseURL == "" {
		return ReceiverConfig{}, missing("server.base_url")
	}
	if raw.Auth.TokenFile == "" {
		return ReceiverConfig{}, missing("auth.token_file")
	}
	token, err := readTokenFile(raw.Auth.TokenFile)
	if err != nil {
		return ReceiverConfig{}, err
	}
	if len(raw.Subscriptions) == 0 {
		return ReceiverConfig{}, invalid("subscriptions", "at least one entry is required")
	}

	cfg := ReceiverConfig{
		ReceiverID:      raw.ReceiverID,
		Token:           token,
		ServerBaseURL:   raw.Server.BaseURL,
		ReceiversWSPath: orDefault(raw.Server.ReceiversWSPath, DefaultReceiversWSPath),
		CursorDBPath:    orDefault(raw.Cursors.SQLitePath, DefaultCursorDBPath),
	}
	for i, s := range raw.Subscriptions {
		if s.ForwarderID == "" {
			return ReceiverConfig{}, missing(fmt.Sprintf("subscriptions[%d].forwarder_id", i))
		}
		if s.ReaderIP == "" {
			return ReceiverConfig{}, missing(fmt.Sprintf("subscriptions[%d].reader_ip", i))
		}
		cfg.Subscriptions = append(cfg.Subscriptions, SubscriptionConfig{
			ForwarderID: s.ForwarderID,
			ReaderIP:    s.ReaderIP,
			LocalPort:   s.LocalPort,
		})
	}
	return cfg, nil
}
