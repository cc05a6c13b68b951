package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/graaaaa/timerelay/internal/target"
)

// Forwarder daemon defaults.
const (
	DefaultForwardersWSPath   = "/ws/v1/forwarders"
	DefaultJournalPath        = "/var/lib/timerelay/forwarder.sqlite3"
	DefaultPruneWatermarkPct  = 80
	DefaultJournalCeilingRows = 1_000_000
	DefaultStatusBind         = "0.0.0.0:8080"
	DefaultBatchMode          = "immediate"
	DefaultBatchFlushMs       = 100
	DefaultBatchMaxEvents     = 50
	DefaultCheckpointSchedule = "@hourly"
)

// ForwarderConfig is the validated forwarder configuration.
type ForwarderConfig struct {
	ForwarderID string
	DisplayName string
	// Token is the raw bearer read from auth.token_file.
	Token string

	ServerBaseURL    string
	ForwardersWSPath string

	JournalPath        string
	PruneWatermarkPct  int
	JournalCeilingRows int64
	CheckpointSchedule string

	StatusBind string

	BatchMode      string
	BatchFlushMs   int
	BatchMaxEvents int

	Readers []ReaderConfig
}

// ReaderConfig is one validated [[readers]] entry with its expansion.
type ReaderConfig struct {
	Target            string
	Enabled           bool
	LocalFallbackPort uint16
	// Endpoints is the expanded target (single IP or inclusive range).
	Endpoints []target.Endpoint
}

// WSEndpoint returns the full forwarder WebSocket URL.
func (c ForwarderConfig) WSEndpoint() string {
	return c.ServerBaseURL + c.ForwardersWSPath
}

type rawForwarder struct {
	SchemaVersion int    `yaml:"schema_version"`
	ForwarderID   string `yaml:"forwarder_id"`
	DisplayName   string `yaml:"display_name"`
	Server        struct {
		BaseURL          string `yaml:"base_url"`
		ForwardersWSPath string `yaml:"forwarders_ws_path"`
	} `yaml:"server"`
	Auth struct {
		TokenFile string `yaml:"token_file"`
	} `yaml:"auth"`
	Journal struct {
		SQLitePath        string `yaml:"sqlite_path"`
		PruneWatermarkPct *int   `yaml:"prune_watermark_pct"`
		CeilingRows       *int64 `yaml:"ceiling_rows"`
	} `yaml:"journal"`
	Maintenance struct {
		CheckpointSchedule string `yaml:"checkpoint_schedule"`
	} `yaml:"maintenance"`
	StatusHTTP struct {
		Bind string `yaml:"bind"`
	} `yaml:"status_http"`
	Uplink struct {
		BatchMode      string `yaml:"batch_mode"`
		BatchFlushMs   *int   `yaml:"batch_flush_ms"`
		BatchMaxEvents *int   `yaml:"batch_max_events"`
	} `yaml:"uplink"`
	Readers []struct {
		Target            string  `yaml:"target"`
		Enabled           *bool   `yaml:"enabled"`
		LocalFallbackPort *uint16 `yaml:"local_fallback_port"`
	} `yaml:"readers"`
}

// LoadForwarder reads and validates a forwarder config file.
func LoadForwarder(path string) (ForwarderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ForwarderConfig{}, fmt.Errorf("reading config file %q: %w", path, err)
	}
	return parseForwarder(data)
}

func parseForwarder(data []byte) (ForwarderConfig, error) {
	var raw rawForwarder
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return ForwarderConfig{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := checkSchemaVersion(raw.SchemaVersion); err != nil {
		return ForwarderConfig{}, err
	}
	if raw.ForwarderID == "" {
		return ForwarderConfig{}, missing("forwarder_id")
	}
	if raw.Server.BaseURL == "" {
		return ForwarderConfig{}, missing("server.base_url")
	}
	if raw.Auth.TokenFile == "" {
		return ForwarderConfig{}, missing("auth.token_file")
	}
	token, err := readTokenFile(raw.Auth.TokenFile)
	if err != nil {
		return ForwarderConfig{}, err
	}
	if len(raw.Readers) == 0 {
		return ForwarderConfig{}, invalid("readers", "at least one entry is required")
	}

	cfg := ForwarderConfig{
		ForwarderID:        raw.ForwarderID,
		DisplayName:        raw.DisplayName,
		Token:              token,
		ServerBaseURL:      raw.Server.BaseURL,
		ForwardersWSPath:   orDefault(raw.Server.ForwardersWSPath, DefaultForwardersWSPath),
		JournalPath:        orDefault(raw.Journal.SQLitePath, DefaultJournalPath),
		PruneWatermarkPct:  orDefaultInt(raw.Journal.PruneWatermarkPct, DefaultPruneWatermarkPct),
		JournalCeilingRows: orDefaultInt64(raw.Journal.CeilingRows, DefaultJournalCeilingRows),
		CheckpointSchedule: orDefault(raw.Maintenance.CheckpointSchedule, DefaultCheckpointSchedule),
		StatusBind:         orDefault(raw.StatusHTTP.Bind, DefaultStatusBind),
		BatchMode:          orDefault(raw.Uplink.BatchMode, DefaultBatchMode),
		BatchFlushMs:       orDefaultInt(raw.Uplink.BatchFlushMs, DefaultBatchFlushMs),
		BatchMaxEvents:     orDefaultInt(raw.Uplink.BatchMaxEvents, DefaultBatchMaxEvents),
	}

	if cfg.BatchMode != "immediate" && cfg.BatchMode != "batched" {
		return ForwarderConfig{}, invalid("uplink.batch_mode",
			fmt.Sprintf("must be 'immediate' or 'batched', got %q", cfg.BatchMode))
	}
	if cfg.PruneWatermarkPct <= 0 || cfg.PruneWatermarkPct > 100 {
		return ForwarderConfig{}, invalid("journal.prune_watermark_pct", "must be in 1..100")
	}

	for i, r := range raw.Readers {
		if r.Target == "" {
			return ForwarderConfig{}, missing(fmt.Sprintf("readers[%d].target", i))
		}
		endpoints, err := target.Expand(r.Target)
		if err != nil {
			return ForwarderConfig{}, fmt.Errorf("readers[%d].target: %w", i, err)
		}
		rc := ReaderConfig{
			Target:    r.Target,
			Enabled:   true,
			Endpoints: endpoints,
		}
		if r.Enabled != nil {
			rc.Enabled = *r.Enabled
		}
		if r.LocalFallbackPort != nil {
			rc.LocalFallbackPort = *r.LocalFallbackPort
		}
		cfg.Readers = append(cfg.Readers, rc)
	}
	return cfg, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultInt(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func orDefaultInt64(v *int64, def int64) int64 {
	if v == nil {
		return def
	}
	return *v
}
