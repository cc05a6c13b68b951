// Package config loads and validates the per-daemon YAML configuration
// files. The config file is the sole source; there are no environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// CurrentSchemaVersion is the config schema version every file must carry.
const CurrentSchemaVersion = 1

var (
	// ErrMissingField marks a required field that is absent.
	ErrMissingField = errors.New("config: missing required field")
	// ErrInvalidValue marks a present but unusable value.
	ErrInvalidValue = errors.New("config: invalid value")
)

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}

func invalid(field, why string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidValue, field, why)
}

func checkSchemaVersion(v int) error {
	if v == 0 {
		return missing("schema_version")
	}
	if v != CurrentSchemaVersion {
		return invalid("schema_version", fmt.Sprintf("must be %d, got %d", CurrentSchemaVersion, v))
	}
	return nil
}

// readTokenFile reads a raw bearer token: one line, trimmed.
func readTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading token file %q: %w", path, err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", invalid("auth.token_file", "token file is empty")
	}
	return token, nil
}
