package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrExists is returned by Save when the target exists and overwrite is
// false.
var ErrExists = errors.New("config file already exists")

// Starter returns a small working configuration for vault: the defaults,
// an hourly link scan, and nothing that needs credentials.
func Starter(vault string) Config {
	cfg := Default()
	cfg.Vault = vault
	cfg.Tasks = []TaskConfig{{ID: "link-scan", Schedule: "@every 1h"}}
	cfg.Handlers = map[string]HandlerConfig{
		"broken-links": {
			Kind:  "link-scan",
			Tasks: []string{"link-scan"},
		},
	}
	return cfg
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// Save writes cfg to path as YAML, creating parent directories.
func Save(path string, cfg *Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
	}
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
