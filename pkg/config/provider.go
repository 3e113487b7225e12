// Package config loads the calibration configuration from YAML files or a
// SQLite database.
package config

import (
	"path/filepath"
	"strings"
)

// ConfigProvider defines the interface for configuration data sources
type ConfigProvider interface {
	// LoadConfig returns the defaults overlaid with the source's values.
	LoadConfig() (*Config, error)

	IsReadOnly() bool
	Close() error
}

// NewProvider picks a provider by file extension: .db, .sqlite and .sqlite3
// files are read with the SQLite provider, everything else as YAML.
func NewProvider(path string) (ConfigProvider, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		p, err := NewSQLiteProvider(path)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return NewYAMLProvider(path), nil
}
