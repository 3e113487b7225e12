package config

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// DefaultConfigName is the configuration row read by LoadConfig.
const DefaultConfigName = "default"

// SQLiteProvider implements ConfigProvider for SQLite database configuration.
// Each named configuration is stored as a YAML document.
type SQLiteProvider struct {
	db     *sql.DB
	dbPath string
	name   string
}

// NewSQLiteProvider creates a new SQLite configuration provider
func NewSQLiteProvider(dbPath string) (*SQLiteProvider, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS configs (
		name       TEXT PRIMARY KEY,
		document   TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create configs table: %w", err)
	}

	return &SQLiteProvider{
		db:     db,
		dbPath: dbPath,
		name:   DefaultConfigName,
	}, nil
}

// LoadConfig loads the default configuration from the database. A database
// without a stored configuration yields the defaults.
func (s *SQLiteProvider) LoadConfig() (*Config, error) {
	var doc string
	err := s.db.QueryRow(`SELECT document FROM configs WHERE name = ?`, s.name).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query config %q: %w", s.name, err)
	}
	return Parse([]byte(doc))
}

// SaveConfig stores cfg as the default configuration.
func (s *SQLiteProvider) SaveConfig(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	doc, err := Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO configs (name, document, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET document = excluded.document, updated_at = CURRENT_TIMESTAMP`,
		s.name, string(doc))
	if err != nil {
		return fmt.Errorf("failed to store config %q: %w", s.name, err)
	}
	return nil
}

// IsReadOnly returns false, SQLite configurations can be written back.
func (s *SQLiteProvider) IsReadOnly() bool {
	return false
}

// Close closes the database connection
func (s *SQLiteProvider) Close() error {
	return s.db.Close()
}
