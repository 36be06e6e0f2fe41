package store

import (
	"database/sql"
	"errors"
)

// ConfigStore manages the flat key/value configuration table.
type ConfigStore struct {
	db *DB
}

// NewConfigStore wraps db for config access.
func NewConfigStore(db *DB) *ConfigStore {
	return &ConfigStore{db: db}
}

// Get returns the value for key, and false if it isn't set.
func (s *ConfigStore) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set upserts key to value.
func (s *ConfigStore) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// GetBool returns the value for key interpreted as a boolean ("1"/"0"),
// falling back to def if unset.
func (s *ConfigStore) GetBool(key string, def bool) (bool, error) {
	value, ok, err := s.Get(key)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	return value == "1", nil
}

// SetBool stores a boolean as "1"/"0".
func (s *ConfigStore) SetBool(key string, value bool) error {
	if value {
		return s.Set(key, "1")
	}
	return s.Set(key, "0")
}
