package commands

import (
	"database/sql"

	"github.com/teranos/meridian/am"
	"github.com/teranos/meridian/db"
	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/logger"
)

// defaultDBPath is used when neither the flag nor the config names a database
const defaultDBPath = "meridian.db"

// loadConfig loads and validates the configuration cascade
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// resolveDBPath picks the flag value, then the config, then the default
func resolveDBPath(flagPath string, cfg *am.Config) string {
	switch {
	case flagPath != "":
		return flagPath
	case cfg != nil && cfg.Database.Path != "":
		return cfg.Database.Path
	default:
		return defaultDBPath
	}
}

// openDatabase opens and migrates the database at path
func openDatabase(path string) (*sql.DB, error) {
	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}
