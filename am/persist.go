package am

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/meridian/errors"
)

// Marshal renders the config as a TOML document
func (c *Config) Marshal() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}
	return data, nil
}

// WriteConfig writes cfg to configPath as TOML.
// Existing content is rotated into .back1..3 first, and the new document is
// written to a temp file in the same directory and renamed over the target.
func WriteConfig(configPath string, cfg *Config, watcher *ConfigWatcher) error {
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create %s", dir)
	}

	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(configPath)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temp config file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write temp config file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to sync temp config file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close temp config file")
	}
	if err := os.Chmod(tmpPath, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to set config file permissions")
	}

	if watcher != nil {
		watcher.MarkOwnWrite()
	}

	if err := os.Rename(tmpPath, configPath); err != nil {
		return errors.Wrapf(err, "failed to replace %s", configPath)
	}
	return nil
}

// createBackup rotates .back1 -> .back2 -> .back3 and copies the current file to .back1
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	back1 := configPath + ".back1"
	back2 := configPath + ".back2"
	back3 := configPath + ".back3"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to delete .back3")
	}
	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}
	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}
