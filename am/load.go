package am

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/meridian/errors"
)

// EnvPrefix is prepended to every environment override (MERIDIAN_AUTOPUBLISH_TIMEZONE, ...)
const EnvPrefix = "MERIDIAN"

// Load reads the configuration from defaults, the system/user/project files and the environment
func Load() (*Config, error) {
	return LoadWithViper(newViper())
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path (defaults still apply)
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", configPath)
	}
	return config, nil
}

// newViper initializes Viper with configuration sources and defaults
func newViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)
	mergeConfigFiles(v, ConfigPaths())

	return v
}

// ConfigPaths lists candidate config files, lowest precedence first
func ConfigPaths() []string {
	paths := []string{"/etc/meridian/config.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".meridian", "config.toml"))
	}

	if wd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(wd, "meridian.toml"))
	}

	return paths
}

// ActiveConfigPath returns the highest-precedence config file that exists, or ""
func ActiveConfigPath() string {
	paths := ConfigPaths()
	for i := len(paths) - 1; i >= 0; i-- {
		if _, err := os.Stat(paths[i]); err == nil {
			return paths[i]
		}
	}
	return ""
}

// mergeConfigFiles merges each existing file over the previous ones.
// Precedence (lowest to highest): system < user < project < env vars
func mergeConfigFiles(v *viper.Viper, configPaths []string) {
	for _, configPath := range configPaths {
		if _, err := os.Stat(configPath); err != nil {
			continue
		}

		fileViper := viper.New()
		fileViper.SetConfigFile(configPath)
		fileViper.SetConfigType("toml")

		if err := fileViper.ReadInConfig(); err == nil {
			// Deep merge keeps defaults for keys a section leaves out
			_ = v.MergeConfigMap(fileViper.AllSettings())
		}
	}
}
