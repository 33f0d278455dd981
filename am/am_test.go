package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, "meridian.db", cfg.Database.Path)
	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, 1, cfg.Pulse.Workers)
	assert.Equal(t, "America/New_York", cfg.Autopublish.Timezone)
	assert.Equal(t, []string{"07:00", "21:30"}, cfg.Autopublish.Slots)
	assert.Equal(t, 15, cfg.Autopublish.WindowBeforeMinutes)
	assert.Equal(t, 30, cfg.Autopublish.WindowAfterMinutes)
	assert.Equal(t, 60, cfg.Autopublish.DoneSetLimit)
	assert.Equal(t, time.Minute, cfg.Autopublish.PollInterval())
	assert.Equal(t, "Asia/Kolkata", cfg.Longform.Timezone)
	assert.Equal(t, 2, cfg.Longform.BufferThresholdDays)
	assert.Equal(t, []int{180, 300}, cfg.Longform.Durations)
	assert.Equal(t, time.Hour, cfg.Longform.PollInterval())

	require.NoError(t, cfg.Validate(), "defaults must validate")
}

func TestLoadFromFile_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meridian.toml")
	content := `
[autopublish]
timezone = "Europe/Amsterdam"
slots = ["06:15"]

[longform]
buffer_threshold_days = 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "Europe/Amsterdam", cfg.Autopublish.Timezone)
	assert.Equal(t, []string{"06:15"}, cfg.Autopublish.Slots)
	assert.Equal(t, 4, cfg.Longform.BufferThresholdDays)
	// Untouched keys keep their defaults
	assert.Equal(t, 30, cfg.Autopublish.WindowAfterMinutes)
	assert.Equal(t, "meridian.db", cfg.Database.Path)
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestMergeConfigFiles_Precedence(t *testing.T) {
	dir := t.TempDir()
	system := filepath.Join(dir, "system.toml")
	project := filepath.Join(dir, "project.toml")
	require.NoError(t, os.WriteFile(system, []byte("[pulse]\nworkers = 3\n[server]\nport = 9000\n"), 0644))
	require.NoError(t, os.WriteFile(project, []byte("[pulse]\nworkers = 5\n"), 0644))

	v := viper.New()
	SetDefaults(v)
	mergeConfigFiles(v, []string{system, filepath.Join(dir, "missing.toml"), project})

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Pulse.Workers, "project overrides system")
	assert.Equal(t, 9000, cfg.Server.Port, "system value survives when project omits it")
	assert.Equal(t, 30, cfg.Pulse.ShutdownTimeoutSeconds, "defaults survive")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero workers", func(c *Config) { c.Pulse.Workers = 0 }, "pulse.workers"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"unknown timezone", func(c *Config) { c.Autopublish.Timezone = "Mars/Olympus" }, "autopublish.timezone"},
		{"bad slot", func(c *Config) { c.Autopublish.Slots = []string{"7am"} }, "autopublish.slots"},
		{"no slots", func(c *Config) { c.Autopublish.Slots = nil }, "autopublish.slots cannot be empty"},
		{"negative window", func(c *Config) { c.Autopublish.WindowBeforeMinutes = -1 }, "window"},
		{"zero poll", func(c *Config) { c.Autopublish.PollIntervalSeconds = 0 }, "poll_interval_seconds"},
		{"zero threshold", func(c *Config) { c.Longform.BufferThresholdDays = 0 }, "buffer_threshold_days"},
		{"inverted jitter", func(c *Config) { c.Longform.DurationJitterMin = 50 }, "jitter"},
		{"no categories", func(c *Config) { c.Catalog.Categories = nil }, "no categories configured"},
		{"catalog file instead of list", func(c *Config) {
			c.Catalog.Categories = nil
			c.Catalog.Path = "catalog.toml"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("21:30")
	require.NoError(t, err)
	assert.Equal(t, 21, h)
	assert.Equal(t, 30, m)

	h, m, err = ParseClock(" 07:05 ")
	require.NoError(t, err)
	assert.Equal(t, 7, h)
	assert.Equal(t, 5, m)

	for _, bad := range []string{"24:00", "12:60", "noon", "12", "1:2:3", "-1:00"} {
		_, _, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestWriteConfig_AtomicWithBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "meridian.toml")
	cfg := defaultConfig(t)

	// Three writes produce .back1 and .back2
	for i := 1; i <= 3; i++ {
		cfg.Pulse.Workers = i
		require.NoError(t, WriteConfig(path, cfg, nil))
	}

	reloaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.Pulse.Workers)
	assert.Equal(t, cfg.Autopublish.Slots, reloaded.Autopublish.Slots)

	back1, err := LoadFromFile(path + ".back1")
	require.NoError(t, err)
	assert.Equal(t, 2, back1.Pulse.Workers)
	assert.FileExists(t, path+".back2")
	assert.NoFileExists(t, path+".back3")

	// No temp files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, ".tmp", filepath.Ext(e.Name()), e.Name())
	}
}

func TestConfigWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meridian.toml")
	cfg := defaultConfig(t)
	require.NoError(t, WriteConfig(path, cfg, nil))

	cw, err := NewConfigWatcher(path, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	cw.loader = func() (*Config, error) { return LoadFromFile(path) }
	cw.debouncePeriod = 10 * time.Millisecond

	reloaded := make(chan *Config, 1)
	cw.OnReload(func(c *Config) error {
		select {
		case reloaded <- c:
		default:
		}
		return nil
	})
	cw.Start()
	defer cw.Stop()

	cfg.Autopublish.Slots = []string{"08:45"}
	require.NoError(t, os.WriteFile(path, mustMarshal(t, cfg), 0644))

	select {
	case c := <-reloaded:
		assert.Equal(t, []string{"08:45"}, c.Autopublish.Slots)
	case <-time.After(5 * time.Second):
		t.Fatal("config watcher did not reload")
	}
}

func TestConfigWatcher_RejectsInvalidReload(t *testing.T) {
	cw := &ConfigWatcher{
		logger: zaptest.NewLogger(t).Sugar(),
		loader: func() (*Config, error) {
			c := defaultConfig(t)
			c.Autopublish.Slots = []string{"99:99"}
			return c, nil
		},
	}
	called := false
	cw.OnReload(func(*Config) error { called = true; return nil })

	err := cw.reload()
	require.Error(t, err)
	assert.False(t, called, "callbacks must not see an invalid config")
}

func mustMarshal(t *testing.T, cfg *Config) []byte {
	t.Helper()
	data, err := cfg.Marshal()
	require.NoError(t, err)
	return data
}
