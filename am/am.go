package am

import "time"

// Config represents the meridian configuration
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database" toml:"database"`
	Server      ServerConfig      `mapstructure:"server" toml:"server"`
	Pulse       PulseConfig       `mapstructure:"pulse" toml:"pulse"`
	Events      EventsConfig      `mapstructure:"events" toml:"events"`
	Autopublish AutopublishConfig `mapstructure:"autopublish" toml:"autopublish"`
	Longform    LongformConfig    `mapstructure:"longform" toml:"longform"`
	Catalog     CatalogConfig     `mapstructure:"catalog" toml:"catalog"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline" toml:"pipeline"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ServerConfig configures the HTTP control surface
type ServerConfig struct {
	Port           int      `mapstructure:"port" toml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
	// Mutating requests per minute per remote address, 0 = unlimited
	MutationsPerMinute int `mapstructure:"mutations_per_minute" toml:"mutations_per_minute"`
}

// Server port constants
const (
	DefaultServerPort = 8820
)

// PulseConfig configures the job executor
type PulseConfig struct {
	Workers                int `mapstructure:"workers" toml:"workers"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds"`
}

// EventsConfig configures the event bus
type EventsConfig struct {
	SubscriberBuffer    int `mapstructure:"subscriber_buffer" toml:"subscriber_buffer"`
	PingIntervalSeconds int `mapstructure:"ping_interval_seconds" toml:"ping_interval_seconds"`
}

// AutopublishConfig configures the slot scheduler (short-form cadence)
type AutopublishConfig struct {
	Enabled                    bool     `mapstructure:"enabled" toml:"enabled"` // initial toggle, persisted state wins afterwards
	Timezone                   string   `mapstructure:"timezone" toml:"timezone"`
	Slots                      []string `mapstructure:"slots" toml:"slots"` // "HH:MM" in Timezone
	WindowBeforeMinutes        int      `mapstructure:"window_before_minutes" toml:"window_before_minutes"`
	WindowAfterMinutes         int      `mapstructure:"window_after_minutes" toml:"window_after_minutes"`
	PollIntervalSeconds        int      `mapstructure:"poll_interval_seconds" toml:"poll_interval_seconds"`
	DoneSetLimit               int      `mapstructure:"done_set_limit" toml:"done_set_limit"`
	LowWatermark               int      `mapstructure:"low_watermark" toml:"low_watermark"`
	BackfillCount              int      `mapstructure:"backfill_count" toml:"backfill_count"`
	BackfillMinIntervalSeconds int      `mapstructure:"backfill_min_interval_seconds" toml:"backfill_min_interval_seconds"`
	SchedulePreviewDays        int      `mapstructure:"schedule_preview_days" toml:"schedule_preview_days"`
}

// LongformConfig configures the buffer-lookahead scheduler
type LongformConfig struct {
	Enabled               bool     `mapstructure:"enabled" toml:"enabled"`
	Timezone              string   `mapstructure:"timezone" toml:"timezone"`
	PollIntervalSeconds   int      `mapstructure:"poll_interval_seconds" toml:"poll_interval_seconds"`
	BufferThresholdDays   int      `mapstructure:"buffer_threshold_days" toml:"buffer_threshold_days"`
	PublishHour           int      `mapstructure:"publish_hour" toml:"publish_hour"`
	Durations             []int    `mapstructure:"durations" toml:"durations"` // seconds
	DurationJitterMin     int      `mapstructure:"duration_jitter_min" toml:"duration_jitter_min"`
	DurationJitterMax     int      `mapstructure:"duration_jitter_max" toml:"duration_jitter_max"`
	ShortTrackMaxSeconds  int      `mapstructure:"short_track_max_seconds" toml:"short_track_max_seconds"`
	ShortTracks           []string `mapstructure:"short_tracks" toml:"short_tracks"`
	LongTracks            []string `mapstructure:"long_tracks" toml:"long_tracks"`
}

// CatalogConfig locates the category catalog
type CatalogConfig struct {
	Path       string   `mapstructure:"path" toml:"path"`             // TOML catalog file, optional
	Categories []string `mapstructure:"categories" toml:"categories"` // used when Path is empty
}

// PipelineConfig configures the external collaborators.
// Each command is a shell-quoted command line; an empty command with Simulate set uses the built-in simulation.
type PipelineConfig struct {
	GenerateCommand       string `mapstructure:"generate_command" toml:"generate_command"`
	LongformCommand       string `mapstructure:"longform_command" toml:"longform_command"`
	UploadCommand         string `mapstructure:"upload_command" toml:"upload_command"`
	BackfillCommand       string `mapstructure:"backfill_command" toml:"backfill_command"`
	CommittedDatesCommand string `mapstructure:"committed_dates_command" toml:"committed_dates_command"`
	Simulate              bool   `mapstructure:"simulate" toml:"simulate"`
}

// PollInterval returns the slot scheduler poll interval
func (c AutopublishConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// PollInterval returns the buffer scheduler poll interval
func (c LongformConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}
