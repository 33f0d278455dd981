package am

import (
	"os"

	"github.com/spf13/viper"
)

const (
	// DefaultDirPermissions for ~/.meridian
	DefaultDirPermissions os.FileMode = 0750
	// DefaultFilePermissions for written config files
	DefaultFilePermissions os.FileMode = 0644
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "meridian.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:8820", "http://127.0.0.1:8820"})
	v.SetDefault("server.mutations_per_minute", 60)

	v.SetDefault("pulse.workers", 1)
	v.SetDefault("pulse.shutdown_timeout_seconds", 30)

	v.SetDefault("events.subscriber_buffer", 100)
	v.SetDefault("events.ping_interval_seconds", 15)

	// Short-form slots: 07:00 and 21:30 Eastern, window -15/+30 minutes
	v.SetDefault("autopublish.enabled", false)
	v.SetDefault("autopublish.timezone", "America/New_York")
	v.SetDefault("autopublish.slots", []string{"07:00", "21:30"})
	v.SetDefault("autopublish.window_before_minutes", 15)
	v.SetDefault("autopublish.window_after_minutes", 30)
	v.SetDefault("autopublish.poll_interval_seconds", 60)
	v.SetDefault("autopublish.done_set_limit", 60)
	v.SetDefault("autopublish.low_watermark", 10)
	v.SetDefault("autopublish.backfill_count", 100)
	v.SetDefault("autopublish.backfill_min_interval_seconds", 600)
	v.SetDefault("autopublish.schedule_preview_days", 7)

	// Long-form: keep two days of committed uploads ahead
	v.SetDefault("longform.enabled", false)
	v.SetDefault("longform.timezone", "Asia/Kolkata")
	v.SetDefault("longform.poll_interval_seconds", 3600)
	v.SetDefault("longform.buffer_threshold_days", 2)
	v.SetDefault("longform.publish_hour", 18)
	v.SetDefault("longform.durations", []int{180, 300})
	v.SetDefault("longform.duration_jitter_min", 5)
	v.SetDefault("longform.duration_jitter_max", 45)
	v.SetDefault("longform.short_track_max_seconds", 225)
	v.SetDefault("longform.short_tracks", []string{"ambient-short-1", "ambient-short-2", "ambient-short-3"})
	v.SetDefault("longform.long_tracks", []string{"ambient-long-1", "ambient-long-2"})

	v.SetDefault("catalog.path", "")
	v.SetDefault("catalog.categories", []string{"space", "ocean", "history", "science", "nature"})

	v.SetDefault("pipeline.simulate", true)
}
