package am

import (
	"strconv"
	"strings"
	"time"

	"github.com/teranos/meridian/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Server.MutationsPerMinute < 0 {
		return errors.Newf("server.mutations_per_minute must be >= 0, got %d", c.Server.MutationsPerMinute)
	}

	// Pulse workers: at least one, the executor has nothing else to run pipelines on
	if c.Pulse.Workers < 1 {
		return errors.Newf("pulse.workers must be >= 1, got %d", c.Pulse.Workers)
	}
	if c.Pulse.ShutdownTimeoutSeconds < 0 {
		return errors.Newf("pulse.shutdown_timeout_seconds must be >= 0, got %d", c.Pulse.ShutdownTimeoutSeconds)
	}

	if c.Events.SubscriberBuffer <= 0 {
		return errors.Newf("events.subscriber_buffer must be > 0, got %d", c.Events.SubscriberBuffer)
	}
	if c.Events.PingIntervalSeconds <= 0 {
		return errors.Newf("events.ping_interval_seconds must be > 0, got %d", c.Events.PingIntervalSeconds)
	}

	if err := c.Autopublish.validate(); err != nil {
		return err
	}
	if err := c.Longform.validate(); err != nil {
		return err
	}

	if c.Catalog.Path == "" && len(c.Catalog.Categories) == 0 {
		return errors.Wrap(errors.ErrNoCategories, "catalog.path or catalog.categories must be set")
	}

	return nil
}

func (c AutopublishConfig) validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return errors.Wrapf(err, "autopublish.timezone %q is not a known zone", c.Timezone)
	}
	if len(c.Slots) == 0 {
		return errors.New("autopublish.slots cannot be empty")
	}
	for _, s := range c.Slots {
		if _, _, err := ParseClock(s); err != nil {
			return errors.Wrap(err, "autopublish.slots")
		}
	}
	if c.WindowBeforeMinutes < 0 || c.WindowAfterMinutes < 0 {
		return errors.Newf("autopublish window must be >= 0, got -%d/+%d",
			c.WindowBeforeMinutes, c.WindowAfterMinutes)
	}
	if c.PollIntervalSeconds <= 0 {
		return errors.Newf("autopublish.poll_interval_seconds must be > 0, got %d", c.PollIntervalSeconds)
	}
	if c.DoneSetLimit <= 0 {
		return errors.Newf("autopublish.done_set_limit must be > 0, got %d", c.DoneSetLimit)
	}
	if c.LowWatermark < 0 || c.BackfillCount < 0 || c.BackfillMinIntervalSeconds < 0 {
		return errors.New("autopublish backfill settings must be >= 0")
	}
	return nil
}

func (c LongformConfig) validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return errors.Wrapf(err, "longform.timezone %q is not a known zone", c.Timezone)
	}
	if c.PollIntervalSeconds <= 0 {
		return errors.Newf("longform.poll_interval_seconds must be > 0, got %d", c.PollIntervalSeconds)
	}
	if c.BufferThresholdDays <= 0 {
		return errors.Newf("longform.buffer_threshold_days must be > 0, got %d", c.BufferThresholdDays)
	}
	if c.PublishHour < 0 || c.PublishHour > 23 {
		return errors.Newf("longform.publish_hour must be in 0..23, got %d", c.PublishHour)
	}
	if len(c.Durations) == 0 {
		return errors.New("longform.durations cannot be empty")
	}
	if c.DurationJitterMin < 0 || c.DurationJitterMax < c.DurationJitterMin {
		return errors.Newf("longform duration jitter must satisfy 0 <= min <= max, got %d..%d",
			c.DurationJitterMin, c.DurationJitterMax)
	}
	if c.Enabled && (len(c.ShortTracks) == 0 || len(c.LongTracks) == 0) {
		return errors.New("longform.short_tracks and longform.long_tracks are required when enabled")
	}
	return nil
}

// ParseClock parses an "HH:MM" time of day
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, errors.Newf("invalid time of day %q, want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, errors.Newf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, errors.Newf("invalid minute in %q", s)
	}
	return hour, minute, nil
}
