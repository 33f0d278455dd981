// Package schedule runs the two publishing cadences.
//
// SlotTicker fires short-form jobs at fixed daily times, at most once per slot
// key. BufferTicker keeps long-form uploads committed a few days ahead,
// producing at most one unit per poll.
package schedule

import (
	"fmt"
	"sort"
	"time"

	"github.com/teranos/meridian/am"
	"github.com/teranos/meridian/errors"
)

// SlotKeyLayout formats a slot key: date and time of day in the slot zone
const SlotKeyLayout = "2006-01-02_15:04"

// Clock is a time of day
type Clock struct {
	Hour   int
	Minute int
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// SlotConfig describes the daily slots and the tolerance window around each
type SlotConfig struct {
	Location     *time.Location
	Times        []Clock // ascending
	WindowBefore time.Duration
	WindowAfter  time.Duration
}

// SlotConfigFrom builds a SlotConfig from the autopublish section
func SlotConfigFrom(cfg am.AutopublishConfig) (SlotConfig, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return SlotConfig{}, errors.Wrapf(err, "unknown time zone %q", cfg.Timezone)
	}
	times := make([]Clock, 0, len(cfg.Slots))
	for _, s := range cfg.Slots {
		h, m, err := am.ParseClock(s)
		if err != nil {
			return SlotConfig{}, err
		}
		times = append(times, Clock{Hour: h, Minute: m})
	}
	if len(times) == 0 {
		return SlotConfig{}, errors.NewInvalidRequestError("no slot times configured")
	}
	sort.Slice(times, func(i, j int) bool {
		if times[i].Hour != times[j].Hour {
			return times[i].Hour < times[j].Hour
		}
		return times[i].Minute < times[j].Minute
	})
	return SlotConfig{
		Location:     loc,
		Times:        times,
		WindowBefore: time.Duration(cfg.WindowBeforeMinutes) * time.Minute,
		WindowAfter:  time.Duration(cfg.WindowAfterMinutes) * time.Minute,
	}, nil
}

// Slot is one configured time instantiated on one calendar day
type Slot struct {
	Key string
	At  time.Time // in the slot zone
}

// SlotsForDay returns the slots of the calendar day containing day (in the slot zone)
func (c SlotConfig) SlotsForDay(day time.Time) []Slot {
	local := day.In(c.Location)
	slots := make([]Slot, 0, len(c.Times))
	for _, clock := range c.Times {
		at := time.Date(local.Year(), local.Month(), local.Day(), clock.Hour, clock.Minute, 0, 0, c.Location)
		slots = append(slots, Slot{Key: at.Format(SlotKeyLayout), At: at})
	}
	return slots
}

// InWindow reports whether now lies in [slot - WindowBefore, slot + WindowAfter]
func (c SlotConfig) InWindow(s Slot, now time.Time) bool {
	return !now.Before(s.At.Add(-c.WindowBefore)) && !now.After(s.At.Add(c.WindowAfter))
}

// Due returns the slots whose window contains now. Yesterday and tomorrow are
// included so windows that straddle midnight still match.
func (c SlotConfig) Due(now time.Time) []Slot {
	local := now.In(c.Location)
	var due []Slot
	for _, offset := range []int{-1, 0, 1} {
		for _, s := range c.SlotsForDay(local.AddDate(0, 0, offset)) {
			if c.InWindow(s, now) {
				due = append(due, s)
			}
		}
	}
	return due
}

// UpcomingSlot is a future slot rendered for display
type UpcomingSlot struct {
	Key     string    `json:"key"`
	Local   time.Time `json:"time_local"`
	UTC     time.Time `json:"time_utc"`
	Weekday string    `json:"day"`
}

// NextSlots returns the next n slots strictly after now
func (c SlotConfig) NextSlots(now time.Time, n int) []UpcomingSlot {
	if n <= 0 || len(c.Times) == 0 {
		return nil
	}
	out := make([]UpcomingSlot, 0, n)
	day := now.In(c.Location)
	for len(out) < n {
		for _, s := range c.SlotsForDay(day) {
			if !s.At.After(now) {
				continue
			}
			out = append(out, UpcomingSlot{Key: s.Key, Local: s.At, UTC: s.At.UTC(), Weekday: s.At.Weekday().String()})
			if len(out) == n {
				break
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return out
}

// TimeStrings renders the configured times as "HH:MM"
func (c SlotConfig) TimeStrings() []string {
	out := make([]string, len(c.Times))
	for i, t := range c.Times {
		out[i] = t.String()
	}
	return out
}
