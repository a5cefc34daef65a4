/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package schedule decides when the playback window is open and detects
// transitions across its edges.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/friendsincode/grimnir_display/internal/playlist"
)

const minutesPerDay = 24 * 60

// Window is a daily playback window in local wall-clock minutes. The
// window is half-open: Start is inside, End is outside. An End before
// Start wraps past midnight.
type Window struct {
	Enabled bool
	Start   int
	End     int
}

// ParseClock parses an "HH:MM" wall-clock string into minutes since
// midnight.
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid clock %q: bad hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock %q: bad minute", s)
	}
	return h*60 + m, nil
}

// FromPlaylist derives the window from a playlist's schedule fields. A
// playlist without schedule_enabled yields a disabled window. Unparseable
// clock strings are an error so a bad push is rejected rather than
// silently running around the clock.
func FromPlaylist(p *playlist.Playlist) (Window, error) {
	if p == nil || !p.ScheduleEnabled {
		return Window{}, nil
	}
	start, err := ParseClock(p.ScheduleStart)
	if err != nil {
		return Window{}, fmt.Errorf("schedule_start: %w", err)
	}
	end, err := ParseClock(p.ScheduleEnd)
	if err != nil {
		return Window{}, fmt.Errorf("schedule_end: %w", err)
	}
	return Window{Enabled: true, Start: start, End: end}, nil
}

// Contains reports whether t falls inside the window. A disabled window
// contains every instant. A zero-length window (start equal to end)
// contains none.
func (w Window) Contains(t time.Time) bool {
	if !w.Enabled {
		return true
	}
	if w.Start == w.End {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	if w.Start < w.End {
		return m >= w.Start && m < w.End
	}
	return m >= w.Start || m < w.End
}

// NextEdge returns the next instant at which Contains flips, or ok=false
// for a disabled or zero-length window. Used for status reporting only;
// the evaluator ticks rather than sleeping until the edge.
func (w Window) NextEdge(t time.Time) (time.Time, bool) {
	if !w.Enabled || w.Start == w.End {
		return time.Time{}, false
	}
	m := t.Hour()*60 + t.Minute()
	target := w.Start
	if w.Contains(t) {
		target = w.End
	}
	delta := target - m
	if delta <= 0 {
		delta += minutesPerDay
	}
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return midnight.Add(time.Duration(m+delta) * time.Minute), true
}

func (w Window) String() string {
	if !w.Enabled {
		return "disabled"
	}
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
}
