/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/friendsincode/grimnir_display/internal/playlist"
)

// Action is a canonical control action. Inbound payloads use a wide alias
// surface accumulated across fleet generations; everything funnels into
// these.
type Action string

const (
	ActionPause     Action = "pause"
	ActionResume    Action = "resume"
	ActionToggle    Action = "toggle"
	ActionNext      Action = "next"
	ActionStatus    Action = "status"
	ActionLoopStart Action = "loop.start"
	ActionLoopStop  Action = "loop.stop"
	ActionPlayOnce  Action = "play.once"
	ActionSchedule  Action = "loop.schedule"
	ActionShowTime  Action = "loop.show_time"
	ActionReload    Action = "reload_playlist"
	ActionPower     Action = "tv.power"
)

var actionAliases = map[string]Action{
	"pause":        ActionPause,
	"play.pause":   ActionPause,
	"player.pause": ActionPause,
	"video.pause":  ActionPause,

	"resume":       ActionResume,
	"play":         ActionResume,
	"unpause":      ActionResume,
	"play.resume":  ActionResume,
	"play.play":    ActionResume,
	"player.play":  ActionResume,
	"video.resume": ActionResume,

	"toggle":            ActionToggle,
	"toggle_pause":      ActionToggle,
	"pause.toggle":      ActionToggle,
	"play.toggle_pause": ActionToggle,
	"play.pause_toggle": ActionToggle,

	"next":      ActionNext,
	"play.next": ActionNext,
	"loop.next": ActionNext,

	"status":         ActionStatus,
	"status.request": ActionStatus,
	"ping":           ActionStatus,

	"loop.start":   ActionLoopStart,
	"loop.set":     ActionLoopStart,
	"playlist.set": ActionLoopStart,

	"loop.stop": ActionLoopStop,

	"play.once": ActionPlayOnce,

	"loop.schedule": ActionSchedule,
	"schedule.set":  ActionSchedule,

	"loop.show_time": ActionShowTime,
	"show_time":      ActionShowTime,

	"reload_playlist": ActionReload,
	"playlist.reload": ActionReload,

	"tv.power": ActionPower,
}

// powerAliases fold the single-purpose power actions into tv.power with an
// implied state.
var powerAliases = map[string]string{
	"hdmi.power_on":  "on",
	"hdmi.power_off": "off",
	"tv.on":          "on",
	"tv.off":         "off",
}

// Command is a parsed control message.
type Command struct {
	ID     string
	Action Action
	// RawAction preserves the operator's spelling for error reporting.
	RawAction string

	Playlist     *playlist.Playlist
	PlaylistFile string

	Item         *playlist.Item
	ReturnToLoop bool
	Retries      int
	ShowTime     *bool

	// Enabled carries the flag for loop.schedule and loop.show_time.
	Enabled       *bool
	ScheduleStart string
	ScheduleEnd   string

	PowerState string
}

// ErrNoAction marks payloads that carry nothing actionable. They are
// dropped without an error report.
var ErrNoAction = errors.New("no action in payload")

type rawCommand struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	State  string `json:"state"`
	Power  string `json:"power"`

	Playlist     json.RawMessage `json:"playlist"`
	PlaylistFile string          `json:"playlist_file"`

	Item         json.RawMessage `json:"item"`
	ReturnToLoop bool            `json:"return_to_loop"`
	Retries      int             `json:"retries"`
	ShowTime     *bool           `json:"show_time"`

	Enabled   *bool  `json:"enabled"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// ParseCommand coerces an inbound payload into a Command. A bare string
// payload is treated as an action name; a dict without an action but with
// an on/off state or power field is shorthand for tv.power. Unknown
// actions parse successfully with RawAction set and Action empty, so the
// dispatcher can report them.
func ParseCommand(payload []byte) (*Command, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return nil, ErrNoAction
	}

	var raw rawCommand
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		// Not a JSON object. A scalar or bare word is an action name.
		var scalar any
		if jsonErr := json.Unmarshal([]byte(text), &scalar); jsonErr == nil {
			raw.Action = fmt.Sprintf("%v", scalar)
		} else {
			raw.Action = text
		}
	}

	action := strings.ToLower(strings.TrimSpace(raw.Action))
	cmd := &Command{
		ID:            raw.ID,
		RawAction:     action,
		PlaylistFile:  raw.PlaylistFile,
		ReturnToLoop:  raw.ReturnToLoop,
		Retries:       raw.Retries,
		ShowTime:      raw.ShowTime,
		Enabled:       raw.Enabled,
		ScheduleStart: strings.TrimSpace(raw.StartTime),
		ScheduleEnd:   strings.TrimSpace(raw.EndTime),
		PowerState:    strings.ToLower(strings.TrimSpace(firstOf(raw.State, raw.Power))),
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	if action == "" {
		// state/power shorthand: {"state": "off"} means tv.power.
		if cmd.PowerState == "on" || cmd.PowerState == "off" {
			cmd.Action = ActionPower
			cmd.RawAction = "tv.power"
			return cmd, nil
		}
		return nil, ErrNoAction
	}

	if state, ok := powerAliases[action]; ok {
		cmd.Action = ActionPower
		cmd.PowerState = state
	} else {
		cmd.Action = actionAliases[action]
	}

	if len(raw.Playlist) > 0 && string(raw.Playlist) != "null" {
		pl, err := playlist.Decode(raw.Playlist)
		if err != nil {
			return nil, fmt.Errorf("command %s: %w", action, err)
		}
		cmd.Playlist = pl
	}
	if len(raw.Item) > 0 && string(raw.Item) != "null" {
		item, err := playlist.DecodeItem(raw.Item)
		if err != nil {
			return nil, fmt.Errorf("command %s: %w", action, err)
		}
		cmd.Item = &item
	}

	return cmd, nil
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
