/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package mode tracks device connectivity. Playback never depends on the
// mode; only reporting and command intake do.
package mode

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_display/internal/telemetry"
)

// Mode is the connectivity state.
type Mode string

const (
	Online  Mode = "ONLINE"
	Offline Mode = "OFFLINE"
)

var validTransitions = map[Mode][]Mode{
	Offline: {Online},
	Online:  {Offline},
}

func isValidTransition(from, to Mode) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Controller serializes mode transitions and invokes the entry hooks.
// Devices boot OFFLINE; the first successful broker connection moves them
// ONLINE.
type Controller struct {
	mu        sync.Mutex
	mode      Mode
	changedAt time.Time

	onEnterOnline  func()
	onEnterOffline func()
	logger         zerolog.Logger
}

// NewController builds a controller starting OFFLINE. The entry hooks run
// on the caller's goroutine after the transition commits; they fire once
// per entry, not per redundant notification.
func NewController(onEnterOnline, onEnterOffline func(), logger zerolog.Logger) *Controller {
	telemetry.SetModeOnline(false)
	return &Controller{
		mode:           Offline,
		changedAt:      time.Now(),
		onEnterOnline:  onEnterOnline,
		onEnterOffline: onEnterOffline,
		logger:         logger.With().Str("component", "mode").Logger(),
	}
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Since returns when the current mode was entered.
func (c *Controller) Since() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changedAt
}

// SetOnline records a broker connection. Returns true if the mode
// actually changed.
func (c *Controller) SetOnline() bool {
	return c.transition(Online)
}

// SetOffline records a lost broker connection. Returns true if the mode
// actually changed.
func (c *Controller) SetOffline() bool {
	return c.transition(Offline)
}

func (c *Controller) transition(to Mode) bool {
	c.mu.Lock()
	from := c.mode
	if !isValidTransition(from, to) {
		c.mu.Unlock()
		return false
	}
	c.mode = to
	c.changedAt = time.Now()
	c.mu.Unlock()

	telemetry.SetModeOnline(to == Online)
	c.logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("connectivity mode changed")

	switch to {
	case Online:
		if c.onEnterOnline != nil {
			c.onEnterOnline()
		}
	case Offline:
		if c.onEnterOffline != nil {
			c.onEnterOffline()
		}
	}
	return true
}
