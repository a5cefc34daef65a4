/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_display/internal/telemetry"
)

// Service ticks the wall clock against the active window and reports
// exactly one notification per edge crossing. The first evaluation after
// startup or a window change also notifies, so consumers never have to
// guess the initial state.
type Service struct {
	mu          sync.Mutex
	window      Window
	active      bool
	initialized bool

	interval time.Duration
	notify   func(active bool)
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService builds a schedule service. notify is invoked from the
// service goroutine; consumers that need serialization should enqueue.
func NewService(notify func(active bool), logger zerolog.Logger) *Service {
	return &Service{
		interval: time.Second,
		notify:   notify,
		logger:   logger.With().Str("component", "schedule").Logger(),
		now:      time.Now,
	}
}

// SetWindow replaces the active window and re-evaluates immediately.
func (s *Service) SetWindow(w Window) {
	s.mu.Lock()
	changedWindow := w != s.window
	s.window = w
	s.mu.Unlock()
	if changedWindow {
		s.logger.Info().Str("window", w.String()).Msg("playback window updated")
	}
	s.evaluate()
}

// Active reports the most recent evaluation result.
func (s *Service) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Enabled reports whether a real window is configured. A disabled window
// still evaluates (always active) but carries no power schedule.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.Enabled
}

// Run evaluates the window once per tick until ctx is done.
func (s *Service) Run(ctx context.Context) {
	s.evaluate()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug().Msg("schedule service stopping")
			return
		case <-ticker.C:
			s.evaluate()
		}
	}
}

func (s *Service) evaluate() {
	now := s.now()

	s.mu.Lock()
	active := s.window.Contains(now)
	changed := !s.initialized || active != s.active
	s.active = active
	s.initialized = true
	window := s.window
	s.mu.Unlock()

	if !changed {
		return
	}

	telemetry.SetScheduleActive(active)
	s.logger.Info().
		Bool("active", active).
		Str("window", window.String()).
		Msg("playback window edge")
	if s.notify != nil {
		s.notify(active)
	}
}
