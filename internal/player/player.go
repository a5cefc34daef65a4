/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package player runs the media renderer. One process per item; the
// session exposes completion as a channel so the playback loop can select
// on it.
package player

import (
	"context"

	"github.com/friendsincode/grimnir_display/internal/playlist"
)

// Request describes one item to render.
type Request struct {
	Location string
	Kind     playlist.Kind
	// Duration is the image hold time in seconds. Zero means the default.
	Duration float64
	// StartAt seeks into the media before playback begins.
	StartAt float64
}

// Result is the terminal state of a session.
type Result struct {
	// Stopped is set when the session ended because Stop was called
	// rather than because the media finished.
	Stopped bool
	Err     error
}

// Session is a single running render.
type Session interface {
	// Done delivers exactly one Result when the process exits.
	Done() <-chan Result
	// Stop interrupts the process, escalating to kill after a bounded
	// wait. Safe to call more than once.
	Stop()
	// Pause freezes playback without ending the session.
	Pause() error
	// Resume continues a paused session.
	Resume() error
}

// Backend launches sessions.
type Backend interface {
	Start(ctx context.Context, req Request) (Session, error)
}
