/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package player

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_display/internal/playlist"
)

const defaultImageSeconds = 8

// Options tunes the mpv invocation. Zero values fall back to defaults
// that work on a bare framebuffer device.
type Options struct {
	Bin        string
	HWDec      string
	VO         string
	GPUContext string
	ExtraOpts  string
	YTDLFormat string
	// StopTimeout bounds the wait between interrupt and kill.
	StopTimeout time.Duration
}

// MPV is a Backend that shells out to mpv, one process per item.
type MPV struct {
	opts     Options
	resolver *Resolver
	logger   zerolog.Logger
}

// NewMPV builds the mpv backend. resolver may be nil, in which case
// streaming URLs go straight to mpv's built-in ytdl hook.
func NewMPV(opts Options, resolver *Resolver, logger zerolog.Logger) *MPV {
	if opts.Bin == "" {
		opts.Bin = "mpv"
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	return &MPV{opts: opts, resolver: resolver, logger: logger.With().Str("component", "player").Logger()}
}

// buildArgs assembles the mpv argument list for a request.
func buildArgs(opts Options, req Request) []string {
	args := []string{
		"--fs",
		"--no-osc",
		"--no-osd-bar",
		"--volume=100",
		"--volume-max=100",
	}
	if opts.YTDLFormat != "" {
		args = append(args, "--ytdl-format="+opts.YTDLFormat)
	}
	if opts.HWDec != "" {
		args = append(args, "--hwdec="+opts.HWDec)
	}
	// DRM output draws directly; everything else needs a forced window.
	if !strings.EqualFold(opts.VO, "drm") {
		args = append(args, "--force-window=yes")
	}
	if opts.VO != "" {
		args = append(args, "--vo="+opts.VO)
	}
	if opts.GPUContext != "" {
		args = append(args, "--gpu-context="+opts.GPUContext)
	}
	if opts.ExtraOpts != "" {
		args = append(args, strings.Fields(opts.ExtraOpts)...)
	}

	switch req.Kind {
	case playlist.KindImage:
		secs := req.Duration
		if secs <= 0 {
			secs = defaultImageSeconds
		}
		args = append(args, fmt.Sprintf("--image-display-duration=%g", secs))
	default:
		if req.StartAt > 0 {
			args = append(args, fmt.Sprintf("--start=%g", req.StartAt))
		}
	}

	return append(args, "--", req.Location)
}

// Start launches an mpv process for the request.
func (m *MPV) Start(ctx context.Context, req Request) (Session, error) {
	if req.Location == "" {
		return nil, fmt.Errorf("empty media location")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var extra []string
	if req.Kind == playlist.KindYouTube && m.resolver != nil {
		// Pre-resolve to direct URLs; a failure falls back to mpv's own
		// ytdl hook with the original URL.
		if urls, err := m.resolver.Resolve(ctx, req.Location); err == nil {
			req.Location = urls[0]
			if len(urls) > 1 {
				extra = append(extra, "--audio-file="+urls[1])
			}
		} else {
			m.logger.Warn().Err(err).Str("src", req.Location).Msg("stream resolve failed, using ytdl hook")
		}
	}

	args := buildArgs(m.opts, req)
	args = append(extra, args...)
	cmd := exec.Command(m.opts.Bin, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", m.opts.Bin, err)
	}

	m.logger.Debug().
		Str("location", req.Location).
		Str("kind", string(req.Kind)).
		Int("pid", cmd.Process.Pid).
		Msg("player started")

	s := &mpvSession{
		cmd:         cmd,
		stopTimeout: m.opts.StopTimeout,
		logger:      m.logger,
		done:        make(chan Result, 1),
		exited:      make(chan struct{}),
	}
	go s.wait()
	return s, nil
}

type mpvSession struct {
	cmd         *exec.Cmd
	stopTimeout time.Duration
	logger      zerolog.Logger

	done   chan Result
	exited chan struct{}

	mu      sync.Mutex
	stopped bool
	paused  bool
}

func (s *mpvSession) wait() {
	err := s.cmd.Wait()
	close(s.exited)

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()

	res := Result{Stopped: stopped}
	if err != nil && !stopped {
		res.Err = fmt.Errorf("player exited: %w", err)
	}
	s.done <- res
}

func (s *mpvSession) Done() <-chan Result { return s.done }

func (s *mpvSession) Stop() {
	s.mu.Lock()
	alreadyStopped := s.stopped
	s.stopped = true
	paused := s.paused
	s.paused = false
	s.mu.Unlock()
	if alreadyStopped {
		return
	}

	select {
	case <-s.exited:
		return
	default:
	}

	if s.cmd.Process != nil {
		// A SIGSTOPped process cannot handle the interrupt.
		if paused {
			_ = s.cmd.Process.Signal(syscall.SIGCONT)
		}
		_ = s.cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-time.After(s.stopTimeout):
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-s.exited
	case <-s.exited:
	}
}

// Pause freezes the render with SIGSTOP. Image hold timers freeze with
// it, so paused time never counts against an image's display duration.
func (s *mpvSession) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.paused {
		return nil
	}
	if s.cmd.Process == nil {
		return fmt.Errorf("no player process")
	}
	if err := s.cmd.Process.Signal(syscall.SIGSTOP); err != nil {
		return fmt.Errorf("pause player: %w", err)
	}
	s.paused = true
	return nil
}

func (s *mpvSession) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || !s.paused {
		return nil
	}
	if s.cmd.Process == nil {
		return fmt.Errorf("no player process")
	}
	if err := s.cmd.Process.Signal(syscall.SIGCONT); err != nil {
		return fmt.Errorf("resume player: %w", err)
	}
	s.paused = false
	return nil
}
