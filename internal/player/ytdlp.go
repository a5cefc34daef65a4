/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package player

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// formatLadder is tried in order when resolving a stream URL. Capped
// resolutions come first; signage panels rarely justify more.
var formatLadder = []string{
	"bestvideo[height<=720]+bestaudio/best/best",
	"bestvideo[height<=1080]+bestaudio/best/best",
	"bestvideo+bestaudio/best",
	"best",
}

// Resolver turns streaming-site URLs into direct media URLs via yt-dlp.
// It is the fallback path when mpv's built-in ytdl hook fails.
type Resolver struct {
	bin     string
	timeout time.Duration
	logger  zerolog.Logger

	// run is swappable for tests.
	run func(ctx context.Context, bin string, args ...string) ([]byte, error)
}

// NewResolver builds a resolver. bin defaults to yt-dlp.
func NewResolver(bin string, logger zerolog.Logger) *Resolver {
	if bin == "" {
		bin = "yt-dlp"
	}
	return &Resolver{
		bin:     bin,
		timeout: 20 * time.Second,
		logger:  logger.With().Str("component", "resolver").Logger(),
		run: func(ctx context.Context, bin string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, bin, args...).Output()
		},
	}
}

// Resolve returns direct media URLs for src, walking the format ladder
// until one resolves. The returned slice may hold separate video and
// audio URLs; callers play them in order until one works.
func (r *Resolver) Resolve(ctx context.Context, src string) ([]string, error) {
	for _, format := range formatLadder {
		runCtx, cancel := context.WithTimeout(ctx, r.timeout)
		out, err := r.run(runCtx, r.bin, "-f", format, "--get-url", src)
		cancel()
		if err != nil {
			r.logger.Debug().Err(err).Str("format", format).Msg("format resolve failed")
			continue
		}
		var urls []string
		for _, line := range strings.Split(string(out), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				urls = append(urls, line)
			}
		}
		if len(urls) > 0 {
			return urls, nil
		}
	}
	return nil, fmt.Errorf("no resolvable format for %s", src)
}
