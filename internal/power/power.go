/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package power drives the attached display's power state through
// whichever control method the host actually has.
package power

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// State is a requested display power state.
type State string

const (
	On  State = "on"
	Off State = "off"
)

// ParseState normalizes operator input into a State.
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "1", "true":
		return On, nil
	case "off", "0", "false":
		return Off, nil
	}
	return "", fmt.Errorf("invalid power state %q", s)
}

type runResult struct {
	stdout   string
	stderr   string
	exitCode int
}

// Controller walks the control method chain: tvservice, then vcgencmd,
// then xset, then cec-client. CECOnly skips straight to CEC for panels
// where the GPU methods blank the output but leave the panel lit.
type Controller struct {
	CECOnly bool

	logger zerolog.Logger

	// Seams for tests.
	lookPath func(string) (string, error)
	getenv   func(string) string
	run      func(ctx context.Context, stdin string, name string, args ...string) (runResult, error)
}

// NewController builds a controller over the host's real binaries.
func NewController(cecOnly bool, logger zerolog.Logger) *Controller {
	return &Controller{
		CECOnly:  cecOnly,
		logger:   logger.With().Str("component", "power").Logger(),
		lookPath: exec.LookPath,
		getenv:   os.Getenv,
		run: func(ctx context.Context, stdin string, name string, args ...string) (runResult, error) {
			runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			cmd := exec.CommandContext(runCtx, name, args...)
			if stdin != "" {
				cmd.Stdin = strings.NewReader(stdin)
			}
			var outBuf, errBuf strings.Builder
			cmd.Stdout = &outBuf
			cmd.Stderr = &errBuf
			err := cmd.Run()
			res := runResult{stdout: strings.TrimSpace(outBuf.String()), stderr: strings.TrimSpace(errBuf.String())}
			if exitErr, ok := err.(*exec.ExitError); ok {
				res.exitCode = exitErr.ExitCode()
				err = nil
			}
			return res, err
		},
	}
}

// Set drives the display to the requested state. It returns the method
// that succeeded and a detail string for status reporting.
func (c *Controller) Set(ctx context.Context, state State) (method, detail string, err error) {
	if state != On && state != Off {
		return "", "", fmt.Errorf("invalid power state %q", state)
	}

	if !c.CECOnly {
		if method, detail, ok := c.tryTvservice(ctx, state); ok {
			return method, detail, nil
		}
		if method, detail, ok := c.tryVcgencmd(ctx, state); ok {
			return method, detail, nil
		}
		if method, detail, ok := c.tryXset(ctx, state); ok {
			return method, detail, nil
		}
	}
	if method, detail, ok, cecErr := c.tryCEC(ctx, state); ok {
		return method, detail, nil
	} else if cecErr != nil {
		return "", "", cecErr
	}

	return "", "", fmt.Errorf("no power control method available")
}

func (c *Controller) tryTvservice(ctx context.Context, state State) (string, string, bool) {
	bin, err := c.lookPath("tvservice")
	if err != nil {
		return "", "", false
	}
	arg := "-p"
	if state == Off {
		arg = "-o"
	}
	res, err := c.run(ctx, "", bin, arg)
	if err != nil {
		c.logger.Error().Err(err).Msg("tvservice failed to run")
		return "", "", false
	}
	if res.exitCode != 0 {
		c.logger.Warn().Str("stderr", res.stderr).Msg("tvservice refused")
		return "", "", false
	}
	detail := res.stdout
	if detail == "" {
		detail = "tvservice success"
	}
	return "tvservice", detail, true
}

func (c *Controller) tryVcgencmd(ctx context.Context, state State) (string, string, bool) {
	bin, err := c.lookPath("vcgencmd")
	if err != nil {
		return "", "", false
	}
	val := "1"
	if state == Off {
		val = "0"
	}
	res, err := c.run(ctx, "", bin, "display_power", val)
	if err != nil {
		c.logger.Error().Err(err).Msg("vcgencmd failed to run")
		return "", "", false
	}
	combined := strings.ToLower(res.stdout + res.stderr)
	if res.exitCode != 0 || strings.Contains(combined, "not registered") {
		return "", "", false
	}
	detail := res.stdout
	if detail == "" {
		detail = "vcgencmd success"
	}
	return "vcgencmd", detail, true
}

func (c *Controller) tryXset(ctx context.Context, state State) (string, string, bool) {
	bin, err := c.lookPath("xset")
	if err != nil || c.getenv("DISPLAY") == "" {
		return "", "", false
	}
	mode := "on"
	if state == Off {
		mode = "off"
	}
	res, err := c.run(ctx, "", bin, "dpms", "force", mode)
	if err != nil || res.exitCode != 0 {
		return "", "", false
	}
	return "xset", "xset dpms success", true
}

var cecFailureMarkers = []string{"cec_transmit failed", "failed to open", "no device", "errno="}

func (c *Controller) tryCEC(ctx context.Context, state State) (string, string, bool, error) {
	bin, err := c.lookPath("cec-client")
	if err != nil {
		return "", "", false, nil
	}
	stdin := "on 0\n"
	if state == Off {
		stdin = "standby 0\n"
	}
	res, err := c.run(ctx, stdin, bin, "-s", "-d", "1")
	if err != nil {
		return "", "", false, fmt.Errorf("cec-client: %w", err)
	}
	combined := strings.ToLower(res.stdout + "\n" + res.stderr)
	for _, marker := range cecFailureMarkers {
		if strings.Contains(combined, marker) {
			return "", "", false, fmt.Errorf("cec-client: %s", firstNonEmpty(res.stderr, res.stdout, "cec failed"))
		}
	}
	if res.exitCode != 0 {
		return "", "", false, fmt.Errorf("cec-client: %s", firstNonEmpty(res.stderr, res.stdout, "cec failed"))
	}
	detail := res.stdout
	if detail == "" {
		detail = "cec success"
	}
	return "cec", detail, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
