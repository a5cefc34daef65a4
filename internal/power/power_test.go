/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package power

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

type fakeHost struct {
	binaries map[string]bool
	display  string
	calls    []string
	results  map[string]runResult
}

func (h *fakeHost) install(c *Controller) {
	c.lookPath = func(name string) (string, error) {
		if h.binaries[name] {
			return "/usr/bin/" + name, nil
		}
		return "", errors.New("not found")
	}
	c.getenv = func(key string) string {
		if key == "DISPLAY" {
			return h.display
		}
		return ""
	}
	c.run = func(_ context.Context, _ string, name string, args ...string) (runResult, error) {
		h.calls = append(h.calls, name)
		if res, ok := h.results[name]; ok {
			return res, nil
		}
		return runResult{}, nil
	}
}

func TestParseState(t *testing.T) {
	tests := []struct {
		in      string
		want    State
		wantErr bool
	}{
		{"on", On, false},
		{"OFF", Off, false},
		{"1", On, false},
		{"0", Off, false},
		{" true ", On, false},
		{"standby", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseState(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseState(%q) = (%q, %v), want (%q, err=%v)", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestSetPrefersTvservice(t *testing.T) {
	c := NewController(false, zerolog.Nop())
	host := &fakeHost{binaries: map[string]bool{"tvservice": true, "vcgencmd": true, "cec-client": true}}
	host.install(c)

	method, _, err := c.Set(context.Background(), On)
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if method != "tvservice" {
		t.Errorf("method = %q, want tvservice", method)
	}
	if len(host.calls) != 1 {
		t.Errorf("calls = %v, want only tvservice", host.calls)
	}
}

func TestSetFallsThroughChain(t *testing.T) {
	c := NewController(false, zerolog.Nop())
	host := &fakeHost{
		binaries: map[string]bool{"tvservice": true, "vcgencmd": true, "cec-client": true},
		results: map[string]runResult{
			"/usr/bin/tvservice":  {exitCode: 1, stderr: "unsupported"},
			"/usr/bin/vcgencmd":   {stdout: "display_power=0 not registered"},
			"/usr/bin/cec-client": {stdout: "power status: on"},
		},
	}
	host.install(c)

	method, detail, err := c.Set(context.Background(), Off)
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if method != "cec" {
		t.Errorf("method = %q, want cec after fallthrough", method)
	}
	if detail == "" {
		t.Error("detail should carry command output")
	}
}

func TestSetXsetRequiresDisplay(t *testing.T) {
	c := NewController(false, zerolog.Nop())
	host := &fakeHost{binaries: map[string]bool{"xset": true}}
	host.install(c)

	if _, _, err := c.Set(context.Background(), On); err == nil {
		t.Error("expected failure: xset without DISPLAY and no cec")
	}

	host.display = ":0"
	method, _, err := c.Set(context.Background(), On)
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if method != "xset" {
		t.Errorf("method = %q, want xset", method)
	}
}

func TestSetCECOnlySkipsGPUMethods(t *testing.T) {
	c := NewController(true, zerolog.Nop())
	host := &fakeHost{binaries: map[string]bool{"tvservice": true, "cec-client": true}}
	host.install(c)

	method, _, err := c.Set(context.Background(), Off)
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if method != "cec" {
		t.Errorf("method = %q, want cec in cec-only mode", method)
	}
	for _, call := range host.calls {
		if call == "/usr/bin/tvservice" {
			t.Error("tvservice should not run in cec-only mode")
		}
	}
}

func TestSetCECTransmitFailure(t *testing.T) {
	c := NewController(true, zerolog.Nop())
	host := &fakeHost{
		binaries: map[string]bool{"cec-client": true},
		results:  map[string]runResult{"/usr/bin/cec-client": {stdout: "CEC_Transmit failed"}},
	}
	host.install(c)

	if _, _, err := c.Set(context.Background(), On); err == nil {
		t.Error("expected error when cec transmit fails")
	}
}

func TestSetNoMethodAvailable(t *testing.T) {
	c := NewController(false, zerolog.Nop())
	host := &fakeHost{binaries: map[string]bool{}}
	host.install(c)

	if _, _, err := c.Set(context.Background(), On); err == nil {
		t.Error("expected error when no control binary exists")
	}
}

func TestSetRejectsInvalidState(t *testing.T) {
	c := NewController(false, zerolog.Nop())
	if _, _, err := c.Set(context.Background(), State("standby")); err == nil {
		t.Error("expected error for invalid state")
	}
}
