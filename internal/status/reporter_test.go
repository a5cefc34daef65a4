/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package status

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_display/internal/events"
)

type capturedPublish struct {
	topic   string
	payload map[string]any
	retain  bool
}

type fakePublisher struct {
	mu        sync.Mutex
	published []capturedPublish
	err       error
}

func (f *fakePublisher) Publish(topic string, payload []byte, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return err
	}
	f.published = append(f.published, capturedPublish{topic: topic, payload: fields, retain: retain})
	return nil
}

func (f *fakePublisher) all() []capturedPublish {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capturedPublish(nil), f.published...)
}

func newTestReporter(pub *fakePublisher, bus *events.Bus, requestStatus func()) *Reporter {
	return NewReporter(pub, Topics{Status: "base/dev/status", NowPlaying: "base/dev/now_playing"}, "dev", 50*time.Millisecond, bus, requestStatus, zerolog.Nop())
}

func TestPublishSnapshotRetained(t *testing.T) {
	pub := &fakePublisher{}
	r := newTestReporter(pub, events.NewBus(), nil)

	r.PublishSnapshot("status", Snapshot{DeviceID: "dev", Mode: "LOOP", Src: "/v/a.mp4", Paused: true, PlaylistVersion: 3})

	got := pub.all()
	if len(got) != 1 {
		t.Fatalf("published %d messages, want 1", len(got))
	}
	if !got[0].retain {
		t.Error("snapshot must be retained")
	}
	if got[0].topic != "base/dev/status" {
		t.Errorf("topic = %q", got[0].topic)
	}
	if got[0].payload["event"] != "status" || got[0].payload["src"] != "/v/a.mp4" || got[0].payload["paused"] != true {
		t.Errorf("payload = %v", got[0].payload)
	}
}

func TestPublishEventCarriesDeviceID(t *testing.T) {
	pub := &fakePublisher{}
	r := newTestReporter(pub, events.NewBus(), nil)

	r.PublishEvent("tv.power", map[string]any{"ok": true, "state": "on"}, false)

	got := pub.all()
	if len(got) != 1 || got[0].retain {
		t.Fatalf("published = %v", got)
	}
	if got[0].payload["client_id"] != "dev" || got[0].payload["event"] != "tv.power" {
		t.Errorf("payload = %v", got[0].payload)
	}
}

func TestPublishFailureIsDropped(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	r := newTestReporter(pub, events.NewBus(), nil)

	// Must not panic or retry.
	r.PublishSnapshot("status", Snapshot{DeviceID: "dev"})
	r.PublishOnline()
}

func TestRunForwardsNowPlaying(t *testing.T) {
	pub := &fakePublisher{}
	bus := events.NewBus()
	r := newTestReporter(pub, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	// Give Run a moment to subscribe.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(events.EventNowPlaying, events.Payload{"event": "start", "item": map[string]any{"src": "a.mp4"}})

	deadline := time.After(time.Second)
	for {
		for _, p := range pub.all() {
			if p.topic == "base/dev/now_playing" && p.payload["event"] == "start" {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("now_playing event never forwarded")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRunHeartbeatRequestsStatus(t *testing.T) {
	pub := &fakePublisher{}
	bus := events.NewBus()

	requested := make(chan struct{}, 1)
	r := newTestReporter(pub, bus, func() {
		select {
		case requested <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	select {
	case <-requested:
	case <-time.After(time.Second):
		t.Fatal("heartbeat never requested a status publish")
	}
}

func TestOfflinePayload(t *testing.T) {
	var fields map[string]any
	if err := json.Unmarshal(OfflinePayload("lobby-01"), &fields); err != nil {
		t.Fatal(err)
	}
	if fields["event"] != "offline" || fields["client_id"] != "lobby-01" {
		t.Errorf("payload = %v", fields)
	}
}
