/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package status publishes device state to the control channel. All
// publishing is best effort: a failed publish is logged and dropped,
// never retried, and never blocks playback.
package status

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_display/internal/control"
	"github.com/friendsincode/grimnir_display/internal/events"
	"github.com/friendsincode/grimnir_display/internal/telemetry"
)

const timeLayout = "2006-01-02 15:04:05"

// Topics addresses the three outbound topics.
type Topics struct {
	Status     string
	NowPlaying string
}

// Snapshot is the full device state document, published retained so a
// dashboard joining late still sees the last known state.
type Snapshot struct {
	DeviceID        string `json:"client_id"`
	Mode            string `json:"mode"`
	PlaybackState   string `json:"playback_state"`
	Src             string `json:"src"`
	Paused          bool   `json:"paused"`
	LoopEnabled     bool   `json:"loop_enabled"`
	Connected       bool   `json:"mqtt_connected"`
	ScheduleActive  bool   `json:"schedule_active"`
	PlaylistVersion uint64 `json:"playlist_version"`
}

// OfflinePayload builds the retained last-will document for a device.
func OfflinePayload(deviceID string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"event":     "offline",
		"client_id": deviceID,
	})
	return raw
}

// Reporter owns the outbound status traffic.
type Reporter struct {
	pub      control.Publisher
	topics   Topics
	deviceID string
	interval time.Duration
	logger   zerolog.Logger

	bus *events.Bus
	// requestStatus asks the agent loop for a fresh snapshot publish.
	// Heartbeats go through it so snapshot assembly stays on the loop.
	requestStatus func()
}

// NewReporter builds a reporter.
func NewReporter(pub control.Publisher, topics Topics, deviceID string, interval time.Duration, bus *events.Bus, requestStatus func(), logger zerolog.Logger) *Reporter {
	return &Reporter{
		pub:           pub,
		topics:        topics,
		deviceID:      deviceID,
		interval:      interval,
		logger:        logger.With().Str("component", "status").Logger(),
		bus:           bus,
		requestStatus: requestStatus,
	}
}

// Run forwards playback events to the now_playing topic and drives the
// periodic heartbeat until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	nowPlaying := r.bus.Subscribe(events.EventNowPlaying)
	defer r.bus.Unsubscribe(events.EventNowPlaying, nowPlaying)
	playbackErrs := r.bus.Subscribe(events.EventPlaybackError)
	defer r.bus.Unsubscribe(events.EventPlaybackError, playbackErrs)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-nowPlaying:
			r.publish(r.topics.NowPlaying, map[string]any(payload), false)
		case payload := <-playbackErrs:
			fields := map[string]any{"event": "playback.error"}
			for k, v := range payload {
				fields[k] = v
			}
			r.publish(r.topics.Status, fields, false)
		case <-ticker.C:
			telemetry.ObserveHeartbeat()
			if r.requestStatus != nil {
				r.requestStatus()
			}
		}
	}
}

// PublishSnapshot publishes the retained state document.
func (r *Reporter) PublishSnapshot(event string, snap Snapshot) {
	fields := map[string]any{
		"event":            event,
		"timestamp":        time.Now().Format(timeLayout),
		"client_id":        snap.DeviceID,
		"mode":             snap.Mode,
		"playback_state":   snap.PlaybackState,
		"src":              snap.Src,
		"paused":           snap.Paused,
		"loop_enabled":     snap.LoopEnabled,
		"mqtt_connected":   snap.Connected,
		"schedule_active":  snap.ScheduleActive,
		"playlist_version": snap.PlaylistVersion,
	}
	r.publish(r.topics.Status, fields, true)
}

// PublishOnline publishes the retained ready marker on connect.
func (r *Reporter) PublishOnline() {
	r.publish(r.topics.Status, map[string]any{
		"event":     "ready",
		"client_id": r.deviceID,
		"timestamp": time.Now().Format(timeLayout),
	}, true)
}

// PublishOffline publishes the retained offline marker on clean
// shutdown, mirroring what the last-will covers for unclean ones.
func (r *Reporter) PublishOffline() {
	var fields map[string]any
	if err := json.Unmarshal(OfflinePayload(r.deviceID), &fields); err != nil {
		return
	}
	r.publish(r.topics.Status, fields, true)
}

// PublishEvent publishes an ad hoc status event.
func (r *Reporter) PublishEvent(event string, fields map[string]any, retain bool) {
	payload := map[string]any{"event": event, "client_id": r.deviceID}
	for k, v := range fields {
		payload[k] = v
	}
	r.publish(r.topics.Status, payload, retain)
}

func (r *Reporter) publish(topic string, fields map[string]any, retain bool) {
	raw, err := json.Marshal(fields)
	if err != nil {
		r.logger.Error().Err(err).Str("topic", topic).Msg("encode status payload")
		telemetry.ObserveStatusPublish("error")
		return
	}
	if err := r.pub.Publish(topic, raw, retain); err != nil {
		r.logger.Debug().Err(err).Str("topic", topic).Msg("status publish dropped")
		telemetry.ObserveStatusPublish("error")
		return
	}
	telemetry.ObserveStatusPublish("success")
}
