/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package agent ties the device together: command intake, the playback
// supervisor, the schedule evaluator, and content reconciliation. All
// state mutation flows through one intent queue consumed by a single
// goroutine, so there is exactly one writer for playback state.
package agent

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_display/internal/config"
	"github.com/friendsincode/grimnir_display/internal/mode"
	"github.com/friendsincode/grimnir_display/internal/player"
	"github.com/friendsincode/grimnir_display/internal/playlist"
	"github.com/friendsincode/grimnir_display/internal/power"
	"github.com/friendsincode/grimnir_display/internal/reconcile"
	"github.com/friendsincode/grimnir_display/internal/schedule"
	"github.com/friendsincode/grimnir_display/internal/status"
	"github.com/friendsincode/grimnir_display/internal/telemetry"
)

type intentKind int

const (
	intentCommand intentKind = iota
	intentScheduleEdge
	intentSessionDone
	intentReconcileDone
	intentKick
	intentOnline
	intentStatus
)

type intent struct {
	kind intentKind

	cmd            *Command
	scheduleActive bool
	seq            uint64
	result         player.Result
	job            *reconcileJob
}

// reconcileOrigin records which path asked for a reconcile, so completion
// handling can answer the right way.
type reconcileOrigin int

const (
	reconcileLoopStart reconcileOrigin = iota
	reconcileReload
	reconcileOnline
)

// reconcileJob tracks one staging pass running off the loop. Only the
// background goroutine writes staged/err, and only before enqueueing the
// completion intent.
type reconcileJob struct {
	seq    uint64
	origin reconcileOrigin
	pl     *playlist.Playlist
	cmdID  string

	staged *reconcile.Staged
	err    error
}

// Agent is the device process. Construct with New, then Run.
type Agent struct {
	cfg        *config.Config
	store      *playlist.Store
	supervisor *Supervisor
	reconciler *reconcile.Reconciler
	schedule   *schedule.Service
	modes      *mode.Controller
	reporter   *status.Reporter
	powerCtl   PowerSwitcher
	logger     zerolog.Logger

	intents chan intent

	// reconcileSeq identifies the newest staging pass. Touched only on
	// the intent goroutine; an older pass completing is discarded.
	reconcileSeq uint64
}

// PowerSwitcher drives the attached display's power state.
type PowerSwitcher interface {
	Set(ctx context.Context, st power.State) (method, detail string, err error)
}

// Deps carries the wired collaborators. The cmd layer builds these so the
// agent stays constructible with fakes in tests.
type Deps struct {
	Store      *playlist.Store
	Supervisor *Supervisor
	Reconciler *reconcile.Reconciler
	Schedule   *schedule.Service
	Modes      *mode.Controller
	Reporter   *status.Reporter
	PowerCtl   PowerSwitcher
}

// New assembles the agent around its collaborators.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Agent {
	return &Agent{
		cfg:        cfg,
		store:      deps.Store,
		supervisor: deps.Supervisor,
		reconciler: deps.Reconciler,
		schedule:   deps.Schedule,
		modes:      deps.Modes,
		reporter:   deps.Reporter,
		powerCtl:   deps.PowerCtl,
		logger:     logger.With().Str("component", "agent").Logger(),
		intents:    make(chan intent, 64),
	}
}

// Intent queue entry points. All are safe from any goroutine; a full
// queue drops the intent rather than blocking a callback.

func (a *Agent) enqueue(in intent) {
	select {
	case a.intents <- in:
	default:
		a.logger.Error().Int("kind", int(in.kind)).Msg("intent queue full, dropping")
	}
}

// EnqueueCommand parses and queues an inbound control payload.
func (a *Agent) EnqueueCommand(_ string, payload []byte) {
	cmd, err := ParseCommand(payload)
	if err != nil {
		if errors.Is(err, ErrNoAction) {
			a.logger.Debug().Msg("payload without action dropped")
			return
		}
		a.logger.Warn().Err(err).Msg("malformed command dropped")
		telemetry.ObserveCommand("malformed", "error")
		return
	}
	a.enqueue(intent{kind: intentCommand, cmd: cmd})
}

// EnqueueScheduleEdge queues a playback window transition.
func (a *Agent) EnqueueScheduleEdge(active bool) {
	a.enqueue(intent{kind: intentScheduleEdge, scheduleActive: active})
}

// EnqueueSessionDone queues a player completion.
func (a *Agent) EnqueueSessionDone(seq uint64, res player.Result) {
	a.enqueue(intent{kind: intentSessionDone, seq: seq, result: res})
}

// EnqueueKick queues a loop re-entry after d.
func (a *Agent) EnqueueKick(d time.Duration) {
	time.AfterFunc(d, func() {
		a.enqueue(intent{kind: intentKick})
	})
}

// EnqueueOnline queues the online-entry work.
func (a *Agent) EnqueueOnline() {
	a.enqueue(intent{kind: intentOnline})
}

// EnqueueStatusRequest queues a status snapshot publish.
func (a *Agent) EnqueueStatusRequest() {
	a.enqueue(intent{kind: intentStatus})
}

// Run consumes intents until ctx is done. Collaborating goroutines (the
// control client, the schedule ticker, the reporter) are started by the
// cmd layer; Run owns only the serialized core.
func (a *Agent) Run(ctx context.Context) error {
	a.bootPlaylist()
	a.supervisor.StartLoop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("agent stopping")
			a.supervisor.Shutdown()
			a.reporter.PublishOffline()
			return ctx.Err()
		case in := <-a.intents:
			a.handle(ctx, in)
		}
	}
}

// bootPlaylist loads the persisted remote playlist if one exists, else
// the local seed. A device that has ever synced keeps showing the synced
// content across restarts.
func (a *Agent) bootPlaylist() {
	path := playlist.ChooseBootFile(a.cfg.RemotePlaylistPath, a.cfg.PlaylistPath)
	pl, err := playlist.LoadFile(path)
	if err != nil {
		a.logger.Warn().Err(err).Str("path", path).Msg("no boot playlist")
		return
	}
	a.store.Swap(pl)
	a.applyScheduleFrom(pl)
	a.logger.Info().Str("path", path).Int("items", len(pl.Items)).Msg("boot playlist loaded")
}

// reconcileOnline re-applies the persisted playlist once per online entry.
// Unchanged content is a no-op; a device with no playlist yet stays quiet
// and waits for a push.
func (a *Agent) reconcileOnline(ctx context.Context) {
	path := playlist.ChooseBootFile(a.cfg.RemotePlaylistPath, a.cfg.PlaylistPath)
	pl, err := playlist.LoadFile(path)
	if err != nil {
		a.logger.Debug().Err(err).Str("path", path).Msg("no playlist to reconcile on connect")
		return
	}
	a.startReconcile(ctx, pl, reconcileOnline, "")
}

// startReconcile runs the staging pass (validation plus media fetch) on a
// background goroutine so a slow download never stalls the intent loop.
// Only the completion intent touches shared state. A newer pass supersedes
// any older one still fetching.
func (a *Agent) startReconcile(ctx context.Context, pl *playlist.Playlist, origin reconcileOrigin, cmdID string) {
	a.reconcileSeq++
	job := &reconcileJob{seq: a.reconcileSeq, origin: origin, pl: pl, cmdID: cmdID}
	go func() {
		job.staged, job.err = a.reconciler.Stage(ctx, pl)
		a.enqueue(intent{kind: intentReconcileDone, job: job})
	}()
}

func (a *Agent) handleReconcileDone(job *reconcileJob) {
	if job.seq != a.reconcileSeq {
		a.logger.Debug().Uint64("seq", job.seq).Uint64("current", a.reconcileSeq).Msg("superseded reconcile dropped")
		a.reconciler.Discard(job.staged)
		return
	}

	logger := a.logger.With().Str("command_id", job.cmdID).Logger()

	res := reconcile.Result{}
	err := job.err
	if err == nil {
		res, err = a.reconciler.Promote(job.staged)
	}

	switch job.origin {
	case reconcileLoopStart:
		if err != nil {
			logger.Error().Err(err).Msg("reconcile failed")
			telemetry.ObserveCommand(string(ActionLoopStart), "error")
			a.reporter.PublishEvent("sync.failed", map[string]any{"error": err.Error()}, false)
			// The previous playlist is untouched; make sure it is running.
			a.supervisor.StartLoop()
			return
		}
		a.applyScheduleFrom(job.pl)
		a.supervisor.StartLoop()
		telemetry.ObserveCommand(string(ActionLoopStart), "success")
		logger.Info().Uint64("version", res.Version).Bool("changed", res.Changed).Int("fetched", res.Fetched).Msg("loop playlist applied")
		a.reporter.PublishEvent("loop.starting", map[string]any{"version": res.Version, "changed": res.Changed}, false)
		a.reporter.PublishSnapshot("status", a.snapshot())

	case reconcileReload:
		if err != nil {
			logger.Error().Err(err).Msg("reconcile failed")
			telemetry.ObserveCommand(string(ActionReload), "error")
			a.reporter.PublishEvent("sync.failed", map[string]any{"error": err.Error()}, false)
			return
		}
		a.applyScheduleFrom(job.pl)
		a.supervisor.Kick()
		telemetry.ObserveCommand(string(ActionReload), "success")
		a.reporter.PublishEvent("playlist.reloaded", map[string]any{"version": res.Version, "changed": res.Changed}, false)

	case reconcileOnline:
		if err != nil {
			logger.Warn().Err(err).Msg("online reconcile failed")
			return
		}
		if res.Changed {
			a.applyScheduleFrom(job.pl)
			a.supervisor.Kick()
		}
	}
}

func (a *Agent) applyScheduleFrom(pl *playlist.Playlist) {
	window, err := schedule.FromPlaylist(pl)
	if err != nil {
		a.logger.Error().Err(err).Msg("invalid schedule in playlist, running unscheduled")
		window = schedule.Window{}
	}
	a.schedule.SetWindow(window)
}

func (a *Agent) handle(ctx context.Context, in intent) {
	switch in.kind {
	case intentCommand:
		a.handleCommand(ctx, in.cmd)
	case intentScheduleEdge:
		a.handleScheduleEdge(ctx, in.scheduleActive)
	case intentSessionDone:
		a.supervisor.OnSessionDone(in.seq, in.result)
	case intentReconcileDone:
		a.handleReconcileDone(in.job)
	case intentKick:
		a.supervisor.Kick()
	case intentOnline:
		a.reporter.PublishOnline()
		a.reporter.PublishSnapshot("online", a.snapshot())
		a.reconcileOnline(ctx)
	case intentStatus:
		a.reporter.PublishSnapshot("heartbeat", a.snapshot())
	}
}

func (a *Agent) snapshot() status.Snapshot {
	sup := a.supervisor.Snapshot()
	_, version := a.store.Current()
	return status.Snapshot{
		DeviceID:        a.cfg.DeviceID,
		Mode:            sup.Mode,
		PlaybackState:   string(sup.State),
		Src:             sup.CurrentSrc,
		Paused:          sup.Paused,
		LoopEnabled:     sup.LoopEnabled,
		Connected:       a.modes.Mode() == mode.Online,
		ScheduleActive:  a.schedule.Active(),
		PlaylistVersion: version,
	}
}

func (a *Agent) handleScheduleEdge(ctx context.Context, active bool) {
	a.supervisor.SetScheduleActive(active)
	a.reporter.PublishEvent(scheduleEventName(active), map[string]any{"active": active}, false)

	// The window doubles as the display power schedule. An unscheduled
	// device never drives the display; its synthetic first edge would
	// otherwise power the panel on at every boot.
	if a.powerCtl != nil && a.schedule.Enabled() {
		target := power.Off
		if active {
			target = power.On
		}
		method, detail, err := a.powerCtl.Set(ctx, target)
		payload := map[string]any{"state": string(target), "ok": err == nil}
		if err != nil {
			payload["error"] = err.Error()
			a.logger.Warn().Err(err).Str("state", string(target)).Msg("display power change failed")
		} else {
			payload["method"] = method
			payload["detail"] = detail
		}
		a.reporter.PublishEvent("schedule.tv_power", payload, false)
	}
}

func scheduleEventName(active bool) string {
	if active {
		return "schedule.window_open"
	}
	return "schedule.window_closed"
}

func (a *Agent) handleCommand(ctx context.Context, cmd *Command) {
	logger := a.logger.With().Str("command_id", cmd.ID).Str("action", cmd.RawAction).Logger()
	logger.Info().Msg("command received")

	switch cmd.Action {
	case ActionPause:
		ok := a.supervisor.Pause()
		telemetry.ObserveCommand(string(ActionPause), resultOf(ok))
		a.reporter.PublishEvent("player.pause", map[string]any{"ok": ok, "paused": true, "src": a.supervisor.Snapshot().CurrentSrc}, false)
		a.reporter.PublishSnapshot("status", a.snapshot())

	case ActionResume:
		ok := a.supervisor.Resume()
		telemetry.ObserveCommand(string(ActionResume), resultOf(ok))
		a.reporter.PublishEvent("player.resume", map[string]any{"ok": ok, "paused": false, "src": a.supervisor.Snapshot().CurrentSrc}, false)
		a.reporter.PublishSnapshot("status", a.snapshot())

	case ActionToggle:
		paused := a.supervisor.Toggle()
		telemetry.ObserveCommand(string(ActionToggle), "success")
		a.reporter.PublishEvent("player.toggle_pause", map[string]any{"ok": true, "paused": paused}, false)
		a.reporter.PublishSnapshot("status", a.snapshot())

	case ActionNext:
		a.supervisor.Next()
		telemetry.ObserveCommand(string(ActionNext), "success")
		a.reporter.PublishEvent("play.next", map[string]any{"ok": true}, false)

	case ActionStatus:
		telemetry.ObserveCommand(string(ActionStatus), "success")
		a.reporter.PublishSnapshot("status", a.snapshot())

	case ActionLoopStart:
		a.handleLoopStart(ctx, cmd, logger)

	case ActionLoopStop:
		a.supervisor.StopLoop()
		telemetry.ObserveCommand(string(ActionLoopStop), "success")
		a.reporter.PublishEvent("loop.stopped", map[string]any{"src": ""}, false)
		a.reporter.PublishSnapshot("status", a.snapshot())

	case ActionPlayOnce:
		a.handlePlayOnce(cmd, logger)

	case ActionSchedule:
		a.handleSchedule(cmd, logger)

	case ActionShowTime:
		a.handleShowTime(cmd)

	case ActionReload:
		a.handleReload(ctx, cmd, logger)

	case ActionPower:
		a.handlePower(ctx, cmd, logger)

	default:
		logger.Warn().Msg("unknown action")
		telemetry.ObserveCommand("unknown", "error")
		a.reporter.PublishEvent("error", map[string]any{"error": "unknown action: " + cmd.RawAction}, false)
	}
}

func (a *Agent) handleLoopStart(ctx context.Context, cmd *Command, logger zerolog.Logger) {
	pl := cmd.Playlist
	if pl == nil {
		path := a.resolvePlaylistPath(cmd.PlaylistFile)
		loaded, err := playlist.LoadFile(path)
		if err != nil {
			logger.Error().Err(err).Str("path", path).Msg("playlist load failed")
			telemetry.ObserveCommand(string(ActionLoopStart), "error")
			a.reporter.PublishEvent("error", map[string]any{"error": err.Error()}, false)
			return
		}
		pl = loaded
	}

	a.startReconcile(ctx, pl, reconcileLoopStart, cmd.ID)
}

func (a *Agent) resolvePlaylistPath(requested string) string {
	if requested == "" {
		return playlist.ChooseBootFile(a.cfg.RemotePlaylistPath, a.cfg.PlaylistPath)
	}
	if filepath.IsAbs(requested) {
		return requested
	}
	return filepath.Join(a.cfg.ProjectDir, requested)
}

func (a *Agent) handlePlayOnce(cmd *Command, logger zerolog.Logger) {
	if cmd.Item == nil {
		telemetry.ObserveCommand(string(ActionPlayOnce), "error")
		a.reporter.PublishEvent("error", map[string]any{"error": "missing item"}, false)
		return
	}
	showTime := false
	if cmd.ShowTime != nil {
		showTime = *cmd.ShowTime
	} else {
		pl, _ := a.store.Current()
		showTime = pl.ShowTime
	}

	a.supervisor.PlayOnce(*cmd.Item, cmd.ReturnToLoop, cmd.Retries, showTime)
	telemetry.ObserveCommand(string(ActionPlayOnce), "success")
	a.reporter.PublishEvent("direct.enqueued", map[string]any{"src": cmd.Item.Src}, false)
	logger.Info().Str("src", cmd.Item.Src).Bool("return_to_loop", cmd.ReturnToLoop).Msg("direct item enqueued")
}

// handleSchedule replaces the schedule window on the active playlist. The
// evaluator picks the new window up immediately; the loop position is
// untouched.
func (a *Agent) handleSchedule(cmd *Command, logger zerolog.Logger) {
	current, _ := a.store.Current()
	enabled := current.ScheduleEnabled
	if cmd.Enabled != nil {
		enabled = *cmd.Enabled
	}
	start := cmd.ScheduleStart
	end := cmd.ScheduleEnd
	if start == "" {
		start = current.ScheduleStart
	}
	if end == "" {
		end = current.ScheduleEnd
	}

	updated := a.store.SetSchedule(enabled, start, end)
	window, err := schedule.FromPlaylist(updated)
	if err != nil {
		logger.Error().Err(err).Str("start", start).Str("end", end).Msg("rejecting invalid schedule")
		telemetry.ObserveCommand(string(ActionSchedule), "error")
		a.store.SetSchedule(current.ScheduleEnabled, current.ScheduleStart, current.ScheduleEnd)
		a.reporter.PublishEvent("error", map[string]any{"error": err.Error()}, false)
		return
	}
	a.schedule.SetWindow(window)

	telemetry.ObserveCommand(string(ActionSchedule), "success")
	a.reporter.PublishEvent("schedule.updated", map[string]any{"enabled": enabled, "start": start, "end": end}, false)
	a.reporter.PublishSnapshot("status", a.snapshot())
}

func (a *Agent) handleShowTime(cmd *Command) {
	enabled := false
	switch {
	case cmd.Enabled != nil:
		enabled = *cmd.Enabled
	case cmd.ShowTime != nil:
		enabled = *cmd.ShowTime
	}
	a.store.SetShowTime(enabled)
	telemetry.ObserveCommand(string(ActionShowTime), "success")
	a.reporter.PublishEvent("show_time.updated", map[string]any{"enabled": enabled}, false)
}

// handleReload re-applies the persisted playlist through the reconciler.
// Unchanged content is a no-op that keeps the version and loop position;
// unlike loop.start it does not flip the loop-enabled flag.
func (a *Agent) handleReload(ctx context.Context, cmd *Command, logger zerolog.Logger) {
	path := playlist.ChooseBootFile(a.cfg.RemotePlaylistPath, a.cfg.PlaylistPath)
	pl, err := playlist.LoadFile(path)
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("playlist reload failed")
		telemetry.ObserveCommand(string(ActionReload), "error")
		a.reporter.PublishEvent("error", map[string]any{"error": err.Error()}, false)
		return
	}

	a.startReconcile(ctx, pl, reconcileReload, cmd.ID)
}

func (a *Agent) handlePower(ctx context.Context, cmd *Command, logger zerolog.Logger) {
	st, err := power.ParseState(cmd.PowerState)
	if err != nil {
		telemetry.ObserveCommand(string(ActionPower), "error")
		a.reporter.PublishEvent("tv.power", map[string]any{"ok": false, "error": err.Error()}, false)
		return
	}
	if a.powerCtl == nil {
		telemetry.ObserveCommand(string(ActionPower), "error")
		a.reporter.PublishEvent("tv.power", map[string]any{"ok": false, "error": "power control unavailable"}, false)
		return
	}

	method, detail, err := a.powerCtl.Set(ctx, st)
	payload := map[string]any{"state": string(st), "ok": err == nil}
	if err != nil {
		logger.Warn().Err(err).Msg("power command failed")
		payload["error"] = err.Error()
		telemetry.ObserveCommand(string(ActionPower), "error")
	} else {
		payload["method"] = method
		payload["detail"] = detail
		telemetry.ObserveCommand(string(ActionPower), "success")
	}
	a.reporter.PublishEvent("tv.power", payload, false)
}

func resultOf(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
