/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package agent

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_display/internal/events"
	"github.com/friendsincode/grimnir_display/internal/media"
	"github.com/friendsincode/grimnir_display/internal/player"
	"github.com/friendsincode/grimnir_display/internal/playlist"
	"github.com/friendsincode/grimnir_display/internal/state"
	"github.com/friendsincode/grimnir_display/internal/telemetry"
)

// PlaybackState is the supervisor's position in the item lifecycle.
type PlaybackState string

const (
	StateIdle        PlaybackState = "IDLE"
	StateLoading     PlaybackState = "LOADING"
	StatePlaying     PlaybackState = "PLAYING"
	StateAdvancing   PlaybackState = "ADVANCING"
	StateInterrupted PlaybackState = "INTERRUPTED"
)

var validPlaybackTransitions = map[PlaybackState][]PlaybackState{
	StateIdle:        {StateLoading},
	StateLoading:     {StatePlaying, StateAdvancing, StateIdle, StateInterrupted},
	StatePlaying:     {StateAdvancing, StateInterrupted, StateIdle},
	StateAdvancing:   {StateLoading, StateIdle},
	StateInterrupted: {StateLoading, StateAdvancing, StateIdle},
}

func isValidPlaybackTransition(from, to PlaybackState) bool {
	for _, allowed := range validPlaybackTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// override is a play.once request in flight.
type override struct {
	item         playlist.Item
	returnToLoop bool
	retries      int
	showTime     bool
	attempts     int
}

// Snapshot mirrors the supervisor state for status reporting. It is the
// only part of the supervisor read outside the intent loop.
type Snapshot struct {
	State       PlaybackState
	Mode        string // LOOP or DIRECT
	CurrentSrc  string
	Paused      bool
	LoopEnabled bool
}

// Supervisor runs the playback loop. Every method is called from the
// agent's single intent goroutine; the only internal lock guards the
// status mirror.
type Supervisor struct {
	store   *playlist.Store
	catalog *media.Catalog
	backend player.Backend
	persist *state.Store
	bus     *events.Bus
	logger  zerolog.Logger

	// notifyDone delivers session completions back into the intent
	// queue. kickAfter re-enters the loop after a delay (black frames,
	// all-unplayable backoff).
	notifyDone func(seq uint64, res player.Result)
	kickAfter  func(d time.Duration)

	playState      PlaybackState
	loopEnabled    bool
	scheduleActive bool
	paused         bool

	cursor   int
	order    []int
	orderFor uint64 // playlist version the shuffle order was drawn for

	seq       uint64
	session   player.Session
	startedAt time.Time
	current   *playlist.Item
	attempts  int
	failures  int // consecutive failed items, resets on success

	pending *override // queued while the current session winds down
	active  *override // the override currently rendering

	mirrorMu sync.Mutex
	mirror   Snapshot
}

// NewSupervisor builds the playback supervisor.
func NewSupervisor(store *playlist.Store, catalog *media.Catalog, backend player.Backend, persist *state.Store, bus *events.Bus, notifyDone func(uint64, player.Result), kickAfter func(time.Duration), logger zerolog.Logger) *Supervisor {
	s := &Supervisor{
		store:      store,
		catalog:    catalog,
		backend:    backend,
		persist:    persist,
		bus:        bus,
		logger:     logger.With().Str("component", "playback").Logger(),
		notifyDone: notifyDone,
		kickAfter:  kickAfter,
		playState:  StateIdle,
		// Schedule state arrives with the first evaluator edge; assume
		// open until then so an agent without a schedule plays at boot.
		scheduleActive: true,
	}
	s.updateMirror()
	return s
}

// Snapshot returns the status mirror. Safe from any goroutine.
func (s *Supervisor) Snapshot() Snapshot {
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	return s.mirror
}

func (s *Supervisor) updateMirror() {
	snap := Snapshot{
		State:       s.playState,
		Mode:        "LOOP",
		Paused:      s.paused,
		LoopEnabled: s.loopEnabled,
	}
	if s.active != nil {
		snap.Mode = "DIRECT"
	}
	if s.current != nil {
		snap.CurrentSrc = s.catalog.Resolve(*s.current)
	}
	s.mirrorMu.Lock()
	s.mirror = snap
	s.mirrorMu.Unlock()
}

func (s *Supervisor) transition(to PlaybackState) {
	if s.playState == to {
		return
	}
	if !isValidPlaybackTransition(s.playState, to) {
		s.logger.Error().
			Str("from", string(s.playState)).
			Str("to", string(to)).
			Msg("invalid playback transition, forcing")
	}
	s.logger.Debug().Str("from", string(s.playState)).Str("to", string(to)).Msg("playback state")
	s.playState = to
}

// permit reports whether the loop may render right now.
func (s *Supervisor) permit() bool {
	return s.loopEnabled && s.scheduleActive && s.active == nil && s.pending == nil
}

// SetScheduleActive applies a schedule edge. Opening the window starts
// the loop if it is enabled; closing it interrupts the current item.
func (s *Supervisor) SetScheduleActive(active bool) {
	if s.scheduleActive == active {
		return
	}
	s.scheduleActive = active
	if active {
		s.Kick()
	} else if s.session != nil && s.active == nil {
		// Overrides finish on their own terms; only loop items stop.
		s.interruptSession()
	}
	s.updateMirror()
}

// StartLoop enables loop playback, optionally restoring a saved cursor.
func (s *Supervisor) StartLoop() {
	s.loopEnabled = true
	s.paused = false
	telemetry.SetLoopEnabled(true)
	s.restoreCursor()
	s.Kick()
	s.updateMirror()
}

// StopLoop disables loop playback and stops the current item.
func (s *Supervisor) StopLoop() {
	s.loopEnabled = false
	s.paused = false
	telemetry.SetLoopEnabled(false)
	if s.session != nil && s.active == nil {
		s.interruptSession()
	}
	s.updateMirror()
}

// Kick attempts to start the next item if the loop is idle and permitted.
func (s *Supervisor) Kick() {
	if s.playState != StateIdle || !s.permit() {
		return
	}
	s.startNext()
}

// Pause freezes the current session.
func (s *Supervisor) Pause() bool {
	if s.session == nil {
		return false
	}
	if err := s.session.Pause(); err != nil {
		s.logger.Error().Err(err).Msg("pause failed")
		return false
	}
	s.paused = true
	s.updateMirror()
	s.bus.Publish(events.EventPlaybackPaused, events.Payload{"src": s.mirror.CurrentSrc})
	return true
}

// Resume continues a paused session.
func (s *Supervisor) Resume() bool {
	if s.session == nil {
		return false
	}
	if err := s.session.Resume(); err != nil {
		s.logger.Error().Err(err).Msg("resume failed")
		return false
	}
	s.paused = false
	s.updateMirror()
	s.bus.Publish(events.EventPlaybackResumed, events.Payload{"src": s.mirror.CurrentSrc})
	return true
}

// Toggle flips the pause state. Returns the new paused value.
func (s *Supervisor) Toggle() bool {
	if s.paused {
		s.Resume()
	} else {
		s.Pause()
	}
	return s.paused
}

// Next skips the current item. The loop advances when the stopped
// session's completion arrives.
func (s *Supervisor) Next() {
	if s.session == nil {
		s.Kick()
		return
	}
	s.attempts = 0
	s.session.Stop()
}

// PlayOnce interrupts the loop for a single direct item. When it ends the
// loop resumes only if returnToLoop was set.
func (s *Supervisor) PlayOnce(item playlist.Item, returnToLoop bool, retries int, showTime bool) {
	ov := &override{item: item, returnToLoop: returnToLoop, retries: retries, showTime: showTime}
	s.loopEnabled = false
	telemetry.SetLoopEnabled(false)

	if s.session != nil {
		// Queue it; the completion handler starts it once the current
		// session has fully stopped.
		s.pending = ov
		s.transition(StateInterrupted)
		s.session.Stop()
		s.updateMirror()
		return
	}
	s.startOverride(ov)
}

// Shutdown stops any running session. Called once as the agent exits.
func (s *Supervisor) Shutdown() {
	if s.session != nil {
		s.session.Stop()
	}
}

// OnSessionDone handles a session completion. Stale sequence numbers
// belong to sessions already superseded and are discarded.
func (s *Supervisor) OnSessionDone(seq uint64, res player.Result) {
	if seq != s.seq {
		s.logger.Debug().Uint64("seq", seq).Uint64("current", s.seq).Msg("stale session completion dropped")
		return
	}
	elapsed := time.Since(s.startedAt)
	s.session = nil
	s.paused = false
	finished := s.current
	s.current = nil

	ok := res.Err == nil
	if finished != nil {
		s.publishItemEnd(*finished, ok)
	}
	switch {
	case res.Stopped:
		telemetry.ObservePlaybackItem("stopped", elapsed)
	case ok:
		telemetry.ObservePlaybackItem("success", elapsed)
	default:
		telemetry.ObservePlaybackItem("error", elapsed)
		telemetry.ObservePlaybackError("exit")
		s.logger.Warn().Err(res.Err).Msg("player exited abnormally")
	}

	// A queued override always wins the next slot.
	if ov := s.pending; ov != nil {
		s.pending = nil
		s.startOverride(ov)
		return
	}

	if ov := s.active; ov != nil {
		s.finishOverride(ov, res, ok)
		return
	}

	s.finishLoopItem(res, ok)
}

func (s *Supervisor) finishOverride(ov *override, res player.Result, ok bool) {
	if !ok && !res.Stopped && ov.attempts <= ov.retries {
		// Retry the direct item in place.
		s.startOverride(ov)
		return
	}
	s.active = nil
	s.transition(StateIdle)
	if ov.returnToLoop {
		s.loopEnabled = true
		telemetry.SetLoopEnabled(true)
		s.Kick()
	}
	s.updateMirror()
}

func (s *Supervisor) finishLoopItem(res player.Result, ok bool) {
	pl, _ := s.store.Current()

	if !ok && !res.Stopped && s.attempts <= pl.Retries {
		// Same item again; a transient decode hiccup often clears.
		s.transition(StateAdvancing)
		s.startCurrent(pl)
		return
	}

	if ok {
		s.failures = 0
	} else if !res.Stopped {
		s.failures++
	}

	s.advanceCursor(len(pl.Items))
	s.transition(StateAdvancing)

	if s.failures >= len(pl.Items) && len(pl.Items) > 0 {
		// Every item failed in a full pass. Back off instead of
		// spinning the player binary.
		s.logger.Error().Int("items", len(pl.Items)).Msg("no playable items, backing off")
		s.failures = 0
		s.transition(StateIdle)
		s.updateMirror()
		if s.kickAfter != nil {
			s.kickAfter(10 * time.Second)
		}
		return
	}

	if !s.permit() {
		s.transition(StateIdle)
		s.updateMirror()
		return
	}

	if pl.BlackBetween > 0 && !res.Stopped {
		s.transition(StateIdle)
		s.updateMirror()
		if s.kickAfter != nil {
			s.kickAfter(time.Duration(pl.BlackBetween * float64(time.Second)))
		}
		return
	}

	s.startNext()
}

// startNext renders the item under the cursor, skipping entries that are
// structurally unplayable or missing on disk.
func (s *Supervisor) startNext() {
	pl, version := s.store.Current()
	if pl.Empty() {
		s.transition(StateIdle)
		s.updateMirror()
		return
	}
	s.ensureOrder(pl, version)
	s.attempts = 0

	for tries := 0; tries < len(pl.Items); tries++ {
		item := pl.Items[s.order[s.cursor]]
		location := s.catalog.Resolve(item)
		if !item.Playable() || !s.catalog.Exists(location) {
			s.logger.Warn().Str("src", item.Src).Str("kind", string(item.Kind)).Msg("skipping unplayable item")
			telemetry.ObservePlaybackError("unplayable")
			s.bus.Publish(events.EventPlaybackError, events.Payload{"src": item.Src, "reason": "unplayable"})
			s.advanceCursor(len(pl.Items))
			continue
		}
		s.startCurrent(pl)
		return
	}

	s.logger.Error().Msg("playlist has no playable items")
	s.transition(StateIdle)
	s.updateMirror()
	if s.kickAfter != nil {
		s.kickAfter(10 * time.Second)
	}
}

// startCurrent launches the item under the cursor.
func (s *Supervisor) startCurrent(pl *playlist.Playlist) {
	item := pl.Items[s.order[s.cursor]]
	s.attempts++
	s.transition(StateLoading)

	location := s.catalog.Resolve(item)
	if cached, ok := s.catalog.CachedPath(item.Src); ok && item.Kind != playlist.KindYouTube {
		location = cached
	}

	s.launch(item, location, pl.ShowTime)
	s.saveCursor()
}

func (s *Supervisor) startOverride(ov *override) {
	ov.attempts++
	s.active = ov
	s.pending = nil
	s.transition(StateLoading)
	location := s.catalog.Resolve(ov.item)
	s.launch(ov.item, location, ov.showTime)
}

func (s *Supervisor) launch(item playlist.Item, location string, showTime bool) {
	s.seq++
	seq := s.seq

	session, err := s.backend.Start(context.Background(), player.Request{
		Location: location,
		Kind:     item.Kind,
		Duration: item.Duration,
		StartAt:  item.StartAt,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("location", location).Msg("player start failed")
		telemetry.ObservePlaybackError("spawn")
		s.bus.Publish(events.EventPlaybackError, events.Payload{"src": item.Src, "reason": "spawn"})
		// Feed a synthetic failure through the normal completion path.
		if s.notifyDone != nil {
			s.notifyDone(seq, player.Result{Err: err})
		}
		s.current = &item
		s.startedAt = time.Now()
		s.updateMirror()
		return
	}

	s.session = session
	s.current = &item
	s.startedAt = time.Now()
	s.paused = false
	s.transition(StatePlaying)
	s.updateMirror()

	s.publishItemStart(item, showTime)

	go func() {
		res := <-session.Done()
		if s.notifyDone != nil {
			s.notifyDone(seq, res)
		}
	}()
}

func (s *Supervisor) interruptSession() {
	s.transition(StateInterrupted)
	s.session.Stop()
}

func (s *Supervisor) publishItemStart(item playlist.Item, showTime bool) {
	payload := events.Payload{"event": "start", "item": item}
	if showTime {
		payload["timestamp"] = time.Now().Format("15:04:05")
	}
	s.bus.Publish(events.EventNowPlaying, payload)
}

func (s *Supervisor) publishItemEnd(item playlist.Item, ok bool) {
	pl, _ := s.store.Current()
	payload := events.Payload{"event": "end", "item": item, "ok": ok}
	if pl.ShowTime {
		payload["timestamp"] = time.Now().Format("15:04:05")
	}
	s.bus.Publish(events.EventNowPlaying, payload)
}

// ensureOrder draws a fresh iteration order when the playlist version
// changes. Shuffled playlists reshuffle per content change, not per pass.
func (s *Supervisor) ensureOrder(pl *playlist.Playlist, version uint64) {
	if s.orderFor == version && len(s.order) == len(pl.Items) {
		return
	}
	s.order = make([]int, len(pl.Items))
	for i := range s.order {
		s.order[i] = i
	}
	if pl.Shuffle {
		rand.Shuffle(len(s.order), func(i, j int) {
			s.order[i], s.order[j] = s.order[j], s.order[i]
		})
	}
	s.orderFor = version
	s.cursor = 0
}

func (s *Supervisor) advanceCursor(n int) {
	if n == 0 {
		s.cursor = 0
		return
	}
	s.cursor = (s.cursor + 1) % n
	s.attempts = 0
}

func (s *Supervisor) saveCursor() {
	if s.persist == nil {
		return
	}
	cur := state.Cursor{Index: s.cursor, Hash: s.store.Hash()}
	if err := s.persist.SaveCursor(cur); err != nil {
		s.logger.Warn().Err(err).Msg("save cursor")
	}
}

func (s *Supervisor) restoreCursor() {
	if s.persist == nil {
		return
	}
	pl, version := s.store.Current()
	if pl.Empty() {
		return
	}
	s.ensureOrder(pl, version)
	cur, found, err := s.persist.LoadCursor(s.store.Hash())
	if err != nil {
		s.logger.Warn().Err(err).Msg("load cursor")
		return
	}
	if found && cur.Index >= 0 && cur.Index < len(pl.Items) {
		s.cursor = cur.Index
	}
}
