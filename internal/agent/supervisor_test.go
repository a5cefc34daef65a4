/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_display/internal/events"
	"github.com/friendsincode/grimnir_display/internal/media"
	"github.com/friendsincode/grimnir_display/internal/player"
	"github.com/friendsincode/grimnir_display/internal/playlist"
)

type fakeSession struct {
	mu       sync.Mutex
	done     chan player.Result
	finished bool
	stops    int
	paused   bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{done: make(chan player.Result, 1)}
}

func (s *fakeSession) Done() <-chan player.Result { return s.done }

func (s *fakeSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	if s.finished {
		return
	}
	s.finished = true
	s.done <- player.Result{Stopped: true}
}

func (s *fakeSession) finish(res player.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.done <- res
}

func (s *fakeSession) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	return nil
}

func (s *fakeSession) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	return nil
}

type fakeBackend struct {
	mu       sync.Mutex
	requests []player.Request
	sessions []*fakeSession
}

func (b *fakeBackend) Start(_ context.Context, req player.Request) (player.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	s := newFakeSession()
	b.sessions = append(b.sessions, s)
	return s, nil
}

func (b *fakeBackend) latest() *fakeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sessions) == 0 {
		return nil
	}
	return b.sessions[len(b.sessions)-1]
}

func (b *fakeBackend) started() []player.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]player.Request(nil), b.requests...)
}

type doneEvent struct {
	seq uint64
	res player.Result
}

type harness struct {
	t       *testing.T
	sup     *Supervisor
	store   *playlist.Store
	backend *fakeBackend
	bus     *events.Bus
	dir     string
	done    chan doneEvent
	kicks   chan time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		t:       t,
		store:   playlist.NewStore(),
		backend: &fakeBackend{},
		bus:     events.NewBus(),
		dir:     dir,
		done:    make(chan doneEvent, 16),
		kicks:   make(chan time.Duration, 16),
	}
	catalog := media.NewCatalog(filepath.Join(dir, "videos"), filepath.Join(dir, "images"), filepath.Join(dir, "cache"))
	h.sup = NewSupervisor(
		h.store, catalog, h.backend, nil, h.bus,
		func(seq uint64, res player.Result) { h.done <- doneEvent{seq, res} },
		func(d time.Duration) { h.kicks <- d },
		zerolog.Nop(),
	)
	return h
}

// mediaFile creates a playable file and returns its absolute path.
func (h *harness) mediaFile(name string) string {
	h.t.Helper()
	path := filepath.Join(h.dir, name)
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		h.t.Fatal(err)
	}
	return path
}

func (h *harness) loadPlaylist(pl *playlist.Playlist) {
	h.store.Swap(pl)
}

// pump waits for the next session completion and feeds it back, the way
// the agent loop does.
func (h *harness) pump() {
	h.t.Helper()
	select {
	case ev := <-h.done:
		h.sup.OnSessionDone(ev.seq, ev.res)
	case <-time.After(2 * time.Second):
		h.t.Fatal("no session completion arrived")
	}
}

func videoItem(src string) playlist.Item {
	return playlist.Item{Kind: playlist.KindVideo, Src: src}
}

func TestPlaybackTransitionTable(t *testing.T) {
	tests := []struct {
		from, to PlaybackState
		want     bool
	}{
		{StateIdle, StateLoading, true},
		{StateIdle, StatePlaying, false},
		{StateLoading, StatePlaying, true},
		{StatePlaying, StateAdvancing, true},
		{StatePlaying, StateInterrupted, true},
		{StateAdvancing, StateLoading, true},
		{StateAdvancing, StatePlaying, false},
		{StateInterrupted, StateLoading, true},
		{StatePlaying, StateLoading, false},
	}
	for _, tt := range tests {
		if got := isValidPlaybackTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("isValidPlaybackTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestLoopPlaysInOrderAndWraps(t *testing.T) {
	h := newHarness(t)
	a := h.mediaFile("a.mp4")
	b := h.mediaFile("b.mp4")
	h.loadPlaylist(&playlist.Playlist{Items: []playlist.Item{videoItem(a), videoItem(b)}})

	h.sup.StartLoop()

	started := h.backend.started()
	if len(started) != 1 || started[0].Location != a {
		t.Fatalf("started = %+v, want first item", started)
	}

	h.backend.latest().finish(player.Result{})
	h.pump()
	if got := h.backend.started(); len(got) != 2 || got[1].Location != b {
		t.Fatalf("second start = %+v", got)
	}

	h.backend.latest().finish(player.Result{})
	h.pump()
	if got := h.backend.started(); len(got) != 3 || got[2].Location != a {
		t.Fatalf("wrap start = %+v, want back to first item", got)
	}
}

func TestUnplayableItemsAreSkipped(t *testing.T) {
	h := newHarness(t)
	missing := filepath.Join(h.dir, "missing.mp4")
	good := h.mediaFile("good.mp4")
	h.loadPlaylist(&playlist.Playlist{Items: []playlist.Item{
		videoItem(missing),
		{Kind: "hologram", Src: good},
		videoItem(good),
	}})

	errs := h.bus.Subscribe(events.EventPlaybackError)

	h.sup.StartLoop()

	started := h.backend.started()
	if len(started) != 1 || started[0].Location != good {
		t.Fatalf("started = %+v, want only the playable item", started)
	}

	// Both unplayable entries surfaced as error events.
	for i := 0; i < 2; i++ {
		select {
		case <-errs:
		case <-time.After(time.Second):
			t.Fatal("missing playback error event")
		}
	}
}

func TestAllUnplayableBacksOff(t *testing.T) {
	h := newHarness(t)
	h.loadPlaylist(&playlist.Playlist{Items: []playlist.Item{
		videoItem(filepath.Join(h.dir, "gone1.mp4")),
		videoItem(filepath.Join(h.dir, "gone2.mp4")),
	}})

	h.sup.StartLoop()

	if len(h.backend.started()) != 0 {
		t.Fatal("nothing should start when every item is unplayable")
	}
	select {
	case <-h.kicks:
	case <-time.After(time.Second):
		t.Fatal("expected a deferred retry kick")
	}
	if h.sup.Snapshot().State != StateIdle {
		t.Errorf("state = %s, want IDLE", h.sup.Snapshot().State)
	}
}

func TestCrashAdvancesToNextItem(t *testing.T) {
	h := newHarness(t)
	a := h.mediaFile("a.mp4")
	b := h.mediaFile("b.mp4")
	h.loadPlaylist(&playlist.Playlist{Items: []playlist.Item{videoItem(a), videoItem(b)}})

	h.sup.StartLoop()
	h.backend.latest().finish(player.Result{Err: errors.New("segfault")})
	h.pump()

	started := h.backend.started()
	if len(started) != 2 || started[1].Location != b {
		t.Fatalf("started = %+v, want advance past the crashed item", started)
	}
}

func TestRetriesReplaySameItem(t *testing.T) {
	h := newHarness(t)
	a := h.mediaFile("a.mp4")
	b := h.mediaFile("b.mp4")
	h.loadPlaylist(&playlist.Playlist{Items: []playlist.Item{videoItem(a), videoItem(b)}, Retries: 1})

	h.sup.StartLoop()
	h.backend.latest().finish(player.Result{Err: errors.New("decode error")})
	h.pump()

	started := h.backend.started()
	if len(started) != 2 || started[1].Location != a {
		t.Fatalf("started = %+v, want same item retried", started)
	}

	h.backend.latest().finish(player.Result{Err: errors.New("decode error")})
	h.pump()

	started = h.backend.started()
	if len(started) != 3 || started[2].Location != b {
		t.Fatalf("started = %+v, want advance after retries exhausted", started)
	}
}

func TestNextSkipsCurrentItem(t *testing.T) {
	h := newHarness(t)
	a := h.mediaFile("a.mp4")
	b := h.mediaFile("b.mp4")
	h.loadPlaylist(&playlist.Playlist{Items: []playlist.Item{videoItem(a), videoItem(b)}})

	h.sup.StartLoop()
	h.sup.Next()
	h.pump()

	started := h.backend.started()
	if len(started) != 2 || started[1].Location != b {
		t.Fatalf("started = %+v, want skip to second item", started)
	}
}

func TestScheduleCloseInterruptsAndReopenResumes(t *testing.T) {
	h := newHarness(t)
	a := h.mediaFile("a.mp4")
	h.loadPlaylist(&playlist.Playlist{Items: []playlist.Item{videoItem(a)}})

	h.sup.StartLoop()
	first := h.backend.latest()

	h.sup.SetScheduleActive(false)
	if first.stops == 0 {
		t.Fatal("closing the window should stop the session")
	}
	h.pump()
	if h.sup.Snapshot().State != StateIdle {
		t.Errorf("state = %s, want IDLE while window closed", h.sup.Snapshot().State)
	}
	if len(h.backend.started()) != 1 {
		t.Fatal("nothing should start while the window is closed")
	}

	h.sup.SetScheduleActive(true)
	if len(h.backend.started()) != 2 {
		t.Fatal("reopening the window should restart the loop")
	}
}

func TestPlayOnceInterruptsAndReturnsToLoop(t *testing.T) {
	h := newHarness(t)
	a := h.mediaFile("a.mp4")
	direct := h.mediaFile("direct.mp4")
	h.loadPlaylist(&playlist.Playlist{Items: []playlist.Item{videoItem(a)}})

	h.sup.StartLoop()
	loopSession := h.backend.latest()

	h.sup.PlayOnce(videoItem(direct), true, 0, false)
	if loopSession.stops == 0 {
		t.Fatal("play.once should stop the loop session")
	}
	// Loop session completion arrives, then the override starts.
	h.pump()

	started := h.backend.started()
	if len(started) != 2 || started[1].Location != direct {
		t.Fatalf("started = %+v, want the direct item", started)
	}
	if h.sup.Snapshot().Mode != "DIRECT" {
		t.Errorf("mode = %s, want DIRECT during override", h.sup.Snapshot().Mode)
	}

	h.backend.latest().finish(player.Result{})
	h.pump()

	started = h.backend.started()
	if len(started) != 3 || started[2].Location != a {
		t.Fatalf("started = %+v, want loop resumed", started)
	}
	if h.sup.Snapshot().Mode != "LOOP" {
		t.Errorf("mode = %s, want LOOP after return", h.sup.Snapshot().Mode)
	}
}

func TestPlayOnceWithoutReturnStaysIdle(t *testing.T) {
	h := newHarness(t)
	a := h.mediaFile("a.mp4")
	direct := h.mediaFile("direct.mp4")
	h.loadPlaylist(&playlist.Playlist{Items: []playlist.Item{videoItem(a)}})

	h.sup.StartLoop()
	h.sup.PlayOnce(videoItem(direct), false, 0, false)
	h.pump()

	h.backend.latest().finish(player.Result{})
	h.pump()

	if len(h.backend.started()) != 2 {
		t.Fatalf("loop restarted without return_to_loop: %+v", h.backend.started())
	}
	snap := h.sup.Snapshot()
	if snap.State != StateIdle || snap.LoopEnabled {
		t.Errorf("snapshot = %+v, want idle with loop disabled", snap)
	}
}

func TestStaleCompletionIsDiscarded(t *testing.T) {
	h := newHarness(t)
	a := h.mediaFile("a.mp4")
	b := h.mediaFile("b.mp4")
	h.loadPlaylist(&playlist.Playlist{Items: []playlist.Item{videoItem(a), videoItem(b)}})

	h.sup.StartLoop()
	h.backend.latest().finish(player.Result{})
	h.pump()

	// Replay the first session's completion with its old sequence.
	h.sup.OnSessionDone(1, player.Result{})

	if len(h.backend.started()) != 2 {
		t.Fatalf("stale completion advanced the loop: %+v", h.backend.started())
	}
}

func TestPauseResumeToggle(t *testing.T) {
	h := newHarness(t)
	a := h.mediaFile("a.mp4")
	h.loadPlaylist(&playlist.Playlist{Items: []playlist.Item{videoItem(a)}})

	h.sup.StartLoop()
	session := h.backend.latest()

	if !h.sup.Pause() || !session.paused {
		t.Fatal("pause did not reach the session")
	}
	if !h.sup.Snapshot().Paused {
		t.Error("snapshot should report paused")
	}

	if !h.sup.Resume() || session.paused {
		t.Fatal("resume did not reach the session")
	}

	if paused := h.sup.Toggle(); !paused || !session.paused {
		t.Fatal("toggle should pause a playing session")
	}
	if paused := h.sup.Toggle(); paused || session.paused {
		t.Fatal("toggle should resume a paused session")
	}
}

func TestPauseWithoutSession(t *testing.T) {
	h := newHarness(t)
	if h.sup.Pause() {
		t.Error("pause with no session should report failure")
	}
}

func TestStopLoopStopsPlayback(t *testing.T) {
	h := newHarness(t)
	a := h.mediaFile("a.mp4")
	h.loadPlaylist(&playlist.Playlist{Items: []playlist.Item{videoItem(a)}})

	h.sup.StartLoop()
	session := h.backend.latest()

	h.sup.StopLoop()
	if session.stops == 0 {
		t.Fatal("loop.stop should stop the session")
	}
	h.pump()

	if len(h.backend.started()) != 1 {
		t.Fatal("loop restarted after loop.stop")
	}
	snap := h.sup.Snapshot()
	if snap.LoopEnabled || snap.State != StateIdle {
		t.Errorf("snapshot = %+v, want disabled idle loop", snap)
	}
}

func TestBlackBetweenDefersNextItem(t *testing.T) {
	h := newHarness(t)
	a := h.mediaFile("a.mp4")
	b := h.mediaFile("b.mp4")
	h.loadPlaylist(&playlist.Playlist{Items: []playlist.Item{videoItem(a), videoItem(b)}, BlackBetween: 2})

	h.sup.StartLoop()
	h.backend.latest().finish(player.Result{})
	h.pump()

	if len(h.backend.started()) != 1 {
		t.Fatal("next item should wait out the black gap")
	}
	select {
	case d := <-h.kicks:
		if d != 2*time.Second {
			t.Errorf("gap = %v, want 2s", d)
		}
	case <-time.After(time.Second):
		t.Fatal("no deferred kick for the black gap")
	}

	h.sup.Kick()
	if got := h.backend.started(); len(got) != 2 || got[1].Location != b {
		t.Fatalf("started = %+v, want second item after gap", got)
	}
}

func TestEmptyPlaylistStaysIdle(t *testing.T) {
	h := newHarness(t)
	h.sup.StartLoop()
	if len(h.backend.started()) != 0 {
		t.Fatal("nothing should start with an empty playlist")
	}
	if h.sup.Snapshot().State != StateIdle {
		t.Errorf("state = %s, want IDLE", h.sup.Snapshot().State)
	}
}

func TestNowPlayingEventsPublished(t *testing.T) {
	h := newHarness(t)
	a := h.mediaFile("a.mp4")
	h.loadPlaylist(&playlist.Playlist{Items: []playlist.Item{videoItem(a)}})

	nowPlaying := h.bus.Subscribe(events.EventNowPlaying)

	h.sup.StartLoop()

	select {
	case payload := <-nowPlaying:
		if payload["event"] != "start" {
			t.Errorf("payload = %v, want start event", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no now_playing start event")
	}

	h.backend.latest().finish(player.Result{})
	h.pump()

	select {
	case payload := <-nowPlaying:
		if payload["event"] != "end" || payload["ok"] != true {
			t.Errorf("payload = %v, want ok end event", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no now_playing end event")
	}
}
