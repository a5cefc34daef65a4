/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playlist

import "sync"

// Store holds the active playlist behind a wholesale swap. Readers always
// see a complete document; there is no partial update path.
type Store struct {
	mu      sync.RWMutex
	current *Playlist
	version uint64
	hash    string
}

// NewStore returns a store with no playlist loaded.
func NewStore() *Store {
	return &Store{current: &Playlist{}}
}

// Current returns the active playlist snapshot and its version.
// Callers must not mutate the returned document.
func (s *Store) Current() (*Playlist, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.version
}

// Swap replaces the active playlist. It returns the new version and
// whether the content actually changed; swapping in an identical document
// keeps the version stable so playback position survives redundant pushes.
func (s *Store) Swap(p *Playlist) (uint64, bool) {
	if p == nil {
		p = &Playlist{}
	}
	hash := p.ContentHash()

	s.mu.Lock()
	defer s.mu.Unlock()
	if hash != "" && hash == s.hash {
		return s.version, false
	}
	s.current = p
	s.hash = hash
	s.version++
	return s.version, true
}

// SetSchedule replaces the schedule configuration on the active playlist.
// The item sequence is untouched, so the version (and with it the loop
// position) stays stable.
func (s *Store) SetSchedule(enabled bool, start, end string) *Playlist {
	return s.amend(func(p *Playlist) {
		p.ScheduleEnabled = enabled
		p.ScheduleStart = start
		p.ScheduleEnd = end
	})
}

// SetShowTime toggles the on-screen clock on the active playlist.
func (s *Store) SetShowTime(enabled bool) *Playlist {
	return s.amend(func(p *Playlist) {
		p.ShowTime = enabled
	})
}

// amend applies fn to a copy of the active playlist and swaps the copy in
// place, version unchanged. Readers holding the old pointer keep a
// consistent document.
func (s *Store) amend(fn func(*Playlist)) *Playlist {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *s.current
	next.Items = s.current.Items
	fn(&next)
	s.current = &next
	s.hash = next.ContentHash()
	return &next
}

// Hash returns the content digest of the active playlist.
func (s *Store) Hash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hash
}
