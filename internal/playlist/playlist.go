/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playlist holds the playlist document model, the lenient decoder
// for operator supplied JSON, and the in-memory store the playback loop
// reads from.
package playlist

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Kind identifies how an item is rendered.
type Kind string

const (
	KindVideo   Kind = "video"
	KindImage   Kind = "image"
	KindYouTube Kind = "youtube"
)

// Item is one entry in a playlist.
type Item struct {
	ID       string  `json:"id,omitempty"`
	Kind     Kind    `json:"kind"`
	Src      string  `json:"src"`
	Name     string  `json:"name,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	StartAt  float64 `json:"start_at,omitempty"`
}

// Playable reports whether the item carries enough information to hand to
// the player backend.
func (i Item) Playable() bool {
	if i.Src == "" {
		return false
	}
	switch i.Kind {
	case KindVideo, KindImage, KindYouTube:
		return true
	}
	return false
}

// Playlist is the full document an operator pushes at the device.
type Playlist struct {
	Items        []Item  `json:"items"`
	Shuffle      bool    `json:"shuffle"`
	BlackBetween float64 `json:"black_between"`
	Retries      int     `json:"retries"`
	ShowTime     bool    `json:"show_time"`

	ScheduleEnabled bool   `json:"schedule_enabled"`
	ScheduleStart   string `json:"schedule_start,omitempty"`
	ScheduleEnd     string `json:"schedule_end,omitempty"`
}

// Empty reports whether the playlist has no items.
func (p *Playlist) Empty() bool { return p == nil || len(p.Items) == 0 }

// ContentHash returns a stable digest of the canonical encoding. Two
// documents that normalize identically hash identically, which lets the
// reconciler detect no-op updates.
func (p *Playlist) ContentHash() string {
	raw, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// rawItem accepts both the canonical and the legacy item spelling.
type rawItem struct {
	ID       string  `json:"id"`
	Kind     string  `json:"kind"`
	Type     string  `json:"type"`
	Src      string  `json:"src"`
	Name     string  `json:"name"`
	Duration float64 `json:"duration"`
	StartAt  float64 `json:"start_at"`
}

type rawPlaylist struct {
	Items []json.RawMessage `json:"items"`
	List  []json.RawMessage `json:"list"`

	Shuffle      bool    `json:"shuffle"`
	BlackBetween float64 `json:"black_between"`
	Retries      int     `json:"retries"`
	ShowTime     bool    `json:"show_time"`

	ScheduleEnabled bool   `json:"schedule_enabled"`
	ScheduleStart   string `json:"schedule_start"`
	ScheduleEnd     string `json:"schedule_end"`
}

// DecodeItem parses a single item object, honoring the "type" alias for
// "kind".
func DecodeItem(data []byte) (Item, error) {
	var ri rawItem
	if err := json.Unmarshal(data, &ri); err != nil {
		return Item{}, fmt.Errorf("parse item: %w", err)
	}
	kind := ri.Kind
	if kind == "" {
		kind = ri.Type
	}
	return Item{
		ID:       ri.ID,
		Kind:     Kind(kind),
		Src:      ri.Src,
		Name:     ri.Name,
		Duration: ri.Duration,
		StartAt:  ri.StartAt,
	}, nil
}

// Decode parses operator supplied JSON into a normalized Playlist.
// It accepts "list" as an alias for "items" and "type" as an alias for
// "kind", and silently drops entries that are not objects. A document that
// is not a JSON object is an error; an object with no items decodes to an
// empty playlist.
func Decode(data []byte) (*Playlist, error) {
	var raw rawPlaylist
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse playlist: %w", err)
	}

	entries := raw.Items
	if entries == nil {
		entries = raw.List
	}

	items := make([]Item, 0, len(entries))
	for _, entry := range entries {
		var ri rawItem
		if err := json.Unmarshal(entry, &ri); err != nil {
			continue
		}
		kind := ri.Kind
		if kind == "" {
			kind = ri.Type
		}
		items = append(items, Item{
			ID:       ri.ID,
			Kind:     Kind(kind),
			Src:      ri.Src,
			Name:     ri.Name,
			Duration: ri.Duration,
			StartAt:  ri.StartAt,
		})
	}

	return &Playlist{
		Items:           items,
		Shuffle:         raw.Shuffle,
		BlackBetween:    raw.BlackBetween,
		Retries:         raw.Retries,
		ShowTime:        raw.ShowTime,
		ScheduleEnabled: raw.ScheduleEnabled,
		ScheduleStart:   raw.ScheduleStart,
		ScheduleEnd:     raw.ScheduleEnd,
	}, nil
}

// LoadFile reads and normalizes a playlist document from disk.
func LoadFile(path string) (*Playlist, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playlist %s: %w", path, err)
	}
	return Decode(raw)
}

// WriteFileAtomic persists the canonical encoding via a temp file and
// rename, so a power cut mid-write never leaves a truncated document.
func WriteFileAtomic(path string, p *Playlist) error {
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode playlist: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".playlist-*.json")
	if err != nil {
		return fmt.Errorf("create temp playlist: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp playlist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp playlist: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace playlist %s: %w", path, err)
	}
	return nil
}

// ChooseBootFile prefers the persisted remote playlist over the local
// seed. A device that has ever received content keeps showing it across
// restarts.
func ChooseBootFile(remotePath, localPath string) string {
	if _, err := os.Stat(remotePath); err == nil {
		return remotePath
	}
	return localPath
}
