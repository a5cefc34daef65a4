/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playlist

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDecodeCanonical(t *testing.T) {
	doc := `{
		"items": [
			{"kind": "video", "src": "promo.mp4"},
			{"kind": "image", "src": "menu.png", "duration": 12}
		],
		"shuffle": true,
		"retries": 2,
		"schedule_enabled": true,
		"schedule_start": "08:00",
		"schedule_end": "22:00"
	}`

	pl, err := Decode([]byte(doc))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(pl.Items) != 2 {
		t.Fatalf("len(Items) = %d, want 2", len(pl.Items))
	}
	if pl.Items[0].Kind != KindVideo || pl.Items[1].Kind != KindImage {
		t.Errorf("kinds = %q, %q", pl.Items[0].Kind, pl.Items[1].Kind)
	}
	if pl.Items[1].Duration != 12 {
		t.Errorf("Duration = %v, want 12", pl.Items[1].Duration)
	}
	if !pl.Shuffle || pl.Retries != 2 {
		t.Errorf("shuffle/retries not decoded: %+v", pl)
	}
	if !pl.ScheduleEnabled || pl.ScheduleStart != "08:00" || pl.ScheduleEnd != "22:00" {
		t.Errorf("schedule fields not decoded: %+v", pl)
	}
}

func TestDecodeLegacyAliases(t *testing.T) {
	doc := `{"list": [{"type": "video", "src": "a.mp4"}]}`

	pl, err := Decode([]byte(doc))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(pl.Items) != 1 {
		t.Fatalf("len(Items) = %d, want 1", len(pl.Items))
	}
	if pl.Items[0].Kind != KindVideo {
		t.Errorf("Kind = %q, want video from legacy type key", pl.Items[0].Kind)
	}
}

func TestDecodeDropsNonObjectEntries(t *testing.T) {
	doc := `{"items": ["junk", 42, {"kind": "image", "src": "x.png"}]}`

	pl, err := Decode([]byte(doc))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(pl.Items) != 1 {
		t.Fatalf("len(Items) = %d, want 1 after dropping junk", len(pl.Items))
	}
}

func TestDecodeRejectsNonObjectDocument(t *testing.T) {
	if _, err := Decode([]byte(`[1,2,3]`)); err == nil {
		t.Error("expected error for array document")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid json")
	}
}

func TestItemPlayable(t *testing.T) {
	tests := []struct {
		name string
		item Item
		want bool
	}{
		{"video", Item{Kind: KindVideo, Src: "a.mp4"}, true},
		{"image", Item{Kind: KindImage, Src: "a.png"}, true},
		{"youtube", Item{Kind: KindYouTube, Src: "https://youtu.be/x"}, true},
		{"missing src", Item{Kind: KindVideo}, false},
		{"unknown kind", Item{Kind: "hologram", Src: "a"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.item.Playable(); got != tt.want {
				t.Errorf("Playable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContentHashStableAcrossAliases(t *testing.T) {
	a, err := Decode([]byte(`{"items": [{"kind": "video", "src": "a.mp4"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Decode([]byte(`{"list": [{"type": "video", "src": "a.mp4"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if a.ContentHash() != b.ContentHash() {
		t.Error("alias spellings should normalize to the same content hash")
	}

	c, err := Decode([]byte(`{"items": [{"kind": "video", "src": "b.mp4"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if a.ContentHash() == c.ContentHash() {
		t.Error("different content should hash differently")
	}
}

func TestStoreSwap(t *testing.T) {
	s := NewStore()

	pl, version := s.Current()
	if !pl.Empty() || version != 0 {
		t.Fatalf("fresh store = %+v version %d", pl, version)
	}

	first, _ := Decode([]byte(`{"items": [{"kind": "video", "src": "a.mp4"}]}`))
	v1, changed := s.Swap(first)
	if !changed || v1 != 1 {
		t.Fatalf("Swap(first) = (%d, %v), want (1, true)", v1, changed)
	}

	same, _ := Decode([]byte(`{"list": [{"type": "video", "src": "a.mp4"}]}`))
	v2, changed := s.Swap(same)
	if changed || v2 != v1 {
		t.Errorf("Swap(identical) = (%d, %v), want (%d, false)", v2, changed, v1)
	}

	second, _ := Decode([]byte(`{"items": [{"kind": "video", "src": "b.mp4"}]}`))
	v3, changed := s.Swap(second)
	if !changed || v3 != v1+1 {
		t.Errorf("Swap(second) = (%d, %v), want (%d, true)", v3, changed, v1+1)
	}

	current, _ := s.Current()
	if current.Items[0].Src != "b.mp4" {
		t.Errorf("Current() src = %q, want b.mp4", current.Items[0].Src)
	}
}

func TestWriteFileAtomicRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "playlist.json")

	pl, _ := Decode([]byte(`{"items": [{"kind": "image", "src": "x.png", "duration": 5}], "retries": 1}`))
	if err := WriteFileAtomic(path, pl); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if loaded.ContentHash() != pl.ContentHash() {
		t.Error("round-tripped playlist differs from original")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}

func TestChooseBootFile(t *testing.T) {
	dir := t.TempDir()
	remote := filepath.Join(dir, "playlist.remote.json")
	local := filepath.Join(dir, "playlist.json")

	if got := ChooseBootFile(remote, local); got != local {
		t.Errorf("ChooseBootFile() = %q, want local when remote missing", got)
	}

	if err := os.WriteFile(remote, []byte(`{"items": []}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := ChooseBootFile(remote, local); got != remote {
		t.Errorf("ChooseBootFile() = %q, want remote when present", got)
	}
}

func TestStoreAmendKeepsVersion(t *testing.T) {
	s := NewStore()
	v0, _ := s.Swap(&Playlist{Items: []Item{{Kind: KindVideo, Src: "a.mp4"}}})

	s.SetSchedule(true, "08:00", "22:00")
	pl, v1 := s.Current()
	if v1 != v0 {
		t.Errorf("version = %d after schedule change, want %d", v1, v0)
	}
	if !pl.ScheduleEnabled || pl.ScheduleStart != "08:00" || pl.ScheduleEnd != "22:00" {
		t.Errorf("schedule not applied: %+v", pl)
	}

	s.SetShowTime(true)
	pl, v2 := s.Current()
	if v2 != v0 {
		t.Errorf("version = %d after show_time change, want %d", v2, v0)
	}
	if !pl.ShowTime {
		t.Error("show_time not applied")
	}
	if len(pl.Items) != 1 {
		t.Errorf("items lost across amend: %+v", pl.Items)
	}
}
