/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package media resolves playlist sources to playable locations on the
// local filesystem or the network.
package media

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/friendsincode/grimnir_display/internal/playlist"
)

// Catalog maps item sources onto the device's media tree. Bare filenames
// resolve under the per-kind subdirectory; absolute paths, URLs, and
// path-bearing sources pass through untouched.
type Catalog struct {
	videoDir string
	imageDir string
	cacheDir string
}

// NewCatalog builds a catalog over the given media subtrees.
func NewCatalog(videoDir, imageDir, cacheDir string) *Catalog {
	return &Catalog{videoDir: videoDir, imageDir: imageDir, cacheDir: cacheDir}
}

// IsRemote reports whether src points at a network location.
func IsRemote(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// Resolve returns the playable location for an item. Remote and absolute
// sources are returned as-is. Relative sources that carry path separators
// are trusted to be deployment specific and also pass through.
func (c *Catalog) Resolve(item playlist.Item) string {
	src := item.Src
	if src == "" {
		return src
	}
	if strings.HasPrefix(src, "/") || IsRemote(src) {
		return src
	}
	if strings.ContainsAny(src, `/\`) {
		return src
	}
	switch item.Kind {
	case playlist.KindVideo:
		return filepath.Join(c.videoDir, src)
	case playlist.KindImage:
		return filepath.Join(c.imageDir, src)
	}
	return src
}

// Exists reports whether a resolved local location is present on disk.
// Remote locations are assumed reachable; the player surfaces failures.
func (c *Catalog) Exists(resolved string) bool {
	if resolved == "" {
		return false
	}
	if IsRemote(resolved) {
		return true
	}
	info, err := os.Stat(resolved)
	return err == nil && !info.IsDir()
}

// CachedPath returns the prefetch cache location for a remote source, and
// whether a cached copy is present. The cache key is the last path element
// of the URL, which is stable for the document based feeds we sync from.
func (c *Catalog) CachedPath(src string) (string, bool) {
	if !IsRemote(src) || c.cacheDir == "" {
		return "", false
	}
	name := filepath.Base(strings.SplitN(src, "?", 2)[0])
	if name == "" || name == "." || name == "/" {
		return "", false
	}
	cached := filepath.Join(c.cacheDir, name)
	info, err := os.Stat(cached)
	return cached, err == nil && !info.IsDir() && info.Size() > 0
}
