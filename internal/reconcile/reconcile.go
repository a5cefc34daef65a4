/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package reconcile brings local content in line with a pushed playlist.
// Remote media is fetched into a staging area first; the active playlist
// only swaps after everything it needs is present. A failed run leaves
// the previous playlist fully intact.
package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_display/internal/media"
	"github.com/friendsincode/grimnir_display/internal/playlist"
	"github.com/friendsincode/grimnir_display/internal/state"
	"github.com/friendsincode/grimnir_display/internal/telemetry"
)

// Fetcher materializes one remote source at dest.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) error
}

// Paths collects the filesystem locations a reconcile touches.
type Paths struct {
	StagingDir         string
	CacheDir           string
	RemotePlaylistPath string
	LocalPlaylistPath  string
}

// Options controls persistence behavior.
type Options struct {
	PersistRemote  bool
	OverwriteLocal bool
}

// Result summarizes a completed reconcile.
type Result struct {
	Version uint64
	Changed bool
	Fetched int
	Elapsed time.Duration
}

// Staged is a completed fetch pass, ready for promotion. It holds no
// shared state; the files wait under the staging dir until Promote or
// Discard.
type Staged struct {
	Playlist *playlist.Playlist

	hash    string
	files   map[string]string // cache path -> staged path
	started time.Time
}

// Reconciler applies pushed playlists. Stage runs off the agent loop and
// only touches the staging dir; Promote is the single point that touches
// shared state and belongs on the loop.
type Reconciler struct {
	store   *playlist.Store
	catalog *media.Catalog
	fetcher Fetcher
	persist *state.Store
	paths   Paths
	opts    Options
	logger  zerolog.Logger
}

// New builds a reconciler. persist may be nil when the state database is
// unavailable; the reconcile still works, it just isn't recorded.
func New(store *playlist.Store, catalog *media.Catalog, fetcher Fetcher, persist *state.Store, paths Paths, opts Options, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:   store,
		catalog: catalog,
		fetcher: fetcher,
		persist: persist,
		paths:   paths,
		opts:    opts,
		logger:  logger.With().Str("component", "reconcile").Logger(),
	}
}

// Apply stages and promotes in one call. Callers on the agent loop should
// run Stage on a background goroutine instead so a slow fetch never stalls
// command intake.
func (r *Reconciler) Apply(ctx context.Context, pl *playlist.Playlist) (Result, error) {
	staged, err := r.Stage(ctx, pl)
	if err != nil {
		return Result{}, err
	}
	return r.Promote(staged)
}

// Stage validates the pushed playlist and downloads the remote media it
// needs into the staging dir. It reads the store's content hash once to
// short-circuit obvious no-ops but mutates nothing shared; it is safe off
// the agent loop.
func (r *Reconciler) Stage(ctx context.Context, pl *playlist.Playlist) (*Staged, error) {
	if pl == nil {
		telemetry.ObserveReconcile("error", 0)
		return nil, fmt.Errorf("no playlist supplied")
	}

	staged := &Staged{Playlist: pl, hash: pl.ContentHash(), started: time.Now()}
	if staged.hash != "" && staged.hash == r.store.Hash() {
		r.logger.Info().Str("hash", shortHash(staged.hash)).Msg("playlist unchanged, nothing to fetch")
		return staged, nil
	}

	files, err := r.fetch(ctx, pl)
	if err != nil {
		r.cleanupStaging(files)
		telemetry.ObserveReconcile("error", time.Since(staged.started))
		return nil, err
	}
	staged.files = files
	return staged, nil
}

// Promote makes a staged pass the active playlist: renames staged media
// into the cache, swaps the store, persists the document and records the
// sync. Identical content is a no-op that leaves the playlist version (and
// with it the loop position) untouched.
func (r *Reconciler) Promote(staged *Staged) (Result, error) {
	pl := staged.Playlist
	elapsed := time.Since(staged.started)

	// Re-check under the current store state; another reconcile may have
	// landed while this one was fetching.
	if staged.hash != "" && staged.hash == r.store.Hash() {
		r.cleanupStaging(staged.files)
		_, version := r.store.Current()
		telemetry.ObserveReconcile("noop", elapsed)
		return Result{Version: version, Changed: false, Elapsed: elapsed}, nil
	}

	if err := r.rename(staged.files); err != nil {
		r.cleanupStaging(staged.files)
		telemetry.ObserveReconcile("error", elapsed)
		return Result{Elapsed: elapsed}, err
	}

	version, changed := r.store.Swap(pl)
	r.persistPlaylist(pl)

	if r.persist != nil {
		rec := state.SyncRecord{
			PlaylistHash: staged.hash,
			Version:      version,
			CompletedAt:  time.Now(),
			ItemCount:    len(pl.Items),
		}
		if err := r.persist.SaveSync(rec); err != nil {
			r.logger.Error().Err(err).Msg("record sync state")
		}
	}

	r.logger.Info().
		Uint64("version", version).
		Int("items", len(pl.Items)).
		Int("fetched", len(staged.files)).
		Str("hash", shortHash(staged.hash)).
		Msg("playlist reconciled")

	telemetry.ObserveReconcile("success", elapsed)
	return Result{Version: version, Changed: changed, Fetched: len(staged.files), Elapsed: elapsed}, nil
}

// Discard drops a staged pass that lost to a newer reconcile.
func (r *Reconciler) Discard(staged *Staged) {
	if staged == nil {
		return
	}
	r.cleanupStaging(staged.files)
}

// fetch downloads every remote video or image the playlist references
// that is not already cached. Stream items resolve at play time and are
// not prefetched.
func (r *Reconciler) fetch(ctx context.Context, pl *playlist.Playlist) (map[string]string, error) {
	staged := make(map[string]string)
	for _, item := range pl.Items {
		if item.Kind == playlist.KindYouTube || !media.IsRemote(item.Src) {
			continue
		}
		cachePath, cached := r.catalog.CachedPath(item.Src)
		if cachePath == "" {
			continue
		}
		if cached || staged[cachePath] != "" {
			continue
		}

		stagePath := filepath.Join(r.paths.StagingDir, filepath.Base(cachePath))
		if err := r.fetcher.Fetch(ctx, item.Src, stagePath); err != nil {
			return staged, fmt.Errorf("fetch %s: %w", item.Src, err)
		}
		staged[cachePath] = stagePath
	}
	return staged, nil
}

// rename moves staged files into the cache. Renames within the same
// filesystem are atomic, so a crash mid-promote leaves whole files only.
func (r *Reconciler) rename(staged map[string]string) error {
	for cachePath, stagePath := range staged {
		if err := os.Rename(stagePath, cachePath); err != nil {
			return fmt.Errorf("promote %s: %w", filepath.Base(cachePath), err)
		}
	}
	return nil
}

func (r *Reconciler) cleanupStaging(staged map[string]string) {
	for _, stagePath := range staged {
		if err := os.Remove(stagePath); err != nil && !os.IsNotExist(err) {
			r.logger.Warn().Err(err).Str("path", stagePath).Msg("remove staged file")
		}
	}
}

func (r *Reconciler) persistPlaylist(pl *playlist.Playlist) {
	if !r.opts.PersistRemote {
		return
	}
	if err := playlist.WriteFileAtomic(r.paths.RemotePlaylistPath, pl); err != nil {
		r.logger.Error().Err(err).Msg("persist remote playlist")
	}
	if r.opts.OverwriteLocal {
		if err := playlist.WriteFileAtomic(r.paths.LocalPlaylistPath, pl); err != nil {
			r.logger.Error().Err(err).Msg("overwrite local playlist")
		}
	}
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
