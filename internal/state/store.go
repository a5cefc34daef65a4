/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package state persists the small set of facts that must survive a
// process restart: the sync record and the loop cursor.
package state

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSync   = []byte("sync")
	bucketCursor = []byte("cursor")

	keyRecord = []byte("record")
)

// SyncRecord describes the outcome of the last content reconcile.
type SyncRecord struct {
	PlaylistHash string    `json:"playlist_hash"`
	Version      uint64    `json:"version"`
	CompletedAt  time.Time `json:"completed_at"`
	ItemCount    int       `json:"item_count"`
}

// Cursor is the loop position at the time it was saved. Index refers into
// the playlist identified by Hash; a cursor whose hash no longer matches
// the active playlist is stale and ignored.
type Cursor struct {
	Index int    `json:"index"`
	Hash  string `json:"hash"`
}

// Store wraps the bolt database file.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the state database under dir.
func Open(dir string) (*Store, error) {
	dbPath := filepath.Join(dir, "agent.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSync, bucketCursor} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSync records the outcome of a completed reconcile.
func (s *Store) SaveSync(rec SyncRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode sync record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSync).Put(keyRecord, raw)
	})
}

// LastSync returns the most recent sync record, or ok=false if the device
// has never completed a reconcile.
func (s *Store) LastSync() (SyncRecord, bool, error) {
	var rec SyncRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSync).Get(keyRecord)
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode sync record: %w", err)
		}
		found = true
		return nil
	})
	return rec, found, err
}

// SaveCursor persists the loop position.
func (s *Store) SaveCursor(c Cursor) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCursor).Put(keyRecord, raw)
	})
}

// LoadCursor returns the saved loop position for the playlist identified
// by hash. A cursor saved against different content is discarded.
func (s *Store) LoadCursor(hash string) (Cursor, bool, error) {
	var c Cursor
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCursor).Get(keyRecord)
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &c); err != nil {
			return fmt.Errorf("decode cursor: %w", err)
		}
		found = c.Hash == hash
		return nil
	})
	return c, found, err
}
