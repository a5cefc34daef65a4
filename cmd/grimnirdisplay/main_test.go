/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireLockSingleInstance(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())

	release, err := acquireLock("lock-device")
	if err != nil {
		t.Fatalf("acquireLock() error = %v", err)
	}

	// Our own pid holds the lock, so a second acquire must fail.
	if _, err := acquireLock("lock-device"); err == nil {
		t.Fatal("second acquire should fail while the lock is held")
	}

	release()
	release2, err := acquireLock("lock-device")
	if err != nil {
		t.Fatalf("acquire after release error = %v", err)
	}
	release2()
}

func TestAcquireLockReclaimsStalePid(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TMPDIR", dir)

	// A pid nobody holds; pid max on linux is well below this.
	path := filepath.Join(os.TempDir(), "grimnir-display-stale.lock")
	if err := os.WriteFile(path, []byte("4194309\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	release, err := acquireLock("stale")
	if err != nil {
		t.Fatalf("stale lock should be reclaimed, got %v", err)
	}
	release()
}

func TestAcquireLockIgnoresGarbagePidFile(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())

	path := filepath.Join(os.TempDir(), "grimnir-display-bad.lock")
	if err := os.WriteFile(path, []byte("not a pid"), 0o644); err != nil {
		t.Fatal(err)
	}

	release, err := acquireLock("bad")
	if err != nil {
		t.Fatalf("unparseable lock should be reclaimed, got %v", err)
	}
	release()
}
