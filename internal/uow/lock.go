// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package uow

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// acquireLock opens (creating if needed) path+".lock" and takes an
// exclusive advisory lock on it, blocking until available. The lock is
// released by closing the returned handle's file, which also drops the
// flock per POSIX semantics.
func acquireLock(yamlPath string) (lockHandle, error) {
	if err := os.MkdirAll(filepath.Dir(yamlPath), 0o755); err != nil {
		return lockHandle{}, err
	}

	lockPath := yamlPath + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return lockHandle{}, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return lockHandle{}, err
	}

	return lockHandle{path: lockPath, file: f}, nil
}
