// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build windows

package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/windows"

	"github.com/blinklabs-io/duet/database/types"
)

const lockFileName = "LOCK"

type dirLock struct {
	file *os.File
}

func lockDir(dir string) (*dirLock, error) {
	f, err := os.OpenFile(
		filepath.Join(dir, lockFileName),
		os.O_CREATE|os.O_RDWR,
		0o600,
	)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	ol := new(windows.Overlapped)
	err = windows.LockFileEx(
		windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0,
		1,
		0,
		ol,
	)
	if err != nil {
		_ = f.Close()
		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return nil, types.ErrDataDirLocked
		}
		return nil, fmt.Errorf("lock data dir: %w", err)
	}
	return &dirLock{file: f}, nil
}

func (l *dirLock) release() error {
	ol := new(windows.Overlapped)
	err := windows.UnlockFileEx(windows.Handle(l.file.Fd()), 0, 1, 0, ol)
	return errors.Join(err, l.file.Close())
}
