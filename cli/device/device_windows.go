// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build windows
// +build windows

package device

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/winops/storage"
	"golang.org/x/sys/windows"
)

// rawPath maps a device identifier (a bare PhysicalDrive number or name)
// to its raw NT path.
func rawPath(id string) string {
	if strings.HasPrefix(id, `\\.\`) {
		return id
	}
	if strings.HasPrefix(id, "PhysicalDrive") {
		return `\\.\` + id
	}
	return `\\.\PhysicalDrive` + id
}

// openRaw opens the physical drive unbuffered and write-through so sector
// writes reach the medium in order, bypassing the volume stack.
func openRaw(path string) (*os.File, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	h, err := windows.CreateFile(
		p,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_NO_BUFFERING|windows.FILE_FLAG_WRITE_THROUGH,
		0,
	)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return os.NewFile(uintptr(h), path), nil
}

// unmount dismounts every volume on the device named by id so raw writes
// do not race the filesystem driver.
func unmount(id string) error {
	devices, err := storage.Search(id, 0, 0, false)
	if err != nil {
		return fmt.Errorf("storage.Search(%q) returned %v: %w", id, err, ErrNotFound)
	}
	for _, d := range devices {
		if err := d.Dismount(); err != nil {
			return fmt.Errorf("dismount of %q returned %v: %w", d.Identifier(), err, ErrOpenFailed)
		}
	}
	return nil
}
