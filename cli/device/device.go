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

// Package device opens raw block devices for direct sector-level access.
// It distinguishes permission failures from other open failures so callers
// can tell users to re-run elevated instead of reporting a generic error.
package device

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// DefaultUnmountTimeout bounds how long an unmount may block before it is
// abandoned. Slow media flushing dirty pages can stall an unmount for a
// while, but not indefinitely.
const DefaultUnmountTimeout = 30 * time.Second

var (
	// ErrPermissionDenied reports that the device exists but the process
	// lacks the privilege to open it raw.
	ErrPermissionDenied = errors.New("permission denied opening device")

	// ErrNotFound reports that no device exists at the given identifier.
	ErrNotFound = errors.New("device not found")

	// ErrOpenFailed reports any other failure to acquire a raw handle,
	// such as the device being busy.
	ErrOpenFailed = errors.New("device open failed")

	// ErrTimeout reports that an unmount did not finish within its
	// deadline.
	ErrTimeout = errors.New("unmount timed out")

	// Dependency injection for testing.
	unmountDevice = unmount
)

// Unmount detaches every mounted filesystem backed by the device named by
// id, waiting at most DefaultUnmountTimeout. It is a no-op when nothing
// is mounted.
func Unmount(id string) error {
	return UnmountTimeout(id, DefaultUnmountTimeout)
}

// UnmountTimeout is Unmount with a caller-supplied deadline. A timed-out
// unmount keeps running in the background; the device must not be written
// until a later unmount attempt succeeds.
func UnmountTimeout(id string, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- unmountDevice(id) }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("unmount of %q did not finish within %s: %w", id, timeout, ErrTimeout)
	}
}

// Handle is an exclusive raw handle to a block device. It is acquired
// immediately before a write sequence and must be closed on every exit
// path; handles are never cached across operations.
type Handle struct {
	path string
	f    *os.File
}

// Open acquires a raw handle to the block device named by id. The id is
// platform-specific: a /dev node on Linux and macOS, a PhysicalDrive
// number or path on Windows.
func Open(id string) (*Handle, error) {
	path := rawPath(id)
	f, err := openRaw(path)
	switch {
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("open of %q returned %v: %w", path, err, ErrPermissionDenied)
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("open of %q returned %v: %w", path, err, ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("open of %q returned %v: %w", path, err, ErrOpenFailed)
	}
	return &Handle{path: path, f: f}, nil
}

// Path returns the raw device path the handle was opened on.
func (h *Handle) Path() string {
	return h.path
}

// WriteAt implements io.WriterAt against the raw device.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	return h.f.WriteAt(p, off)
}

// ReadAt implements io.ReaderAt against the raw device.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	return h.f.ReadAt(p, off)
}

// Sync flushes buffered device writes to the medium.
func (h *Handle) Sync() error {
	return h.f.Sync()
}

// Close releases the raw handle.
func (h *Handle) Close() error {
	return h.f.Close()
}
