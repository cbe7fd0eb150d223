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

//go:build linux
// +build linux

package device

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/google/logger"
	"golang.org/x/sys/unix"
)

// mountsPath lists the mounts consulted during unmount, injectable for
// testing.
var mountsPath = "/proc/self/mounts"

// rawPath maps a device identifier to its /dev node. Identifiers that are
// already absolute paths pass through unchanged.
func rawPath(id string) string {
	if strings.HasPrefix(id, "/") {
		return id
	}
	return "/dev/" + id
}

// openRaw opens the block device with O_EXCL, which the kernel honors for
// block devices by refusing the open while any partition is mounted.
func openRaw(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_EXCL, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return os.NewFile(uintptr(fd), path), nil
}

// partitionOf reports whether source is dev itself or one of its
// partitions. A bare prefix match is not enough: unmounting sda must not
// touch sdab1. Partition names append digits, with nvme-style devices
// inserting a "p" separator.
func partitionOf(source, dev string) bool {
	if !strings.HasPrefix(source, dev) {
		return false
	}
	rest := strings.TrimPrefix(source, dev)
	if rest == "" {
		return true
	}
	if rest[0] == 'p' {
		rest = rest[1:]
	}
	if rest == "" {
		return false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// unmount detaches every mounted filesystem backed by the device named by
// id, including its partitions.
func unmount(id string) error {
	dev := rawPath(id)
	f, err := os.Open(mountsPath)
	if err != nil {
		return fmt.Errorf("os.Open(%q) returned %v: %w", mountsPath, err, ErrOpenFailed)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 2 || !partitionOf(fields[0], dev) {
			continue
		}
		logger.V(1).Infof("Unmounting %q from %q.", fields[0], fields[1])
		if err := unix.Unmount(fields[1], 0); err != nil {
			if err == unix.EPERM || err == unix.EACCES {
				return fmt.Errorf("unmount of %q returned %v: %w", fields[1], err, ErrPermissionDenied)
			}
			return fmt.Errorf("unmount of %q returned %v: %w", fields[1], err, ErrOpenFailed)
		}
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("reading %q returned: %v", mountsPath, err)
	}
	return nil
}
