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

package config

import "golang.org/x/sys/unix"

var (
	// IsElevatedCmd injects the command to determine the elevation state of the
	// user context.
	IsElevatedCmd = isRoot
)

// isRoot reports whether the process runs with the effective privileges
// needed for raw block-device access.
func isRoot() (bool, error) {
	return unix.Geteuid() == 0, nil
}
