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

package config

import "fmt"

// defaultChunks is the ranged connection count used when no override sets
// one.
const defaultChunks = 8

var (
	// distributions configures the image distributions this tool can
	// provision.
	distributions = map[string]distribution{
		"stable": {
			name:     "SpruceOS stable",
			repo:     "spruceos/spruce",
			label:    "SPRUCE",
			assetExt: ".img.gz",
		},
		"nightly": {
			name:     "SpruceOS nightly",
			repo:     "spruceos/spruce-nightly",
			label:    "SPRUCE",
			assetExt: ".img.gz",
		},
	}

	// ErrUSBwriteAccess contains the error message visible to users when
	// raw device write access is forbidden.
	ErrUSBwriteAccess = fmt.Errorf("re-run elevated (sudo or administrator) to write to removable media")
)
