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

package download

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// ErrNoState indicates that no resumable state sidecar exists for a
	// destination. Callers treat it as "start fresh".
	ErrNoState = errors.New("no download state")

	// ErrCorruptState indicates that a sidecar exists but cannot be parsed.
	// A corrupt sidecar is never silently discarded; the caller must decide.
	ErrCorruptState = errors.New("corrupt download state")

	// ErrStateRead indicates that a sidecar could not be read for a reason
	// other than absence, such as a permission problem. Resuming must not
	// mistake it for a fresh start.
	ErrStateRead = errors.New("unreadable download state")

	errChunkCount = errors.New("invalid chunk count")
)

// ChunkState records the completion status of one contiguous byte range of
// a transfer. Start and End are inclusive offsets into the destination.
type ChunkState struct {
	Start     uint64 `json:"start"`
	End       uint64 `json:"end"`
	Completed bool   `json:"completed"`
}

// State is the resumable transfer record persisted beside a download
// destination. It is owned by a single downloader for the lifetime of one
// transfer and saved after every chunk completion, so that a crash or
// restart can resume without refetching completed ranges.
type State struct {
	URL             string       `json:"url"`
	TotalSize       uint64       `json:"total_size"`
	DestPath        string       `json:"dest_path"`
	Chunks          []ChunkState `json:"chunks"`
	DownloadedBytes uint64       `json:"downloaded_bytes"`
}

// NewState partitions totalSize bytes into numChunks contiguous ranges and
// returns the fresh state for a transfer to dest. The ranges are sorted,
// non-overlapping and cover exactly [0, totalSize); the last chunk absorbs
// the remainder of the integer division.
func NewState(url string, totalSize uint64, dest string, numChunks int) (*State, error) {
	if numChunks < 1 {
		return nil, fmt.Errorf("numChunks(%d) must be at least 1: %w", numChunks, errChunkCount)
	}
	if totalSize < uint64(numChunks) {
		return nil, fmt.Errorf("totalSize(%d) is smaller than numChunks(%d): %w", totalSize, numChunks, errChunkCount)
	}
	chunkSize := totalSize / uint64(numChunks)
	chunks := make([]ChunkState, numChunks)
	for i := range chunks {
		start := uint64(i) * chunkSize
		end := start + chunkSize - 1
		if i == numChunks-1 {
			end = totalSize - 1
		}
		chunks[i] = ChunkState{Start: start, End: end}
	}
	return &State{
		URL:       url,
		TotalSize: totalSize,
		DestPath:  dest,
		Chunks:    chunks,
	}, nil
}

// StatePath returns the sidecar file path for a download destination.
func StatePath(dest string) string {
	return filepath.Join(filepath.Dir(dest), filepath.Base(dest)+".partial")
}

// Load reads the sidecar for dest. It returns ErrNoState when no sidecar
// exists, ErrStateRead when one exists but cannot be read, and
// ErrCorruptState when one exists but does not parse.
func Load(dest string) (*State, error) {
	b, err := os.ReadFile(StatePath(dest))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w for %q", ErrNoState, dest)
	}
	if err != nil {
		return nil, fmt.Errorf("os.ReadFile(%q) returned %v: %w", StatePath(dest), err, ErrStateRead)
	}
	s := &State{}
	if err := json.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("json.Unmarshal of %q returned %v: %w", StatePath(dest), err, ErrCorruptState)
	}
	return s, nil
}

// Save persists the state to its sidecar file.
func (s *State) Save() error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("json.MarshalIndent returned: %v", err)
	}
	// Permissions = owner:read/write, group:read"
	if err := os.WriteFile(StatePath(s.DestPath), b, 0644); err != nil {
		return fmt.Errorf("os.WriteFile(%q) returned: %v", StatePath(s.DestPath), err)
	}
	return nil
}

// Remove deletes the sidecar for dest if one exists. A missing sidecar is
// not an error.
func Remove(dest string) error {
	if err := os.Remove(StatePath(dest)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("os.Remove(%q) returned: %v", StatePath(dest), err)
	}
	return nil
}

// MarkComplete records chunk i as downloaded and credits its bytes to
// DownloadedBytes. Marking an already-completed chunk again is a no-op, so
// DownloadedBytes never double-counts.
func (s *State) MarkComplete(i int, bytes uint64) {
	if i < 0 || i >= len(s.Chunks) {
		return
	}
	if s.Chunks[i].Completed {
		return
	}
	s.Chunks[i].Completed = true
	s.DownloadedBytes += bytes
}

// IncompleteChunks returns the indices of chunks not yet downloaded, in
// ascending order. This order defines the fetch and retry order.
func (s *State) IncompleteChunks() []int {
	var idx []int
	for i, c := range s.Chunks {
		if !c.Completed {
			idx = append(idx, i)
		}
	}
	return idx
}

// CompletionPercentage returns the transfer completion in the range 0-100.
// A zero TotalSize reports 0 rather than a division fault.
func (s *State) CompletionPercentage() float64 {
	if s.TotalSize == 0 {
		return 0.0
	}
	return float64(s.DownloadedBytes) / float64(s.TotalSize) * 100.0
}
