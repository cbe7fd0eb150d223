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
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewState(t *testing.T) {
	tests := []struct {
		desc      string
		totalSize uint64
		numChunks int
		want      []ChunkState
		err       error
	}{
		{
			desc:      "even split",
			totalSize: 10485760,
			numChunks: 4,
			want: []ChunkState{
				{Start: 0, End: 2621439},
				{Start: 2621440, End: 5242879},
				{Start: 5242880, End: 7864319},
				{Start: 7864320, End: 10485759},
			},
		},
		{
			desc:      "remainder goes to last chunk",
			totalSize: 10,
			numChunks: 3,
			want: []ChunkState{
				{Start: 0, End: 2},
				{Start: 3, End: 5},
				{Start: 6, End: 9},
			},
		},
		{
			desc:      "single chunk",
			totalSize: 100,
			numChunks: 1,
			want:      []ChunkState{{Start: 0, End: 99}},
		},
		{
			desc:      "zero chunks",
			totalSize: 100,
			numChunks: 0,
			err:       errChunkCount,
		},
		{
			desc:      "more chunks than bytes",
			totalSize: 3,
			numChunks: 8,
			err:       errChunkCount,
		},
	}
	for _, tt := range tests {
		st, err := NewState("http://example.com/img", tt.totalSize, "/tmp/img", tt.numChunks)
		if !errors.Is(err, tt.err) {
			t.Errorf("%s: NewState() err = %v, want %v", tt.desc, err, tt.err)
			continue
		}
		if err != nil {
			continue
		}
		if diff := cmp.Diff(tt.want, st.Chunks); diff != "" {
			t.Errorf("%s: NewState() produced unexpected chunks (-want +got):\n%s", tt.desc, diff)
		}
	}
}

func TestChunksCoverEveryByte(t *testing.T) {
	st, err := NewState("http://example.com/img", 10485760, "/tmp/img", 4)
	if err != nil {
		t.Fatalf("NewState() returned %v", err)
	}
	var covered uint64
	for i, c := range st.Chunks {
		if i > 0 && c.Start != st.Chunks[i-1].End+1 {
			t.Errorf("chunk %d starts at %d, want %d", i, c.Start, st.Chunks[i-1].End+1)
		}
		covered += c.End - c.Start + 1
	}
	if covered != st.TotalSize {
		t.Errorf("chunks cover %d bytes, want %d", covered, st.TotalSize)
	}
}

func TestMarkComplete(t *testing.T) {
	st, err := NewState("http://example.com/img", 100, "/tmp/img", 4)
	if err != nil {
		t.Fatalf("NewState() returned %v", err)
	}
	st.MarkComplete(1, 25)
	if !st.Chunks[1].Completed {
		t.Errorf("MarkComplete(1): chunk not marked completed")
	}
	if st.DownloadedBytes != 25 {
		t.Errorf("DownloadedBytes = %d, want 25", st.DownloadedBytes)
	}
	// Repeat marks must not double-count.
	st.MarkComplete(1, 25)
	if st.DownloadedBytes != 25 {
		t.Errorf("DownloadedBytes after repeat mark = %d, want 25", st.DownloadedBytes)
	}
	// Out of range indexes are ignored.
	st.MarkComplete(-1, 25)
	st.MarkComplete(4, 25)
	if st.DownloadedBytes != 25 {
		t.Errorf("DownloadedBytes after out-of-range marks = %d, want 25", st.DownloadedBytes)
	}
}

func TestIncompleteChunks(t *testing.T) {
	st, err := NewState("http://example.com/img", 100, "/tmp/img", 4)
	if err != nil {
		t.Fatalf("NewState() returned %v", err)
	}
	st.MarkComplete(2, 25)
	st.MarkComplete(0, 25)
	want := []int{1, 3}
	if diff := cmp.Diff(want, st.IncompleteChunks()); diff != "" {
		t.Errorf("IncompleteChunks() returned unexpected diff (-want +got):\n%s", diff)
	}
}

func TestCompletionPercentage(t *testing.T) {
	tests := []struct {
		desc      string
		totalSize uint64
		done      uint64
		want      float64
	}{
		{"empty", 0, 0, 0.0},
		{"half", 100, 50, 50.0},
		{"full", 100, 100, 100.0},
	}
	for _, tt := range tests {
		st := &State{TotalSize: tt.totalSize, DownloadedBytes: tt.done}
		if got := st.CompletionPercentage(); got != tt.want {
			t.Errorf("%s: CompletionPercentage() = %v, want %v", tt.desc, got, tt.want)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "image.img")
	st, err := NewState("http://example.com/img", 100, dest, 4)
	if err != nil {
		t.Fatalf("NewState() returned %v", err)
	}
	st.MarkComplete(0, 25)
	if err := st.Save(); err != nil {
		t.Fatalf("Save() returned %v", err)
	}
	got, err := Load(dest)
	if err != nil {
		t.Fatalf("Load() returned %v", err)
	}
	if diff := cmp.Diff(st, got); diff != "" {
		t.Errorf("Load() returned unexpected diff (-want +got):\n%s", diff)
	}
}

func TestLoadMissing(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "image.img")
	if _, err := Load(dest); !errors.Is(err, ErrNoState) {
		t.Errorf("Load() err = %v, want %v", err, ErrNoState)
	}
}

func TestLoadUnreadable(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "image.img")
	// A directory at the sidecar path makes the read fail for a reason
	// other than absence; that must not be reported as a missing sidecar.
	if err := os.Mkdir(StatePath(dest), 0755); err != nil {
		t.Fatalf("os.Mkdir() returned %v", err)
	}
	_, err := Load(dest)
	if !errors.Is(err, ErrStateRead) {
		t.Errorf("Load() err = %v, want %v", err, ErrStateRead)
	}
	if errors.Is(err, ErrNoState) {
		t.Errorf("Load() err = %v, must not match %v", err, ErrNoState)
	}
}

func TestLoadCorrupt(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "image.img")
	if err := os.WriteFile(StatePath(dest), []byte("not json{"), 0644); err != nil {
		t.Fatalf("os.WriteFile() returned %v", err)
	}
	if _, err := Load(dest); !errors.Is(err, ErrCorruptState) {
		t.Errorf("Load() err = %v, want %v", err, ErrCorruptState)
	}
}

func TestRemove(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "image.img")
	st, err := NewState("http://example.com/img", 100, dest, 2)
	if err != nil {
		t.Fatalf("NewState() returned %v", err)
	}
	if err := st.Save(); err != nil {
		t.Fatalf("Save() returned %v", err)
	}
	if err := Remove(dest); err != nil {
		t.Errorf("Remove() returned %v", err)
	}
	if _, err := os.Stat(StatePath(dest)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("sidecar still present after Remove(): stat err = %v", err)
	}
	// Removing an absent sidecar is not an error.
	if err := Remove(dest); err != nil {
		t.Errorf("Remove() of absent sidecar returned %v", err)
	}
}

func TestStatePath(t *testing.T) {
	got := StatePath(filepath.Join("downloads", "image.img"))
	want := filepath.Join("downloads", "image.img.partial")
	if got != want {
		t.Errorf("StatePath() = %q, want %q", got, want)
	}
}
