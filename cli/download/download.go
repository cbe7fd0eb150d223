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

// Package download implements resumable chunked retrieval of release
// images. A transfer is split into contiguous byte ranges whose completion
// is tracked in a sidecar file beside the destination, so an interrupted
// transfer resumes where it stopped instead of starting over.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/logger"
	"github.com/spruceos/imagewriter/cli/progress"
)

const (
	// DefaultChunks is the number of ranged chunks a transfer is split into
	// when the server supports range requests.
	DefaultChunks = 8

	// copyBufSize is the read buffer size. Progress is reported once per
	// filled buffer, so this also bounds progress granularity.
	copyBufSize = 256 * 1024
)

var (
	// ErrCancelled reports that a transfer stopped at the caller's request.
	// The destination file and its sidecar are left in place so the next
	// attempt can resume.
	ErrCancelled = errors.New("download cancelled")

	// Wrapped errors for testing.
	errTransport = errors.New("transport error")
	errStatus    = errors.New("invalid status code")
	errFile      = errors.New("file error")
	errShort     = errors.New("short chunk")
)

// Downloader fetches a remote resource range-by-range into a destination
// file. One Downloader processes one destination at a time; concurrent
// downloaders for the same destination are not supported.
type Downloader struct {
	client httpDoer
	chunks int
}

// New returns a Downloader using the provided http client and the default
// chunk count.
func New(client httpDoer) *Downloader {
	return &Downloader{client: client, chunks: DefaultChunks}
}

// NewWithChunks returns a Downloader splitting transfers into numChunks
// ranges.
func NewWithChunks(client httpDoer, numChunks int) *Downloader {
	return &Downloader{client: client, chunks: numChunks}
}

// Size reports the total size in bytes of the resource at url. It is used
// when a caller has no out-of-band size, such as a bare url given at the
// command line.
func (d *Downloader) Size(ctx context.Context, url string) (uint64, error) {
	src, err := newSource(ctx, d.client, url)
	if err != nil {
		return 0, err
	}
	return src.size(ctx)
}

// Download retrieves url into dest, resuming a previous transfer when a
// matching sidecar is present. size is the expected resource size in bytes
// and must match a sidecar for it to be resumed; a mismatched sidecar is
// stale and replaced by a fresh transfer. Progress events are posted to
// events best-effort; the final event is one of Completed, Cancelled or
// Error. On success the sidecar is deleted and dest holds the complete
// resource.
func (d *Downloader) Download(ctx context.Context, url string, size uint64, dest string, events chan<- progress.Event) error {
	progress.Post(events, progress.Event{Kind: progress.Started, Total: size})
	err := d.download(ctx, url, size, dest, events)
	switch {
	case errors.Is(err, ErrCancelled):
		progress.Post(events, progress.Event{Kind: progress.Cancelled})
	case err != nil:
		progress.Post(events, progress.Event{Kind: progress.Error, Err: err})
	default:
		progress.Post(events, progress.Event{Kind: progress.Completed, Done: size, Total: size})
	}
	return err
}

func (d *Downloader) download(ctx context.Context, url string, size uint64, dest string, events chan<- progress.Event) error {
	st, err := d.resumeOrFresh(url, size, dest)
	if err != nil {
		return err
	}

	src, err := newSource(ctx, d.client, url)
	if err != nil {
		return err
	}
	ranged, err := src.supportsRange(ctx)
	if err != nil {
		return err
	}
	if !ranged {
		logger.V(1).Infof("%q does not accept range requests, falling back to a single transfer.", url)
		return d.single(ctx, src, size, dest, events)
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("os.OpenFile(%q) returned %v: %w", dest, err, errFile)
	}
	defer f.Close()
	// Pre-allocate so chunk writes at arbitrary offsets cannot sparse-fail
	// midway through the transfer.
	if err := f.Truncate(int64(size)); err != nil {
		return fmt.Errorf("truncate of %q to %d returned %v: %w", dest, size, err, errFile)
	}
	// Persist the plan up front so an interruption during the first chunk
	// still leaves a resumable sidecar.
	if err := st.Save(); err != nil {
		return fmt.Errorf("saving initial state returned: %v", err)
	}

	for _, i := range st.IncompleteChunks() {
		if ctx.Err() != nil {
			return fmt.Errorf("%w before chunk %d", ErrCancelled, i)
		}
		n, err := d.fetchChunk(ctx, src, f, st, i, events)
		if err != nil {
			// The destination and sidecar survive cancellation: resumability
			// depends on them.
			if ctx.Err() != nil {
				return fmt.Errorf("%w during chunk %d", ErrCancelled, i)
			}
			return fmt.Errorf("chunk %d of %q: %w", i, url, err)
		}
		st.MarkComplete(i, n)
		if err := st.Save(); err != nil {
			return fmt.Errorf("saving state after chunk %d returned: %v", i, err)
		}
		logger.V(2).Infof("Chunk %d of %q complete (%0.1f%%).", i, dest, st.CompletionPercentage())
	}

	if err := Remove(dest); err != nil {
		return err
	}
	return nil
}

// resumeOrFresh loads a sidecar for dest and decides whether to resume it.
// A missing sidecar or one recorded for a different url or size yields a
// fresh state; a corrupt sidecar is surfaced to the caller unchanged.
func (d *Downloader) resumeOrFresh(url string, size uint64, dest string) (*State, error) {
	st, err := Load(dest)
	switch {
	case errors.Is(err, ErrNoState):
		st = nil
	case err != nil:
		return nil, err
	}
	if st != nil && (st.URL != url || st.TotalSize != size) {
		logger.V(1).Infof("Sidecar for %q is stale (url or size mismatch), starting fresh.", dest)
		if err := Remove(dest); err != nil {
			return nil, err
		}
		st = nil
	}
	if st != nil {
		logger.V(1).Infof("Resuming %q at %0.1f%%.", dest, st.CompletionPercentage())
		return st, nil
	}
	return NewState(url, size, dest, d.chunks)
}

// fetchChunk streams chunk i directly to its offset in f and returns the
// number of bytes received. Cancellation races the in-flight read: the
// request carries ctx, so a cancel during a blocked read surfaces as a read
// error and ctx.Err() tells the caller which side won.
func (d *Downloader) fetchChunk(ctx context.Context, src source, f *os.File, st *State, i int, events chan<- progress.Event) (uint64, error) {
	c := st.Chunks[i]
	want := c.End - c.Start + 1
	rc, err := src.openRange(ctx, c.Start, c.End)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	buf := make([]byte, copyBufSize)
	var got uint64
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			if _, werr := f.WriteAt(buf[:n], int64(c.Start+got)); werr != nil {
				return got, fmt.Errorf("write at %d of %q returned %v: %w", c.Start+got, st.DestPath, werr, errFile)
			}
			got += uint64(n)
			progress.Post(events, progress.Event{
				Kind:  progress.Downloading,
				Done:  st.DownloadedBytes + got,
				Total: st.TotalSize,
			})
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return got, fmt.Errorf("read of range %d-%d returned %v: %w", c.Start, c.End, err, errTransport)
		}
	}
	if got != want {
		return got, fmt.Errorf("%w: range %d-%d returned %d bytes, want %d", errShort, c.Start, c.End, got, want)
	}
	return got, nil
}

// single performs a whole-body transfer for servers without range support.
// With no chunk context to resume from, cancellation deletes the partial
// destination instead of preserving it.
func (d *Downloader) single(ctx context.Context, src source, size uint64, dest string, events chan<- progress.Event) error {
	rc, err := src.open(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("os.Create(%q) returned %v: %w", dest, err, errFile)
	}
	defer f.Close()

	buf := make([]byte, copyBufSize)
	var got uint64
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write to %q returned %v: %w", dest, werr, errFile)
			}
			got += uint64(n)
			progress.Post(events, progress.Event{Kind: progress.Downloading, Done: got, Total: size})
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				f.Close()
				os.Remove(dest)
				return fmt.Errorf("%w after %d bytes", ErrCancelled, got)
			}
			return fmt.Errorf("read of %q returned %v: %w", dest, err, errTransport)
		}
	}
	// A stale sidecar from an earlier ranged attempt has no claim on the
	// finished artifact.
	return Remove(dest)
}
