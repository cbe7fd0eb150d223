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

// Package burn writes raw disk images to block devices and verifies the
// result. Every write is followed by a read-back pass; a burn that is not
// verified is treated as a failed burn.
package burn

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/logger"
	"github.com/spruceos/imagewriter/cli/progress"
)

// ChunkSize is the unit of both device writes and verification windows.
const ChunkSize = 4 * 1024 * 1024

var (
	// ErrVerify reports that read-back device contents did not match what
	// was written. The device is unusable until reburned.
	ErrVerify = errors.New("verification mismatch")

	// Wrapped errors for testing.
	errImage   = errors.New("image open error")
	errDevice  = errors.New("device i/o error")
	errUnmount = errors.New("unmount error")
)

// Target is the device surface a burn needs: positioned writes for the
// image and positioned reads for verification.
type Target interface {
	io.ReaderAt
	io.WriterAt
}

// VerifyError details a verification mismatch, localized to the byte
// window whose hash differed.
type VerifyError struct {
	// Start and End bound the device byte range containing the mismatch,
	// inclusive of Start and exclusive of End.
	Start, End uint64
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("device bytes %d-%d do not match the image", e.Start, e.End)
}

func (e *VerifyError) Unwrap() error {
	return ErrVerify
}

// Burner writes an image to a device chunk by chunk and verifies the
// written bytes against per-chunk hashes recorded during the write.
type Burner struct {
	// Unmount detaches the device's filesystems before writing. A nil
	// Unmount skips the step for targets with nothing mounted.
	Unmount func() error
}

// Burn writes the image at path to t and verifies it. Images ending in
// .gz are decompressed while streaming; the device receives the
// uncompressed bytes. Cancellation is honored between chunks; a cancelled
// or failed burn leaves the device partially written and non-bootable,
// and the caller must reformat or reburn before using it.
func (b *Burner) Burn(ctx context.Context, path string, t Target, events chan<- progress.Event) error {
	progress.Post(events, progress.Event{Kind: progress.Started})
	err := b.burn(ctx, path, t, events)
	switch {
	case errors.Is(err, context.Canceled):
		progress.Post(events, progress.Event{Kind: progress.Cancelled})
	case err != nil:
		progress.Post(events, progress.Event{Kind: progress.Error, Err: err})
	default:
		progress.Post(events, progress.Event{Kind: progress.Completed})
	}
	return err
}

func (b *Burner) burn(ctx context.Context, path string, t Target, events chan<- progress.Event) error {
	src, total, err := openImage(path)
	if err != nil {
		return err
	}
	defer src.Close()

	if b.Unmount != nil {
		if err := b.Unmount(); err != nil {
			return fmt.Errorf("unmount before write returned %v: %w", err, errUnmount)
		}
	}

	sums, written, err := write(ctx, src, t, total, events)
	if err != nil {
		return err
	}
	logger.V(1).Infof("Wrote %s to device, verifying.", humanize.Bytes(written))
	return verify(ctx, t, sums, written, events)
}

// openImage opens the source image, transparently decompressing gzip
// archives. The returned total is the byte count the device will receive,
// or 0 when it cannot be known up front.
func openImage(path string) (io.ReadCloser, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("os.Open(%q) returned %v: %w", path, err, errImage)
	}
	if !strings.HasSuffix(path, ".gz") {
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("stat of %q returned %v: %w", path, err, errImage)
		}
		return f, uint64(fi.Size()), nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("gzip.NewReader(%q) returned %v: %w", path, err, errImage)
	}
	// The uncompressed size is unknown until the stream ends.
	return &gzImage{gz: gz, f: f}, 0, nil
}

type gzImage struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzImage) Read(p []byte) (int, error) {
	return g.gz.Read(p)
}

func (g *gzImage) Close() error {
	g.gz.Close()
	return g.f.Close()
}

// write streams src to t in ChunkSize units, recording the hash of each
// chunk for the verify pass. It returns the recorded hashes and the total
// bytes written.
func write(ctx context.Context, src io.Reader, t Target, total uint64, events chan<- progress.Event) ([][sha256.Size]byte, uint64, error) {
	buf := make([]byte, ChunkSize)
	var sums [][sha256.Size]byte
	var written uint64
	for {
		if err := ctx.Err(); err != nil {
			return nil, written, err
		}
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := t.WriteAt(chunk, int64(written)); werr != nil {
				return nil, written, fmt.Errorf("write at %d returned %v: %w", written, werr, errDevice)
			}
			sums = append(sums, sha256.Sum256(chunk))
			written += uint64(n)
			progress.Post(events, progress.Event{Kind: progress.Writing, Done: written, Total: total})
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return sums, written, nil
		}
		if err != nil {
			return nil, written, fmt.Errorf("image read at %d returned %v: %w", written, err, errImage)
		}
	}
}

// verify reads the written region back chunk by chunk and compares each
// chunk's hash against the one recorded during the write.
func verify(ctx context.Context, t Target, sums [][sha256.Size]byte, written uint64, events chan<- progress.Event) error {
	buf := make([]byte, ChunkSize)
	var offset uint64
	for i, want := range sums {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := offset + ChunkSize
		if end > written {
			end = written
		}
		chunk := buf[:end-offset]
		if _, err := t.ReadAt(chunk, int64(offset)); err != nil {
			return fmt.Errorf("read-back at %d returned %v: %w", offset, err, errDevice)
		}
		if got := sha256.Sum256(chunk); !bytes.Equal(got[:], want[:]) {
			return fmt.Errorf("chunk %d: %w", i, &VerifyError{Start: offset, End: end})
		}
		offset = end
		progress.Post(events, progress.Event{Kind: progress.Verifying, Done: offset, Total: written})
	}
	return nil
}
