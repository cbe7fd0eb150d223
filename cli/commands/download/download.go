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

// Package download implements the download subcommand for fetching an image
// over HTTP(S) or Cloud Storage with resume support.
package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"flag"
	"github.com/google/logger"
	"github.com/google/subcommands"
	"github.com/spruceos/imagewriter/cli/console"
	dl "github.com/spruceos/imagewriter/cli/download"
	"github.com/spruceos/imagewriter/cli/progress"
)

var (
	binaryName string

	// Wrapped errors for testing.
	errDownload = errors.New(`download error`)
	errInput    = errors.New(`input error`)
	errSize     = errors.New(`size error`)

	// Dependency injections for testing.
	execute   = run
	probeSize = fetchSize
	fetch     = fetchURL
)

func init() {
	binaryName = filepath.Base(strings.ReplaceAll(os.Args[0], `.exe`, ``))
	subcommands.Register(&downloadCmd{}, "")
}

// downloadCmd represents the download subcommand.
type downloadCmd struct {
	// output is the destination path for the downloaded file. When empty,
	// the file is saved under its remote name in the working directory.
	output string

	// chunks is the number of ranges the transfer is split into when the
	// remote end supports ranged reads.
	chunks int

	// size is the expected size of the remote file in bytes. When zero, the
	// size is probed from the remote end before the transfer starts.
	size uint64

	// info causes console messages to be displayed with debugging information
	// included.
	info bool
}

// Ensure downloadCmd implements the subcommands.Command interface.
var _ subcommands.Command = (*downloadCmd)(nil)

// Name returns the name of the subcommand.
func (*downloadCmd) Name() string {
	return "download"
}

// Synopsis returns a short string (less than one line) describing the subcommand.
func (*downloadCmd) Synopsis() string {
	return "download a file with resume support"
}

// Usage returns a long string explaining the subcommand and its usage.
func (*downloadCmd) Usage() string {
	return fmt.Sprintf(`download [flags...] [url]

Download a file over HTTP(S) or Cloud Storage (gs://) with resume support.
An interrupted transfer leaves a sidecar file next to the destination;
running the same download again resumes where it left off.

Flags:
  --output [path] - The destination path. Defaults to the remote file name.
  --chunks [int]  - The number of ranges to split the transfer into.
  --size [int]    - The expected file size in bytes. Probed when omitted.

Example #1: Download an image into the working directory.
  '%s download https://example.com/images/spruce.img.gz'

Example #2: Download a Cloud Storage object to a specific path.
  '%s download --output=/tmp/spruce.img.gz gs://spruce-images/spruce.img.gz'

Defaults:
`, binaryName, binaryName)
}

// SetFlags adds the flags for this command to the specified set.
func (c *downloadCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.output, "output", "", "destination path for the downloaded file")
	f.IntVar(&c.chunks, "chunks", dl.DefaultChunks, "number of ranges to split the transfer into")
	f.Uint64Var(&c.size, "size", 0, "expected file size in bytes, probed when omitted")
	f.BoolVar(&c.info, "info", false, "display console messages with debugging information included")
}

// Execute runs the command and returns an ExitStatus.
func (c *downloadCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.info {
		console.Verbose = true
	}
	if f.NArg() != 1 {
		logger.Errorf("A single url must be specified.\nusage: %s %s\n", os.Args[0], c.Usage())
		return subcommands.ExitUsageError
	}
	if err := execute(ctx, c, f.Arg(0)); err != nil {
		logger.Error(err)
		return subcommands.ExitFailure
	}
	console.Printf("Download completed successfully.")
	return subcommands.ExitSuccess
}

func run(ctx context.Context, c *downloadCmd, rawURL string) error {
	if c.chunks < 1 {
		return fmt.Errorf("chunks(%d) must be at least 1: %w", c.chunks, errInput)
	}
	dest := c.output
	if dest == "" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return fmt.Errorf("url.Parse(%q) returned %v: %w", rawURL, err, errInput)
		}
		dest = path.Base(u.Path)
		if dest == "." || dest == "/" {
			return fmt.Errorf("cannot derive a file name from %q, use --output: %w", rawURL, errInput)
		}
	}
	size := c.size
	if size == 0 {
		var err error
		if size, err = probeSize(ctx, rawURL, c.chunks); err != nil {
			return fmt.Errorf("probing size of %q returned %v: %w", rawURL, err, errSize)
		}
	}
	console.Printf("Downloading %s ->\n    %s", rawURL, dest)
	logger.V(1).Infof("Downloading %s (%d bytes) to %s with %d chunks.", rawURL, size, dest, c.chunks)
	if err := fetch(ctx, rawURL, size, dest, c.chunks); err != nil {
		return fmt.Errorf("download of %q returned %v: %w", rawURL, err, errDownload)
	}
	return nil
}

// fetchSize probes the remote file size. It is aliased by probeSize for
// testing purposes.
func fetchSize(ctx context.Context, url string, chunks int) (uint64, error) {
	return dl.NewWithChunks(&http.Client{}, chunks).Size(ctx, url)
}

// fetchURL downloads url to dest with console progress. It is aliased by
// fetch for testing purposes.
func fetchURL(ctx context.Context, url string, size uint64, dest string, chunks int) error {
	d := dl.NewWithChunks(&http.Client{}, chunks)
	events := make(chan progress.Event, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		console.RenderEvents(events, os.Stdout)
	}()
	err := d.Download(ctx, url, size, dest, events)
	close(events)
	wg.Wait()
	return err
}
