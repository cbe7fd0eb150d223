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

// Package burn implements the burn subcommand for writing a local image
// file to a removable storage device and verifying the written bytes.
package burn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"flag"
	"github.com/google/logger"
	"github.com/google/subcommands"
	imgburn "github.com/spruceos/imagewriter/cli/burn"
	"github.com/spruceos/imagewriter/cli/config"
	"github.com/spruceos/imagewriter/cli/console"
	"github.com/spruceos/imagewriter/cli/device"
	"github.com/spruceos/imagewriter/cli/progress"
)

var (
	binaryName string

	// Wrapped errors for testing.
	errBurn      = errors.New(`burn error`)
	errDevice    = errors.New(`device error`)
	errElevation = errors.New(`elevation error`)
	errInput     = errors.New(`input error`)

	// Dependency injections for testing.
	execute     = run
	openHandle  = rawOpen
	unmountFunc = device.Unmount
	burnFunc    = burnTarget
)

func init() {
	binaryName = filepath.Base(strings.ReplaceAll(os.Args[0], `.exe`, ``))
	subcommands.Register(&burnCmd{}, "")
}

// burnCmd represents the burn subcommand.
type burnCmd struct {
	// image is the path of the image file to write. Files ending in .gz are
	// decompressed transparently while writing.
	image string

	// warning provides a confirmation prompt before the device is
	// overwritten. It defaults to true.
	warning bool

	// info causes console messages to be displayed with debugging information
	// included.
	info bool
}

// Ensure burnCmd implements the subcommands.Command interface.
var _ subcommands.Command = (*burnCmd)(nil)

// Name returns the name of the subcommand.
func (*burnCmd) Name() string {
	return "burn"
}

// Synopsis returns a short string (less than one line) describing the subcommand.
func (*burnCmd) Synopsis() string {
	return "write a local image file to a device and verify it"
}

// Usage returns a long string explaining the subcommand and its usage.
func (*burnCmd) Usage() string {
	return fmt.Sprintf(`burn [flags...] [device]

Write a local image file to a storage device and verify the written bytes
by reading them back. All existing contents of the device are destroyed.
This operation requires elevated permissions such as 'sudo' on Linux or
'run as administrator' on Windows.

Flags:
  --image   - The path of the image file to write (.img or .img.gz).
  --confirm - Display a confirmation prompt before the device is overwritten.

Example #1 (Linux): 'burn a downloaded image to storage device sdz'
  '%s burn --image=spruce.img.gz sdz'

Example #2 (Windows): 'burn an uncompressed image to storage device 1'
  '%s burn --image=spruce.img 1'

Defaults:
`, binaryName, binaryName)
}

// SetFlags adds the flags for this command to the specified set.
func (c *burnCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.image, "image", "", "the path of the image file to write")
	f.BoolVar(&c.warning, "confirm", true, "display a confirmation prompt before the device is overwritten")
	f.BoolVar(&c.info, "info", false, "display console messages with debugging information included")
}

// Execute runs the command and returns an ExitStatus.
func (c *burnCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.info {
		console.Verbose = true
	}
	if f.NArg() != 1 {
		logger.Errorf("A single device must be specified.\nUse the 'list' command to list available devices.\nusage: %s %s\n", os.Args[0], c.Usage())
		return subcommands.ExitUsageError
	}
	if err := execute(ctx, c, f.Arg(0)); err != nil {
		logger.Error(err)
		return subcommands.ExitFailure
	}
	console.Printf("Burn completed successfully.")
	return subcommands.ExitSuccess
}

func run(ctx context.Context, c *burnCmd, id string) (err error) {
	if c.image == "" {
		return fmt.Errorf("an image file must be specified with --image: %w", errInput)
	}
	if _, err := os.Stat(c.image); err != nil {
		return fmt.Errorf("os.Stat(%q) returned %v: %w", c.image, err, errInput)
	}
	elevated, err := config.IsElevatedCmd()
	if err != nil {
		return fmt.Errorf("elevation check returned %v: %w", err, errElevation)
	}
	if !elevated {
		return fmt.Errorf("elevated permissions are required to burn an image, try again using 'sudo' (Linux) or 'run as administrator' (Windows): %w", errElevation)
	}

	if c.warning {
		console.Printf("Device %q will be overwritten with %q.", id, c.image)
		if err := console.PromptUser(); err != nil {
			return fmt.Errorf("console.PromptUser() returned %v", err)
		}
	}

	h, err := openHandle(id)
	if err != nil {
		return fmt.Errorf("opening device %q returned %v: %w", id, err, errDevice)
	}
	defer func() {
		if err2 := h.Close(); err2 != nil && err == nil {
			err = fmt.Errorf("closing device %q returned %v: %w", id, err2, errDevice)
		}
	}()

	console.Printf("Burning %q to device %q...", c.image, id)
	logger.V(1).Infof("Burning %q to device %q.", c.image, id)
	if err := burnFunc(ctx, c.image, h, id); err != nil {
		return fmt.Errorf("burning %q to %q returned %v: %w", c.image, id, err, errBurn)
	}
	if err := h.Sync(); err != nil {
		return fmt.Errorf("sync of %q returned %v: %w", id, err, errDevice)
	}
	return nil
}

// rawTarget is the device surface the burner writes through and verifies
// against.
type rawTarget interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Close() error
}

// rawOpen wraps device.Open in the rawTarget interface.
func rawOpen(id string) (rawTarget, error) {
	return device.Open(id)
}

// burnTarget burns an image with console progress. It is aliased by
// burnFunc for testing purposes.
func burnTarget(ctx context.Context, path string, t rawTarget, id string) error {
	b := &imgburn.Burner{Unmount: func() error { return unmountFunc(id) }}
	events := make(chan progress.Event, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		console.RenderEvents(events, os.Stdout)
	}()
	err := b.Burn(ctx, path, t, events)
	close(events)
	wg.Wait()
	return err
}
