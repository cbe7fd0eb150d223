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

// Package format implements the format subcommand for writing a fresh FAT32
// filesystem to a removable storage device.
package format

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
	"github.com/google/winops/storage"
	"github.com/spruceos/imagewriter/cli/config"
	"github.com/spruceos/imagewriter/cli/console"
	"github.com/spruceos/imagewriter/cli/device"
	"github.com/spruceos/imagewriter/cli/fat32"
	"github.com/spruceos/imagewriter/cli/progress"
)

const maxLabelLen = 11

var (
	binaryName string

	// Wrapped errors for testing.
	errDevice    = errors.New(`device error`)
	errElevation = errors.New(`elevation error`)
	errFormat    = errors.New(`format error`)
	errInput     = errors.New(`input error`)
	errSearch    = errors.New(`search error`)

	// Dependency injections for testing.
	execute     = run
	search      = storage.Search
	openHandle  = rawOpen
	unmountFunc = device.Unmount
	formatFunc  = formatTarget
)

func init() {
	binaryName = filepath.Base(strings.ReplaceAll(os.Args[0], `.exe`, ``))
	subcommands.Register(&formatCmd{}, "")
}

// formatCmd represents the format subcommand.
type formatCmd struct {
	// label is the volume label stamped into the new filesystem.
	label string

	// warning provides a confirmation prompt before the device is
	// overwritten. It defaults to true.
	warning bool

	// info causes console messages to be displayed with debugging information
	// included.
	info bool
}

// Ensure formatCmd implements the subcommands.Command interface.
var _ subcommands.Command = (*formatCmd)(nil)

// Name returns the name of the subcommand.
func (*formatCmd) Name() string {
	return "format"
}

// Synopsis returns a short string (less than one line) describing the subcommand.
func (*formatCmd) Synopsis() string {
	return "format a device with a fresh FAT32 filesystem"
}

// Usage returns a long string explaining the subcommand and its usage.
func (*formatCmd) Usage() string {
	return fmt.Sprintf(`format [flags...] [device]

Write a fresh FAT32 filesystem to a storage device. All existing contents
of the device are destroyed. This operation requires elevated permissions
such as 'sudo' on Linux or 'run as administrator' on Windows.

Flags:
  --label   - The volume label, at most 11 characters.
  --confirm - Display a confirmation prompt before the device is overwritten.

Example #1 (Linux): 'format storage device sdz with the label SPRUCE'
  '%s format --label=SPRUCE sdz'

Example #2 (Windows): 'format storage device 1'
  '%s format 1'

Defaults:
`, binaryName, binaryName)
}

// SetFlags adds the flags for this command to the specified set.
func (c *formatCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.label, "label", "UNTITLED", "the volume label, at most 11 characters")
	f.BoolVar(&c.warning, "confirm", true, "display a confirmation prompt before the device is overwritten")
	f.BoolVar(&c.info, "info", false, "display console messages with debugging information included")
}

// Execute runs the command and returns an ExitStatus.
func (c *formatCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
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
	console.Printf("Format completed successfully.")
	return subcommands.ExitSuccess
}

func run(ctx context.Context, c *formatCmd, id string) (err error) {
	if len(c.label) > maxLabelLen {
		return fmt.Errorf("label %q exceeds %d characters: %w", c.label, maxLabelLen, errInput)
	}
	elevated, err := config.IsElevatedCmd()
	if err != nil {
		return fmt.Errorf("elevation check returned %v: %w", err, errElevation)
	}
	if !elevated {
		return fmt.Errorf("elevated permissions are required to format a device, try again using 'sudo' (Linux) or 'run as administrator' (Windows): %w", errElevation)
	}

	// Resolve the device so its size is known before any writes occur.
	found, err := search(id, 0, 0, false)
	if err != nil {
		return fmt.Errorf("storage.Search(%q) returned %v: %w", id, err, errSearch)
	}
	if len(found) != 1 {
		return fmt.Errorf("device %q matched %d devices, want 1: %w", id, len(found), errDevice)
	}
	target := found[0]

	console.PrintDevices([]console.TargetDevice{target}, os.Stdout, false)
	if c.warning {
		if err := console.PromptUser(); err != nil {
			return fmt.Errorf("console.PromptUser() returned %v", err)
		}
	}

	if err := unmountFunc(id); err != nil {
		return fmt.Errorf("unmounting %q returned %v: %w", id, err, errDevice)
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

	console.Printf("Formatting device %q with label %q...", id, c.label)
	logger.V(1).Infof("Formatting device %q (%d bytes) with label %q.", id, target.Size(), c.label)
	if err := formatFunc(ctx, h, target.Size(), c.label); err != nil {
		return fmt.Errorf("formatting %q returned %v: %w", id, err, errFormat)
	}
	if err := h.Sync(); err != nil {
		return fmt.Errorf("sync of %q returned %v: %w", id, err, errDevice)
	}
	return nil
}

// rawTarget is the device surface the formatter writes through.
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

// formatTarget writes a FAT32 volume with console progress. It is aliased
// by formatFunc for testing purposes.
func formatTarget(ctx context.Context, t rawTarget, size uint64, label string) error {
	f := fat32.New()
	events := make(chan progress.Event, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		console.RenderEvents(events, os.Stdout)
	}()
	err := f.Format(ctx, t, size, label, events)
	close(events)
	wg.Wait()
	return err
}
