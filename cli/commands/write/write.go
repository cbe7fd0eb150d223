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

// Package write implements the write subcommand for provisioning an image
// onto removable storage devices.
package write

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"flag"
	"github.com/google/logger"
	"github.com/google/subcommands"
	"github.com/google/winops/storage"
	"github.com/spruceos/imagewriter/cli/config"
	"github.com/spruceos/imagewriter/cli/console"
	"github.com/spruceos/imagewriter/cli/installer"
)

const (
	oneGB   int = 1073741824 // Represents one GB of data.
	minSize int = 2          // The default minimum size for available storage.
)

var (
	binaryName string

	// Wrapped errors for testing.
	errConfig    = errors.New(`config error`)
	errDevice    = errors.New(`device error`)
	errInstaller = errors.New(`installer error`)
	errElevation = errors.New(`elevation error`)
	errFinalize  = errors.New(`finalize error`)
	errPrepare   = errors.New(`prepare error`)
	errProvision = errors.New(`provision error`)
	errRetrieve  = errors.New(`retrieve error`)
	errSearch    = errors.New(`search error`)

	// Dependency injections for testing.
	execute      = run
	search       = storageSearch
	newInstaller = installerNew
)

func init() {
	binaryName = filepath.Base(strings.ReplaceAll(os.Args[0], `.exe`, ``))

	// write registers aliases to allow simpler interactions at the command
	// line. An alternate name and a default distribution is provided for each
	// alias, eliminating the need to provide a value for the distro flag. A
	// default subcommand of write with no defaults is always provided.
	//
	// e.g. 'imagewriter nightly sdc' instead of 'imagewriter write -distro=nightly sdc'.
	subcommands.Register(&writeCmd{name: "write"}, "")
	subcommands.Register(&writeCmd{name: "stable", distro: "stable"}, "")
	subcommands.Register(&writeCmd{name: "nightly", distro: "nightly"}, "")
}

// writeCmd is the write subcommand to download and write an image to
// available storage devices.
type writeCmd struct {
	// name is the name of the write command.
	name string

	// allDrives determines whether the image is written to all suitable
	// devices. If true, specified devices are not used.
	allDrives bool

	// cleanup determines whether cached files generated during provisioning
	// are cleaned up after provisioning. Defaults to true.
	cleanup bool

	// distro specifies the OS distribution to be provisioned onto selected
	// devices. The available values are determined by the config package.
	// The write subcommand can be initialized with a default value present
	// in distro to eliminate the need to pass the distro flag when running
	// the command.
	distro string

	// override specifies the path of an optional YAML configuration file that
	// overrides the source repository, volume label, asset extension, or
	// download concurrency for the chosen distribution.
	override string

	// warning provides a confirmation prompt before devices are overwritten.
	// It defaults to true.
	warning bool

	// eject powers off and ejects a device after writing the image. The default
	// value is specified when the subcommand is initialized.
	eject bool

	// info causes console messages to be displayed with debugging information
	// included.
	info bool

	// v controls the level of log verbosity. It defaults to 1, and higher levels
	// increase the info logging that is provided.
	v int

	// verbose is a convenience control that turns log verbosity up to the
	// maximum. It is most often used for simplicity when troubleshooting.
	verbose bool

	// listFixed determines whether we want to consider fixed drives when
	// determining available devices. It is defaulted to false by flag.
	// If listFixed is specified, the all flag is disallowed.
	listFixed bool

	// minSize is the minimum size device to search for in GB. For convenience,
	// this value is defaulted to minSize.
	minSize int

	// maxSize is the largest size device to search for in GB. For convenience,
	// this value is set to 'no limit (0)' by default by flag.
	maxSize int
}

// Ensure writeCmd implements the subcommands.Command interface.
var _ subcommands.Command = (*writeCmd)(nil)

// Name returns the name of the subcommand.
func (c *writeCmd) Name() string {
	return c.name
}

// Synopsis returns a short string (less than one line) describing the subcommand.
func (c *writeCmd) Synopsis() string {
	d := c.distro
	if d == "" {
		d = "specific (see -distro flag)"
	}
	return fmt.Sprintf("Provision the %s image to devices", d)
}

// Usage returns a long string explaining the subcommand and giving usage information.
func (c *writeCmd) Usage() string {
	return fmt.Sprintf(`%s [flags...] [device(s)...]

Download and provision an image to one or more storage devices.
This operation requires elevated permissions such as 'sudo' on Linux or
'run as administrator' on Windows.

Flags:
  --all      - Provision all suitable devices that are attached to this system.
  --a        - Alias for --all
  --cleanup  - Cleanup cached files after provisioning completes.
  --eject    - Eject/PowerOff devices after provisioning completes.
  --confirm  - Display a confirmation prompt before devices are overwritten.
  --distro   - The distribution to be provisioned, 'stable' or 'nightly'.
  --override - Path to a YAML file overriding the distribution defaults.
  --info     - Display console messages with debugging information included.
  --verbose  - Increase info log verbosity to maximum, used as an alias for '--v 5'.
  --v        - Controls the level of info log verbosity.

  --show_fixed    - Includes fixed disks when searching for suitable devices.
  --minimum [int] - The minimum size in GB to consider when searching.
  --maximum [int] - The maximum size in GB to consider when searching.

Use the 'list' command to list available devices or use the '--all' flag to
write to all suitable devices.

Example #1 (Linux): 'provision the stable image on storage devices sdy and sdz'
  - '%s stable sdy sdz'

Example #2 (Windows): 'provision the stable image on storage device 1'
  - '%s stable 1'

Example #3 (Windows): 'provision the nightly image on all storage devices'
  - '%s nightly -all'

Example #4 (Linux): 'provision a custom build described by an override file'
  - '%s write -distro=stable -override=custom.yaml sdz'

Defaults:
`, c.name, binaryName, binaryName, binaryName, binaryName)
}

// SetFlags adds the flags for this command to the specified set.
func (c *writeCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.allDrives, "all", false, "write the image to all suitable storage devices")
	f.BoolVar(&c.allDrives, "a", false, "write the image to all suitable flash drives (shorthand)")
	f.BoolVar(&c.cleanup, "cleanup", true, "cleanup cached files after provisioning is complete")
	f.BoolVar(&c.eject, "eject", c.eject, "eject/power-off devices after provisioning is complete")
	f.BoolVar(&c.warning, "confirm", true, "display a confirmation prompt before storage devices are overwritten")
	f.StringVar(&c.distro, "distro", c.distro, "the distribution to be provisioned, 'stable' or 'nightly'")
	f.StringVar(&c.override, "override", "", "path to a YAML file overriding the distribution defaults")
	f.BoolVar(&c.info, "info", false, "display console messages with debugging information included")
	f.IntVar(&c.v, "v", 1, "controls the level of info log verbosity")
	f.BoolVar(&c.verbose, "verbose", false, "increase info log verbosity to maximum, alias for '-v 5'")
	// Search related flags.
	f.BoolVar(&c.listFixed, "show_fixed", false, "also consider fixed drives, cannot be combined with --all")
	f.IntVar(&c.minSize, "minimum", minSize, "minimum size [in GB] of drives to consider as available")
	f.IntVar(&c.maxSize, "maximum", 0, "maximum size [in GB] of drives to consider as available")
}

// imageInstaller represents installer.Installer.
type imageInstaller interface {
	Cache() string
	Finalize([]installer.Device) error
	Retrieve(context.Context) error
	Prepare(installer.Device) error
	Provision(context.Context, installer.Device) error
}

// Execute executes the command and returns an ExitStatus.
func (c *writeCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) (exitStatus subcommands.ExitStatus) {
	// Enable turning verbosity up past log.V(1) for the cli with a single bool
	// flag to retain flag equivalence with similar tooling on Windows. To avoid
	// excessive verbosity, V is only increased for local libraries.
	if c.verbose {
		c.v = 5
	}
	if c.info || c.v > 1 {
		console.Verbose = true
	}

	// Initialize logging with the bare binary name as the source.
	lp := filepath.Join(os.TempDir(), fmt.Sprintf(`%s.log`, binaryName))
	lf, err := os.OpenFile(lp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0660)
	if err != nil {
		logger.Errorf("Failed to open log file: %v", err)
		return subcommands.ExitFailure
	}
	defer lf.Close()
	defer logger.Init(binaryName, console.Verbose, true, lf).Close()
	logger.SetLevel(logger.Level(c.v))

	logger.V(1).Infof("%s is initializing.\n", binaryName)

	// Check if any devices were specified.
	if f.NArg() == 0 && !c.allDrives {
		logger.Errorf("No devices were specified.\n"+
			"Use the 'list' command to list available devices or use the '--all' flag to write to all suitable devices.\n"+
			"usage: %s %s\n", os.Args[0], c.Usage())
		return subcommands.ExitUsageError
	}

	// Setting both all and listFixed is not allowed to protect users from
	// unintentional wiping of their fixed (os) disks.
	if c.allDrives && c.listFixed {
		logger.Errorln("Only one of '--all' or '--show_fixed' is allowed.")
		return subcommands.ExitFailure
	}

	// We now know we have a valid list of devices to provision, and we can
	// begin provisioning.
	if err = execute(ctx, c, f); err != nil {
		logger.Error(err)
		logger.Errorf("%s completed with errors.", binaryName)
		return subcommands.ExitFailure
	}

	console.Printf("%s completed successfully.", binaryName)
	logger.V(1).Infof("%s completed successfully.", binaryName)
	return subcommands.ExitSuccess
}

func run(ctx context.Context, c *writeCmd, f *flag.FlagSet) (err error) {
	// Generate a writer configuration.
	conf, err := config.New(c.cleanup, c.warning, c.eject, f.Args(), c.distro, c.override)
	if err != nil {
		return fmt.Errorf("config.New(cleanup: %t, warning: %t, eject: %t, devices: %v, distro: %s, override: %s) returned %v: %w",
			c.cleanup, c.warning, c.eject, f.Args(), c.distro, c.override, err, errConfig)
	}
	// Writing to raw devices requires elevated permissions.
	if !conf.Elevated() {
		return fmt.Errorf("elevated permissions are required to use the %q command, try again using 'sudo' (Linux) or 'run as administrator' (Windows): %w", c.name, errElevation)
	}

	// Pull a list of suitable devices.
	console.Printf("Searching for available devices... ")
	logger.V(1).Infof("Searching for available devices... ")
	available, err := search("", uint64(c.minSize*oneGB), uint64(c.maxSize*oneGB), !c.listFixed)
	if err != nil {
		return fmt.Errorf("search returned %v: %w", err, errSearch)
	}

	// If the --all flag was specified, update the target list.
	if c.allDrives {
		all := []string{}
		for _, d := range available {
			all = append(all, d.Identifier())
		}
		conf.UpdateDevices(all)
	}

	// Build a simple map of available devices for lookups.
	verified := make(map[string]installer.Device)
	for _, d := range available {
		verified[d.Identifier()] = d
	}
	// Check if the requested devices are available and build a list of targets.
	targets := []installer.Device{}
	for _, t := range conf.Devices() {
		d, ok := verified[t]
		if !ok {
			return fmt.Errorf("requested device %q is not suitable for provisioning, available devices %v: %w", t, verified, errDevice)
		}
		targets = append(targets, d)
	}

	logger.V(3).Infof("Configuration to be applied:\n%s", conf)
	console.Printf("The following devices will be provisioned with the latest %s image:\n", conf.Distro())
	logger.V(2).Infof("Devices %v will be provisioned with the latest %s image.\n", conf.Devices(), conf.Distro())

	// Wrap targets in the interface required for the prompt.
	devices := []console.TargetDevice{}
	for _, device := range targets {
		devices = append(devices, device)
	}
	// Display information about the device(s) and warn the user.
	console.PrintDevices(devices, os.Stdout, false)
	if conf.Warning() {
		if err := console.PromptUser(); err != nil {
			return fmt.Errorf("console.PromptUser() returned %v", err)
		}
	}

	// Initialize the installer.
	i, err := newInstaller(conf)
	if err != nil {
		return fmt.Errorf("installer.New() returned %v: %w", err, errInstaller)
	}

	// Defer power-off and cleanup. Finalize only performs these actions if
	// configuration states to do so. Cleanup is performed only after the last
	// device has been finalized.
	defer func(devices []installer.Device) {
		if err2 := i.Finalize(devices); err2 != nil {
			if err == nil {
				err = fmt.Errorf("Finalize() returned %v: %w", err2, errFinalize)
			} else {
				err = fmt.Errorf("%v\nFinalize() returned %v: %w", err, err2, errFinalize)
			}
		}
	}(targets)

	// Retrieve the image. This step occurs only once for n>0 devices.
	console.Printf("\nRetrieving image...\n    %s ->\n    %s", conf.Repo(), i.Cache())
	logger.V(1).Infof("Retrieving image...\n    %s ->\n    %s\n\n", conf.Repo(), i.Cache())
	if err := i.Retrieve(ctx); err != nil {
		return fmt.Errorf("Retrieve() returned %v: %w", err, errRetrieve)
	}
	// Prepare and provision devices. This step occurs once per device.
	for _, device := range targets {
		console.Printf("\nPreparing device %q...", device.Identifier())
		logger.V(1).Infof("Preparing device %q...", device.Identifier())
		if err := i.Prepare(device); err != nil {
			return fmt.Errorf("Prepare(%q) returned %v: %w", device.FriendlyName(), err, errPrepare)
		}
		console.Printf("Provisioning device %q...", device.Identifier())
		logger.V(1).Infof("Provisioning device %q...", device.Identifier())
		if err := i.Provision(ctx, device); err != nil {
			return fmt.Errorf("Provision(%q) returned %v: %w", device.FriendlyName(), err, errProvision)
		}
	}
	return nil
}

// storageSearch wraps storage.Search and returns an appropriate interface.
func storageSearch(deviceID string, minSize, maxSize uint64, removableOnly bool) ([]installer.Device, error) {
	devices, err := storage.Search(deviceID, minSize, maxSize, removableOnly)
	if err != nil {
		return nil, fmt.Errorf("storage.Search(%s, %d, %d, %t) returned %v", deviceID, minSize, maxSize, removableOnly, err)
	}
	// Wrap storage.Device in installer.Device.
	results := []installer.Device{}
	for _, d := range devices {
		results = append(results, d)
	}
	return results, nil
}

// installerNew wraps installer.New and returns an appropriate interface.
func installerNew(config installer.Configuration) (imageInstaller, error) {
	return installer.New(config)
}
