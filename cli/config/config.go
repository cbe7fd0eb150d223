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

// Package config parses flags and returns a configuration for provisioning
// removable media with an OS image.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v2"
)

const (
	// maxLabelLen is the longest volume label FAT32 can carry.
	maxLabelLen = 11

	// UserAgent identifies this tool to release feeds.
	UserAgent = "spruceos-imagewriter"
)

var (
	// Wrapped errors for testing.
	errDistro    = errors.New("distribution selection error")
	errDevice    = errors.New("device error")
	errElevation = errors.New("elevation detection error")
	errInput     = errors.New("invalid or missing input")
	errLabel     = errors.New("volume label error")
	errOverride  = errors.New("override file error")

	// Regex Matching
	regExDeviceID = regexp.MustCompile(`^[a-zA-Z0-9/\\.]+$`)
	regExRepo     = regexp.MustCompile(`^[\w.-]+/[\w.-]+$`)
)

// distribution defines an OS image distribution and where its releases are
// published.
type distribution struct {
	name     string // Friendly name: e.g. SpruceOS stable.
	repo     string // Release feed repository in owner/name form.
	label    string // Volume label applied to formatted media.
	assetExt string // Extension of the image asset within a release.
}

// override carries the optional user-supplied yaml file that adjusts a
// built-in distribution without rebuilding the binary.
type override struct {
	Repo     string `yaml:"repo"`
	Label    string `yaml:"label"`
	AssetExt string `yaml:"asset_ext"`
	Chunks   int    `yaml:"download_chunks"`
}

// Configuration represents the state of all flags and selections provided
// by the user when the binary is invoked.
type Configuration struct {
	cleanup  bool
	devices  []string
	distro   *distribution
	eject    bool
	elevated bool // If the user is running elevated.
	chunks   int
	warning  bool
}

// New generates a new configuration from flags passed on the command line.
// It performs sanity checks on those parameters. overridePath may name a
// yaml file adjusting the chosen distribution; an empty path skips the
// override step.
func New(cleanup, warning, eject bool, devices []string, distro, overridePath string) (*Configuration, error) {
	conf := &Configuration{
		cleanup: cleanup,
		warning: warning,
		eject:   eject,
	}
	if len(devices) > 0 {
		if err := conf.addDeviceList(devices); err != nil {
			return nil, fmt.Errorf("addDeviceList(%q) returned %w", devices, err)
		}
	}
	if err := conf.addDistro(distro); err != nil {
		return nil, fmt.Errorf("addDistro(%q) returned %w", distro, err)
	}
	if err := conf.applyOverride(overridePath); err != nil {
		return nil, err
	}
	if len(conf.distro.label) > maxLabelLen {
		return nil, fmt.Errorf("label %q exceeds %d characters: %w", conf.distro.label, maxLabelLen, errLabel)
	}
	elevated, err := isElevated()
	if err != nil {
		return nil, fmt.Errorf("isElevated() returned %v: %w", err, errElevation)
	}
	conf.elevated = elevated

	return conf, nil
}

func (c *Configuration) addDistro(choice string) error {
	distro, ok := distributions[choice]
	if !ok {
		var opts []string
		for o := range distributions {
			opts = append(opts, o)
		}
		return fmt.Errorf("image %q is not in %v: %w", choice, opts, errDistro)
	}
	if !regExRepo.MatchString(distro.repo) {
		return fmt.Errorf("repository %q is not in owner/name form: %w", distro.repo, errInput)
	}
	c.distro = &distro
	return nil
}

// addDeviceList sanity checks the provided devices and adds them to the
// configuration or returns an error.
func (c *Configuration) addDeviceList(devices []string) error {
	if len(devices) < 1 {
		return fmt.Errorf("no devices were specified: %w", errInput)
	}
	// Check that the device IDs appear valid. Throw an error if a partition
	// or drive letter was specified.
	for _, d := range devices {
		if !regExDeviceID.MatchString(d) {
			return fmt.Errorf("device(%q) must be a device ID (sda[#]), number(1-9) or disk identifier(disk[#]): %w", d, errDevice)
		}
	}
	c.devices = devices
	return nil
}

// applyOverride loads the yaml override at path and folds it into the
// chosen distribution. Unset override fields leave the built-in values
// standing.
func (c *Configuration) applyOverride(path string) error {
	if path == "" {
		c.chunks = defaultChunks
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("os.ReadFile(%q) returned %v: %w", path, err, errOverride)
	}
	var o override
	if err := yaml.UnmarshalStrict(b, &o); err != nil {
		return fmt.Errorf("parsing %q returned %v: %w", path, err, errOverride)
	}
	if o.Repo != "" {
		if !regExRepo.MatchString(o.Repo) {
			return fmt.Errorf("override repository %q is not in owner/name form: %w", o.Repo, errInput)
		}
		c.distro.repo = o.Repo
	}
	if o.Label != "" {
		c.distro.label = o.Label
	}
	if o.AssetExt != "" {
		c.distro.assetExt = o.AssetExt
	}
	c.chunks = defaultChunks
	if o.Chunks != 0 {
		if o.Chunks < 1 {
			return fmt.Errorf("override download_chunks %d must be positive: %w", o.Chunks, errInput)
		}
		c.chunks = o.Chunks
	}
	return nil
}

// Distro returns the name of the selected distribution, or blank if none
// has been selected.
func (c *Configuration) Distro() string {
	return c.distro.name
}

// Repo returns the release feed repository of the selected distribution.
func (c *Configuration) Repo() string {
	return c.distro.repo
}

// Label returns the volume label that should be used for media provisioned
// with the selected distribution. Can be empty.
func (c *Configuration) Label() string {
	return c.distro.label
}

// AssetExt returns the file extension used to pick the image asset out of
// a release.
func (c *Configuration) AssetExt() string {
	return c.distro.assetExt
}

// Chunks returns how many ranged connections a download may use.
func (c *Configuration) Chunks() int {
	return c.chunks
}

// Cleanup returns whether or not the cleanup of temp files was requested
// by flag.
func (c *Configuration) Cleanup() bool {
	return c.cleanup
}

// Devices returns the devices to be provisioned.
func (c *Configuration) Devices() []string {
	return c.devices
}

// UpdateDevices updates the list of devices to be provisioned.
func (c *Configuration) UpdateDevices(newDevices []string) {
	c.devices = newDevices
}

// Eject returns whether or not devices should be ejected after write
// operations.
func (c *Configuration) Eject() bool {
	return c.eject
}

// Warning returns whether or not a warning should be presented prior to
// destructive operations.
func (c *Configuration) Warning() bool {
	return c.warning
}

// Elevated identifies if the user is running the binary with elevated
// permissions.
func (c *Configuration) Elevated() bool {
	return c.elevated
}

// String implements the fmt.Stringer interface. This allows config to be
// passed to logging for a human-readable display of the selected
// configuration.
func (c *Configuration) String() string {
	return fmt.Sprintf(`  Configuration:
  -------------
  Cleanup     : %t
  Elevated    : %t
  Warning     : %t

  Distribution: %q
  Repository  : %q
  Label       : %q
  AssetExt    : %q
  Chunks      : %d

  Targets     : %v
  Eject       : %t`,
		c.Cleanup(),
		c.Elevated(),
		c.Warning(),
		c.Distro(),
		c.Repo(),
		c.Label(),
		c.AssetExt(),
		c.Chunks(),
		c.Devices(),
		c.Eject())
}

// isElevated determines if the current user is running the binary with
// elevated permissions, such as 'sudo' (Linux) or 'run as administrator'
// (Windows).
func isElevated() (bool, error) {
	return IsElevatedCmd()
}
