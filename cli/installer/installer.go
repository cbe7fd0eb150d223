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

// Package installer provides a uniform, cross-platform implementation for
// provisioning removable media with an OS image: it retrieves the image
// from the release feed, prepares the target device, writes the image and
// verifies the result.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/logger"
	"github.com/spruceos/imagewriter/cli/burn"
	"github.com/spruceos/imagewriter/cli/console"
	"github.com/spruceos/imagewriter/cli/device"
	"github.com/spruceos/imagewriter/cli/download"
	"github.com/spruceos/imagewriter/cli/fat32"
	"github.com/spruceos/imagewriter/cli/progress"
	"github.com/spruceos/imagewriter/cli/release"
	"github.com/spruceos/imagewriter/models"
)

var (
	// Dependency injections for testing.
	httpClient    httpDoer = &http.Client{}
	latestRelease          = fetchLatest
	downloadAsset          = fetchAsset
	openHandle             = rawOpen
	unmountFunc            = device.Unmount
	formatFunc             = formatTarget
	burnFunc               = burnTarget
	cacheDir               = userCacheDir

	// Wrapped errors for testing.
	errCache     = errors.New("missing cache")
	errConfig    = errors.New("invalid config")
	errDownload  = errors.New("download error")
	errDevice    = errors.New("device error")
	errElevation = errors.New("elevation is required for this operation")
	errFinalize  = errors.New("finalize error")
	errFormat    = errors.New("format error")
	errInput     = errors.New("input error")
	errPath      = errors.New("path error")
	errProvision = errors.New("provisioning error")
	errRelease   = errors.New("release error")
)

// httpDoer represents an http client that can retrieve files with the Do
// method.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Configuration represents config.Configuration.
type Configuration interface {
	Repo() string
	AssetExt() string
	Label() string
	Chunks() int
	Cleanup() bool
	Eject() bool
	Elevated() bool
}

// Device represents storage.Device.
type Device interface {
	Eject() error
	FriendlyName() string
	Identifier() string
	Size() uint64
}

// rawTarget is the raw device surface provisioning writes through.
type rawTarget interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Close() error
}

// Installer represents an operating system image installer.
type Installer struct {
	cache  string        // The path where downloaded images are cached.
	config Configuration // The configuration for this installer.
	asset  *models.Asset // The release asset chosen during Retrieve.
}

// New generates a new Installer from a configuration, with all the
// information needed to provision available devices. The image cache is a
// stable per-user directory rather than a temp dir so interrupted
// downloads resume across invocations.
func New(config Configuration) (*Installer, error) {
	if config == nil {
		return nil, errConfig
	}
	cache, err := cacheDir()
	if err != nil {
		return nil, fmt.Errorf("cache directory lookup returned %v: %w", err, errCache)
	}
	if err := os.MkdirAll(cache, 0755); err != nil {
		return nil, fmt.Errorf("os.MkdirAll(%q) returned %v: %w", cache, err, errCache)
	}
	return &Installer{
		cache:  cache,
		config: config,
	}, nil
}

func userCacheDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "imagewriter"), nil
}

// Retrieve resolves the latest release for the configured distribution and
// downloads its image asset into the cache, resuming a previous partial
// transfer when one is present.
func (i *Installer) Retrieve(ctx context.Context) error {
	if i.cache == "" {
		return errCache
	}
	if i.config.Repo() == "" {
		return fmt.Errorf("%w: missing release repository", errConfig)
	}
	rel, err := latestRelease(ctx, i.config.Repo())
	if err != nil {
		return fmt.Errorf("release lookup for %q returned %v: %w", i.config.Repo(), err, errRelease)
	}
	asset, err := release.ImageAsset(rel, i.config.AssetExt())
	if err != nil {
		return fmt.Errorf("%v: %w", err, errRelease)
	}
	i.asset = asset

	dest := filepath.Join(i.cache, asset.Name)
	console.Printf("Retrieving %s (%s) from release %s.", asset.Name, humanize.Bytes(asset.Size), rel.TagName)
	logger.V(1).Infof("Downloading %q (%d bytes) to %q.", asset.DownloadURL, asset.Size, dest)
	if err := downloadAsset(ctx, asset, dest, i.config.Chunks()); err != nil {
		return fmt.Errorf("download of %q returned %v: %w", asset.DownloadURL, err, errDownload)
	}
	return nil
}

// ImageFile returns the cached path of the retrieved image, or an empty
// string before Retrieve has run.
func (i *Installer) ImageFile() string {
	if i.asset == nil {
		return ""
	}
	return filepath.Join(i.cache, i.asset.Name)
}

// Prepare takes a device and prepares it for provisioning. Raw image
// writes only require the device's filesystems to be detached so the
// operating system cannot race the direct writes.
func (i *Installer) Prepare(d Device) error {
	if i.config == nil {
		return errConfig
	}
	if !i.config.Elevated() {
		return errElevation
	}
	logger.V(2).Infof("Unmounting %q before provisioning.", d.Identifier())
	if err := unmountFunc(d.Identifier()); err != nil {
		return fmt.Errorf("unmount of %q returned %v: %w", d.Identifier(), err, errDevice)
	}
	return nil
}

// Provision takes a device and provisions it with the retrieved image.
// Raw images (.img, optionally gzip-compressed) are burned and verified
// directly; archive images get a fresh FAT32 volume to receive their
// contents.
func (i *Installer) Provision(ctx context.Context, d Device) error {
	if i.config == nil {
		return errConfig
	}
	if i.cache == "" {
		return errCache
	}
	path := i.ImageFile()
	if path == "" {
		return fmt.Errorf("no image has been retrieved: %w", errInput)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("os.Stat(%q) returned %v: %w", path, err, errPath)
	}

	name := strings.TrimSuffix(i.asset.Name, ".gz")
	switch {
	case strings.HasSuffix(name, ".img"):
		return i.provisionRaw(ctx, d, path)
	case strings.HasSuffix(name, ".zip") || strings.HasSuffix(name, ".7z"):
		return i.provisionArchive(ctx, d)
	}
	return fmt.Errorf("%q is not a supported image type: %w", i.asset.Name, errProvision)
}

// provisionRaw burns a raw disk image onto the device and verifies the
// written bytes.
func (i *Installer) provisionRaw(ctx context.Context, d Device, path string) (err error) {
	logger.V(2).Infof("Opening %q for raw writes.", d.Identifier())
	t, err := openHandle(d.Identifier())
	if err != nil {
		return fmt.Errorf("opening %q returned %v: %w", d.Identifier(), err, errDevice)
	}
	defer func() {
		if err2 := t.Close(); err2 != nil && err == nil {
			err = fmt.Errorf("closing %q returned %v: %w", d.Identifier(), err2, errDevice)
		}
	}()

	console.Printf("Writing %s to %s (%s).", filepath.Base(path), d.FriendlyName(), humanize.Bytes(d.Size()))
	if err := burnFunc(ctx, path, t, d.Identifier()); err != nil {
		return fmt.Errorf("burn of %q returned %v: %w", path, err, errProvision)
	}
	if err := t.Sync(); err != nil {
		return fmt.Errorf("sync of %q returned %v: %w", d.Identifier(), err, errDevice)
	}
	return nil
}

// provisionArchive lays down a fresh FAT32 volume sized to the device so
// archive contents can be copied onto it afterwards.
func (i *Installer) provisionArchive(ctx context.Context, d Device) (err error) {
	logger.V(2).Infof("Opening %q for formatting.", d.Identifier())
	t, err := openHandle(d.Identifier())
	if err != nil {
		return fmt.Errorf("opening %q returned %v: %w", d.Identifier(), err, errDevice)
	}
	defer func() {
		if err2 := t.Close(); err2 != nil && err == nil {
			err = fmt.Errorf("closing %q returned %v: %w", d.Identifier(), err2, errDevice)
		}
	}()

	console.Printf("Formatting %s (%s) as FAT32 with label %q.", d.FriendlyName(), humanize.Bytes(d.Size()), i.config.Label())
	if err := formatFunc(ctx, t, d.Size(), i.config.Label()); err != nil {
		return fmt.Errorf("format of %q returned %v: %w", d.Identifier(), err, errFormat)
	}
	if err := t.Sync(); err != nil {
		return fmt.Errorf("sync of %q returned %v: %w", d.Identifier(), err, errDevice)
	}
	return nil
}

// Finalize performs post-provisioning tasks for the given devices. Devices
// are ejected when the configuration asks for it, and the image cache is
// removed when cleanup was requested.
func (i *Installer) Finalize(devices []Device) error {
	for _, d := range devices {
		if i.config.Eject() {
			console.Printf("Ejecting device %q.", d.Identifier())
			logger.V(2).Infof("Ejecting device %q.", d.Identifier())
			if err := d.Eject(); err != nil {
				return fmt.Errorf("Eject(%s) returned %v: %w", d.Identifier(), err, errFinalize)
			}
		}
	}
	if !i.config.Cleanup() {
		return nil
	}
	logger.V(2).Infof("Cleaning up image cache %q.", i.cache)
	if err := os.RemoveAll(i.cache); err != nil {
		return fmt.Errorf("os.RemoveAll(%s) returned %v: %w", i.cache, err, errPath)
	}
	return nil
}

// Cache returns the location of the cache folder for a given installer.
func (i *Installer) Cache() string {
	return i.cache
}

// fetchLatest wraps the release feed lookup. It is aliased by
// latestRelease for testing purposes.
func fetchLatest(ctx context.Context, repo string) (*models.Release, error) {
	feed := release.New(httpClient, "spruceos-imagewriter")
	return feed.Latest(ctx, repo)
}

// fetchAsset downloads a release asset with console progress. It is
// aliased by downloadAsset for testing purposes.
func fetchAsset(ctx context.Context, asset *models.Asset, dest string, chunks int) error {
	d := download.NewWithChunks(httpClient, chunks)
	return withProgress(func(events chan<- progress.Event) error {
		return d.Download(ctx, asset.DownloadURL, asset.Size, dest, events)
	})
}

// formatTarget writes a FAT32 volume with console progress. It is aliased
// by formatFunc for testing purposes.
func formatTarget(ctx context.Context, t rawTarget, size uint64, label string) error {
	f := fat32.New()
	return withProgress(func(events chan<- progress.Event) error {
		return f.Format(ctx, t, size, label, events)
	})
}

// burnTarget burns an image with console progress. It is aliased by
// burnFunc for testing purposes.
func burnTarget(ctx context.Context, path string, t rawTarget, id string) error {
	b := &burn.Burner{Unmount: func() error { return unmountFunc(id) }}
	return withProgress(func(events chan<- progress.Event) error {
		return b.Burn(ctx, path, t, events)
	})
}

// rawOpen wraps device.Open in the rawTarget interface.
func rawOpen(id string) (rawTarget, error) {
	return device.Open(id)
}

// withProgress runs op while rendering its progress events to the console,
// and returns op's outcome once the renderer has drained the channel.
func withProgress(op func(chan<- progress.Event) error) error {
	events := make(chan progress.Event, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		console.RenderEvents(events, os.Stdout)
	}()
	err := op(events)
	close(events)
	wg.Wait()
	return err
}
