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

package installer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spruceos/imagewriter/models"
)

// fakeConfig provides a test double for config.Configuration. Only the
// members needed by a given test are populated.
type fakeConfig struct {
	repo     string
	assetExt string
	label    string
	chunks   int
	cleanup  bool
	eject    bool
	elevated bool
}

func (f *fakeConfig) Repo() string     { return f.repo }
func (f *fakeConfig) AssetExt() string { return f.assetExt }
func (f *fakeConfig) Label() string    { return f.label }
func (f *fakeConfig) Chunks() int      { return f.chunks }
func (f *fakeConfig) Cleanup() bool    { return f.cleanup }
func (f *fakeConfig) Eject() bool      { return f.eject }
func (f *fakeConfig) Elevated() bool   { return f.elevated }

// fakeDevice provides a test double for storage.Device.
type fakeDevice struct {
	id       string
	name     string
	size     uint64
	ejectErr error
	ejected  bool
}

func (f *fakeDevice) Eject() error         { f.ejected = true; return f.ejectErr }
func (f *fakeDevice) FriendlyName() string { return f.name }
func (f *fakeDevice) Identifier() string   { return f.id }
func (f *fakeDevice) Size() uint64         { return f.size }

// fakeTarget provides a test double for the raw device handle.
type fakeTarget struct {
	syncErr  error
	closeErr error
	closed   bool
}

func (f *fakeTarget) ReadAt(p []byte, off int64) (int, error)  { return len(p), nil }
func (f *fakeTarget) WriteAt(p []byte, off int64) (int, error) { return len(p), nil }
func (f *fakeTarget) Sync() error                              { return f.syncErr }
func (f *fakeTarget) Close() error                             { f.closed = true; return f.closeErr }

// installerForTest builds an Installer backed by a temp cache with a
// retrieved asset already recorded.
func installerForTest(t *testing.T, conf *fakeConfig, assetName string) *Installer {
	t.Helper()
	cache := t.TempDir()
	i := &Installer{cache: cache, config: conf}
	if assetName != "" {
		i.asset = &models.Asset{Name: assetName, Size: 100}
		if err := os.WriteFile(filepath.Join(cache, assetName), []byte("image"), 0644); err != nil {
			t.Fatalf("os.WriteFile() returned %v", err)
		}
	}
	return i
}

func TestNew(t *testing.T) {
	tests := []struct {
		desc     string
		config   Configuration
		fakeDir  func() (string, error)
		want     error
	}{
		{
			desc:   "nil config",
			config: nil,
			want:   errConfig,
		},
		{
			desc:    "cache dir error",
			config:  &fakeConfig{},
			fakeDir: func() (string, error) { return "", errors.New("error") },
			want:    errCache,
		},
	}
	oldDir := cacheDir
	defer func() { cacheDir = oldDir }()
	for _, tt := range tests {
		if tt.fakeDir != nil {
			cacheDir = tt.fakeDir
		}
		if _, err := New(tt.config); !errors.Is(err, tt.want) {
			t.Errorf("%s: New() err = %v, want %v", tt.desc, err, tt.want)
		}
	}
}

func TestRetrieve(t *testing.T) {
	rel := &models.Release{
		TagName: "v1",
		Assets: []models.Asset{
			{Name: "spruce.img.gz", Size: 100, DownloadURL: "https://example.com/spruce.img.gz"},
		},
	}
	tests := []struct {
		desc         string
		config       *fakeConfig
		fakeRelease  func(context.Context, string) (*models.Release, error)
		fakeDownload func(context.Context, *models.Asset, string, int) error
		want         error
	}{
		{
			desc:   "missing repo",
			config: &fakeConfig{assetExt: ".img.gz"},
			want:   errConfig,
		},
		{
			desc:        "release lookup error",
			config:      &fakeConfig{repo: "o/r", assetExt: ".img.gz"},
			fakeRelease: func(context.Context, string) (*models.Release, error) { return nil, errors.New("error") },
			want:        errRelease,
		},
		{
			desc:        "no matching asset",
			config:      &fakeConfig{repo: "o/r", assetExt: ".7z"},
			fakeRelease: func(context.Context, string) (*models.Release, error) { return rel, nil },
			want:        errRelease,
		},
		{
			desc:         "download error",
			config:       &fakeConfig{repo: "o/r", assetExt: ".img.gz"},
			fakeRelease:  func(context.Context, string) (*models.Release, error) { return rel, nil },
			fakeDownload: func(context.Context, *models.Asset, string, int) error { return errors.New("error") },
			want:         errDownload,
		},
		{
			desc:         "success",
			config:       &fakeConfig{repo: "o/r", assetExt: ".img.gz"},
			fakeRelease:  func(context.Context, string) (*models.Release, error) { return rel, nil },
			fakeDownload: func(context.Context, *models.Asset, string, int) error { return nil },
			want:         nil,
		},
	}
	oldRelease, oldDownload := latestRelease, downloadAsset
	defer func() { latestRelease, downloadAsset = oldRelease, oldDownload }()
	for _, tt := range tests {
		latestRelease = tt.fakeRelease
		downloadAsset = tt.fakeDownload
		i := installerForTest(t, tt.config, "")
		if err := i.Retrieve(context.Background()); !errors.Is(err, tt.want) {
			t.Errorf("%s: Retrieve() err = %v, want %v", tt.desc, err, tt.want)
		}
	}
}

func TestPrepare(t *testing.T) {
	tests := []struct {
		desc        string
		config      *fakeConfig
		fakeUnmount func(string) error
		want        error
	}{
		{
			desc:   "not elevated",
			config: &fakeConfig{},
			want:   errElevation,
		},
		{
			desc:        "unmount error",
			config:      &fakeConfig{elevated: true},
			fakeUnmount: func(string) error { return errors.New("error") },
			want:        errDevice,
		},
		{
			desc:        "success",
			config:      &fakeConfig{elevated: true},
			fakeUnmount: func(string) error { return nil },
			want:        nil,
		},
	}
	oldUnmount := unmountFunc
	defer func() { unmountFunc = oldUnmount }()
	for _, tt := range tests {
		if tt.fakeUnmount != nil {
			unmountFunc = tt.fakeUnmount
		}
		i := installerForTest(t, tt.config, "")
		d := &fakeDevice{id: "disk1"}
		if err := i.Prepare(d); !errors.Is(err, tt.want) {
			t.Errorf("%s: Prepare() err = %v, want %v", tt.desc, err, tt.want)
		}
	}
}

func TestProvision(t *testing.T) {
	tests := []struct {
		desc       string
		asset      string
		config     *fakeConfig
		fakeOpen   func(string) (rawTarget, error)
		fakeBurn   func(context.Context, string, rawTarget, string) error
		fakeFormat func(context.Context, rawTarget, uint64, string) error
		want       error
	}{
		{
			desc:   "no image retrieved",
			asset:  "",
			config: &fakeConfig{},
			want:   errInput,
		},
		{
			desc:   "unsupported image type",
			asset:  "spruce.txt",
			config: &fakeConfig{},
			want:   errProvision,
		},
		{
			desc:     "open error",
			asset:    "spruce.img.gz",
			config:   &fakeConfig{},
			fakeOpen: func(string) (rawTarget, error) { return nil, errors.New("error") },
			want:     errDevice,
		},
		{
			desc:     "burn error",
			asset:    "spruce.img.gz",
			config:   &fakeConfig{},
			fakeOpen: func(string) (rawTarget, error) { return &fakeTarget{}, nil },
			fakeBurn: func(context.Context, string, rawTarget, string) error { return errors.New("error") },
			want:     errProvision,
		},
		{
			desc:     "raw image success",
			asset:    "spruce.img.gz",
			config:   &fakeConfig{},
			fakeOpen: func(string) (rawTarget, error) { return &fakeTarget{}, nil },
			fakeBurn: func(context.Context, string, rawTarget, string) error { return nil },
			want:     nil,
		},
		{
			desc:       "archive format error",
			asset:      "spruce.zip",
			config:     &fakeConfig{label: "SPRUCE"},
			fakeOpen:   func(string) (rawTarget, error) { return &fakeTarget{}, nil },
			fakeFormat: func(context.Context, rawTarget, uint64, string) error { return errors.New("error") },
			want:       errFormat,
		},
		{
			desc:       "archive success",
			asset:      "spruce.zip",
			config:     &fakeConfig{label: "SPRUCE"},
			fakeOpen:   func(string) (rawTarget, error) { return &fakeTarget{}, nil },
			fakeFormat: func(context.Context, rawTarget, uint64, string) error { return nil },
			want:       nil,
		},
	}
	oldOpen, oldBurn, oldFormat := openHandle, burnFunc, formatFunc
	defer func() { openHandle, burnFunc, formatFunc = oldOpen, oldBurn, oldFormat }()
	for _, tt := range tests {
		if tt.fakeOpen != nil {
			openHandle = tt.fakeOpen
		}
		if tt.fakeBurn != nil {
			burnFunc = tt.fakeBurn
		}
		if tt.fakeFormat != nil {
			formatFunc = tt.fakeFormat
		}
		i := installerForTest(t, tt.config, tt.asset)
		d := &fakeDevice{id: "disk1", name: "test drive", size: 1 << 30}
		if err := i.Provision(context.Background(), d); !errors.Is(err, tt.want) {
			t.Errorf("%s: Provision() err = %v, want %v", tt.desc, err, tt.want)
		}
	}
}

func TestProvisionClosesHandle(t *testing.T) {
	target := &fakeTarget{}
	oldOpen, oldBurn := openHandle, burnFunc
	openHandle = func(string) (rawTarget, error) { return target, nil }
	burnFunc = func(context.Context, string, rawTarget, string) error { return nil }
	defer func() { openHandle, burnFunc = oldOpen, oldBurn }()

	i := installerForTest(t, &fakeConfig{}, "spruce.img")
	d := &fakeDevice{id: "disk1"}
	if err := i.Provision(context.Background(), d); err != nil {
		t.Fatalf("Provision() returned %v", err)
	}
	if !target.closed {
		t.Errorf("Provision() did not close the device handle")
	}
}

func TestFinalize(t *testing.T) {
	tests := []struct {
		desc     string
		config   *fakeConfig
		ejectErr error
		want     error
		ejected  bool
	}{
		{
			desc:    "no eject requested",
			config:  &fakeConfig{},
			want:    nil,
			ejected: false,
		},
		{
			desc:     "eject error",
			config:   &fakeConfig{eject: true},
			ejectErr: errors.New("error"),
			want:     errFinalize,
			ejected:  true,
		},
		{
			desc:    "eject success",
			config:  &fakeConfig{eject: true},
			want:    nil,
			ejected: true,
		},
		{
			desc:    "cleanup removes cache",
			config:  &fakeConfig{cleanup: true},
			want:    nil,
			ejected: false,
		},
	}
	for _, tt := range tests {
		i := installerForTest(t, tt.config, "spruce.img.gz")
		d := &fakeDevice{id: "disk1", ejectErr: tt.ejectErr}
		err := i.Finalize([]Device{d})
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: Finalize() err = %v, want %v", tt.desc, err, tt.want)
			continue
		}
		if d.ejected != tt.ejected {
			t.Errorf("%s: Finalize() ejected = %t, want %t", tt.desc, d.ejected, tt.ejected)
		}
		if tt.config.cleanup {
			if _, err := os.Stat(i.Cache()); !errors.Is(err, os.ErrNotExist) {
				t.Errorf("%s: cache still present after cleanup: stat err = %v", tt.desc, err)
			}
		}
	}
}
