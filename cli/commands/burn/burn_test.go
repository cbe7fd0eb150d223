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

package burn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"flag"
	"github.com/google/subcommands"
	"github.com/spruceos/imagewriter/cli/config"
)

func TestName(t *testing.T) {
	cmd := &burnCmd{}
	if got := cmd.Name(); got == "" {
		t.Errorf("Name() got: %q, want: not empty", got)
	}
}

func TestSynopsis(t *testing.T) {
	cmd := &burnCmd{}
	if got := cmd.Synopsis(); got == "" {
		t.Errorf("Synopsis() got: %q, want: not empty", got)
	}
}

func TestUsage(t *testing.T) {
	cmd := &burnCmd{}
	if got := cmd.Usage(); got == "" {
		t.Errorf("Usage() got: %q, want: not empty", got)
	}
}

func TestExecute(t *testing.T) {
	tests := []struct {
		desc    string
		args    []string
		execute func(ctx context.Context, c *burnCmd, id string) error
		want    subcommands.ExitStatus
	}{
		{
			desc: "no device specified",
			want: subcommands.ExitUsageError,
		},
		{
			desc:    "run error",
			args:    []string{"sdz"},
			execute: func(context.Context, *burnCmd, string) error { return errors.New("test") },
			want:    subcommands.ExitFailure,
		},
		{
			desc:    "success",
			args:    []string{"sdz"},
			execute: func(context.Context, *burnCmd, string) error { return nil },
			want:    subcommands.ExitSuccess,
		},
	}
	for _, tt := range tests {
		execute = tt.execute
		cmd := &burnCmd{}
		flagSet := flag.NewFlagSet("test", flag.ContinueOnError)
		cmd.SetFlags(flagSet)
		if err := flagSet.Parse(tt.args); err != nil {
			t.Errorf("%s: flagSet.Parse(%v) returned %v", tt.desc, tt.args, err)
		}
		got := cmd.Execute(context.Background(), flagSet, nil)
		if got != tt.want {
			t.Errorf("%s: Execute() got: %d, want: %d", tt.desc, got, tt.want)
		}
	}
}

// fakeTarget provides a rawTarget whose members record that they were
// called and return configurable errors.
type fakeTarget struct {
	syncErr  error
	closeErr error
	closed   bool
}

func (f *fakeTarget) ReadAt(p []byte, off int64) (int, error)  { return len(p), nil }
func (f *fakeTarget) WriteAt(p []byte, off int64) (int, error) { return len(p), nil }
func (f *fakeTarget) Sync() error                              { return f.syncErr }

func (f *fakeTarget) Close() error {
	f.closed = true
	return f.closeErr
}

func TestRun(t *testing.T) {
	image := filepath.Join(t.TempDir(), "spruce.img")
	if err := os.WriteFile(image, []byte("image"), 0644); err != nil {
		t.Fatalf("os.WriteFile(%q) returned %v", image, err)
	}
	tests := []struct {
		desc          string
		cmd           *burnCmd
		isElevatedCmd func() (bool, error)
		openCmd       func(string) (rawTarget, error)
		burnCmd       func(context.Context, string, rawTarget, string) error
		want          error
	}{
		{
			desc: "no image specified",
			cmd:  &burnCmd{},
			want: errInput,
		},
		{
			desc: "missing image file",
			cmd:  &burnCmd{image: filepath.Join(t.TempDir(), "missing.img")},
			want: errInput,
		},
		{
			desc:          "not elevated",
			cmd:           &burnCmd{image: image},
			isElevatedCmd: func() (bool, error) { return false, nil },
			want:          errElevation,
		},
		{
			desc:          "open error",
			cmd:           &burnCmd{image: image},
			isElevatedCmd: func() (bool, error) { return true, nil },
			openCmd:       func(string) (rawTarget, error) { return nil, errors.New("error") },
			want:          errDevice,
		},
		{
			desc:          "burn error",
			cmd:           &burnCmd{image: image},
			isElevatedCmd: func() (bool, error) { return true, nil },
			openCmd:       func(string) (rawTarget, error) { return &fakeTarget{}, nil },
			burnCmd: func(context.Context, string, rawTarget, string) error {
				return errors.New("error")
			},
			want: errBurn,
		},
		{
			desc:          "sync error",
			cmd:           &burnCmd{image: image},
			isElevatedCmd: func() (bool, error) { return true, nil },
			openCmd: func(string) (rawTarget, error) {
				return &fakeTarget{syncErr: errors.New("error")}, nil
			},
			burnCmd: func(context.Context, string, rawTarget, string) error { return nil },
			want:    errDevice,
		},
		{
			desc:          "success",
			cmd:           &burnCmd{image: image},
			isElevatedCmd: func() (bool, error) { return true, nil },
			openCmd:       func(string) (rawTarget, error) { return &fakeTarget{}, nil },
			burnCmd:       func(context.Context, string, rawTarget, string) error { return nil },
			want:          nil,
		},
	}
	for _, tt := range tests {
		config.IsElevatedCmd = tt.isElevatedCmd
		openHandle = tt.openCmd
		burnFunc = tt.burnCmd

		got := run(context.Background(), tt.cmd, "sdz")
		if !errors.Is(got, tt.want) {
			t.Errorf("%s: run() got: %v, want: %v", tt.desc, got, tt.want)
		}
	}
}
