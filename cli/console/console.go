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

// Package console provides simple utilities to print human-readable messages
// to the console. For specific message types, additional verbosity is
// available through Verbose.
package console

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spruceos/imagewriter/cli/progress"
)

var (
	// Verbose is used to control whether or not print messages are printed.
	// It is exposed as package state to allow the verbosity to be uniformly
	// controlled across packages that use it.
	Verbose = false
)

// Print displays a console message when Verbose is false. Arguments
// are handled in the same manner as fmt.Print.
func Print(v ...interface{}) {
	if !Verbose {
		fmt.Print(v...)
	}
}

// Printf displays a console message when Verbose is false. Arguments
// are handled in the same manner as fmt.Printf.
func Printf(format string, v ...interface{}) {
	if !Verbose {
		fmt.Printf(format+"\n", v...)
	}
}

// PromptUser displays a warning that the actions to be performed are
// destructive. It returns an error if the user does not respond with a 'y'.
// It is always printed, regardless of the value of Verbose.
func PromptUser() error {
	msg := "\nIMPORTANT: Proceeding will DESTROY the contents of a device!\n\n" +
		"Do you want to erase and re-initialize the devices listed? (y/N)? "
	fmt.Print(msg)

	reader := bufio.NewReader(os.Stdin)
	r, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reader.ReadString('\n') returned: %v", err)
	}
	r = strings.Trim(r, "\r\n")
	if !strings.EqualFold(r, "y") {
		return errors.New("canceled media initialization")
	}
	return nil
}

// TargetDevice represents target.Device.
type TargetDevice interface {
	Identifier() string
	FriendlyName() string
	Size() uint64
}

type rawDevice struct {
	ID   string
	Name string
	Size string
}

// PrintDevices takes a slice of target devices and prints relevant information
// as a human-readable table to the console. If the json flag
// is present the target devices will be printed as JSON rather than a table.
func PrintDevices(targets []TargetDevice, w io.Writer, json bool) {

	if json {
		Printjson(targets, w)
		// Return immediately after raw output to ensure the output is proper JSON only.
		return
	}

	//Check if any devices exist.
	if len(targets) == 0 {
		fmt.Fprintf(w, "No matching devices were found.")
		return
	}

	// Display the table to the user otherwise, output devices with table
	table := tablewriter.NewWriter(w)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Device", "Model", "Size"})
	table.SetHeaderColor(
		tablewriter.Colors{tablewriter.FgGreenColor}, // Green text for device column.
		tablewriter.Colors{},                         // No color change for model column.
		tablewriter.Colors{},                         // No color change for size column.
	)
	for _, device := range targets {
		table.Append([]string{
			device.Identifier(),
			device.FriendlyName(),
			humanize.Bytes(device.Size()),
		},
		)
	}
	table.Render()
}

// Printjson takes a slice of target devices and prints relevant information
// as JSON to the console when the json flag is present on the PrintDevices
// function.
func Printjson(targets []TargetDevice, w io.Writer) error {

	result := []rawDevice{}
	for _, device := range targets {
		result = append(result, rawDevice{
			ID:   device.Identifier(),
			Name: device.FriendlyName(),
			Size: humanize.Bytes(device.Size()),
		})
	}

	output, err := json.Marshal(result)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s", output)
	return nil
}

// renderFreq bounds how often the progress line is redrawn.
const renderFreq = 300 * time.Millisecond

// RenderEvents consumes an operation's progress events and renders them as
// console output until the channel closes or a terminal event arrives. It
// returns the terminal event it stopped on. RenderEvents always outputs to
// the console, regardless of the value of Verbose.
func RenderEvents(events <-chan progress.Event, w io.Writer) progress.Event {
	start := time.Now()
	lastDraw := time.Time{}
	var phase progress.Kind
	for e := range events {
		if e.Kind.Terminal() {
			finishLine(w, e)
			return e
		}
		if e.Kind == progress.Started {
			continue
		}
		// Each new phase gets its own line.
		if e.Kind != phase {
			if phase != progress.Started {
				fmt.Fprintln(w)
			}
			phase = e.Kind
			start = time.Now()
			lastDraw = time.Time{}
		}
		now := time.Now()
		if now.Sub(lastDraw) < renderFreq {
			continue
		}
		lastDraw = now
		drawLine(w, e, now.Sub(start))
	}
	return progress.Event{Kind: progress.Completed}
}

// drawLine redraws the in-place progress line for a running phase.
func drawLine(w io.Writer, e progress.Event, elapsed time.Duration) {
	var speed float64
	if s := elapsed.Seconds(); s > 0 {
		speed = float64(e.Done) / s
	}
	speeds := units.BytesSize(speed) + "/s"
	if e.Total > 0 {
		pct := float64(e.Done) / float64(e.Total) * 100
		fmt.Fprintf(w, "\r%-10s %s of %s (%0.1f%%), %s", e.Kind, humanize.Bytes(e.Done), humanize.Bytes(e.Total), pct, speeds)
		return
	}
	fmt.Fprintf(w, "\r%-10s %s, %s", e.Kind, humanize.Bytes(e.Done), speeds)
}

// finishLine closes out the progress display with the operation outcome.
func finishLine(w io.Writer, e progress.Event) {
	switch e.Kind {
	case progress.Completed:
		fmt.Fprintf(w, "\n%s.\n", e.Kind)
	case progress.Cancelled:
		fmt.Fprintf(w, "\n%s.\n", e.Kind)
	case progress.Error:
		fmt.Fprintf(w, "\n%s: %v\n", e.Kind, e.Err)
	}
}
