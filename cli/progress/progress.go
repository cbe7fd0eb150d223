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

// Package progress defines the progress event stream emitted by the
// long-running provisioning operations (download, format, burn). Events are
// delivered best-effort: a slow or absent observer never blocks the worker,
// and only the operation's own return value decides its outcome.
package progress

import "fmt"

// Kind tags a progress event with the operation phase it belongs to.
type Kind int

// Event kinds. Completed, Cancelled and Error are terminal: they are
// mutually exclusive and always the last event sent on a channel.
const (
	Started Kind = iota
	Downloading
	Formatting
	Writing
	Verifying
	Completed
	Cancelled
	Error
)

// String implements fmt.Stringer for log output.
func (k Kind) String() string {
	switch k {
	case Started:
		return "Started"
	case Downloading:
		return "Downloading"
	case Formatting:
		return "Formatting"
	case Writing:
		return "Writing"
	case Verifying:
		return "Verifying"
	case Completed:
		return "Completed"
	case Cancelled:
		return "Cancelled"
	case Error:
		return "Error"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Terminal reports whether k ends an operation's event stream.
func (k Kind) Terminal() bool {
	return k == Completed || k == Cancelled || k == Error
}

// Event is a single progress report. Done and Total are byte counts for the
// phase named by Kind; Done is monotonically non-decreasing within a phase.
// Err is set only for Error events.
type Event struct {
	Kind  Kind
	Done  uint64
	Total uint64
	Err   error
}

// Post sends an event without blocking. Events sent to a full or nil
// channel are dropped; consumers that care about every byte count should
// size their channel accordingly. Terminal events are never dropped: the
// send blocks until the consumer drains the channel, so the observer
// always learns how the operation ended.
func Post(ch chan<- Event, e Event) {
	if ch == nil {
		return
	}
	if e.Kind.Terminal() {
		ch <- e
		return
	}
	select {
	case ch <- e:
	default:
	}
}
