// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package prio defines thread priorities and the ordering every kernel queue
// uses: higher effective priority first, and among equal priorities, first
// come first served.
package prio

// Priority is a thread priority. Larger values run first.
type Priority int

// Priority bounds.
const (
	Min     Priority = 0
	Default Priority = 31
	Max     Priority = 63
)

// Valid returns true if p is within [Min, Max].
func (p Priority) Valid() bool {
	return p >= Min && p <= Max
}

// Key positions an entry in a priority-ordered queue. Seq is assigned when
// the entry is enqueued and breaks ties so that equal priorities are served
// in arrival order.
type Key struct {
	Priority Priority
	Seq      uint64
}

// Less returns true if a is served before b.
func Less(a, b Key) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}

// Compare returns a negative number when a is served before b, a positive
// number when b is served first, and zero when they are the same position.
func Compare(a, b Key) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	default:
		return 0
	}
}

// Outranks returns true if a thread at priority a should preempt one at b.
// Equal priorities never preempt each other.
func Outranks(a, b Priority) bool {
	return a > b
}
