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

package prio

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestOrder(t *testing.T) {
	keys := []Key{
		{Priority: Default, Seq: 4},
		{Priority: Min, Seq: 1},
		{Priority: Max, Seq: 5},
		{Priority: Default, Seq: 2},
		{Priority: 40, Seq: 3},
	}
	slices.SortFunc(keys, Compare)
	want := []Key{
		{Priority: Max, Seq: 5},
		{Priority: 40, Seq: 3},
		{Priority: Default, Seq: 2},
		{Priority: Default, Seq: 4},
		{Priority: Min, Seq: 1},
	}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("sorted keys mismatch (-want +got):\n%s", diff)
	}
}

func TestCompare(t *testing.T) {
	a := Key{Priority: 10, Seq: 1}
	if got := Compare(a, a); got != 0 {
		t.Errorf("Compare(a, a) got: %d, expected: 0", got)
	}
	b := Key{Priority: 10, Seq: 2}
	if got := Compare(a, b); got >= 0 {
		t.Errorf("Compare(earlier, later) got: %d, expected < 0", got)
	}
	c := Key{Priority: 11, Seq: 9}
	if got := Compare(a, c); got <= 0 {
		t.Errorf("Compare(lower, higher) got: %d, expected > 0", got)
	}
}

func TestOutranks(t *testing.T) {
	if Outranks(Default, Default) {
		t.Errorf("equal priorities must not preempt")
	}
	if !Outranks(Default+1, Default) {
		t.Errorf("higher priority must preempt")
	}
}
