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

package sched

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"prisync.dev/prisync/pkg/kernel/prio"
)

// runKernel runs fn as the main thread of a fresh scheduler, bounded by a
// timeout.
func runKernel(t *testing.T, opts Options, fn func(s *Scheduler, th *Thread)) (*Scheduler, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := New(opts)
	err := s.Run(ctx, "main", prio.Default, func(th *Thread) {
		fn(s, th)
	})
	return s, err
}

// trace is an event log appended to by the thread holding the CPU.
type trace []string

func (tr *trace) add(format string, v ...any) {
	*tr = append(*tr, fmt.Sprintf(format, v...))
}

func TestRunMainOnly(t *testing.T) {
	var tr trace
	s, err := runKernel(t, Options{}, func(s *Scheduler, th *Thread) {
		tr.add("%s at %d", th.Name(), s.Priority())
	})
	if err != nil {
		t.Fatalf("Run() got: %v, expected: nil", err)
	}
	if diff := cmp.Diff(trace{"main at 31"}, tr); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
	if got := s.Stats().ThreadsCreated; got != 1 {
		t.Errorf("ThreadsCreated got: %d, expected: 1", got)
	}
}

func TestRunTwice(t *testing.T) {
	s, err := runKernel(t, Options{}, func(*Scheduler, *Thread) {})
	if err != nil {
		t.Fatalf("Run() got: %v, expected: nil", err)
	}
	if err := s.Run(context.Background(), "again", prio.Default, func(*Thread) {}); err != ErrStarted {
		t.Errorf("second Run() got: %v, expected: %v", err, ErrStarted)
	}
}

func TestSpawnPreempts(t *testing.T) {
	var tr trace
	_, err := runKernel(t, Options{}, func(s *Scheduler, _ *Thread) {
		tr.add("main before")
		s.Spawn("high", prio.Default+1, func(*Thread) {
			tr.add("high runs")
		})
		tr.add("main after")
	})
	if err != nil {
		t.Fatalf("Run() got: %v, expected: nil", err)
	}
	want := trace{"main before", "high runs", "main after"}
	if diff := cmp.Diff(want, tr); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestSpawnEqualOrLowerWaits(t *testing.T) {
	var tr trace
	_, err := runKernel(t, Options{}, func(s *Scheduler, _ *Thread) {
		s.Spawn("low", prio.Default-1, func(*Thread) {
			tr.add("low runs")
		})
		s.Spawn("peer", prio.Default, func(*Thread) {
			tr.add("peer runs")
		})
		tr.add("main done")
	})
	if err != nil {
		t.Fatalf("Run() got: %v, expected: nil", err)
	}
	want := trace{"main done", "peer runs", "low runs"}
	if diff := cmp.Diff(want, tr); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestYieldRoundRobin(t *testing.T) {
	var tr trace
	_, err := runKernel(t, Options{}, func(s *Scheduler, _ *Thread) {
		for _, name := range []string{"a", "b"} {
			name := name
			s.Spawn(name, prio.Default, func(*Thread) {
				for i := 0; i < 3; i++ {
					tr.add("%s%d", name, i)
					s.Yield()
				}
			})
		}
	})
	if err != nil {
		t.Fatalf("Run() got: %v, expected: nil", err)
	}
	want := trace{"a0", "b0", "a1", "b1", "a2", "b2"}
	if diff := cmp.Diff(want, tr); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestSetPriorityYields(t *testing.T) {
	var tr trace
	_, err := runKernel(t, Options{}, func(s *Scheduler, _ *Thread) {
		s.Spawn("other", prio.Default-1, func(*Thread) {
			tr.add("other runs")
		})
		tr.add("main lowers")
		s.SetPriority(prio.Default - 2)
		tr.add("main at %d", s.Priority())
	})
	if err != nil {
		t.Fatalf("Run() got: %v, expected: nil", err)
	}
	want := trace{"main lowers", "other runs", "main at 29"}
	if diff := cmp.Diff(want, tr); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestSetBasePriorityRepositions(t *testing.T) {
	var tr trace
	_, err := runKernel(t, Options{}, func(s *Scheduler, _ *Thread) {
		s.SetPriority(prio.Max)
		first := s.Spawn("first", 10, func(*Thread) { tr.add("first") })
		s.Spawn("second", 20, func(*Thread) { tr.add("second") })
		// Raise the thread queued behind to the front of the ready queue.
		s.SetBasePriority(first, 30)
		tr.add("main done")
	})
	if err != nil {
		t.Fatalf("Run() got: %v, expected: nil", err)
	}
	want := trace{"main done", "first", "second"}
	if diff := cmp.Diff(want, tr); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestPanicHalts(t *testing.T) {
	_, err := runKernel(t, Options{}, func(s *Scheduler, _ *Thread) {
		s.Spawn("faulty", prio.Max, func(*Thread) {
			panic("assertion failed")
		})
	})
	var p *Panic
	if !errors.As(err, &p) {
		t.Fatalf("Run() got: %v, expected a *Panic", err)
	}
	if p.Thread != "faulty" || p.Value != "assertion failed" {
		t.Errorf("Panic got: thread %q value %v, expected: thread %q value %q", p.Thread, p.Value, "faulty", "assertion failed")
	}
}

func TestBlockFromInterruptPanics(t *testing.T) {
	_, err := runKernel(t, Options{}, func(s *Scheduler, _ *Thread) {
		s.Interrupt("bad", func() {
			s.BlockLocked("semaphore")
		})
		s.Checkpoint()
	})
	var p *Panic
	if !errors.As(err, &p) {
		t.Fatalf("Run() got: %v, expected a *Panic", err)
	}
	if p.Interrupt != "bad" {
		t.Errorf("Panic.Interrupt got: %q, expected: %q", p.Interrupt, "bad")
	}
}

func TestDeadlockDetected(t *testing.T) {
	_, err := runKernel(t, Options{DetectDeadlock: true}, func(s *Scheduler, _ *Thread) {
		defer s.LeaveCritical(s.EnterCritical())
		s.BlockLocked("semaphore")
	})
	if !errors.Is(err, ErrDeadlock) {
		t.Fatalf("Run() got: %v, expected: %v", err, ErrDeadlock)
	}
	if !strings.Contains(err.Error(), "main") {
		t.Errorf("deadlock error %q does not name the blocked thread", err)
	}
}

func TestContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(Options{})
	blocked := make(chan struct{})
	go func() {
		<-blocked
		cancel()
	}()
	err := s.Run(ctx, "main", prio.Default, func(*Thread) {
		defer s.LeaveCritical(s.EnterCritical())
		close(blocked)
		s.BlockLocked("semaphore")
	})
	if err != context.Canceled {
		t.Fatalf("Run() got: %v, expected: %v", err, context.Canceled)
	}
	if s.Tick() {
		t.Errorf("Tick() after halt got: true, expected: false")
	}
}

func TestInterruptFromThread(t *testing.T) {
	var tr trace
	_, err := runKernel(t, Options{}, func(s *Scheduler, _ *Thread) {
		s.Interrupt("device", func() {
			tr.add("handler in interrupt: %t", s.InInterrupt())
		})
		tr.add("posted")
		s.Checkpoint()
		tr.add("after checkpoint, in interrupt: %t", s.InInterrupt())
	})
	if err != nil {
		t.Fatalf("Run() got: %v, expected: nil", err)
	}
	want := trace{"posted", "handler in interrupt: true", "after checkpoint, in interrupt: false"}
	if diff := cmp.Diff(want, tr); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestInterruptDeferredWhileDisabled(t *testing.T) {
	var tr trace
	_, err := runKernel(t, Options{}, func(s *Scheduler, _ *Thread) {
		old := s.EnterCritical()
		if s.InterruptsEnabled() {
			t.Errorf("InterruptsEnabled() got: true inside a critical section")
		}
		s.Interrupt("device", func() { tr.add("handler") })
		s.Checkpoint()
		tr.add("critical section done")
		s.LeaveCritical(old)
		tr.add("interrupts on")
	})
	if err != nil {
		t.Fatalf("Run() got: %v, expected: nil", err)
	}
	want := trace{"critical section done", "handler", "interrupts on"}
	if diff := cmp.Diff(want, tr); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestInterruptWakesIdleCPU(t *testing.T) {
	self := make(chan *Thread, 1)
	s := New(Options{})
	go func() {
		th := <-self
		s.Interrupt("wakeup", func() {
			s.UnblockLocked(th)
		})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	woke := false
	err := s.Run(ctx, "main", prio.Default, func(th *Thread) {
		defer s.LeaveCritical(s.EnterCritical())
		self <- th
		s.BlockLocked("semaphore")
		woke = true
	})
	if err != nil {
		t.Fatalf("Run() got: %v, expected: nil", err)
	}
	if !woke {
		t.Errorf("main was not woken by the interrupt")
	}
	if got := s.Stats().Interrupts; got != 1 {
		t.Errorf("Interrupts got: %d, expected: 1", got)
	}
}

func TestPreemptionOnInterruptReturn(t *testing.T) {
	var tr trace
	_, err := runKernel(t, Options{}, func(s *Scheduler, main *Thread) {
		var high *Thread
		s.Spawn("high", prio.Max, func(th *Thread) {
			high = th
			old := s.EnterCritical()
			s.BlockLocked("semaphore")
			s.LeaveCritical(old)
			tr.add("high resumed")
		})
		s.Interrupt("wakeup", func() {
			s.UnblockLocked(high)
			s.RequestPreemptionLocked(high)
			tr.add("handler done")
		})
		s.Checkpoint()
		tr.add("main resumed")
	})
	if err != nil {
		t.Fatalf("Run() got: %v, expected: nil", err)
	}
	want := trace{"handler done", "high resumed", "main resumed"}
	if diff := cmp.Diff(want, tr); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestTimeSlice(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := New(Options{TimeSlice: 1})
	s.StartTimer(ctx, time.Millisecond)
	peerRan := false
	err := s.Run(ctx, "main", prio.Default, func(*Thread) {
		s.Spawn("spinner", prio.Default, func(*Thread) {
			for !peerRan {
				s.Checkpoint()
			}
		})
		s.Spawn("peer", prio.Default, func(*Thread) {
			peerRan = true
		})
	})
	if err != nil {
		t.Fatalf("Run() got: %v, expected: nil", err)
	}
	if got := s.Stats().Preemptions; got == 0 {
		t.Errorf("Preemptions got: 0, expected the spinner to be preempted")
	}
}

func TestThreadsSnapshot(t *testing.T) {
	var got []ThreadInfo
	_, err := runKernel(t, Options{}, func(s *Scheduler, _ *Thread) {
		s.Spawn("low", 5, func(*Thread) {})
		got = s.Threads()
	})
	if err != nil {
		t.Fatalf("Run() got: %v, expected: nil", err)
	}
	want := []ThreadInfo{
		{ID: 1, Name: "main", State: Running, Base: 31, Effective: 31},
		{ID: 2, Name: "low", State: Ready, Base: 5, Effective: 5},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Threads() mismatch (-want +got):\n%s", diff)
	}
}

func TestReadyQueueOrder(t *testing.T) {
	s := New(Options{})
	mk := func(id ThreadID, p prio.Priority) *Thread {
		th := &Thread{sched: s, id: id, name: fmt.Sprintf("t%d", id), base: p}
		s.threads[id] = th
		return th
	}
	a, b, c, d := mk(1, 10), mk(2, 20), mk(3, 10), mk(4, 5)
	for _, th := range []*Thread{a, b, c, d} {
		s.ready.push(th)
	}

	names := func() []string {
		var ns []string
		for _, th := range s.ready.threads() {
			ns = append(ns, th.name)
		}
		return ns
	}
	if diff := cmp.Diff([]string{"t2", "t1", "t3", "t4"}, names()); diff != "" {
		t.Errorf("ready order mismatch (-want +got):\n%s", diff)
	}

	// Raising t4 to t1's priority keeps it behind t1 and t3, which arrived
	// first.
	d.base = 10
	s.ready.Reposition(d)
	if diff := cmp.Diff([]string{"t2", "t1", "t3", "t4"}, names()); diff != "" {
		t.Errorf("ready order after reposition mismatch (-want +got):\n%s", diff)
	}

	c.base = 25
	s.ready.Reposition(c)
	if got := s.ready.popMax(); got != c {
		t.Errorf("popMax() got: %v, expected: %v", got, c)
	}
	if c.queue != nil {
		t.Errorf("popped thread still records its queue")
	}
}
