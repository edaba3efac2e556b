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
	"time"

	"prisync.dev/prisync/pkg/log"
)

// Level is the CPU interrupt level.
type Level int

// Interrupt levels.
const (
	Off Level = iota
	On
)

func (l Level) String() string {
	if l == On {
		return "on"
	}
	return "off"
}

// interrupt is a posted interrupt handler.
type interrupt struct {
	name string
	fn   func()
}

// EnterCritical disables interrupts and returns the previous level, to be
// passed to LeaveCritical:
//
//	defer k.LeaveCritical(k.EnterCritical())
func (s *Scheduler) EnterCritical() Level {
	old := s.level
	s.level = Off
	return old
}

// LeaveCritical restores the interrupt level returned by EnterCritical.
// Re-enabling interrupts outside of an interrupt handler is a preemption
// point.
func (s *Scheduler) LeaveCritical(old Level) {
	s.level = old
	if old == On && !s.intrContext {
		s.preemptLocked()
	}
}

// InterruptsEnabled returns the current interrupt level.
func (s *Scheduler) InterruptsEnabled() bool {
	return s.level == On
}

// InInterrupt returns true while an interrupt handler runs.
func (s *Scheduler) InInterrupt() bool {
	return s.intrContext
}

// Checkpoint is a preemption point for threads that run for long stretches
// without blocking: pending interrupts are delivered and a requested yield
// is honoured. It does nothing with interrupts disabled.
func (s *Scheduler) Checkpoint() {
	if s.level == On && !s.intrContext {
		s.preemptLocked()
	}
}

// preemptLocked delivers pending interrupts, then yields while a handler
// asked for it. Interrupts are enabled on entry.
func (s *Scheduler) preemptLocked() {
	for {
		if s.isHalted() {
			s.cpu.Release()
			freeze()
		}
		s.deliverLocked()
		if !s.yieldOnReturn {
			return
		}
		s.yieldOnReturn = false
		s.level = Off
		s.yieldLocked(preemptInterrupt)
		s.level = On
	}
}

// deliverLocked runs the pending interrupt handlers in interrupt context.
func (s *Scheduler) deliverLocked() {
	for {
		s.pendingMu.Lock()
		batch := s.pending
		s.pending = nil
		s.pendingMu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, in := range batch {
			old := s.level
			s.level = Off
			s.intrContext, s.intrName = true, in.name
			s.metrics.interrupts.Increment(interruptSource(in.name))
			in.fn()
			s.intrContext, s.intrName = false, ""
			s.level = old
		}
	}
}

func (s *Scheduler) hasPending() bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending) > 0
}

// Interrupt posts handler fn under the given name. It may be called from any
// goroutine, including a kernel thread or another handler. fn runs on the CPU
// in interrupt context: at the running thread's next preemption point, or
// right away if the CPU is idle. Interrupt returns false if the kernel has
// halted.
func (s *Scheduler) Interrupt(name string, fn func()) bool {
	if !s.sources.Enter() {
		return false
	}
	defer s.sources.Leave()
	s.pendingMu.Lock()
	s.pending = append(s.pending, interrupt{name: name, fn: fn})
	s.pendingMu.Unlock()
	s.kick()
	return true
}

// kick delivers pending interrupts if the CPU is free and the thread about
// to run, if any, has interrupts enabled. Otherwise whoever holds or next
// takes the CPU delivers them: every release of the CPU is followed by a
// kick, and every re-enable of interrupts is a preemption point.
func (s *Scheduler) kick() {
	for s.hasPending() && !s.isHalted() {
		if !s.cpu.TryAcquire() {
			return
		}
		if s.running != nil && s.running.level == Off {
			s.cpu.Release()
			return
		}
		s.deliverOffThread()
		s.cpu.Release()
	}
}

// deliverOffThread delivers interrupts on behalf of an idle CPU, or of a
// dispatched thread that has not yet resumed, and dispatches if idle.
func (s *Scheduler) deliverOffThread() {
	defer func() {
		if r := recover(); r != nil {
			s.halt(s.panicError(r))
		}
	}()
	old := s.level
	s.level = On
	s.deliverLocked()
	s.level = old
	if s.running == nil {
		s.switchLocked()
	}
}

// Tick posts a timer interrupt. It returns false if the kernel has halted.
func (s *Scheduler) Tick() bool {
	return s.Interrupt(timerInterrupt, s.timerInterrupt)
}

// timerInterrupt accounts a tick to the running thread and asks it to yield
// once its time slice is used up.
func (s *Scheduler) timerInterrupt() {
	if s.running == nil || s.opts.TimeSlice <= 0 {
		return
	}
	s.sliceTicks++
	if s.sliceTicks >= s.opts.TimeSlice && s.ready.peek() != nil {
		log.Debugf("sched: %s used its time slice", s.running)
		s.yieldOnReturn = true
	}
}

// StartTimer ticks every period until ctx ends or the kernel halts. A running
// timer keeps deadlock detection from firing, since a tick may wake a
// thread.
func (s *Scheduler) StartTimer(ctx context.Context, period time.Duration) {
	s.timers.Add(1)
	go func() {
		defer func() {
			s.timers.Add(-1)
			s.recheckIdle()
		}()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.halted:
				return
			case <-ticker.C:
				if !s.Tick() {
					return
				}
			}
		}
	}()
}
