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

// Package synch provides the kernel's blocking synchronization primitives:
// counting semaphores, locks that donate priority to their holder, and Mesa
// style condition variables.
//
// Every primitive belongs to one sched.Scheduler and must only be used by
// that scheduler's threads, or by its interrupt handlers where noted. The
// primitives have no lock of their own: their state is protected by running
// with interrupts disabled on the scheduler's single CPU.
//
// Contract violations, such as blocking in an interrupt handler or releasing
// a lock the caller does not hold, panic. The scheduler turns the panic into
// a kernel halt.
package synch

import (
	"fmt"

	"prisync.dev/prisync/pkg/kernel/sched"
)

// Block reasons, as reported to the scheduler.
const (
	blockSemaphore = "semaphore"
	blockLock      = "lock"
	blockCondvar   = "condvar"
)

// Semaphore is a counting semaphore. Waiters are woken highest effective
// priority first, first come first served among equals, with priorities
// evaluated at wake time.
type Semaphore struct {
	value   uint
	waiters waitQueue

	// kind is the block reason reported for waiters.
	kind string
}

// NewSemaphore returns a semaphore of k with the given initial value.
func NewSemaphore(k *sched.Scheduler, value uint) *Semaphore {
	s := &Semaphore{}
	s.Init(k, value)
	return s
}

// Init initializes s with the given value and no waiters.
func (s *Semaphore) Init(k *sched.Scheduler, value uint) {
	s.init(k, value, blockSemaphore)
}

func (s *Semaphore) init(k *sched.Scheduler, value uint, kind string) {
	s.value = value
	s.waiters.init(k)
	s.kind = kind
}

// Value returns the current value of s.
func (s *Semaphore) Value() uint {
	return s.value
}

// Waiters returns the number of threads blocked on s.
func (s *Semaphore) Waiters() int {
	return s.waiters.len()
}

// Down waits for the value of s to become positive and decrements it.
//
// Down may block, so it must not be called from an interrupt handler.
func (s *Semaphore) Down() {
	k := s.waiters.k
	if k.InInterrupt() {
		panic(fmt.Sprintf("%s down from interrupt context", s.kind))
	}
	old := k.EnterCritical()
	for s.value == 0 {
		s.waitLocked(k.CurrentLocked())
	}
	s.value--
	k.LeaveCritical(old)
}

// TryDown decrements the value of s if it is positive. It never blocks and
// may be called from an interrupt handler.
func (s *Semaphore) TryDown() bool {
	k := s.waiters.k
	old := k.EnterCritical()
	ok := s.value > 0
	if ok {
		s.value--
	}
	k.LeaveCritical(old)
	return ok
}

// Up increments the value of s and wakes its best waiter, if any. If that
// waiter outranks the running thread, the running thread yields to it, or,
// in an interrupt handler, yields once the handler returns.
//
// Up never blocks and may be called from an interrupt handler.
func (s *Semaphore) Up() {
	k := s.waiters.k
	old := k.EnterCritical()
	s.upLocked()
	k.LeaveCritical(old)
}

// waitLocked queues t, the running thread, and blocks it until an Up picks
// it.
//
// Preconditions: interrupts are disabled.
func (s *Semaphore) waitLocked(t *sched.Thread) {
	s.waiters.insert(t)
	s.waiters.k.BlockLocked(s.kind)
}

// upLocked is Up with interrupts already disabled. It returns the thread it
// woke, or nil.
func (s *Semaphore) upLocked() *sched.Thread {
	k := s.waiters.k
	t := s.waiters.popMax()
	if t != nil {
		k.UnblockLocked(t)
	}
	s.value++
	if t != nil {
		k.RequestPreemptionLocked(t)
	}
	return t
}
