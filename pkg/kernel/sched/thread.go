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
	"fmt"

	"prisync.dev/prisync/pkg/kernel/donation"
	"prisync.dev/prisync/pkg/kernel/prio"
	"prisync.dev/prisync/pkg/log"
)

// ThreadID identifies a kernel thread. Ids are never reused by a Scheduler.
type ThreadID = donation.ThreadID

// LockID identifies a lock.
type LockID = donation.LockID

// State is a thread's scheduling state.
type State int

// Thread states.
const (
	Ready State = iota
	Running
	Blocked
	Dying
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Dying:
		return "dying"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Queue is a priority-ordered container of threads. A thread is in at most
// one Queue at a time; when its effective priority changes, the scheduler
// calls Reposition so the queue can restore its order.
type Queue interface {
	Reposition(t *Thread)
}

// Thread is a kernel thread.
type Thread struct {
	sched *Scheduler
	id    ThreadID
	name  string
	fn    func(*Thread)

	// wake receives one token each time the thread is dispatched.
	wake chan struct{}

	// The fields below are owned by the cpu holder.

	base  prio.Priority
	state State

	// level is the interrupt level saved while the thread is off the CPU.
	level Level

	// queue is the Queue holding the thread, if any.
	queue Queue

	// readyKey is the thread's position in the ready queue.
	readyKey prio.Key
}

// ID returns the thread id.
func (t *Thread) ID() ThreadID {
	return t.id
}

// Name returns the thread name.
func (t *Thread) Name() string {
	return t.name
}

// Scheduler returns the scheduler running t.
func (t *Thread) Scheduler() *Scheduler {
	return t.sched
}

// String implements fmt.Stringer.
func (t *Thread) String() string {
	return fmt.Sprintf("%s[%d]", t.name, t.id)
}

// SetQueueLocked records the queue t has been inserted into, or nil when t
// leaves it.
func (t *Thread) SetQueueLocked(q Queue) {
	t.queue = q
}

// newThreadLocked creates a thread in the Ready state, not yet queued.
func (s *Scheduler) newThreadLocked(name string, p prio.Priority, fn func(*Thread)) *Thread {
	if !p.Valid() {
		panic(fmt.Sprintf("thread %q: priority %d out of range [%d, %d]", name, p, prio.Min, prio.Max))
	}
	s.nextID++
	t := &Thread{
		sched: s,
		id:    s.nextID,
		name:  name,
		fn:    fn,
		wake:  make(chan struct{}, 1),
		base:  p,
		state: Ready,
		level: On,
	}
	s.threads[t.id] = t
	s.live++
	s.metrics.threadsCreated.Increment()
	log.Debugf("sched: created thread %s at priority %d", t, p)
	s.start(t)
	return t
}

// start launches t's goroutine. It waits for the first dispatch.
func (s *Scheduler) start(t *Thread) {
	go func() {
		select {
		case <-t.wake:
		case <-s.halted:
			return
		}
		s.cpu.Acquire()
		if s.isHalted() {
			s.cpu.Release()
			return
		}

		// Kernel code only panics while holding the cpu.
		defer func() {
			if r := recover(); r != nil {
				s.halt(s.panicError(r))
				s.cpu.Release()
			}
		}()

		s.level = On
		s.preemptLocked()

		t.fn(t)

		s.exit(t)
	}()
}

// exit retires the running thread t and hands off the CPU.
func (s *Scheduler) exit(t *Thread) {
	s.level = Off
	t.state = Dying
	for _, id := range s.donations.Forget(t.id) {
		if r, ok := s.threads[id]; ok {
			s.repositionLocked(r)
		}
	}
	delete(s.threads, t.id)
	s.live--
	log.Debugf("sched: thread %s exited", t)
	if s.live == 0 {
		close(s.done)
	}
	s.switchLocked()
	s.cpu.Release()
	s.kick()
}

// park takes the running thread t off the CPU, whose state the caller has
// already set, and returns once t is dispatched again. The interrupt level
// is saved and restored across the switch.
func (s *Scheduler) park(t *Thread) {
	t.level = s.level
	if next := s.switchLocked(); next == t {
		return
	}
	s.cpu.Release()
	s.kick()

	select {
	case <-t.wake:
	case <-s.halted:
		freeze()
	}
	s.cpu.Acquire()
	if s.isHalted() {
		s.cpu.Release()
		freeze()
	}
	s.level = t.level
}

// freeze parks the calling thread's goroutine for good once the kernel has
// halted. Its stack is not unwound: deferred kernel code would otherwise run
// without the cpu, concurrently with other halted threads.
func freeze() {
	select {}
}

// Spawn creates a thread running fn at priority p and makes it ready. If the
// new thread outranks the caller, the caller yields to it before Spawn
// returns.
func (s *Scheduler) Spawn(name string, p prio.Priority, fn func(*Thread)) *Thread {
	old := s.EnterCritical()
	if s.intrContext {
		panic(fmt.Sprintf("spawn of %q from interrupt context", name))
	}
	t := s.newThreadLocked(name, p, fn)
	s.ready.push(t)
	s.RequestPreemptionLocked(t)
	s.LeaveCritical(old)
	return t
}

// CurrentLocked returns the running thread.
func (s *Scheduler) CurrentLocked() *Thread {
	return s.running
}

// Current returns the running thread.
func (s *Scheduler) Current() *Thread {
	return s.running
}

// BlockLocked puts the running thread to sleep until UnblockLocked is
// called for it. on names what it waits for, one of "semaphore", "lock" or
// "condvar".
func (s *Scheduler) BlockLocked(on string) {
	if s.intrContext {
		panic(fmt.Sprintf("blocking on %s from interrupt context (interrupt %q)", on, s.intrName))
	}
	if s.level != Off {
		panic("blocking with interrupts enabled")
	}
	t := s.running
	t.state = Blocked
	s.metrics.blocks.Increment(on)
	log.Debugf("sched: %s blocks on %s", t, on)
	s.park(t)
}

// UnblockLocked makes the blocked thread t ready. It does not preempt the
// running thread; see RequestPreemptionLocked.
func (s *Scheduler) UnblockLocked(t *Thread) {
	if t.state != Blocked {
		panic(fmt.Sprintf("unblock of %s in state %v", t, t.state))
	}
	t.state = Ready
	s.ready.push(t)
}

// RequestPreemptionLocked makes the running thread give up the CPU if
// candidate outranks it: immediately in thread context, or on return from
// the interrupt in interrupt context.
func (s *Scheduler) RequestPreemptionLocked(candidate *Thread) {
	cur := s.running
	if cur == nil || candidate == cur {
		return
	}
	if !prio.Outranks(s.EffectivePriorityLocked(candidate), s.EffectivePriorityLocked(cur)) {
		return
	}
	if s.intrContext {
		s.yieldOnReturn = true
		return
	}
	s.yieldLocked(preemptPriority)
}

// CheckPreemptionLocked yields if the best ready thread outranks the
// running thread.
func (s *Scheduler) CheckPreemptionLocked() {
	if top := s.ready.peek(); top != nil {
		s.RequestPreemptionLocked(top)
	}
}

// yieldLocked moves the running thread to the back of its priority in the
// ready queue and dispatches the best ready thread.
func (s *Scheduler) yieldLocked(reason string) {
	if s.intrContext {
		panic("yield from interrupt context")
	}
	t := s.running
	s.metrics.preemptions.Increment(reason)
	t.state = Ready
	s.ready.push(t)
	s.park(t)
}

// Yield gives up the CPU to any ready thread of equal or higher priority.
func (s *Scheduler) Yield() {
	old := s.EnterCritical()
	s.yieldLocked(preemptYield)
	s.LeaveCritical(old)
}

// Priority returns the effective priority of the running thread.
func (s *Scheduler) Priority() prio.Priority {
	defer s.LeaveCritical(s.EnterCritical())
	return s.EffectivePriorityLocked(s.running)
}

// SetPriority sets the running thread's base priority.
func (s *Scheduler) SetPriority(p prio.Priority) {
	defer s.LeaveCritical(s.EnterCritical())
	s.SetBasePriorityLocked(s.running, p)
}

// SetBasePriority sets t's base priority.
func (s *Scheduler) SetBasePriority(t *Thread, p prio.Priority) {
	defer s.LeaveCritical(s.EnterCritical())
	s.SetBasePriorityLocked(t, p)
}

// SetBasePriorityLocked sets t's base priority, refreshes the donations t
// makes, restores the order of every queue holding an affected thread, and
// yields if the running thread is now outranked.
func (s *Scheduler) SetBasePriorityLocked(t *Thread, p prio.Priority) {
	if !p.Valid() {
		panic(fmt.Sprintf("thread %s: priority %d out of range [%d, %d]", t, p, prio.Min, prio.Max))
	}
	t.base = p
	s.repositionLocked(t)
	for _, id := range s.donations.SetPriority(t.id, p) {
		if r, ok := s.threads[id]; ok {
			s.repositionLocked(r)
		}
	}
	s.CheckPreemptionLocked()
}

// repositionLocked restores the order of the queue holding t, if any.
func (s *Scheduler) repositionLocked(t *Thread) {
	if t.queue != nil {
		t.queue.Reposition(t)
	}
}
