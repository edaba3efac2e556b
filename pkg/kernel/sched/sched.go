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

// Package sched implements a strict priority scheduler for kernel threads
// running on one simulated CPU.
//
// Every kernel thread is a goroutine, but only the goroutine holding the CPU
// executes kernel code. A thread holds the CPU from the moment it is
// dispatched until it blocks, yields or exits; it then hands the CPU to the
// highest priority ready thread. Interrupts are posted from any goroutine and
// are delivered on the CPU while interrupts are enabled, or right away when
// the CPU is idle.
//
// Methods with the Locked suffix must be called by the CPU holder with
// interrupts disabled, i.e. between EnterCritical and LeaveCritical. All other
// methods, unless documented otherwise, must be called from a kernel thread.
package sched

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"prisync.dev/prisync/pkg/kernel/donation"
	"prisync.dev/prisync/pkg/kernel/prio"
	"prisync.dev/prisync/pkg/log"
	"prisync.dev/prisync/pkg/metric"
	"prisync.dev/prisync/pkg/sync"
)

var (
	// ErrDeadlock is returned by Run when deadlock detection is enabled and
	// every live thread is blocked with no interrupt able to wake them.
	ErrDeadlock = errors.New("kernel deadlock: all threads blocked")

	// ErrStarted is returned by Run if the scheduler has already been run.
	ErrStarted = errors.New("scheduler already started")
)

// Panic is returned by Run when a kernel thread or interrupt handler panics,
// including on a failed kernel assertion.
type Panic struct {
	// Thread is the name of the running thread, or "idle".
	Thread string

	// Interrupt is the name of the interrupt being handled, if any.
	Interrupt string

	// Value is the value passed to panic.
	Value any

	// Stack is the goroutine stack at the time of the panic.
	Stack []byte
}

// Error implements error.Error.
func (p *Panic) Error() string {
	if p.Interrupt != "" {
		return fmt.Sprintf("kernel panic in thread %q handling interrupt %q: %v", p.Thread, p.Interrupt, p.Value)
	}
	return fmt.Sprintf("kernel panic in thread %q: %v", p.Thread, p.Value)
}

// defaultDeepChain is the default donation chain length reported as unusual.
const defaultDeepChain = 8

// Options configures a Scheduler.
type Options struct {
	// TimeSlice is the number of timer ticks a thread may run before it is
	// made to yield. Zero disables time slicing.
	TimeSlice int

	// DetectDeadlock makes Run fail with ErrDeadlock when the CPU goes idle
	// while threads are blocked, no interrupt is pending and no timer is
	// running. Interrupts posted later by other goroutines are not
	// anticipated.
	DetectDeadlock bool

	// DeepChain is the donation chain length at which a warning is logged.
	// Zero selects a default.
	DeepChain int

	// Metrics receives the scheduler's counters. If nil, a private registry
	// is used.
	Metrics *metric.Registry
}

// Scheduler is one simulated kernel: a CPU, its threads and their donation
// state.
type Scheduler struct {
	opts    Options
	metrics *schedMetrics
	warn    log.Logger

	// cpu is held by whichever goroutine executes kernel code.
	cpu sync.Token

	// The fields below are owned by the cpu holder.

	// level is the current interrupt level.
	level Level

	// intrContext is true while an interrupt handler runs, and intrName is
	// the name of its interrupt.
	intrContext bool
	intrName    string

	// yieldOnReturn asks the running thread to yield at its next
	// preemption point.
	yieldOnReturn bool

	// running is the thread that owns the CPU, nil when idle.
	running *Thread

	// sliceTicks counts timer ticks since running was dispatched.
	sliceTicks int

	ready     *readyQueue
	threads   map[ThreadID]*Thread
	donations *donation.Graph
	nextID    ThreadID
	seq       uint64
	live      int

	// lockIDs allocates lock ids. It is atomic because locks may be
	// created outside of the kernel.
	lockIDs atomic.Uint64

	// pendingMu protects pending, the interrupts not yet delivered.
	pendingMu sync.Mutex
	pending   []interrupt

	// sources fences off interrupt sources once the kernel halts.
	sources sync.Gate

	// timers is the number of running timer goroutines.
	timers atomic.Int32

	started  atomic.Bool
	haltOnce sync.Once
	haltErr  error
	halted   chan struct{}
	done     chan struct{}
}

// New returns a Scheduler with no threads.
func New(opts Options) *Scheduler {
	if opts.Metrics == nil {
		opts.Metrics = metric.NewRegistry()
	}
	if opts.DeepChain <= 0 {
		opts.DeepChain = defaultDeepChain
	}
	s := &Scheduler{
		opts:      opts,
		metrics:   newSchedMetrics(opts.Metrics),
		warn:      log.BasicRateLimitedLogger(time.Second),
		level:     Off,
		threads:   make(map[ThreadID]*Thread),
		donations: donation.New(),
		halted:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.cpu.Init()
	s.ready = newReadyQueue(s)
	return s
}

// Run boots the kernel with a main thread running fn at priority p, and
// waits. It returns nil once every thread has exited, a *Panic if a thread
// panicked, an error wrapping ErrDeadlock if deadlock detection fired, or
// ctx.Err() if ctx ends first. A Scheduler can be run once.
//
// Run must not be called from a kernel thread.
func (s *Scheduler) Run(ctx context.Context, name string, p prio.Priority, fn func(*Thread)) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrStarted
	}

	s.cpu.Acquire()
	main := s.newThreadLocked(name, p, fn)
	s.ready.push(main)
	s.switchLocked()
	s.cpu.Release()
	s.kick()

	select {
	case <-s.done:
	case <-s.halted:
	case <-ctx.Done():
		s.halt(ctx.Err())
	}
	s.halt(nil)
	s.sources.Close()
	return s.haltErr
}

func (s *Scheduler) halt(err error) {
	s.haltOnce.Do(func() {
		s.haltErr = err
		close(s.halted)
	})
}

func (s *Scheduler) isHalted() bool {
	select {
	case <-s.halted:
		return true
	default:
		return false
	}
}

// panicError builds the error for a panic with value r on the CPU.
//
// Preconditions: the caller holds the cpu.
func (s *Scheduler) panicError(r any) *Panic {
	p := &Panic{
		Thread: "idle",
		Value:  r,
		Stack:  debug.Stack(),
	}
	if s.running != nil {
		p.Thread = s.running.name
	}
	if s.intrContext {
		p.Interrupt = s.intrName
	}
	return p
}

// switchLocked dispatches the highest priority ready thread, or leaves the
// CPU idle if there is none. The caller must already have moved the running
// thread out of the Running state. It returns the new running thread.
func (s *Scheduler) switchLocked() *Thread {
	prev := s.running
	next := s.ready.popMax()
	s.running = next
	s.yieldOnReturn = false
	if next == nil {
		s.idleLocked()
		return nil
	}
	next.state = Running
	s.sliceTicks = 0
	if next != prev {
		s.metrics.contextSwitches.Increment()
		if log.IsLogging(log.Debug) {
			log.Debugf("sched: switch %s -> %s (priority %d)", threadName(prev), next.name, s.EffectivePriorityLocked(next))
		}
		select {
		case next.wake <- struct{}{}:
		default:
			panic(fmt.Sprintf("thread %q dispatched twice", next.name))
		}
	}
	return next
}

func threadName(t *Thread) string {
	if t == nil {
		return "idle"
	}
	return t.name
}

// idleLocked runs when the CPU has nothing to run.
func (s *Scheduler) idleLocked() {
	s.metrics.idle.Increment()
	if !s.opts.DetectDeadlock || s.live == 0 || s.hasPending() || s.timers.Load() > 0 {
		return
	}
	s.halt(fmt.Errorf("%w: %s", ErrDeadlock, s.blockedSummaryLocked()))
}

// recheckIdle re-evaluates deadlock detection when an interrupt source goes
// away while the CPU may be idle.
func (s *Scheduler) recheckIdle() {
	if s.isHalted() || !s.cpu.TryAcquire() {
		return
	}
	if s.running == nil {
		s.idleLocked()
	}
	s.cpu.Release()
}

func (s *Scheduler) blockedSummaryLocked() string {
	var parts []string
	for _, info := range s.threadsLocked() {
		if info.State != Blocked {
			continue
		}
		desc := info.Name
		if info.WaitingOn != 0 {
			desc += fmt.Sprintf(" waits for lock %d held by thread %d", info.WaitingOn, info.Holder)
		}
		if cycle := s.donations.Cycle(info.ID); len(cycle) > 0 && cycle[0] == info.ID {
			desc += fmt.Sprintf(" (cycle %v)", cycle)
		}
		parts = append(parts, desc)
	}
	return strings.Join(parts, "; ")
}

// EffectivePriorityLocked returns t's base priority raised by any
// donations it holds.
func (s *Scheduler) EffectivePriorityLocked(t *Thread) prio.Priority {
	return s.donations.Effective(t.id, t.base)
}

// NextSeqLocked returns a fresh FIFO sequence number.
func (s *Scheduler) NextSeqLocked() uint64 {
	s.seq++
	return s.seq
}

// NewLockID allocates an id for a lock. It may be called from any
// goroutine.
func (s *Scheduler) NewLockID() LockID {
	return LockID(s.lockIDs.Add(1))
}

// ThreadInfo describes a thread.
type ThreadInfo struct {
	ID        ThreadID
	Name      string
	State     State
	Base      prio.Priority
	Effective prio.Priority

	// WaitingOn is the lock the thread is blocked acquiring, and Holder is
	// that lock's holder. Both are zero otherwise.
	WaitingOn LockID
	Holder    ThreadID

	// Depth is the length of the thread's wait-for chain.
	Depth int

	// Donations are the thread's incoming donation records.
	Donations []donation.Donation
}

func (s *Scheduler) threadsLocked() []ThreadInfo {
	infos := make([]ThreadInfo, 0, len(s.threads))
	for _, t := range s.threads {
		info := ThreadInfo{
			ID:        t.id,
			Name:      t.name,
			State:     t.state,
			Base:      t.base,
			Effective: s.EffectivePriorityLocked(t),
			Donations: s.donations.Donations(t.id),
		}
		if lock, holder, ok := s.donations.WaitingOn(t.id); ok {
			info.WaitingOn, info.Holder = lock, holder
			info.Depth = s.donations.Depth(t.id)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Threads returns a snapshot of the live threads, ordered by id. It must be
// called from a kernel thread, or after Run has returned.
func (s *Scheduler) Threads() []ThreadInfo {
	return s.threadsLocked()
}

// Stats is a summary of the scheduler's counters.
type Stats struct {
	ContextSwitches uint64
	Preemptions     uint64
	Blocks          uint64
	Interrupts      uint64
	Ticks           uint64
	Donations       uint64
	Reversions      uint64
	ThreadsCreated  uint64
}

// Stats returns the scheduler's counters. It may be called from any
// goroutine.
func (s *Scheduler) Stats() Stats {
	m := s.metrics
	return Stats{
		ContextSwitches: m.contextSwitches.Value(),
		Preemptions:     m.preemptions.Total(),
		Blocks:          m.blocks.Total(),
		Interrupts:      m.interrupts.Total(),
		Ticks:           m.interrupts.Value(timerInterrupt),
		Donations:       m.donations.Value(),
		Reversions:      m.reversions.Value(),
		ThreadsCreated:  m.threadsCreated.Value(),
	}
}

// Metrics returns the registry holding the scheduler's metrics.
func (s *Scheduler) Metrics() *metric.Registry {
	return s.opts.Metrics
}
