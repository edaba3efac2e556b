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

package synch

import (
	"fmt"
	"slices"

	"prisync.dev/prisync/pkg/kernel/prio"
	"prisync.dev/prisync/pkg/kernel/sched"
)

// condWaiter is one thread waiting on a Cond, blocked on its own semaphore.
type condWaiter struct {
	sema Semaphore
	t    *sched.Thread
	seq  uint64
}

// Cond is a condition variable used together with a Lock.
//
// Signalling and waking are not atomic with reacquiring the lock: by the
// time Wait returns, the condition may no longer hold, so callers wait in a
// loop:
//
//	l.Acquire()
//	for !condition() {
//		c.Wait(l)
//	}
//	...
//	l.Release()
//
// One Cond may be used with several locks, but each call must pass a lock
// the caller holds.
type Cond struct {
	k       *sched.Scheduler
	waiters []*condWaiter
}

// NewCond returns a condition variable of k with no waiters.
func NewCond(k *sched.Scheduler) *Cond {
	c := &Cond{}
	c.Init(k)
	return c
}

// Init initializes c with no waiters.
func (c *Cond) Init(k *sched.Scheduler) {
	c.k = k
	c.waiters = nil
}

// Waiters returns the number of threads waiting on c.
func (c *Cond) Waiters() int {
	return len(c.waiters)
}

// assertUsable panics unless the running thread may use c with l.
func (c *Cond) assertUsable(op string, l *Lock) {
	if c.k.InInterrupt() {
		panic(fmt.Sprintf("condvar %s from interrupt context", op))
	}
	if !l.HeldByCurrent() {
		panic(fmt.Sprintf("condvar %s by %s without holding lock %d", op, c.k.Current(), l.ID()))
	}
}

// Wait releases l, waits until c is signalled and reacquires l before
// returning. The caller must hold l. A Signal that arrives after l is
// released but before the caller sleeps is not lost.
func (c *Cond) Wait(l *Lock) {
	c.assertUsable("wait", l)

	old := c.k.EnterCritical()
	w := &condWaiter{
		t:   c.k.CurrentLocked(),
		seq: c.k.NextSeqLocked(),
	}
	w.sema.init(c.k, 0, blockCondvar)
	c.waiters = append(c.waiters, w)
	c.k.LeaveCritical(old)

	l.Release()
	w.sema.Down()
	l.Acquire()
}

// Signal wakes the waiter of highest effective priority, if any. The caller
// must hold l.
func (c *Cond) Signal(l *Lock) {
	c.assertUsable("signal", l)

	old := c.k.EnterCritical()
	c.signalLocked()
	c.k.LeaveCritical(old)
}

func (c *Cond) signalLocked() {
	if len(c.waiters) == 0 {
		return
	}
	slices.SortFunc(c.waiters, func(a, b *condWaiter) int {
		return prio.Compare(c.key(a), c.key(b))
	})
	w := c.waiters[0]
	c.waiters[0] = nil
	c.waiters = c.waiters[1:]
	w.sema.upLocked()
}

func (c *Cond) key(w *condWaiter) prio.Key {
	return prio.Key{
		Priority: c.k.EffectivePriorityLocked(w.t),
		Seq:      w.seq,
	}
}

// Broadcast wakes all threads waiting on c. The caller must hold l.
func (c *Cond) Broadcast(l *Lock) {
	c.assertUsable("broadcast", l)

	old := c.k.EnterCritical()
	for len(c.waiters) > 0 {
		c.signalLocked()
	}
	c.k.LeaveCritical(old)
}
