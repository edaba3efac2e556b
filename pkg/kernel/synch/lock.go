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

	"prisync.dev/prisync/pkg/kernel/sched"
)

// Lock is a non-recursive mutual exclusion lock built on a semaphore of
// value 1.
//
// A thread blocked in Acquire donates its effective priority to the holder,
// and through the holder to every thread further down the chain of locks the
// holder is itself waiting for. Release takes back exactly the donations
// that arrived through this lock; donations received through other locks the
// releasing thread still holds are kept.
type Lock struct {
	id sched.LockID

	// holder is the thread holding the lock. held distinguishes a lock
	// taken by TryAcquire from an interrupt handler while the CPU was idle,
	// which has no holder thread.
	holder *sched.Thread
	held   bool

	sema Semaphore
}

// NewLock returns an unheld lock of k.
func NewLock(k *sched.Scheduler) *Lock {
	l := &Lock{}
	l.Init(k)
	return l
}

// Init initializes l as unheld.
func (l *Lock) Init(k *sched.Scheduler) {
	l.id = k.NewLockID()
	l.holder = nil
	l.held = false
	l.sema.init(k, 1, blockLock)
}

// ID returns the id identifying l in donation records.
func (l *Lock) ID() sched.LockID {
	return l.id
}

func (l *Lock) kernel() *sched.Scheduler {
	return l.sema.waiters.k
}

// Acquire acquires l, sleeping until it is available. The caller must not
// already hold l.
//
// Acquire may block, so it must not be called from an interrupt handler.
func (l *Lock) Acquire() {
	k := l.kernel()
	cur := k.Current()
	if k.InInterrupt() {
		panic(fmt.Sprintf("acquire of lock %d from interrupt context", l.id))
	}
	if l.held && l.holder == cur {
		panic(fmt.Sprintf("recursive acquire of lock %d by %s", l.id, cur))
	}

	old := k.EnterCritical()
	for l.sema.value == 0 {
		if l.holder != nil {
			k.DonateLocked(cur, l.id, l.holder)
		}
		l.sema.waitLocked(cur)
	}
	l.sema.value--
	l.acquiredLocked(cur)
	k.LeaveCritical(old)
}

// TryAcquire acquires l if it is free and returns true, or returns false.
// It never blocks and donates nothing. It may be called from an interrupt
// handler, in which case the lock is held on behalf of the interrupted
// thread.
func (l *Lock) TryAcquire() bool {
	k := l.kernel()
	cur := k.Current()
	if l.held && l.holder == cur && cur != nil {
		panic(fmt.Sprintf("recursive acquire of lock %d by %s", l.id, cur))
	}

	old := k.EnterCritical()
	ok := l.sema.value > 0
	if ok {
		l.sema.value--
		l.acquiredLocked(cur)
	}
	k.LeaveCritical(old)
	return ok
}

// acquiredLocked makes t the holder of l and redirects the donations of the
// remaining waiters to it.
func (l *Lock) acquiredLocked(t *sched.Thread) {
	l.holder, l.held = t, true
	if t == nil {
		return
	}
	k := l.kernel()
	k.AcquiredLocked(t, l.id)
	for _, w := range l.sema.waiters.threads() {
		k.DonateLocked(w, l.id, t)
	}
}

// Release releases l, which the caller must hold, and wakes its best
// waiter. The donations received through l are reverted first, so the
// caller yields if it is no longer the best thread.
func (l *Lock) Release() {
	k := l.kernel()
	cur := k.Current()
	if !l.held || l.holder != cur {
		panic(fmt.Sprintf("release of lock %d by %s, which does not hold it", l.id, cur))
	}

	old := k.EnterCritical()
	if l.holder != nil {
		k.RevertLocked(l.holder, l.id, l.sema.waiters.threads())
	}
	l.holder, l.held = nil, false
	l.sema.upLocked()
	k.CheckPreemptionLocked()
	k.LeaveCritical(old)
}

// HeldByCurrent returns true if the running thread holds l. Whether another
// thread holds l is not observable without racing with it.
func (l *Lock) HeldByCurrent() bool {
	return l.held && l.holder == l.kernel().Current()
}
