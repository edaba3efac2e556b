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

package selftest

import (
	"fmt"

	"prisync.dev/prisync/pkg/kernel/prio"
	"prisync.dev/prisync/pkg/kernel/sched"
	"prisync.dev/prisync/pkg/kernel/synch"
)

func init() {
	register(&Test{
		Name:        "sema-pingpong",
		Description: "two threads of equal priority hand control back and forth through a pair of semaphores",
		main:        semaPingPong,
		want:        semaPingPongWant(),
	})
	register(&Test{
		Name:        "priority-preempt",
		Description: "a new higher priority thread runs to completion before its creator continues",
		main:        priorityPreempt,
		want: []string{
			"Thread high-priority iteration 0",
			"Thread high-priority iteration 1",
			"Thread high-priority iteration 2",
			"Thread high-priority iteration 3",
			"Thread high-priority iteration 4",
			"Thread high-priority done!",
			"The high-priority thread should have already completed.",
		},
	})
	register(&Test{
		Name:        "priority-change",
		Description: "lowering a thread's priority below a ready thread yields immediately",
		main:        priorityChange,
		want: []string{
			"Creating a high-priority thread 2.",
			"Thread 2 now lowering priority.",
			"Thread 2 should have just lowered its priority.",
			"Thread 2 exiting.",
			"Thread 2 should have just exited.",
		},
	})
	register(&Test{
		Name:        "priority-sema",
		Description: "semaphore waiters wake in priority order",
		main:        prioritySema,
		want:        prioritySemaWant(),
	})
	register(&Test{
		Name:        "priority-condvar",
		Description: "condition variable waiters wake in priority order",
		main:        priorityCondvar,
		want:        priorityCondvarWant(),
	})
	register(&Test{
		Name:        "priority-donate-one",
		Description: "a lock holder runs at the priority of its best waiter",
		main:        priorityDonateOne,
		want: []string{
			"This thread should have priority 32.  Actual priority: 32.",
			"This thread should have priority 33.  Actual priority: 33.",
			"acquire2: got the lock",
			"acquire2: done",
			"acquire1: got the lock",
			"acquire1: done",
			"acquire2, acquire1 must already have finished, in that order.",
			"This should be the last line before finishing this test.",
		},
	})
	register(&Test{
		Name:        "priority-donate-multiple",
		Description: "releasing one of two locks reverts only the donation that came through it",
		main:        priorityDonateMultiple,
		want: []string{
			"Main thread should have priority 32.  Actual priority: 32.",
			"Main thread should have priority 33.  Actual priority: 33.",
			"Thread b acquired lock b.",
			"Thread b finished.",
			"Thread b should have just finished.",
			"Main thread should have priority 32.  Actual priority: 32.",
			"Thread a acquired lock a.",
			"Thread a finished.",
			"Thread a should have just finished.",
			"Main thread should have priority 31.  Actual priority: 31.",
		},
	})
	register(&Test{
		Name:        "priority-donate-nest",
		Description: "a donation passes through a waiting holder to the holder it waits for",
		main:        priorityDonateNest,
		want: []string{
			"Low thread should have priority 32.  Actual priority: 32.",
			"Low thread should have priority 33.  Actual priority: 33.",
			"Medium thread should have priority 33.  Actual priority: 33.",
			"Medium thread got the lock.",
			"High thread got the lock.",
			"High thread finished.",
			"High thread should have just finished.",
			"Middle thread finished.",
			"Medium thread should just have finished.",
			"Low thread should have priority 31.  Actual priority: 31.",
		},
	})
	register(&Test{
		Name:        "priority-donate-sema",
		Description: "a lock holder blocked on a semaphore is woken first thanks to its donation",
		main:        priorityDonateSema,
		want: []string{
			"Thread L downed semaphore.",
			"Thread H acquired lock.",
			"Thread H finished.",
			"Thread M finished.",
			"Thread L finished.",
			"Main thread finished.",
		},
	})
	register(&Test{
		Name:        "priority-donate-lower",
		Description: "lowering the base priority of a thread with a donation keeps the donation in effect",
		main:        priorityDonateLower,
		want: []string{
			"Main thread should have priority 41.  Actual priority: 41.",
			"Lowering base priority...",
			"Main thread should have priority 41.  Actual priority: 41.",
			"acquire: got the lock",
			"acquire: done",
			"acquire must already have finished.",
			"Main thread should have priority 21.  Actual priority: 21.",
		},
	})
	register(&Test{
		Name:        "priority-donate-chain",
		Description: "a donation propagates down a chain of seven nested lock waits",
		main:        priorityDonateChain,
		want:        priorityDonateChainWant(),
	})
	register(&Test{
		Name:        "lock-interrupt",
		Description: "an interrupt handler probes a lock and wakes a thread through a semaphore",
		main:        lockInterrupt,
		want: []string{
			"Raising interrupt.",
			"Interrupt handler: try-acquire failed.",
			"Worker woke up.",
			"Worker finished.",
			"Main thread resumed.",
			"Interrupt handler: try-acquire succeeded.",
			"Main thread finished.",
		},
	})
}

const semaRounds = 10

func semaPingPong(t *T) {
	k := t.K
	var sema [2]synch.Semaphore
	sema[0].Init(k, 0)
	sema[1].Init(k, 0)

	t.Msg("Testing semaphores...")
	k.Spawn("sema-test", prio.Default, func(*sched.Thread) {
		for i := 0; i < semaRounds; i++ {
			sema[0].Down()
			t.Msg("sema-test: down %d", i)
			sema[1].Up()
		}
	})
	for i := 0; i < semaRounds; i++ {
		t.Msg("main: up %d", i)
		sema[0].Up()
		sema[1].Down()
	}
	t.Msg("done.")
}

func semaPingPongWant() []string {
	want := []string{"Testing semaphores..."}
	for i := 0; i < semaRounds; i++ {
		want = append(want, fmt.Sprintf("main: up %d", i), fmt.Sprintf("sema-test: down %d", i))
	}
	return append(want, "done.")
}

func priorityPreempt(t *T) {
	k := t.K
	k.Spawn("high-priority", prio.Default+1, func(th *sched.Thread) {
		for i := 0; i < 5; i++ {
			t.Msg("Thread %s iteration %d", th.Name(), i)
			k.Yield()
		}
		t.Msg("Thread %s done!", th.Name())
	})
	t.Msg("The high-priority thread should have already completed.")
}

func priorityChange(t *T) {
	k := t.K
	t.Msg("Creating a high-priority thread 2.")
	k.Spawn("thread 2", prio.Default+1, func(*sched.Thread) {
		t.Msg("Thread 2 now lowering priority.")
		k.SetPriority(prio.Default - 1)
		t.Msg("Thread 2 exiting.")
	})
	t.Msg("Thread 2 should have just lowered its priority.")
	k.SetPriority(prio.Default - 2)
	t.Msg("Thread 2 should have just exited.")
}

const prioThreads = 10

// staggered returns the priority of the i'th of prioThreads threads created
// out of priority order.
func staggered(i, offset int) prio.Priority {
	return prio.Default - prio.Priority((i+offset)%prioThreads) - 1
}

func prioritySema(t *T) {
	k := t.K
	sema := synch.NewSemaphore(k, 0)
	k.SetPriority(prio.Min)
	for i := 0; i < prioThreads; i++ {
		p := staggered(i, 3)
		k.Spawn(fmt.Sprintf("priority %d", p), p, func(th *sched.Thread) {
			sema.Down()
			t.Msg("Thread %s woke up.", th.Name())
		})
	}
	for i := 0; i < prioThreads; i++ {
		sema.Up()
		t.Msg("Back in main thread.")
	}
}

func prioritySemaWant() []string {
	var want []string
	for p := prio.Default - 1; p > prio.Default-1-prioThreads; p-- {
		want = append(want, fmt.Sprintf("Thread priority %d woke up.", p), "Back in main thread.")
	}
	return want
}

func priorityCondvar(t *T) {
	k := t.K
	lock := synch.NewLock(k)
	cond := synch.NewCond(k)
	k.SetPriority(prio.Min)
	for i := 0; i < prioThreads; i++ {
		p := staggered(i, 7)
		k.Spawn(fmt.Sprintf("priority %d", p), p, func(th *sched.Thread) {
			t.Msg("Thread %s starting.", th.Name())
			lock.Acquire()
			cond.Wait(lock)
			t.Msg("Thread %s woke up.", th.Name())
			lock.Release()
		})
	}
	for i := 0; i < prioThreads; i++ {
		lock.Acquire()
		t.Msg("Signaling...")
		cond.Signal(lock)
		lock.Release()
	}
}

func priorityCondvarWant() []string {
	var want []string
	for i := 0; i < prioThreads; i++ {
		want = append(want, fmt.Sprintf("Thread priority %d starting.", staggered(i, 7)))
	}
	for p := prio.Default - 1; p > prio.Default-1-prioThreads; p-- {
		want = append(want, "Signaling...", fmt.Sprintf("Thread priority %d woke up.", p))
	}
	return want
}

// lockUser acquires and releases lock, reporting both under the given name.
func lockUser(t *T, lock *synch.Lock, name string) func(*sched.Thread) {
	return func(*sched.Thread) {
		lock.Acquire()
		t.Msg("%s: got the lock", name)
		lock.Release()
		t.Msg("%s: done", name)
	}
}

func priorityDonateOne(t *T) {
	k := t.K
	lock := synch.NewLock(k)
	lock.Acquire()
	k.Spawn("acquire1", prio.Default+1, lockUser(t, lock, "acquire1"))
	t.Msg("This thread should have priority %d.  Actual priority: %d.", prio.Default+1, k.Priority())
	k.Spawn("acquire2", prio.Default+2, lockUser(t, lock, "acquire2"))
	t.Msg("This thread should have priority %d.  Actual priority: %d.", prio.Default+2, k.Priority())
	lock.Release()
	t.Msg("acquire2, acquire1 must already have finished, in that order.")
	t.Msg("This should be the last line before finishing this test.")
}

func priorityDonateMultiple(t *T) {
	k := t.K
	a, b := synch.NewLock(k), synch.NewLock(k)
	a.Acquire()
	b.Acquire()

	user := func(lock *synch.Lock, name string) func(*sched.Thread) {
		return func(*sched.Thread) {
			lock.Acquire()
			t.Msg("Thread %s acquired lock %s.", name, name)
			lock.Release()
			t.Msg("Thread %s finished.", name)
		}
	}
	k.Spawn("a", prio.Default+1, user(a, "a"))
	t.Msg("Main thread should have priority %d.  Actual priority: %d.", prio.Default+1, k.Priority())
	k.Spawn("b", prio.Default+2, user(b, "b"))
	t.Msg("Main thread should have priority %d.  Actual priority: %d.", prio.Default+2, k.Priority())

	b.Release()
	t.Msg("Thread b should have just finished.")
	t.Msg("Main thread should have priority %d.  Actual priority: %d.", prio.Default+1, k.Priority())
	a.Release()
	t.Msg("Thread a should have just finished.")
	t.Msg("Main thread should have priority %d.  Actual priority: %d.", prio.Default, k.Priority())
}

func priorityDonateNest(t *T) {
	k := t.K
	a, b := synch.NewLock(k), synch.NewLock(k)
	a.Acquire()

	k.Spawn("medium", prio.Default+1, func(*sched.Thread) {
		b.Acquire()
		a.Acquire()
		t.Msg("Medium thread should have priority %d.  Actual priority: %d.", prio.Default+2, k.Priority())
		t.Msg("Medium thread got the lock.")
		a.Release()
		k.Yield()
		b.Release()
		k.Yield()
		t.Msg("High thread should have just finished.")
		t.Msg("Middle thread finished.")
	})
	k.Yield()
	t.Msg("Low thread should have priority %d.  Actual priority: %d.", prio.Default+1, k.Priority())

	k.Spawn("high", prio.Default+2, func(*sched.Thread) {
		b.Acquire()
		t.Msg("High thread got the lock.")
		b.Release()
		t.Msg("High thread finished.")
	})
	k.Yield()
	t.Msg("Low thread should have priority %d.  Actual priority: %d.", prio.Default+2, k.Priority())

	a.Release()
	k.Yield()
	t.Msg("Medium thread should just have finished.")
	t.Msg("Low thread should have priority %d.  Actual priority: %d.", prio.Default, k.Priority())
}

func priorityDonateSema(t *T) {
	k := t.K
	lock := synch.NewLock(k)
	sema := synch.NewSemaphore(k, 0)

	k.Spawn("low", prio.Default+1, func(*sched.Thread) {
		lock.Acquire()
		sema.Down()
		t.Msg("Thread L downed semaphore.")
		lock.Release()
		t.Msg("Thread L finished.")
	})
	k.Spawn("med", prio.Default+3, func(*sched.Thread) {
		sema.Down()
		t.Msg("Thread M finished.")
	})
	k.Spawn("high", prio.Default+5, func(*sched.Thread) {
		lock.Acquire()
		t.Msg("Thread H acquired lock.")
		sema.Up()
		lock.Release()
		t.Msg("Thread H finished.")
	})
	sema.Up()
	t.Msg("Main thread finished.")
}

func priorityDonateLower(t *T) {
	k := t.K
	lock := synch.NewLock(k)
	lock.Acquire()
	k.Spawn("acquire", prio.Default+10, lockUser(t, lock, "acquire"))
	t.Msg("Main thread should have priority %d.  Actual priority: %d.", prio.Default+10, k.Priority())

	t.Msg("Lowering base priority...")
	k.SetPriority(prio.Default - 10)
	t.Msg("Main thread should have priority %d.  Actual priority: %d.", prio.Default+10, k.Priority())
	lock.Release()
	t.Msg("acquire must already have finished.")
	t.Msg("Main thread should have priority %d.  Actual priority: %d.", prio.Default-10, k.Priority())
}

// chainDepth is the number of threads in priority-donate-chain, main
// included.
const chainDepth = 8

func priorityDonateChain(t *T) {
	k := t.K
	k.SetPriority(prio.Min)
	var locks [chainDepth - 1]synch.Lock
	for i := range locks {
		locks[i].Init(k)
	}
	locks[0].Acquire()
	t.Msg("main got lock.")

	for i := 1; i < chainDepth; i++ {
		p := prio.Min + prio.Priority(i*3)
		var first *synch.Lock
		if i < chainDepth-1 {
			first = &locks[i]
		}
		second := &locks[i-1]
		k.Spawn(fmt.Sprintf("thread %d", i), p, func(th *sched.Thread) {
			if first != nil {
				first.Acquire()
			}
			second.Acquire()
			t.Msg("%s got lock", th.Name())
			second.Release()
			t.Msg("%s should have priority %d. Actual priority: %d", th.Name(), (chainDepth-1)*3, k.Priority())
			if first != nil {
				first.Release()
			}
			t.Msg("%s finishing with priority %d.", th.Name(), k.Priority())
		})
		t.Msg("main should have priority %d.  Actual priority: %d.", p, k.Priority())

		k.Spawn(fmt.Sprintf("interloper %d", i), p-1, func(th *sched.Thread) {
			t.Msg("%s finished.", th.Name())
		})
	}

	locks[0].Release()
	t.Msg("main finishing with priority %d.", k.Priority())
}

func priorityDonateChainWant() []string {
	want := []string{"main got lock."}
	for i := 1; i < chainDepth; i++ {
		want = append(want, fmt.Sprintf("main should have priority %d.  Actual priority: %d.", i*3, i*3))
	}
	for i := 1; i < chainDepth; i++ {
		want = append(want,
			fmt.Sprintf("thread %d got lock", i),
			fmt.Sprintf("thread %d should have priority %d. Actual priority: %d", i, (chainDepth-1)*3, (chainDepth-1)*3))
	}
	for i := chainDepth - 1; i > 0; i-- {
		want = append(want,
			fmt.Sprintf("thread %d finishing with priority %d.", i, i*3),
			fmt.Sprintf("interloper %d finished.", i))
	}
	return append(want, "main finishing with priority 0.")
}

func lockInterrupt(t *T) {
	k := t.K
	lock := synch.NewLock(k)
	sema := synch.NewSemaphore(k, 0)

	k.Spawn("worker", prio.Default+1, func(*sched.Thread) {
		lock.Acquire()
		sema.Down()
		t.Msg("Worker woke up.")
		lock.Release()
		t.Msg("Worker finished.")
	})

	probe := func() {
		if lock.TryAcquire() {
			t.Msg("Interrupt handler: try-acquire succeeded.")
			lock.Release()
		} else {
			t.Msg("Interrupt handler: try-acquire failed.")
		}
		sema.Up()
	}

	t.Msg("Raising interrupt.")
	k.Interrupt("device", probe)
	k.Checkpoint()
	t.Msg("Main thread resumed.")
	k.Interrupt("device", probe)
	k.Checkpoint()
	t.Msg("Main thread finished.")
}
