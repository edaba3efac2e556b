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
	"slices"
	"sort"

	"prisync.dev/prisync/pkg/kernel/prio"
	"prisync.dev/prisync/pkg/kernel/sched"
)

type waiter struct {
	t   *sched.Thread
	seq uint64
}

// waitQueue holds the threads blocked on a semaphore, best first.
//
// Donations change a waiter's priority while it is queued. The scheduler
// reports such changes through Reposition, and popMax re-sorts before it
// picks, so the order is that of the priorities at wake time.
type waitQueue struct {
	k       *sched.Scheduler
	waiters []waiter
}

var _ sched.Queue = (*waitQueue)(nil)

func (q *waitQueue) init(k *sched.Scheduler) {
	q.k = k
	q.waiters = nil
}

func (q *waitQueue) key(w waiter) prio.Key {
	return prio.Key{
		Priority: q.k.EffectivePriorityLocked(w.t),
		Seq:      w.seq,
	}
}

func (q *waitQueue) sortLocked() {
	slices.SortFunc(q.waiters, func(a, b waiter) int {
		return prio.Compare(q.key(a), q.key(b))
	})
}

// insert queues t behind the waiters of its priority.
func (q *waitQueue) insert(t *sched.Thread) {
	w := waiter{t: t, seq: q.k.NextSeqLocked()}
	wk := q.key(w)
	i := sort.Search(len(q.waiters), func(i int) bool {
		return prio.Less(wk, q.key(q.waiters[i]))
	})
	q.waiters = slices.Insert(q.waiters, i, w)
	t.SetQueueLocked(q)
}

// popMax removes and returns the best waiter, or nil.
func (q *waitQueue) popMax() *sched.Thread {
	if len(q.waiters) == 0 {
		return nil
	}
	q.sortLocked()
	t := q.waiters[0].t
	q.waiters[0] = waiter{}
	q.waiters = q.waiters[1:]
	t.SetQueueLocked(nil)
	return t
}

// Reposition implements sched.Queue.Reposition.
func (q *waitQueue) Reposition(*sched.Thread) {
	q.sortLocked()
}

func (q *waitQueue) len() int {
	return len(q.waiters)
}

// threads returns the waiters, best first.
func (q *waitQueue) threads() []*sched.Thread {
	ts := make([]*sched.Thread, len(q.waiters))
	for i, w := range q.waiters {
		ts[i] = w.t
	}
	return ts
}
