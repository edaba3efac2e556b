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
	"github.com/google/btree"
	"prisync.dev/prisync/pkg/kernel/prio"
)

// readyDegree is the btree degree of the ready queue.
const readyDegree = 8

type readyItem struct {
	key prio.Key
	t   *Thread
}

func readyLess(a, b readyItem) bool {
	return prio.Less(a.key, b.key)
}

// readyQueue holds the Ready threads ordered by effective priority, then by
// the order in which they became ready.
type readyQueue struct {
	s    *Scheduler
	tree *btree.BTreeG[readyItem]
}

func newReadyQueue(s *Scheduler) *readyQueue {
	return &readyQueue{
		s:    s,
		tree: btree.NewG(readyDegree, readyLess),
	}
}

// push appends t behind the ready threads of its priority.
func (q *readyQueue) push(t *Thread) {
	t.readyKey = prio.Key{
		Priority: q.s.EffectivePriorityLocked(t),
		Seq:      q.s.NextSeqLocked(),
	}
	q.tree.ReplaceOrInsert(readyItem{key: t.readyKey, t: t})
	t.queue = q
}

// popMax removes and returns the best ready thread, or nil.
func (q *readyQueue) popMax() *Thread {
	it, ok := q.tree.DeleteMin()
	if !ok {
		return nil
	}
	it.t.queue = nil
	return it.t
}

// peek returns the best ready thread without removing it, or nil.
func (q *readyQueue) peek() *Thread {
	it, ok := q.tree.Min()
	if !ok {
		return nil
	}
	return it.t
}

// Reposition implements Queue.Reposition. The thread keeps its arrival
// order among threads of its new priority.
func (q *readyQueue) Reposition(t *Thread) {
	if _, ok := q.tree.Delete(readyItem{key: t.readyKey}); !ok {
		panic("reposition of a thread not in the ready queue")
	}
	t.readyKey.Priority = q.s.EffectivePriorityLocked(t)
	q.tree.ReplaceOrInsert(readyItem{key: t.readyKey, t: t})
}

// threads returns the ready threads in dispatch order.
func (q *readyQueue) threads() []*Thread {
	ts := make([]*Thread, 0, q.tree.Len())
	q.tree.Ascend(func(it readyItem) bool {
		ts = append(ts, it.t)
		return true
	})
	return ts
}
