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

// Package donation tracks priority donation between kernel threads.
//
// A thread that waits for a lock lends its priority to the lock's holder,
// and, if the holder is itself waiting for another lock, to that lock's
// holder and so on down the chain. The Graph keeps one record per (recipient,
// donor) pair carrying the donor's own base priority and the lock, held by
// the recipient, through which the donation arrived. A thread's effective
// priority is therefore the maximum of its base priority and its incoming
// records, and releasing a lock reverts exactly the records tagged with it.
//
// Graph is not synchronized. The kernel serializes all access by holding the
// CPU with interrupts disabled.
package donation

import (
	"cmp"
	"slices"

	"prisync.dev/prisync/pkg/kernel/prio"
)

// ThreadID identifies a kernel thread.
type ThreadID uint64

// LockID identifies a lock. Zero is never a valid lock.
type LockID uint64

// Donation is one incoming priority record.
type Donation struct {
	Recipient ThreadID
	Donor     ThreadID
	Lock      LockID
	Priority  prio.Priority
}

// record is an incoming donation, keyed by donor in Graph.in.
type record struct {
	lock     LockID
	priority prio.Priority
}

// edge is a wait-for edge: the waiter is blocked on lock, held by holder.
type edge struct {
	lock   LockID
	holder ThreadID
}

// Graph is the donation state of one kernel.
//
// The zero value is not usable; use New.
type Graph struct {
	// in holds each recipient's incoming records, keyed by donor.
	in map[ThreadID]map[ThreadID]record

	// out is the reverse index of in: the recipients each donor has a
	// record with.
	out map[ThreadID]map[ThreadID]struct{}

	// waiting holds the wait-for edge of every thread blocked acquiring a
	// lock.
	waiting map[ThreadID]edge
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		in:      make(map[ThreadID]map[ThreadID]record),
		out:     make(map[ThreadID]map[ThreadID]struct{}),
		waiting: make(map[ThreadID]edge),
	}
}

func (g *Graph) add(recipient, donor ThreadID, lock LockID, p prio.Priority) {
	recs := g.in[recipient]
	if recs == nil {
		recs = make(map[ThreadID]record)
		g.in[recipient] = recs
	}
	recs[donor] = record{lock: lock, priority: p}

	gave := g.out[donor]
	if gave == nil {
		gave = make(map[ThreadID]struct{})
		g.out[donor] = gave
	}
	gave[recipient] = struct{}{}
}

func (g *Graph) remove(recipient, donor ThreadID) {
	if recs := g.in[recipient]; recs != nil {
		delete(recs, donor)
		if len(recs) == 0 {
			delete(g.in, recipient)
		}
	}
	if gave := g.out[donor]; gave != nil {
		delete(gave, recipient)
		if len(gave) == 0 {
			delete(g.out, donor)
		}
	}
}

// Wait records that waiter, whose base priority is p, is blocked on lock held
// by holder. The waiter and every thread donating to it become donors of the
// holder and of each thread further down the holder's wait chain. Each
// record is tagged with the lock the receiving thread holds on the chain.
//
// Wait returns the recipients, in chain order, whose records changed. A
// chain that loops back on itself is walked once.
func (g *Graph) Wait(waiter ThreadID, p prio.Priority, lock LockID, holder ThreadID) []ThreadID {
	g.waiting[waiter] = edge{lock: lock, holder: holder}

	donors := map[ThreadID]prio.Priority{waiter: p}
	for d, r := range g.in[waiter] {
		donors[d] = r.priority
	}

	var changed []ThreadID
	visited := map[ThreadID]bool{waiter: true}
	cur, curLock := holder, lock
	for !visited[cur] {
		visited[cur] = true
		for d, dp := range donors {
			if d != cur {
				g.add(cur, d, curLock, dp)
			}
		}
		changed = append(changed, cur)

		e, ok := g.waiting[cur]
		if !ok {
			break
		}
		cur, curLock = e.holder, e.lock
	}
	return changed
}

// Release reverts the donations holder received through lock, and drops the
// wait-for edges of the given waiters on that lock. It returns the reverted
// records, ordered by donor.
func (g *Graph) Release(holder ThreadID, lock LockID, waiters []ThreadID) []Donation {
	var reverted []Donation
	for d, r := range g.in[holder] {
		if r.lock == lock {
			reverted = append(reverted, Donation{
				Recipient: holder,
				Donor:     d,
				Lock:      lock,
				Priority:  r.priority,
			})
		}
	}
	for _, rv := range reverted {
		g.remove(holder, rv.Donor)
	}
	for _, w := range waiters {
		if e, ok := g.waiting[w]; ok && e.lock == lock {
			delete(g.waiting, w)
		}
	}
	slices.SortFunc(reverted, func(a, b Donation) int {
		return cmp.Compare(a.Donor, b.Donor)
	})
	return reverted
}

// Acquired records that t now holds lock and is no longer waiting. The
// caller re-issues Wait for the lock's remaining waiters so that their
// donations are redirected to t.
func (g *Graph) Acquired(t ThreadID, lock LockID) {
	if e, ok := g.waiting[t]; ok && e.lock == lock {
		delete(g.waiting, t)
	}
}

// SetPriority updates every record donor has given to p, and returns the
// recipients affected, sorted by id.
func (g *Graph) SetPriority(donor ThreadID, p prio.Priority) []ThreadID {
	recipients := g.Recipients(donor)
	for _, r := range recipients {
		rec := g.in[r][donor]
		rec.priority = p
		g.in[r][donor] = rec
	}
	return recipients
}

// Forget drops all state for t, which is exiting. It returns the threads
// whose incoming records changed, sorted by id.
func (g *Graph) Forget(t ThreadID) []ThreadID {
	recipients := g.Recipients(t)
	for _, r := range recipients {
		g.remove(r, t)
	}
	for d := range g.in[t] {
		g.remove(t, d)
	}
	delete(g.waiting, t)
	for w, e := range g.waiting {
		if e.holder == t {
			delete(g.waiting, w)
		}
	}
	return recipients
}

// Max returns the highest priority donated to t. ok is false if t has no
// incoming records.
func (g *Graph) Max(t ThreadID) (p prio.Priority, ok bool) {
	for _, r := range g.in[t] {
		if !ok || r.priority > p {
			p, ok = r.priority, true
		}
	}
	return p, ok
}

// Effective returns max(base, Max(t)).
func (g *Graph) Effective(t ThreadID, base prio.Priority) prio.Priority {
	if p, ok := g.Max(t); ok && p > base {
		return p
	}
	return base
}

// Donations returns t's incoming records, ordered by donor, or nil if there
// are none.
func (g *Graph) Donations(t ThreadID) []Donation {
	if len(g.in[t]) == 0 {
		return nil
	}
	ds := make([]Donation, 0, len(g.in[t]))
	for d, r := range g.in[t] {
		ds = append(ds, Donation{Recipient: t, Donor: d, Lock: r.lock, Priority: r.priority})
	}
	slices.SortFunc(ds, func(a, b Donation) int {
		return cmp.Compare(a.Donor, b.Donor)
	})
	return ds
}

// Recipients returns the threads t has a record with, sorted by id.
func (g *Graph) Recipients(t ThreadID) []ThreadID {
	rs := make([]ThreadID, 0, len(g.out[t]))
	for r := range g.out[t] {
		rs = append(rs, r)
	}
	slices.Sort(rs)
	return rs
}

// WaitingOn returns the lock t is blocked on and its holder.
func (g *Graph) WaitingOn(t ThreadID) (LockID, ThreadID, bool) {
	e, ok := g.waiting[t]
	return e.lock, e.holder, ok
}

// Depth returns the number of wait-for hops starting at t: zero if t is not
// waiting, one if it waits for a holder that is running, and so on.
func (g *Graph) Depth(t ThreadID) int {
	depth := 0
	visited := map[ThreadID]bool{t: true}
	for {
		e, ok := g.waiting[t]
		if !ok {
			return depth
		}
		depth++
		if visited[e.holder] {
			return depth
		}
		visited[e.holder] = true
		t = e.holder
	}
}

// Cycle returns the wait-for cycle reachable from t, starting at the first
// thread on it, or nil if following t's edges ends at a thread that is not
// waiting.
func (g *Graph) Cycle(t ThreadID) []ThreadID {
	var path []ThreadID
	index := make(map[ThreadID]int)
	for {
		if i, ok := index[t]; ok {
			return path[i:]
		}
		index[t] = len(path)
		path = append(path, t)
		e, ok := g.waiting[t]
		if !ok {
			return nil
		}
		t = e.holder
	}
}
