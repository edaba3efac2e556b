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
	"prisync.dev/prisync/pkg/log"
)

// DonateLocked records that waiter is about to block on lock, held by
// holder, and lends waiter's priority down the holder's wait chain.
func (s *Scheduler) DonateLocked(waiter *Thread, lock LockID, holder *Thread) {
	before := s.EffectivePriorityLocked(holder)
	changed := s.donations.Wait(waiter.id, waiter.base, lock, holder.id)
	for _, id := range changed {
		if t, ok := s.threads[id]; ok {
			s.repositionLocked(t)
		}
	}
	s.metrics.chainDepth.AddSample(int64(len(changed)))

	if after := s.EffectivePriorityLocked(holder); after > before {
		s.metrics.donations.Increment()
		log.Debugf("donation: %s (priority %d) -> %s for lock %d: %d -> %d", waiter, s.EffectivePriorityLocked(waiter), holder, lock, before, after)
	}
	if len(changed) >= s.opts.DeepChain {
		s.warn.Warningf("donation: chain of %d threads from %s waiting for lock %d", len(changed), waiter, lock)
	}
}

// RevertLocked removes the donations holder received through lock, which
// it is releasing, and forgets the waits of the lock's waiters.
func (s *Scheduler) RevertLocked(holder *Thread, lock LockID, waiters []*Thread) {
	ids := make([]ThreadID, len(waiters))
	for i, w := range waiters {
		ids[i] = w.id
	}
	reverted := s.donations.Release(holder.id, lock, ids)
	if len(reverted) == 0 {
		return
	}
	s.metrics.reversions.IncrementBy(uint64(len(reverted)))
	s.repositionLocked(holder)
	log.Debugf("donation: %s released lock %d, reverted %d records, priority now %d", holder, lock, len(reverted), s.EffectivePriorityLocked(holder))
}

// AcquiredLocked records that t now holds lock.
func (s *Scheduler) AcquiredLocked(t *Thread, lock LockID) {
	s.donations.Acquired(t.id, lock)
}
