// Copyright 2016 The gVisor Authors.
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

package sync

import (
	"sync/atomic"
)

const (
	tokenFree = iota
	tokenHeld
	tokenContended
)

// Token is an exclusive ownership token with an efficient TryAcquire. The
// scheduler models the single CPU with one: whichever goroutine holds the
// token is the one executing kernel code.
//
// A Token is not tied to the goroutine that acquired it. It may be released
// by a different goroutine, which is how the CPU is handed between threads.
//
// Token must be initialized with Init before use.
type Token struct {
	v  atomic.Int32
	ch chan struct{}
}

// Init initializes the token in the free state.
func (t *Token) Init() {
	t.v.Store(tokenFree)
	t.ch = make(chan struct{}, 1)
}

// Acquire takes the token, waiting until it is free.
func (t *Token) Acquire() {
	// Uncontended case.
	if t.v.CompareAndSwap(tokenFree, tokenHeld) {
		return
	}

	for {
		// Mark the token contended so the holder knows to wake someone
		// on release. If it was free in the meantime, we now own it.
		if t.v.Swap(tokenContended) == tokenFree {
			return
		}

		// Wait for the token to be released before trying again.
		<-t.ch
	}
}

// TryAcquire attempts to take the token without waiting. It returns false if
// the token is held.
func (t *Token) TryAcquire() bool {
	return t.v.CompareAndSwap(tokenFree, tokenHeld)
}

// Release releases the token.
func (t *Token) Release() {
	switch t.v.Swap(tokenFree) {
	case tokenFree:
		panic("release of a free token")
	case tokenHeld:
		// There were no waiters.
		return
	}

	// Wake some waiter up.
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// Held reports whether the token is currently held by anyone.
func (t *Token) Held() bool {
	return t.v.Load() != tokenFree
}
