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
	"runtime"
	"sync/atomic"
	"testing"
	"time"
)

func TestTokenBasic(t *testing.T) {
	var tok Token
	tok.Init()

	tok.Acquire()

	// Acquiring from a different goroutine must block while the token is
	// held.
	ch := make(chan struct{}, 1)
	go func() {
		tok.Acquire()
		ch <- struct{}{}
		tok.Release()
		ch <- struct{}{}
	}()

	select {
	case <-ch:
		t.Fatalf("Acquire succeeded on a held token")
	case <-time.After(100 * time.Millisecond):
	}

	tok.Release()

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("Acquire failed to take a released token")
	}
	<-ch

	tok.Acquire()
	tok.Release()
}

func TestTokenTryAcquire(t *testing.T) {
	var tok Token
	tok.Init()

	if !tok.TryAcquire() {
		t.Fatalf("TryAcquire failed on a free token")
	}
	if !tok.Held() {
		t.Fatalf("Held false after TryAcquire")
	}
	if tok.TryAcquire() {
		t.Fatalf("TryAcquire succeeded on a held token")
	}
	tok.Release()
	if tok.Held() {
		t.Fatalf("Held true after Release")
	}
	if !tok.TryAcquire() {
		t.Fatalf("TryAcquire failed on a released token")
	}
	tok.Release()
}

func TestTokenHandoff(t *testing.T) {
	var tok Token
	tok.Init()

	// The token may be released by a goroutine other than the one that
	// acquired it.
	tok.Acquire()
	done := make(chan struct{})
	go func() {
		tok.Release()
		close(done)
	}()
	<-done
	if !tok.TryAcquire() {
		t.Fatalf("TryAcquire failed after a handoff release")
	}
	tok.Release()
}

func TestTokenReleaseFree(t *testing.T) {
	var tok Token
	tok.Init()
	defer func() {
		if recover() == nil {
			t.Errorf("Release of a free token did not panic")
		}
	}()
	tok.Release()
}

func TestTokenMutualExclusion(t *testing.T) {
	var tok Token
	tok.Init()

	const (
		goroutines = 20
		iterations = 500
	)
	var (
		inside atomic.Int32
		total  int
		wg     WaitGroup
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(try bool) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				if try {
					for !tok.TryAcquire() {
						runtime.Gosched()
					}
				} else {
					tok.Acquire()
				}
				if inside.Add(1) != 1 {
					t.Errorf("more than one holder inside the token")
				}
				total++
				inside.Add(-1)
				tok.Release()
			}
		}(i%2 == 0)
	}
	wg.Wait()

	if want := goroutines * iterations; total != want {
		t.Fatalf("total got: %d, expected: %d", total, want)
	}
}
