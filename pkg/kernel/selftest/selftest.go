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

// Package selftest contains kernel self-tests: small programs that exercise
// the scheduler and the synchronization primitives and whose output is
// fully determined by the priority rules.
//
// Each test runs on a fresh scheduler. Its output is compared line by line
// with the expected transcript.
package selftest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"prisync.dev/prisync/pkg/kernel/prio"
	"prisync.dev/prisync/pkg/kernel/sched"
	"prisync.dev/prisync/pkg/log"
	"prisync.dev/prisync/pkg/metric"
	"prisync.dev/prisync/pkg/sync"
)

// DefaultTimeout bounds a single test run when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Test is a kernel self-test.
type Test struct {
	// Name identifies the test.
	Name string

	// Description is a one-line summary.
	Description string

	// main is the body of the main thread.
	main func(t *T)

	// want is the expected output.
	want []string
}

// T is passed to a running test. It is only used by the test's threads.
type T struct {
	// K is the kernel the test runs on.
	K *sched.Scheduler

	name string
	out  []string
}

// Msg appends a line to the test output.
func (t *T) Msg(format string, v ...any) {
	line := fmt.Sprintf(format, v...)
	t.out = append(t.out, line)
	log.Debugf("(%s) %s", t.name, line)
}

// Options configures test runs.
type Options struct {
	// Sched configures each test's scheduler. Its Metrics field is ignored:
	// every run records into a registry of its own, returned in the Result.
	Sched sched.Options

	// Timeout bounds each test. Zero selects DefaultTimeout.
	Timeout time.Duration

	// TimerPeriod, if non-zero, drives a timer interrupt at that period.
	TimerPeriod time.Duration
}

// Result is the outcome of one test run.
type Result struct {
	Test     string
	Output   []string
	Duration time.Duration

	// Diff is the difference between the expected and actual output, in
	// cmp.Diff form, or empty if they match.
	Diff string

	// Err is the error the kernel stopped with, if any.
	Err error

	// Stats and Metrics are the scheduler's counters after the run.
	Stats   sched.Stats
	Metrics *metric.Registry
}

// Passed returns true if the kernel ran to completion with the expected
// output.
func (r *Result) Passed() bool {
	return r.Err == nil && r.Diff == ""
}

// Failure returns an error describing why the test failed, or nil.
func (r *Result) Failure() error {
	switch {
	case r.Err != nil:
		return fmt.Errorf("%s: %w", r.Test, r.Err)
	case r.Diff != "":
		return fmt.Errorf("%s: output mismatch (-want +got):\n%s", r.Test, r.Diff)
	default:
		return nil
	}
}

var registry = make(map[string]*Test)

func register(t *Test) {
	if _, ok := registry[t.Name]; ok {
		panic(fmt.Sprintf("duplicate self-test %q", t.Name))
	}
	registry[t.Name] = t
}

// Names returns the names of all tests, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the named test.
func Lookup(name string) (*Test, error) {
	t, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown self-test %q", name)
	}
	return t, nil
}

// Expected returns the expected output of the test.
func (t *Test) Expected() []string {
	return append([]string(nil), t.want...)
}

// Run runs the named test.
func Run(ctx context.Context, name string, opts Options) (*Result, error) {
	t, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return t.Run(ctx, opts), nil
}

// Run runs t on a fresh kernel. The main thread starts at the default
// priority.
func (t *Test) Run(ctx context.Context, opts Options) *Result {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	so := opts.Sched
	so.Metrics = metric.NewRegistry()
	k := sched.New(so)
	if opts.TimerPeriod > 0 {
		k.StartTimer(ctx, opts.TimerPeriod)
	}

	tt := &T{K: k, name: t.Name}
	start := time.Now()
	err := k.Run(ctx, "main", prio.Default, func(*sched.Thread) {
		t.main(tt)
	})
	r := &Result{
		Test:     t.Name,
		Duration: time.Since(start),
		Err:      err,
		Stats:    k.Stats(),
		Metrics:  so.Metrics,
	}
	// A halted kernel may have frozen threads mid-test; its output is only
	// read once every thread has exited.
	if err == nil {
		r.Output = tt.out
		r.Diff = cmp.Diff(t.want, tt.out)
	}
	if r.Passed() {
		log.Infof("selftest %s: PASS (%v)", t.Name, r.Duration)
	} else {
		log.Warningf("selftest %s: FAIL: %v", t.Name, r.Failure())
	}
	return r
}

// Summary is the outcome of RunAll.
type Summary struct {
	// Results are in the order the tests were named.
	Results []*Result

	// Failed is the number of failed tests, and FirstFailure describes the
	// first one to finish.
	Failed       int
	FirstFailure error
}

// RunAll runs the named tests, at most parallel at a time; parallel <= 0
// means no limit. Each test runs on its own kernel. An error is returned
// only if a test does not exist or ctx ends.
func RunAll(ctx context.Context, names []string, opts Options, parallel int) (*Summary, error) {
	tests := make([]*Test, len(names))
	for i, name := range names {
		t, err := Lookup(name)
		if err != nil {
			return nil, err
		}
		tests[i] = t
	}

	var failed sync.WaitGroupErr
	results := make([]*Result, len(tests))
	g, gctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, t := range tests {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = t.Run(gctx, opts)
			failed.ReportError(results[i].Failure())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Summary{
		Results:      results,
		Failed:       failed.Failures(),
		FirstFailure: failed.Error(),
	}, nil
}
