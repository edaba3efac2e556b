// Copyright 2018 The gVisor Authors.
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

package log

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(expected, tw.lines); diff != "" {
		t.Fatalf("Writer lines mismatch (-want +got):\n%s", diff)
	}
}

func TestWriterAppendsNewline(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("no newline")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}
	if want := []string{"no newline", "\n"}; !cmp.Equal(want, tw.lines) {
		t.Fatalf("Writer lines got: %q, expected: %q", tw.lines, want)
	}
}

func TestLevelFilter(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("dropped %d", 1)
	l.Infof("kept %d", 2)
	l.Warningf("kept %d", 3)
	if l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) got: true, expected: false")
	}
	l.SetLevel(Debug)
	l.Debugf("kept %d", 4)

	want := []string{"kept 2", "\n", "kept 3", "\n", "kept 4", "\n"}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Fatalf("BasicLogger output mismatch (-want +got):\n%s", diff)
	}
}

func TestGoogleEmitterHeader(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2024, time.March, 7, 13, 4, 5, 123456000, time.UTC)
	e.Emit(0, Warning, ts, "thread %s blocked", "main")

	if len(tw.lines) == 0 {
		t.Fatalf("GoogleEmitter wrote nothing")
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "W0307 13:04:05.123456 ") {
		t.Errorf("header got: %q, expected prefix %q", line, "W0307 13:04:05.123456 ")
	}
	if !strings.Contains(line, "log_test.go:") {
		t.Errorf("caller missing from %q", line)
	}
	if !strings.HasSuffix(line, "] thread main blocked\n") {
		t.Errorf("message got: %q", line)
	}
}

func TestRateLimited(t *testing.T) {
	tw := &testWriter{}
	base := &BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}
	rl := BurstLogger(base, time.Hour, 2)
	for i := 0; i < 5; i++ {
		rl.Warningf("chain %d", i)
	}
	want := []string{"chain 0", "\n", "chain 1", "\n"}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Fatalf("rate limited output mismatch (-want +got):\n%s", diff)
	}
}

func TestPatternOpts(t *testing.T) {
	ts := time.Date(2024, time.January, 2, 3, 4, 5, 0, time.UTC)
	opts := PatternOpts{Command: "run", Timestamp: ts}
	for _, tc := range []struct {
		pattern string
		want    string
	}{
		{pattern: "/tmp/k.log", want: "/tmp/k.log"},
		{pattern: "/tmp/%COMMAND%.log", want: "/tmp/run.log"},
		{pattern: "/tmp/logs/", want: "/tmp/logs/ktest.log.20240102-030405.000000.run"},
	} {
		if got := opts.Build(tc.pattern); got != tc.want {
			t.Errorf("Build(%q) got: %q, expected: %q", tc.pattern, got, tc.want)
		}
	}
}
