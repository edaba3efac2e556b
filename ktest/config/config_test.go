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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"prisync.dev/prisync/pkg/kernel/sched"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	return fs
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ktest.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlagSet())
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	want := sched.Options{DetectDeadlock: true, DeepChain: 8}
	if diff := cmp.Diff(want, c.SchedOptions()); diff != "" {
		t.Errorf("SchedOptions() mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFlags(t *testing.T) {
	fs := newFlagSet()
	args := []string{
		"--debug",
		"--log-format=json",
		"--time-slice=4",
		"--timer-period=2ms",
		"--tests=priority-sema, priority-donate-one",
		"--parallelism=3",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	c, err := NewFromFlags(fs)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Debug || c.LogFormat != "json" || c.TimeSlice != 4 || c.TimerPeriod != 2*time.Millisecond || c.Parallelism != 3 {
		t.Errorf("NewFromFlags() got: %+v", c)
	}
	if diff := cmp.Diff([]string{"priority-sema", "priority-donate-one"}, c.TestNames()); diff != "" {
		t.Errorf("TestNames() mismatch (-want +got):\n%s", diff)
	}
	so := c.SelftestOptions()
	if so.TimerPeriod != 2*time.Millisecond || so.Sched.TimeSlice != 4 {
		t.Errorf("SelftestOptions() got: %+v", so)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	fs := newFlagSet()
	fs.Set("debug", "true")
	fs.Set("deep-chain", "8") // Matches default value.
	fs.Set("timeout", "1m")
	fs.Set("detect-deadlock", "false")
	c, err := NewFromFlags(fs)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"--debug=true", "--detect-deadlock=false", "--timeout=1m0s"}
	if diff := cmp.Diff(want, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags() mismatch (-want +got):\n%s", diff)
	}

	// Feed the flags back in and check that the result is the same.
	fs2 := newFlagSet()
	if err := fs2.Parse(c.ToFlags()); err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	c2, err := NewFromFlags(fs2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c, c2); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestValidation(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
		want string
	}{
		{name: "log format", args: []string{"--log-format=xml"}, want: "invalid log format"},
		{name: "negative slice", args: []string{"--time-slice=-1"}, want: "time-slice"},
		{name: "slice without timer", args: []string{"--time-slice=2"}, want: "requires a timer-period"},
		{name: "unknown test", args: []string{"--tests=nope"}, want: "unknown self-test"},
		{name: "negative parallelism", args: []string{"--parallelism=-2"}, want: "parallelism"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fs := newFlagSet()
			if err := fs.Parse(tc.args); err != nil {
				t.Fatalf("Parse() failed: %v", err)
			}
			_, err := NewFromFlags(fs)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("NewFromFlags() got: %v, expected an error containing %q", err, tc.want)
			}
		})
	}
}

func TestFileOverriddenByCommandLine(t *testing.T) {
	path := writeFile(t, `
version = "v1.1.0"

[flags]
debug = "true"
time-slice = "4"
timer-period = "1ms"
parallelism = "2"
`)
	fs := newFlagSet()
	if err := fs.Parse([]string{"--config=" + path, "--parallelism=5"}); err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	c, err := NewFromFlagsAndFile(fs)
	if err != nil {
		t.Fatalf("NewFromFlagsAndFile() failed: %v", err)
	}
	if !c.Debug || c.TimeSlice != 4 || c.TimerPeriod != time.Millisecond {
		t.Errorf("file values not applied: %+v", c)
	}
	if c.Parallelism != 5 {
		t.Errorf("Parallelism got: %d, expected: 5", c.Parallelism)
	}
}

func TestFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		want    string
	}{
		{name: "bad version", content: `version = "1.0"`, want: "invalid version"},
		{name: "major version", content: `version = "v2.0.0"`, want: "unsupported version"},
		{name: "newer minor", content: `version = "v1.2.0"`, want: "newer than the supported"},
		{name: "unknown key", content: "colour = \"blue\"\n", want: "unknown keys"},
		{name: "unknown flag", content: "[flags]\nno-such-flag = \"1\"\n", want: "not found"},
		{name: "nested config", content: "[flags]\nconfig = \"other.toml\"\n", want: "cannot be set"},
		{name: "bad value", content: "[flags]\ntime-slice = \"many\"\n", want: "error setting flag"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fs := newFlagSet()
			if err := fs.Parse([]string{"--config=" + writeFile(t, tc.content)}); err != nil {
				t.Fatalf("Parse() failed: %v", err)
			}
			_, err := NewFromFlagsAndFile(fs)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("NewFromFlagsAndFile() got: %v, expected an error containing %q", err, tc.want)
			}
		})
	}
}

func TestFileDefaultVersion(t *testing.T) {
	f, err := LoadFile(writeFile(t, "[flags]\ndebug = \"true\"\n"))
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}
	if diff := cmp.Diff(&File{Flags: map[string]string{"debug": "true"}}, f); diff != "" {
		t.Errorf("LoadFile() mismatch (-want +got):\n%s", diff)
	}
}
