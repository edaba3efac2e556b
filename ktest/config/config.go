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

// Package config provides basic infrastructure to set configuration settings
// for ktest. ktest uses command line flags to set configuration properties,
// optionally preceded by a TOML config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"prisync.dev/prisync/pkg/kernel/sched"
	"prisync.dev/prisync/pkg/kernel/selftest"
	"prisync.dev/prisync/pkg/log"
)

// Config holds configuration that is not part of the individual commands.
// Fields tagged with `flag` are populated from the flag of that name.
type Config struct {
	// ConfigFile is the path to a TOML file whose flag values apply unless
	// set on the command line.
	ConfigFile string `flag:"config"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFilename is the filename to log to, if not empty. It may contain
	// %TIMESTAMP% and %COMMAND%.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// TimeSlice is the number of timer ticks a thread runs before it yields
	// to threads of equal priority. Zero disables time slicing.
	TimeSlice int `flag:"time-slice"`

	// TimerPeriod is the timer interrupt period. Zero disables the timer.
	TimerPeriod time.Duration `flag:"timer-period"`

	// DetectDeadlock makes a test fail as soon as every thread is blocked.
	DetectDeadlock bool `flag:"detect-deadlock"`

	// DeepChain is the donation chain length that triggers a warning.
	DeepChain int `flag:"deep-chain"`

	// Timeout bounds each self-test.
	Timeout time.Duration `flag:"timeout"`

	// Tests is a comma-separated list of self-tests run by default.
	Tests string `flag:"tests"`

	// Parallelism is the number of self-tests run at once. Zero means no
	// limit.
	Parallelism int `flag:"parallelism"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.TimeSlice < 0 {
		return fmt.Errorf("time-slice must be >= 0, got: %d", c.TimeSlice)
	}
	if c.TimeSlice > 0 && c.TimerPeriod == 0 {
		return fmt.Errorf("time-slice %d requires a timer-period", c.TimeSlice)
	}
	if c.TimerPeriod < 0 || c.Timeout < 0 {
		return fmt.Errorf("durations must be >= 0, got: timer-period %v, timeout %v", c.TimerPeriod, c.Timeout)
	}
	if c.DeepChain < 0 || c.Parallelism < 0 {
		return fmt.Errorf("deep-chain and parallelism must be >= 0, got: %d, %d", c.DeepChain, c.Parallelism)
	}
	for _, name := range c.TestNames() {
		if _, err := selftest.Lookup(name); err != nil {
			return err
		}
	}
	return nil
}

// TestNames returns the self-tests listed in Tests.
func (c *Config) TestNames() []string {
	var names []string
	for _, name := range strings.Split(c.Tests, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// SchedOptions returns the scheduler options of c.
func (c *Config) SchedOptions() sched.Options {
	return sched.Options{
		TimeSlice:      c.TimeSlice,
		DetectDeadlock: c.DetectDeadlock,
		DeepChain:      c.DeepChain,
	}
}

// SelftestOptions returns the self-test options of c.
func (c *Config) SelftestOptions() selftest.Options {
	return selftest.Options{
		Sched:       c.SchedOptions(),
		Timeout:     c.Timeout,
		TimerPeriod: c.TimerPeriod,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, f := range c.ToFlags() {
		log.Infof("\t%s", f)
	}
}
