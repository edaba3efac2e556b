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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"text/tabwriter"

	"github.com/google/subcommands"
	"prisync.dev/prisync/ktest/cmd/util"
	"prisync.dev/prisync/ktest/config"
	"prisync.dev/prisync/pkg/kernel/selftest"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	format    string
	namespace string
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "run a self-test and print its scheduler counters"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [flags] <test> - runs a self-test and prints the scheduler's counters.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.format, "format", "table", "output format: table or prometheus.")
	f.StringVar(&s.namespace, "namespace", "prisync", "prefix for metric names in prometheus output.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if s.format != "table" && s.format != "prometheus" {
		util.Errorf("invalid output format %q", s.format)
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	res, err := selftest.Run(ctx, f.Arg(0), conf.SelftestOptions())
	if err != nil {
		util.Fatalf("%v", err)
	}
	if err := res.Failure(); err != nil {
		util.Errorf("%v", err)
	}

	if s.format == "prometheus" {
		if _, err := res.Metrics.WritePrometheus(stdout, s.namespace); err != nil {
			util.Fatalf("writing metrics: %v", err)
		}
	} else {
		st := res.Stats
		tw := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintf(tw, "test\t%s\n", res.Test)
		fmt.Fprintf(tw, "duration\t%v\n", res.Duration)
		fmt.Fprintf(tw, "context switches\t%d\n", st.ContextSwitches)
		fmt.Fprintf(tw, "preemptions\t%d\n", st.Preemptions)
		fmt.Fprintf(tw, "blocks\t%d\n", st.Blocks)
		fmt.Fprintf(tw, "interrupts\t%d\n", st.Interrupts)
		fmt.Fprintf(tw, "ticks\t%d\n", st.Ticks)
		fmt.Fprintf(tw, "donations\t%d\n", st.Donations)
		fmt.Fprintf(tw, "reversions\t%d\n", st.Reversions)
		fmt.Fprintf(tw, "threads created\t%d\n", st.ThreadsCreated)
		if err := tw.Flush(); err != nil {
			util.Fatalf("writing output: %v", err)
		}
	}

	if !res.Passed() {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
