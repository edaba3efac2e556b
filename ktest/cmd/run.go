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

	"github.com/google/subcommands"
	"prisync.dev/prisync/ktest/cmd/util"
	"prisync.dev/prisync/ktest/config"
	"prisync.dev/prisync/pkg/kernel/selftest"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// all runs every self-test.
	all bool

	// parallel overrides the parallelism flag when positive.
	parallel int

	// verbose prints the output of passing tests too.
	verbose bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run kernel self-tests and check their output"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] [test...] - runs the named self-tests, or those given by --tests.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.all, "all", false, "run every self-test.")
	f.IntVar(&r.parallel, "j", 0, "number of self-tests run at once, overriding --parallelism.")
	f.BoolVar(&r.verbose, "v", false, "print the output of passing tests.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)

	names := f.Args()
	switch {
	case r.all && len(names) > 0:
		util.Errorf("--all cannot be combined with test names")
		return subcommands.ExitUsageError
	case r.all:
		names = selftest.Names()
	case len(names) == 0:
		names = conf.TestNames()
	}
	if len(names) == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if r.parallel < 0 {
		util.Errorf("-j must be >= 0, got: %d", r.parallel)
		return subcommands.ExitUsageError
	}
	parallel := conf.Parallelism
	if r.parallel > 0 {
		parallel = r.parallel
	}

	sum, err := selftest.RunAll(ctx, names, conf.SelftestOptions(), parallel)
	if err != nil {
		util.Fatalf("running self-tests: %v", err)
	}
	for _, res := range sum.Results {
		printResult(res, r.verbose)
	}
	fmt.Fprintf(stdout, "%d of %d tests passed.\n", len(sum.Results)-sum.Failed, len(sum.Results))
	if sum.Failed > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func printResult(res *selftest.Result, verbose bool) {
	if res.Passed() {
		fmt.Fprintf(stdout, "PASS %s (%v)\n", res.Test, res.Duration)
		if verbose {
			for _, line := range res.Output {
				fmt.Fprintf(stdout, "\t%s\n", line)
			}
		}
		return
	}
	fmt.Fprintf(stdout, "FAIL %s (%v)\n", res.Test, res.Duration)
	if res.Err != nil {
		fmt.Fprintf(stdout, "\t%v\n", res.Err)
	}
	if res.Diff != "" {
		fmt.Fprintf(stdout, "output mismatch (-want +got):\n%s", res.Diff)
	}
}
