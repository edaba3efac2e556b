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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/subcommands"
	"prisync.dev/prisync/ktest/cmd/util"
	"prisync.dev/prisync/pkg/kernel/selftest"
)

// List implements subcommands.Command for the "list" command.
type List struct {
	format string
}

// testDoc describes a self-test in JSON output.
type testDoc struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Expected    []string `json:"expected,omitempty"`
}

// Name implements subcommands.Command.Name.
func (*List) Name() string {
	return "list"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*List) Synopsis() string {
	return "list the kernel self-tests"
}

// Usage implements subcommands.Command.Usage.
func (*List) Usage() string {
	return `list [flags] - lists the self-tests that can be passed to run and stats.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *List) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.format, "format", "table", "output format: table or json. JSON output includes the expected output of each test.")
}

// Execute implements subcommands.Command.Execute.
func (l *List) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	var docs []testDoc
	for _, name := range selftest.Names() {
		t, err := selftest.Lookup(name)
		if err != nil {
			util.Fatalf("%v", err)
		}
		docs = append(docs, testDoc{
			Name:        t.Name,
			Description: t.Description,
			Expected:    t.Expected(),
		})
	}

	var err error
	switch l.format {
	case "table":
		err = listTable(stdout, docs)
	case "json":
		err = listJSON(stdout, docs)
	default:
		util.Errorf("invalid output format %q", l.format)
		return subcommands.ExitUsageError
	}
	if err != nil {
		util.Fatalf("writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

func listTable(w io.Writer, docs []testDoc) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION")
	for _, d := range docs {
		fmt.Fprintf(tw, "%s\t%s\n", d.Name, d.Description)
	}
	return tw.Flush()
}

func listJSON(w io.Writer, docs []testDoc) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(docs)
}
