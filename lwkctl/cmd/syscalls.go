// Copyright 2024 The Kitten Authors.
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
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"
	"kitten.dev/kitten/pkg/auth"
	"kitten.dev/kitten/pkg/syscalls"
)

// Syscalls implements subcommands.Command for the "syscalls" command.
type Syscalls struct {
	output
	format string

	// caller overrides the caller derived from the host process.
	caller *auth.Caller
}

// SyscallDoc describes one entry point.
type SyscallDoc struct {
	Number    uintptr `json:"number"`
	Name      string  `json:"name"`
	Privilege string  `json:"privilege"`
	Allowed   bool    `json:"allowed"`
}

var syscallOutputs = map[string]func(io.Writer, []SyscallDoc) error{
	"table": syscallTable,
	"json":  syscallJSON,
	"csv":   syscallCSV,
}

// Name implements subcommands.Command.Name.
func (*Syscalls) Name() string {
	return "syscalls"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Syscalls) Synopsis() string {
	return "print the memory management system calls and whether this process may make them"
}

// Usage implements subcommands.Command.Usage.
func (*Syscalls) Usage() string {
	return `syscalls [-o=table|csv|json] - prints every system call, its privilege, and whether the
calling process is privileged enough (CAP_SYS_ADMIN) to make it
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Syscalls) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.format, "o", "table", "output format (table, csv, json).")
}

// Execute implements subcommands.Command.Execute.
func (s *Syscalls) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	out, ok := syscallOutputs[s.format]
	if !ok {
		return failure("unsupported output format %q", s.format)
	}
	var caller auth.Caller
	if s.caller != nil {
		caller = *s.caller
	} else {
		var err error
		if caller, err = auth.FromHost(); err != nil {
			return failure("%v", err)
		}
	}
	if err := out(s.writer(), syscallDocs(caller)); err != nil {
		return failure("writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

func syscallDocs(caller auth.Caller) []SyscallDoc {
	docs := make([]SyscallDoc, 0, len(syscalls.Table))
	for no, sc := range syscalls.Table {
		docs = append(docs, SyscallDoc{
			Number:    uintptr(no),
			Name:      sc.Name,
			Privilege: sc.Privilege.String(),
			Allowed:   sc.Privilege == syscalls.Unprivileged || caller.Privileged(),
		})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Number < docs[j].Number })
	return docs
}

func syscallTable(w io.Writer, docs []SyscallDoc) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", "NUM", "NAME", "PRIVILEGE", "ALLOWED")
	for _, d := range docs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\n", d.Number, d.Name, d.Privilege, d.Allowed)
	}
	return tw.Flush()
}

func syscallJSON(w io.Writer, docs []SyscallDoc) error {
	b, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func syscallCSV(w io.Writer, docs []SyscallDoc) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write([]string{"num", "name", "privilege", "allowed"}); err != nil {
		return err
	}
	for _, d := range docs {
		if err := csvWriter.Write([]string{
			strconv.FormatUint(uint64(d.Number), 10),
			d.Name,
			d.Privilege,
			strconv.FormatBool(d.Allowed),
		}); err != nil {
			return err
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}
