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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	units "github.com/docker/go-units"
	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"
	"kitten.dev/kitten/lwkctl/boot"
	"kitten.dev/kitten/pkg/metric"
	"kitten.dev/kitten/pkg/pmem"
)

// Meminfo implements subcommands.Command for the "meminfo" command.
type Meminfo struct {
	output
	format string
}

// Name implements subcommands.Command.Name.
func (*Meminfo) Name() string {
	return "meminfo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Meminfo) Synopsis() string {
	return "boot the node and print its physical memory map"
}

// Usage implements subcommands.Command.Usage.
func (*Meminfo) Usage() string {
	return `meminfo [-format=text|json|yaml|prometheus] - prints the physical memory of a freshly booted node
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Meminfo) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.format, "format", "text", "output format: text, json, yaml or prometheus.")
}

// Execute implements subcommands.Command.Execute.
func (m *Meminfo) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	n, err := bootNode(args, m.writer())
	if err != nil {
		return failure("booting node: %v", err)
	}
	defer shutdown(n)

	if err := writeMeminfo(m.writer(), n, m.format); err != nil {
		return failure("writing memory info: %v", err)
	}
	return subcommands.ExitSuccess
}

// regionInfo is the serialized form of a pmem.Region.
type regionInfo struct {
	Start     uint64 `json:"start" yaml:"start"`
	End       uint64 `json:"end" yaml:"end"`
	Kind      string `json:"kind" yaml:"kind"`
	Locality  *int   `json:"locality,omitempty" yaml:"locality,omitempty"`
	Allocated bool   `json:"allocated" yaml:"allocated"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
}

type kindInfo struct {
	Kind      string `json:"kind" yaml:"kind"`
	Free      uint64 `json:"free" yaml:"free"`
	Allocated uint64 `json:"allocated" yaml:"allocated"`
}

type meminfo struct {
	Node           string       `json:"node" yaml:"node"`
	Installed      uint64       `json:"installed" yaml:"installed"`
	PageTablePages int          `json:"pageTablePages" yaml:"pageTablePages"`
	Kinds          []kindInfo   `json:"kinds" yaml:"kinds"`
	Regions        []regionInfo `json:"regions" yaml:"regions"`
}

func collectMeminfo(n *boot.Node) *meminfo {
	stats := n.Allocator.Stats()
	info := &meminfo{
		Node:           n.Config.Name,
		Installed:      stats.Installed,
		PageTablePages: n.Tables.Tables(),
	}
	for _, k := range []pmem.Kind{pmem.Boot, pmem.Kernel, pmem.User} {
		info.Kinds = append(info.Kinds, kindInfo{
			Kind:      k.String(),
			Free:      stats.ByKind[k].Free,
			Allocated: stats.ByKind[k].Allocated,
		})
	}
	for _, r := range n.Allocator.Regions() {
		ri := regionInfo{
			Start:     r.Start,
			End:       r.End,
			Kind:      r.Kind.String(),
			Allocated: r.Allocated,
			Name:      r.Name,
		}
		if loc, ok := r.Locality.Get(); ok {
			ri.Locality = &loc
		}
		info.Regions = append(info.Regions, ri)
	}
	return info
}

func writeMeminfo(w io.Writer, n *boot.Node, format string) error {
	switch format {
	case "text":
		info := collectMeminfo(n)
		fmt.Fprintf(w, "Node %q: %s installed in %d regions, %d page table pages\n\n",
			info.Node, units.BytesSize(float64(info.Installed)), len(info.Regions), info.PageTablePages)
		tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "KIND\tFREE\tALLOCATED")
		for _, k := range info.Kinds {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", k.Kind, units.BytesSize(float64(k.Free)), units.BytesSize(float64(k.Allocated)))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(w)
		return n.Allocator.Dump(w)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(collectMeminfo(n))
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(collectMeminfo(n))
	case "prometheus":
		return metric.Write(w, metric.Sources{
			Allocator: n.Allocator,
			Registry:  n.Registry,
			Tables:    n.Tables,
			Shim:      n.Shim,
		}, n.Config.Name)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
