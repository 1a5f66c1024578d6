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

// Package metric exports the state of a node's memory as Prometheus
// metrics.
package metric

import (
	"errors"
	"fmt"
	"io"

	"kitten.dev/kitten/pkg/aspace"
	"kitten.dev/kitten/pkg/errors/lwkerr"
	"kitten.dev/kitten/pkg/hostarch"
	"kitten.dev/kitten/pkg/pmem"
	"kitten.dev/kitten/pkg/prometheus"
	"kitten.dev/kitten/pkg/syscalls"
)

// Prefix is prepended to every metric name.
const Prefix = "lwk_"

// Metrics exported. Names are without Prefix.
var (
	PmemInstalledBytes = &prometheus.Metric{
		Name: "pmem_installed_bytes",
		Type: prometheus.TypeGauge,
		Help: "Bytes of physical memory in the partition.",
	}
	PmemRegions = &prometheus.Metric{
		Name: "pmem_regions",
		Type: prometheus.TypeGauge,
		Help: "Number of physical regions in the partition.",
	}
	PmemBytes = &prometheus.Metric{
		Name: "pmem_bytes",
		Type: prometheus.TypeGauge,
		Help: "Bytes of physical memory by kind and state.",
	}
	PmemFreeExtentBytes = &prometheus.Metric{
		Name: "pmem_free_extent_bytes",
		Type: prometheus.TypeHistogram,
		Help: "Sizes of free physical regions.",
	}
	Aspaces = &prometheus.Metric{
		Name: "aspaces",
		Type: prometheus.TypeGauge,
		Help: "Number of user address spaces.",
	}
	AspaceRegions = &prometheus.Metric{
		Name: "aspace_regions",
		Type: prometheus.TypeGauge,
		Help: "Number of virtual regions of an address space.",
	}
	AspaceBoundBytes = &prometheus.Metric{
		Name: "aspace_bound_bytes",
		Type: prometheus.TypeGauge,
		Help: "Bytes of an address space backed by physical memory.",
	}
	AspaceTasks = &prometheus.Metric{
		Name: "aspace_tasks",
		Type: prometheus.TypeGauge,
		Help: "Number of tasks running in an address space.",
	}
	SmartmapWindows = &prometheus.Metric{
		Name: "smartmap_windows",
		Type: prometheus.TypeGauge,
		Help: "Number of SMARTMAP windows installed across all address spaces.",
	}
	PageTablePages = &prometheus.Metric{
		Name: "page_table_pages",
		Type: prometheus.TypeGauge,
		Help: "Number of page table pages in use.",
	}
	Syscalls = &prometheus.Metric{
		Name: "syscalls_total",
		Type: prometheus.TypeCounter,
		Help: "Calls to each memory system call.",
	}
	SyscallErrors = &prometheus.Metric{
		Name: "syscall_errors_total",
		Type: prometheus.TypeCounter,
		Help: "Failed calls to each memory system call.",
	}
)

// freeExtentBounds are the upper bounds of PmemFreeExtentBytes buckets.
var freeExtentBounds = []int64{
	hostarch.PageSize,
	16 * hostarch.PageSize,
	hostarch.HugePageSize,
	hostarch.SuperPageSize,
}

// TableCounter counts page table pages.
type TableCounter interface {
	Tables() int
}

// Sources are what metrics are collected from. Nil sources are skipped.
type Sources struct {
	Allocator *pmem.Allocator
	Registry  *aspace.Registry
	Tables    TableCounter
	Shim      *syscalls.Shim
}

// Collect takes a snapshot of every metric.
func Collect(src Sources) (*prometheus.Snapshot, error) {
	s := prometheus.NewSnapshot()
	if a := src.Allocator; a != nil {
		collectPmem(s, a)
	}
	if r := src.Registry; r != nil {
		if err := collectAspaces(s, r); err != nil {
			return nil, err
		}
	}
	if t := src.Tables; t != nil {
		s.Add(prometheus.NewIntData(PageTablePages, int64(t.Tables())))
	}
	if sh := src.Shim; sh != nil {
		for _, st := range sh.Stats() {
			labels := map[string]string{"syscall": st.Name}
			s.Add(
				prometheus.LabeledIntData(Syscalls, labels, int64(st.Calls)),
				prometheus.LabeledIntData(SyscallErrors, labels, int64(st.Errors)),
			)
		}
	}
	return s, nil
}

func collectPmem(s *prometheus.Snapshot, a *pmem.Allocator) {
	st := a.Stats()
	s.Add(
		prometheus.NewIntData(PmemInstalledBytes, int64(st.Installed)),
		prometheus.NewIntData(PmemRegions, int64(st.Regions)),
	)
	for k := range st.ByKind {
		kind := pmem.Kind(k).String()
		s.Add(
			prometheus.LabeledIntData(PmemBytes, map[string]string{"kind": kind, "state": "free"}, int64(st.ByKind[k].Free)),
			prometheus.LabeledIntData(PmemBytes, map[string]string{"kind": kind, "state": "allocated"}, int64(st.ByKind[k].Allocated)),
		)
	}
	h := prometheus.NewHistogram(freeExtentBounds...)
	for _, r := range a.Regions() {
		if !r.Allocated {
			h.Observe(int64(r.Length()))
		}
	}
	s.Add(&prometheus.Data{Metric: PmemFreeExtentBytes, HistogramValue: h})
}

func collectAspaces(s *prometheus.Snapshot, r *aspace.Registry) error {
	var spaces, windows int64
	for _, id := range r.IDs() {
		if id == aspace.KernelID {
			continue
		}
		snap, err := r.Snapshot(id)
		if errors.Is(err, lwkerr.ErrInvalidID) {
			// Destroyed since IDs.
			continue
		}
		if err != nil {
			return fmt.Errorf("collecting address space %v: %w", id, err)
		}
		spaces++
		windows += int64(len(snap.Imports))
		var bound uintptr
		for _, rg := range snap.Regions {
			for _, b := range rg.Backing {
				bound += b.Range.Length()
			}
		}
		labels := map[string]string{"aspace": id.String(), "name": snap.Name}
		s.Add(
			prometheus.LabeledIntData(AspaceRegions, labels, int64(len(snap.Regions))),
			prometheus.LabeledIntData(AspaceBoundBytes, labels, int64(bound)),
			prometheus.LabeledIntData(AspaceTasks, labels, int64(snap.Tasks)),
		)
	}
	s.Add(
		prometheus.NewIntData(Aspaces, spaces),
		prometheus.NewIntData(SmartmapWindows, windows),
	)
	return nil
}

// Write collects every metric and writes them to w. node, if not empty, is
// added as a label to every value.
func Write(w io.Writer, src Sources, node string) error {
	s, err := Collect(src)
	if err != nil {
		return err
	}
	opts := prometheus.Options{Prefix: Prefix}
	if node != "" {
		opts.ExtraLabels = map[string]string{"node": node}
	}
	return prometheus.Write(w, s, opts)
}
