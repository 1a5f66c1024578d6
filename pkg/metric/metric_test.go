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

package metric

import (
	"bytes"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"kitten.dev/kitten/pkg/aspace"
	"kitten.dev/kitten/pkg/auth"
	"kitten.dev/kitten/pkg/hostarch"
	"kitten.dev/kitten/pkg/physmem"
	"kitten.dev/kitten/pkg/pmem"
	"kitten.dev/kitten/pkg/ring0/pagetables"
	"kitten.dev/kitten/pkg/syscalls"
)

const mb = 1 << 20

// find returns the value of the one metric named name whose labels include
// labels.
func find(t *testing.T, families map[string]*dto.MetricFamily, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	mf, ok := families[name]
	if !ok {
		t.Fatalf("metric %q not found", name)
	}
	var found *dto.Metric
	for _, m := range mf.GetMetric() {
		have := make(map[string]string)
		for _, l := range m.GetLabel() {
			have[l.GetName()] = l.GetValue()
		}
		matches := true
		for k, v := range labels {
			if have[k] != v {
				matches = false
				break
			}
		}
		if !matches {
			continue
		}
		if found != nil {
			t.Fatalf("metric %q has more than one value with labels %v", name, labels)
		}
		found = m
	}
	if found == nil {
		t.Fatalf("metric %q has no value with labels %v", name, labels)
	}
	return found
}

func gauge(t *testing.T, families map[string]*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	return find(t, families, name, labels).GetGauge().GetValue()
}

func counter(t *testing.T, families map[string]*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	return find(t, families, name, labels).GetCounter().GetValue()
}

func TestWrite(t *testing.T) {
	mem, err := physmem.New(physmem.Opts{Size: 32 * mb})
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	defer mem.Close()
	p := pmem.NewAllocator(mem)
	for _, r := range []pmem.Region{
		{Range: pmem.Range{Start: 0, End: 4 * mb}, Kind: pmem.Kernel},
		{Range: pmem.Range{Start: 4 * mb, End: 32 * mb}, Kind: pmem.User},
	} {
		if err := p.Add(r); err != nil {
			t.Fatalf("Add(%v): %v", r, err)
		}
	}
	tables := pagetables.NewPoolAllocator(pagetables.NewLinearSource(1<<40, 1<<40+1024*hostarch.PageSize))
	reg, err := aspace.NewRegistry(aspace.Opts{
		TableAllocator: tables,
		Regions:        p,
		Memory:         mem,
		NumCPUs:        2,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	shim := syscalls.New(syscalls.Opts{Registry: reg, Allocator: p})

	ctx := syscalls.Context{Caller: auth.Kernel}
	a, err := shim.AspaceCreate(ctx, aspace.AnyID, "a")
	if err != nil {
		t.Fatalf("AspaceCreate: %v", err)
	}
	b, err := shim.AspaceCreate(ctx, aspace.AnyID, "b")
	if err != nil {
		t.Fatalf("AspaceCreate: %v", err)
	}
	if err := shim.AspaceAddRegion(ctx, a, 0x400000, 2*mb, aspace.VMRead|aspace.VMWrite|aspace.VMUser, hostarch.HugePageSize, "heap"); err != nil {
		t.Fatalf("AspaceAddRegion: %v", err)
	}
	r, err := shim.PmemAlloc(ctx, 2*mb, 2*mb, pmem.Filter{})
	if err != nil {
		t.Fatalf("PmemAlloc: %v", err)
	}
	if err := shim.AspaceMapPmem(ctx, a, r.Start, 0x400000, 2*mb); err != nil {
		t.Fatalf("AspaceMapPmem: %v", err)
	}
	if err := shim.AspaceSmartmap(ctx, b, a, 0, aspace.WindowSize); err != nil {
		t.Fatalf("AspaceSmartmap: %v", err)
	}
	if err := shim.AspaceDestroy(ctx, 99); err == nil {
		t.Fatalf("AspaceDestroy of an unknown id succeeded")
	}

	var buf bytes.Buffer
	if err := Write(&buf, Sources{Allocator: p, Registry: reg, Tables: tables, Shim: shim}, "n0"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	families, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("parsing exposition: %v\n%s", err, buf.String())
	}

	node := map[string]string{"node": "n0"}
	for _, test := range []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"lwk_pmem_installed_bytes", node, 32 * mb},
		{"lwk_pmem_bytes", map[string]string{"kind": "user", "state": "allocated"}, 2 * mb},
		{"lwk_pmem_bytes", map[string]string{"kind": "user", "state": "free"}, 26 * mb},
		{"lwk_pmem_bytes", map[string]string{"kind": "kernel", "state": "free"}, 4 * mb},
		{"lwk_pmem_bytes", map[string]string{"kind": "boot", "state": "free"}, 0},
		{"lwk_aspaces", node, 2},
		{"lwk_aspace_regions", map[string]string{"aspace": a.String(), "name": "a"}, 1},
		{"lwk_aspace_bound_bytes", map[string]string{"aspace": a.String()}, 2 * mb},
		{"lwk_aspace_bound_bytes", map[string]string{"aspace": b.String()}, 0},
		{"lwk_aspace_tasks", map[string]string{"aspace": b.String()}, 0},
		{"lwk_smartmap_windows", node, 1},
		{"lwk_page_table_pages", node, float64(tables.Tables())},
	} {
		if got := gauge(t, families, test.name, test.labels); got != test.want {
			t.Errorf("%s%v: got %v, want %v", test.name, test.labels, got, test.want)
		}
	}
	if got := counter(t, families, "lwk_syscalls_total", map[string]string{"syscall": "aspace_destroy"}); got != 1 {
		t.Errorf("aspace_destroy calls: got %v, want 1", got)
	}
	if got := counter(t, families, "lwk_syscall_errors_total", map[string]string{"syscall": "aspace_destroy"}); got != 1 {
		t.Errorf("aspace_destroy errors: got %v, want 1", got)
	}
	if got := counter(t, families, "lwk_syscall_errors_total", map[string]string{"syscall": "aspace_create"}); got != 0 {
		t.Errorf("aspace_create errors: got %v, want 0", got)
	}

	// Free: [0, 4M) kernel and [6M, 32M) user.
	h := find(t, families, "lwk_pmem_free_extent_bytes", node).GetHistogram()
	if got := h.GetSampleCount(); got != 2 {
		t.Errorf("free extents: got %d, want 2", got)
	}
	if got := h.GetSampleSum(); got != 30*mb {
		t.Errorf("free extent bytes: got %v, want %v", got, 30*mb)
	}
	for _, b := range h.GetBucket() {
		var want uint64
		if b.GetUpperBound() >= hostarch.SuperPageSize {
			want = 2
		}
		if got := b.GetCumulativeCount(); got != want {
			t.Errorf("bucket le=%v: got %d, want %d", b.GetUpperBound(), got, want)
		}
	}
}

func TestCollectEmpty(t *testing.T) {
	s, err := Collect(Sources{})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(s.Data) != 0 {
		t.Errorf("Collect with no sources: got %d values, want none", len(s.Data))
	}
}
