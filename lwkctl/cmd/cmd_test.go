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
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"
	"kitten.dev/kitten/lwkctl/config"
	"kitten.dev/kitten/pkg/auth"
	"kitten.dev/kitten/pkg/pmem"
	"kitten.dev/kitten/pkg/syscalls"
)

func testConfig() *config.Config {
	c := config.Default()
	c.Name = "test"
	c.CheckInvariants = true
	c.Banks = []config.Bank{
		{Start: 0, Size: 2 << 20, Kind: pmem.Boot, Name: "init_task"},
		{Start: 2 << 20, Size: 6 << 20, Kind: pmem.Kernel},
		{Start: 8 << 20, Size: 56 << 20, Kind: pmem.User, Locality: 1},
	}
	return c
}

// execute runs cmd with the given command line and returns its output.
func execute(t *testing.T, cmd subcommands.Command, out *bytes.Buffer, args ...string) subcommands.ExitStatus {
	t.Helper()
	fs := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	cmd.SetFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parsing %v: %v", args, err)
	}
	return cmd.Execute(context.Background(), fs, testConfig())
}

func TestMeminfoText(t *testing.T) {
	var out bytes.Buffer
	if status := execute(t, &Meminfo{output: output{out: &out}}, &out); status != subcommands.ExitSuccess {
		t.Fatalf("meminfo exited with %v", status)
	}
	for _, want := range []string{
		`Node "test": 64MiB installed`,
		"KIND",
		"init_task",
		"user    56MiB",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output does not contain %q:\n%s", want, out.String())
		}
	}
}

func TestMeminfoJSON(t *testing.T) {
	var out bytes.Buffer
	if status := execute(t, &Meminfo{output: output{out: &out}}, &out, "-format=json"); status != subcommands.ExitSuccess {
		t.Fatalf("meminfo exited with %v", status)
	}
	var info meminfo
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, out.String())
	}
	if info.Installed != 64<<20 || info.Node != "test" || info.PageTablePages == 0 {
		t.Errorf("got %+v", info)
	}
	// Page tables are the only allocations after boot.
	kernel := kindInfo{Kind: "kernel", Free: 6<<20 - uint64(info.PageTablePages)*4096, Allocated: uint64(info.PageTablePages) * 4096}
	if diff := cmp.Diff(kernel, info.Kinds[1]); diff != "" {
		t.Errorf("kernel memory mismatch (-want +got):\n%s", diff)
	}
	one := 1
	user := regionInfo{Start: 8 << 20, End: 64 << 20, Kind: "user", Locality: &one}
	if diff := cmp.Diff(user, info.Regions[len(info.Regions)-1]); diff != "" {
		t.Errorf("user region mismatch (-want +got):\n%s", diff)
	}
}

func TestMeminfoYAML(t *testing.T) {
	var out bytes.Buffer
	if status := execute(t, &Meminfo{output: output{out: &out}}, &out, "-format=yaml"); status != subcommands.ExitSuccess {
		t.Fatalf("meminfo exited with %v", status)
	}
	var info meminfo
	if err := yaml.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, out.String())
	}
	if info.Installed != 64<<20 || len(info.Kinds) != 3 {
		t.Errorf("got %+v", info)
	}
}

func TestMeminfoPrometheus(t *testing.T) {
	var out bytes.Buffer
	if status := execute(t, &Meminfo{output: output{out: &out}}, &out, "-format=prometheus"); status != subcommands.ExitSuccess {
		t.Fatalf("meminfo exited with %v", status)
	}
	want := `lwk_pmem_installed_bytes{node="test"} 67108864`
	if !strings.Contains(out.String(), want) {
		t.Errorf("output does not contain %q:\n%s", want, out.String())
	}
}

func TestMeminfoBadFormat(t *testing.T) {
	var out bytes.Buffer
	if status := execute(t, &Meminfo{output: output{out: &out}}, &out, "-format=xml"); status != subcommands.ExitFailure {
		t.Errorf("meminfo -format=xml exited with %v, want %v", status, subcommands.ExitFailure)
	}
}

func TestSmartmap(t *testing.T) {
	var out bytes.Buffer
	status := execute(t, &Smartmap{output: output{out: &out}}, &out, "-ranks=3", "-size=2M", "-dump")
	if status != subcommands.ExitSuccess {
		t.Fatalf("smartmap exited with %v", status)
	}
	for _, want := range []string{
		`rank 0 (aspace 1) read "hello from rank 1" at 0x10040000000`,
		`rank 1 (aspace 2) read "hello from rank 2" at 0x18040000000`,
		`rank 2 (aspace 3) read "hello from rank 0" at 0x8040000000`,
		`rank 2 (aspace 3) read "hello from rank 1" at 0x10040000000`,
		`ASPACE 3 "rank2"`,
		"2M heap",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output does not contain %q:\n%s", want, out.String())
		}
	}
}

func TestSmartmapSmallPages(t *testing.T) {
	var out bytes.Buffer
	if status := execute(t, &Smartmap{output: output{out: &out}}, &out, "-ranks=2", "-size=64K"); status != subcommands.ExitSuccess {
		t.Fatalf("smartmap exited with %v", status)
	}
	if got := strings.Count(out.String(), "hello from rank"); got != 2 {
		t.Errorf("got %d messages, want 2:\n%s", got, out.String())
	}
}

func TestSmartmapOutOfMemory(t *testing.T) {
	var out bytes.Buffer
	if status := execute(t, &Smartmap{output: output{out: &out}}, &out, "-ranks=2", "-size=1G"); status != subcommands.ExitFailure {
		t.Errorf("smartmap with 1G heaps exited with %v, want %v", status, subcommands.ExitFailure)
	}
}

func TestSmartmapUsage(t *testing.T) {
	var out bytes.Buffer
	if status := execute(t, &Smartmap{output: output{out: &out}}, &out, "-ranks=0"); status != subcommands.ExitUsageError {
		t.Errorf("smartmap -ranks=0 exited with %v, want %v", status, subcommands.ExitUsageError)
	}
}

func TestStress(t *testing.T) {
	var out bytes.Buffer
	status := execute(t, &Stress{output: output{out: &out}}, &out, "-workers=6", "-ops=300", "-seed=42")
	if status != subcommands.ExitSuccess {
		t.Fatalf("stress exited with %v", status)
	}
	var report StressReport
	if err := yaml.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, out.String())
	}
	if report.Seed != 42 || report.Workers != 6 || report.Ops != 300 {
		t.Errorf("report = %+v", report)
	}
	if report.Mapped == 0 {
		t.Errorf("nothing was mapped")
	}
	calls := make(map[string]uint64)
	for _, s := range report.Syscalls {
		calls[s.Name] = s.Calls
	}
	if got := calls["aspace_create"]; got != 6 {
		t.Errorf("aspace_create called %d times, want 6", got)
	}
	if got := calls["aspace_destroy"]; got != 6 {
		t.Errorf("aspace_destroy called %d times, want 6", got)
	}
	if calls["aspace_map_pmem"] == 0 || calls["aspace_smartmap"] == 0 {
		t.Errorf("calls = %v", calls)
	}
}

func TestStressRunDirect(t *testing.T) {
	n, err := bootNode([]any{testConfig()}, nil)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	defer shutdown(n)
	for seed := int64(1); seed <= 3; seed++ {
		if _, err := runStress(context.Background(), n, 4, 100, seed); err != nil {
			t.Fatalf("seed %d: %v", seed, err)
		}
	}
}

func TestSyscalls(t *testing.T) {
	user := auth.NewUser("test")
	admin := auth.NewPrivileged("test")
	for _, tc := range []struct {
		name   string
		caller auth.Caller
		format string
		want   []string
	}{
		{
			name:   "table",
			caller: user,
			format: "table",
			want:   []string{"NUM  NAME", "500  pmem_add", "privileged    false", "506  aspace_get_myid"},
		},
		{
			name:   "csv",
			caller: admin,
			format: "csv",
			want:   []string{"num,name,privilege,allowed\n", "507,aspace_create,privileged,true\n", "514,aspace_virt_to_phys,unprivileged,true\n"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			s := &Syscalls{output: output{out: &out}, caller: &tc.caller}
			if status := execute(t, s, &out, "-o="+tc.format); status != subcommands.ExitSuccess {
				t.Fatalf("syscalls exited with %v", status)
			}
			for _, want := range tc.want {
				if !strings.Contains(out.String(), want) {
					t.Errorf("output does not contain %q:\n%s", want, out.String())
				}
			}
		})
	}
}

func TestSyscallsJSON(t *testing.T) {
	var out bytes.Buffer
	user := auth.NewUser("test")
	s := &Syscalls{output: output{out: &out}, caller: &user}
	if status := execute(t, s, &out, "-o=json"); status != subcommands.ExitSuccess {
		t.Fatalf("syscalls exited with %v", status)
	}
	var docs []SyscallDoc
	if err := json.Unmarshal(out.Bytes(), &docs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(docs) != len(syscalls.Table) {
		t.Fatalf("got %d entries, want %d", len(docs), len(syscalls.Table))
	}
	for _, d := range docs {
		if want := d.Privilege == "unprivileged"; d.Allowed != want {
			t.Errorf("%s: allowed = %t, want %t", d.Name, d.Allowed, want)
		}
	}
}

func TestStressReportFile(t *testing.T) {
	var out bytes.Buffer
	path := filepath.Join(t.TempDir(), "report.yaml")
	if status := execute(t, &Stress{output: output{out: &out}}, &out, "-workers=2", "-ops=50", "-seed=7", "-report="+path); status != subcommands.ExitSuccess {
		t.Fatalf("stress exited with %v", status)
	}
	if out.Len() != 0 {
		t.Errorf("report written to stdout too:\n%s", out.String())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var report StressReport
	if err := yaml.Unmarshal(b, &report); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, b)
	}
	if report.Seed != 7 {
		t.Errorf("seed = %d, want 7", report.Seed)
	}
}
