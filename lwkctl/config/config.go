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

// Package config holds the configuration of a simulated node: its memory
// banks, CPUs and the knobs of the memory core, read from a TOML file and
// overridden by flags.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
	"github.com/mohae/deepcopy"
	"kitten.dev/kitten/pkg/hostarch"
	"kitten.dev/kitten/pkg/log"
	"kitten.dev/kitten/pkg/pmem"
)

// Size is a byte count. In TOML and flags it is written as a number, a hex
// number, or a size such as "64M" or "1GiB". Suffixes are binary.
type Size uint64

// ParseSize parses a Size.
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		return Size(v), nil
	}
	v, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid size %q: negative", s)
	}
	return Size(v), nil
}

// String implements fmt.Stringer.String.
func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%#x", uint64(s))), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Size) UnmarshalText(b []byte) error {
	v, err := ParseSize(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Set implements flag.Value.Set.
func (s *Size) Set(v string) error {
	return s.UnmarshalText([]byte(v))
}

// Bank is a range of physical memory installed at boot.
type Bank struct {
	// Start is the first byte of the bank.
	Start Size `toml:"start"`

	// Size is the length of the bank.
	Size Size `toml:"size"`

	// Kind is the owner class of the bank's memory.
	Kind pmem.Kind `toml:"kind"`

	// Locality is the bank's NUMA locality group. Negative means unknown.
	Locality int `toml:"locality"`

	// Name labels the bank.
	Name string `toml:"name"`
}

// Range returns the physical range of b.
func (b *Bank) Range() pmem.Range {
	return pmem.Range{Start: uint64(b.Start), End: uint64(b.Start) + uint64(b.Size)}
}

// Region returns the physical region b installs.
func (b *Bank) Region() pmem.Region {
	r := pmem.Region{Range: b.Range(), Kind: b.Kind, Name: b.Name}
	if b.Locality >= 0 {
		r.Locality = pmem.Some(b.Locality)
	}
	return r
}

// Config is the configuration of a node.
//
// Fields tagged with "flag" may be overridden on the command line.
type Config struct {
	// Name names the node in logs and metric labels.
	Name string `toml:"name"`

	// Debug enables debug logging.
	Debug bool `toml:"debug" flag:"debug"`

	// LogFilename is the file logs are written to. Empty means stderr.
	LogFilename string `toml:"log" flag:"log"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format" flag:"log-format"`

	// MemoryFile is the file that holds physical memory. Empty means an
	// anonymous memory file.
	MemoryFile string `toml:"memory_file" flag:"memory-file"`

	// CPUs is the number of present CPUs.
	CPUs uint `toml:"cpus" flag:"cpus"`

	// PageSizes are the page sizes regions may use.
	PageSizes []Size `toml:"page_sizes"`

	// DirectMapSize is the size of the kernel's direct map.
	DirectMapSize Size `toml:"direct_map_size"`

	// CheckInvariants makes every mutation check the core's invariants.
	CheckInvariants bool `toml:"check_invariants" flag:"check-invariants"`

	// Banks are the installed memory banks.
	Banks []Bank `toml:"bank"`
}

var defaultConfig = Config{
	Name:      "node0",
	LogFormat: "text",
	CPUs:      4,
	PageSizes: []Size{hostarch.PageSize, hostarch.HugePageSize, hostarch.SuperPageSize},
	Banks: []Bank{
		{Start: 0, Size: 2 << 20, Kind: pmem.Boot, Locality: 0, Name: "init_task"},
		{Start: 2 << 20, Size: 30 << 20, Kind: pmem.Kernel, Locality: 0},
		{Start: 32 << 20, Size: 480 << 20, Kind: pmem.User, Locality: 0},
	},
}

// Default returns the default configuration: 4 CPUs and 512MB of memory
// in one locality group.
func Default() *Config {
	return deepcopy.Copy(&defaultConfig).(*Config)
}

// Load reads the TOML file at path over the defaults. Banks in the file
// replace the default banks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(string(data))
}

// Parse reads a TOML document over the defaults.
func Parse(doc string) (*Config, error) {
	c := Default()
	c.Banks = nil
	md, err := toml.Decode(doc, c)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parsing config: unknown keys %v", undecoded)
	}
	if !md.IsDefined("bank") {
		c.Banks = Default().Banks
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// MemorySize returns the size of physical memory: the end of the highest
// bank.
func (c *Config) MemorySize() uint64 {
	var end uint64
	for i := range c.Banks {
		if e := c.Banks[i].Range().End; e > end {
			end = e
		}
	}
	return end
}

// PageSizeList returns PageSizes as uintptrs.
func (c *Config) PageSizeList() []uintptr {
	sizes := make([]uintptr, 0, len(c.PageSizes))
	for _, s := range c.PageSizes {
		sizes = append(sizes, uintptr(s))
	}
	return sizes
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.CPUs == 0 {
		return fmt.Errorf("a node needs at least one CPU")
	}
	for _, s := range c.PageSizes {
		if !hostarch.PageSizeValid(uintptr(s)) {
			return fmt.Errorf("unsupported page size %#x", uint64(s))
		}
	}
	if len(c.Banks) == 0 {
		return fmt.Errorf("no memory banks")
	}
	banks := make([]*Bank, 0, len(c.Banks))
	for i := range c.Banks {
		b := &c.Banks[i]
		r := b.Range()
		if !r.WellFormed() || r.Start%hostarch.PageSize != 0 || r.End%hostarch.PageSize != 0 {
			return fmt.Errorf("bank %v is empty or not page aligned", r)
		}
		banks = append(banks, b)
	}
	sort.Slice(banks, func(i, j int) bool { return banks[i].Start < banks[j].Start })
	for i := 1; i < len(banks); i++ {
		if banks[i-1].Range().Overlaps(banks[i].Range()) {
			return fmt.Errorf("bank %v overlaps bank %v", banks[i].Range(), banks[i-1].Range())
		}
	}
	return nil
}

// Log logs the configuration.
func (c *Config) Log() {
	log.Infof("Node %q: %d CPUs, %v of memory, page sizes %v", c.Name, c.CPUs, Size(c.MemorySize()), c.PageSizes)
	for i := range c.Banks {
		b := &c.Banks[i]
		log.Infof("  bank %v %v locality=%d %s", b.Range(), b.Kind, b.Locality, b.Name)
	}
	log.Debugf("  memory file=%q direct map=%v check invariants=%t", c.MemoryFile, c.DirectMapSize, c.CheckInvariants)
}
