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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
)

// RegisterFlags registers the flags that override the configuration file.
func RegisterFlags(fs *flag.FlagSet) {
	d := Default()
	fs.String("config", "", "path to a TOML node configuration file.")
	fs.Bool("debug", d.Debug, "enable debug logging.")
	fs.String("log", d.LogFilename, "file path where logs go. Empty means stderr.")
	fs.String("log-format", d.LogFormat, "log format: text (default) or json.")
	fs.String("memory-file", d.MemoryFile, "file that backs physical memory. Empty means an anonymous file.")
	fs.Uint("cpus", d.CPUs, "number of present CPUs.")
	fs.Bool("check-invariants", d.CheckInvariants, "check the memory core's invariants after every change.")
}

// NewFromFlags loads the file named by the "config" flag, if any, then
// applies every flag set on the command line over it.
func NewFromFlags(fs *flag.FlagSet) (*Config, error) {
	var (
		conf *Config
		err  error
	)
	if path := fs.Lookup("config").Value.String(); path != "" {
		conf, err = Load(path)
	} else {
		conf = Default()
	}
	if err != nil {
		return nil, err
	}
	if err := conf.applyFlags(fs); err != nil {
		return nil, err
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// applyFlags sets every field whose flag was given explicitly.
func (c *Config) applyFlags(fs *flag.FlagSet) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok || !set[name] {
			continue
		}
		val := fs.Lookup(name).Value.String()
		if err := setField(obj.Field(i), val); err != nil {
			return fmt.Errorf("invalid value %q for flag --%s: %w", val, name, err)
		}
	}
	return nil
}

func setField(field reflect.Value, val string) error {
	switch field.Kind() {
	case reflect.Bool:
		v, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		field.SetBool(v)
	case reflect.String:
		field.SetString(val)
	case reflect.Uint, reflect.Uint64:
		v, err := strconv.ParseUint(val, 0, 64)
		if err != nil {
			return err
		}
		field.SetUint(v)
	default:
		panic(fmt.Sprintf("field type %v not supported", field.Type()))
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%v", name, obj.Field(i).Interface()))
	}
	return rv
}
