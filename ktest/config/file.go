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

package config

import (
	"flag"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
	"golang.org/x/mod/semver"
)

// SupportedVersion is the newest config file version understood. Files of
// the same major version and no newer are accepted.
const SupportedVersion = "v1.1.0"

// File is a ktest config file:
//
//	version = "v1.1.0"
//
//	[flags]
//	debug = "true"
//	time-slice = "4"
//	timer-period = "1ms"
//
// Each key of [flags] is converted to --key=value.
type File struct {
	// Version is the version of the file format. Empty means v1.0.0.
	Version string `toml:"version"`

	// Flags maps flag names to values.
	Flags map[string]string `toml:"flags"`
}

// LoadFile reads and checks a config file.
func LoadFile(path string) (*File, error) {
	var f File
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("error reading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %q: unknown keys %v", path, undecoded)
	}
	if err := f.checkVersion(); err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	return &f, nil
}

func (f *File) checkVersion() error {
	v := f.Version
	if v == "" {
		v = "v1.0.0"
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("invalid version %q", f.Version)
	}
	if semver.Major(v) != semver.Major(SupportedVersion) {
		return fmt.Errorf("unsupported version %s, must be %s.x", v, semver.Major(SupportedVersion))
	}
	if semver.Compare(v, SupportedVersion) > 0 {
		return fmt.Errorf("version %s is newer than the supported %s", v, SupportedVersion)
	}
	return nil
}

// Apply sets the flags of f in flagSet, except those already set on the
// command line, which take precedence.
func (f *File) Apply(flagSet *flag.FlagSet) error {
	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) {
		set[fl.Name] = true
	})

	names := make([]string, 0, len(f.Flags))
	for name := range f.Flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "config" {
			return fmt.Errorf("flag %q cannot be set from a config file", name)
		}
		if flagSet.Lookup(name) == nil {
			return fmt.Errorf("flag %q not found", name)
		}
		if set[name] {
			continue
		}
		if err := flagSet.Set(name, f.Flags[name]); err != nil {
			return fmt.Errorf("error setting flag %s=%q: %w", name, f.Flags[name], err)
		}
	}
	return nil
}

// NewFromFlagsAndFile creates a Config from flagSet after applying the
// config file named by its "config" flag, if any.
func NewFromFlagsAndFile(flagSet *flag.FlagSet) (*Config, error) {
	if path := get(flagSet.Lookup("config").Value).(string); path != "" {
		f, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if err := f.Apply(flagSet); err != nil {
			return nil, fmt.Errorf("config file %q: %w", path, err)
		}
	}
	return NewFromFlags(flagSet)
}
