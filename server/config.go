// Copyright 2025 The Vesta authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries the cache server's configuration inputs.
type Config struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`

	// MetaDataRoot/MetaDataDir is the base directory of all stable state.
	// An empty MetaDataRoot means the current directory.
	MetaDataRoot string `yaml:"metaDataRoot"`
	MetaDataDir  string `yaml:"metaDataDir"`

	// LeaseTimeoutHrs is the lease half-life. LeaseTimeoutSpeedup divides
	// it, which exists so tests and staging setups can run expiry in
	// seconds rather than hours.
	LeaseTimeoutHrs     int `yaml:"leaseTimeoutHrs"`
	LeaseTimeoutSpeedup int `yaml:"leaseTimeoutSpeedup"`

	// WeederGracePeriodSecs is subtracted from the weed's start time before
	// the derived-file keep set is computed. Consumed by the weeder; the
	// server only carries it.
	WeederGracePeriodSecs int `yaml:"weederGracePeriodSecs"`

	// MaxRPCs bounds concurrently served RPCs.
	MaxRPCs int `yaml:"maxRPCs"`

	// FlushWorkers bounds MultiPKFiles rewritten in parallel at a
	// checkpoint.
	FlushWorkers int `yaml:"flushWorkers"`

	// HandleCacheSize bounds open MultiPKFile read handles.
	HandleCacheSize int `yaml:"handleCacheSize"`
}

// Default values for optional knobs.
const (
	DefaultLeaseTimeoutHrs = 1
	DefaultMaxRPCs         = 32
	DefaultFlushWorkers    = 4
	DefaultMetaDataDir     = "cache"
)

// LoadConfig reads a YAML config file and applies defaults.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	c.applyDefaults()
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == "" {
		c.Port = "21763"
	}
	if c.MetaDataRoot == "" {
		c.MetaDataRoot = "."
	}
	if c.MetaDataDir == "" {
		c.MetaDataDir = DefaultMetaDataDir
	}
	if c.LeaseTimeoutHrs <= 0 {
		c.LeaseTimeoutHrs = DefaultLeaseTimeoutHrs
	}
	if c.LeaseTimeoutSpeedup <= 0 {
		c.LeaseTimeoutSpeedup = 1
	}
	if c.MaxRPCs <= 0 {
		c.MaxRPCs = DefaultMaxRPCs
	}
	if c.FlushWorkers <= 0 {
		c.FlushWorkers = DefaultFlushWorkers
	}
}

// LeaseTimeout returns the effective lease sweep interval.
func (c Config) LeaseTimeout() time.Duration {
	return time.Duration(c.LeaseTimeoutHrs) * time.Hour / time.Duration(c.LeaseTimeoutSpeedup)
}

// Addr returns the listen address.
func (c Config) Addr() string { return c.Host + ":" + c.Port }

// Paths holds every stable-state location, derived from the base metadata
// directory.
type Paths struct {
	Base string

	SCache     string // MultiPKFiles
	CacheLog   string // cache log generations
	EmptyPKLog string // emptied-PK log
	GraphLog   string // graph log generations
	CILog      string // index interval log
	WeededLog  string // weed progress

	StableVars     string
	DeletingFile   string
	HitFilterFile  string
	MPKsToWeedFile string
}

// NewPaths derives the stable layout from the configured base directory.
func NewPaths(c Config) Paths {
	base := filepath.Join(c.MetaDataRoot, c.MetaDataDir)
	sv := filepath.Join(base, "stableVars")
	return Paths{
		Base:           base,
		SCache:         filepath.Join(base, "sCache"),
		CacheLog:       filepath.Join(base, "cacheLog"),
		EmptyPKLog:     filepath.Join(base, "emptyPKLog"),
		GraphLog:       filepath.Join(base, "graphLog"),
		CILog:          filepath.Join(base, "ciLog"),
		WeededLog:      filepath.Join(base, "weededLog"),
		StableVars:     sv,
		DeletingFile:   filepath.Join(sv, "deleting"),
		HitFilterFile:  filepath.Join(sv, "hitFilter"),
		MPKsToWeedFile: filepath.Join(sv, "mpksToWeed"),
	}
}
