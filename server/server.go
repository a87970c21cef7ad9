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

// Package server implements the cache server: the in-memory index over the
// stable store, the durable log pipeline, leases, and the weeder protocol.
//
// Lock order is fixed: weeder state, then the index allocator, then the
// lease set, then any VMultiPKFile. A thread never takes an earlier-ranked
// mutex while holding a later-ranked one. The hit filter is swapped
// wholesale under its own read/write lock and read via snapshot, so it
// stays outside the ranking.
package server

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	vcache "github.com/vesta-dev/vcache"
	"github.com/vesta-dev/vcache/bitvec"
	"github.com/vesta-dev/vcache/cistore"
	"github.com/vesta-dev/vcache/fp"
	"github.com/vesta-dev/vcache/graphlog"
	"github.com/vesta-dev/vcache/lease"
	"github.com/vesta-dev/vcache/stable"
	"github.com/vesta-dev/vcache/vlog"
	"github.com/vesta-dev/vcache/volatile"
)

// weedState is the weeder protocol state.
type weedState int

const (
	stateNormal weedState = iota
	stateMarking
	stateDeleting
)

func (s weedState) String() string {
	switch s {
	case stateNormal:
		return "Normal"
	case stateMarking:
		return "Marking"
	case stateDeleting:
		return "Deleting"
	}
	return fmt.Sprintf("weedState(%d)", int(s))
}

// instanceSeq makes instance fingerprints unique even for two servers
// started on the same address in the same clock tick.
var instanceSeq atomic.Uint64

// Server is one cache server instance.
type Server struct {
	cfg   Config
	paths Paths

	instance  fp.Tag
	startTime time.Time

	// Weeder state machine. wmu ranks first in the lock order.
	wmu        sync.Mutex
	wcond      *sync.Cond
	state      weedState
	mpksToWeed []vcache.Prefix
	delCIs     *bitvec.Vector // pending deletion set while Deleting
	delDone    bool           // deletion worker finished
	chkptOK    bool           // weeder checkpoint committed

	// Hit filter. Lookup reads a snapshot pointer; SetHitFilter swaps it.
	hfMu      sync.RWMutex
	hitFilter *bitvec.Vector

	ci     *cistore.Allocator
	leases *lease.Set

	// vmu locates VMultiPKFiles; each VMultiPKFile's own mutex ranks last.
	vmu   sync.Mutex
	vmpks map[vcache.Prefix]*volatile.MultiPKFile

	store    *stable.Store
	cacheLog *vlog.Log
	emptyLog *vlog.Log
	graph    *graphlog.Writer

	// flushMu serializes whole-cache flushes (Checkpoint step 3, FlushAll).
	flushMu sync.Mutex

	// fatalErr is set on a log append or fsync failure; AddEntry refuses
	// from then on.
	fatalMu  sync.Mutex
	fatalErr error

	cnts struct {
		freeVars atomic.Uint64
		lookup   atomic.Uint64
		addEntry atomic.Uint64
	}
	metrics *metrics

	cancel context.CancelFunc
}

// New opens or creates the cache state under the configured metadata
// directory, replays all logs, and returns a serving-ready server.
func New(ctx context.Context, cfg Config) (*Server, error) {
	cfg.applyDefaults()
	paths := NewPaths(cfg)
	if err := os.MkdirAll(paths.StableVars, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create stable vars dir: %w", err)
	}

	store, err := stable.NewStore(paths.SCache, cfg.HandleCacheSize)
	if err != nil {
		return nil, err
	}
	ci, err := cistore.Open(paths.CILog)
	if err != nil {
		return nil, err
	}
	graph, err := graphlog.NewWriter(paths.GraphLog)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Server{
		cfg:       cfg,
		paths:     paths,
		startTime: time.Now(),
		hitFilter: &bitvec.Vector{},
		ci:        ci,
		leases:    lease.NewSet(cfg.LeaseTimeout()),
		vmpks:     map[vcache.Prefix]*volatile.MultiPKFile{},
		store:     store,
		graph:     graph,
		metrics:   newMetrics(),
		cancel:    cancel,
	}
	s.wcond = sync.NewCond(&s.wmu)

	if err := s.recover(); err != nil {
		cancel()
		return nil, err
	}

	// The logs open for appending only after replay has consumed them.
	if s.cacheLog, err = vlog.Open(paths.CacheLog); err != nil {
		cancel()
		return nil, err
	}
	if s.emptyLog, err = vlog.Open(paths.EmptyPKLog); err != nil {
		cancel()
		return nil, err
	}

	s.instance = newInstanceFP(cfg, paths, s.startTime)
	s.leases.Start(ctx)

	s.wmu.Lock()
	if s.state == stateDeleting {
		// A weed was interrupted; resume its deletion worker.
		go s.runDeletion()
	}
	s.wmu.Unlock()

	klog.Infof("Cache server up: instance %v, stable cache %q, lease timeout %v",
		s.instance, paths.SCache, cfg.LeaseTimeout())
	return s, nil
}

// newInstanceFP computes the per-start instance identity. A process-unique
// counter joins the inputs so two starts in the same clock tick still
// differ.
func newInstanceFP(cfg Config, paths Paths, start time.Time) fp.Tag {
	return fp.OfText(fmt.Sprintf("%s:%s|%s|%d|%d",
		cfg.Host, cfg.Port, paths.SCache, start.UnixNano(), instanceSeq.Add(1)))
}

// Instance returns the server's instance fingerprint.
func (s *Server) Instance() fp.Tag { return s.instance }

// fatal records an unrecoverable stable-state failure. Committed entries
// stay intact; the server stops admitting new ones.
func (s *Server) fatal(err error) {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	if s.fatalErr == nil {
		s.fatalErr = err
		klog.Errorf("Fatal stable-state failure, refusing further AddEntry: %v", err)
	}
}

func (s *Server) fatalState() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatalErr
}

// Close stops background work and closes every log.
func (s *Server) Close() error {
	s.cancel()
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if s.graph != nil {
		keep(s.graph.Close())
		s.graph = nil
	}
	if s.cacheLog != nil {
		keep(s.cacheLog.Close())
	}
	if s.emptyLog != nil {
		keep(s.emptyLog.Close())
	}
	keep(s.ci.Close())
	s.store.Close()
	return first
}

// vmpkFor returns (creating if needed) the volatile MultiPKFile for pfx.
func (s *Server) vmpkFor(pfx vcache.Prefix) *volatile.MultiPKFile {
	s.vmu.Lock()
	defer s.vmu.Unlock()
	m, ok := s.vmpks[pfx]
	if !ok {
		m = volatile.NewMultiPKFile(pfx)
		s.vmpks[pfx] = m
	}
	return m
}

// hitFilterSnapshot returns the current hit filter for lock-free reads.
func (s *Server) hitFilterSnapshot() *bitvec.Vector {
	s.hfMu.RLock()
	defer s.hfMu.RUnlock()
	return s.hitFilter
}

// CacheId reports the server's identity for operators.
func (s *Server) CacheId() vcache.CacheId {
	return vcache.CacheId{
		Host:         s.cfg.Host,
		Port:         s.cfg.Port,
		StableDir:    s.paths.SCache,
		CacheVersion: vcache.Version,
		IntfVersion:  vcache.IntfVersion,
		StartTime:    s.startTime,
	}
}

// CacheState reports a point-in-time snapshot of server state.
func (s *Server) CacheState() vcache.CacheState {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	st := vcache.CacheState{
		VirtualSize:  ms.Sys,
		PhysicalSize: ms.HeapAlloc,
		Cnt: vcache.MethodCnts{
			FreeVars: s.cnts.freeVars.Load(),
			Lookup:   s.cnts.lookup.Load(),
			AddEntry: s.cnts.addEntry.Load(),
		},
		EntryCnt: uint64(s.ci.Count()),
	}

	s.vmu.Lock()
	vmpks := make([]*volatile.MultiPKFile, 0, len(s.vmpks))
	for _, m := range s.vmpks {
		vmpks = append(vmpks, m)
	}
	s.vmu.Unlock()
	for _, m := range vmpks {
		m.Mu.Lock()
		pkCnt, es := m.Stats()
		m.Mu.Unlock()
		st.VMPKCnt++
		st.VPKCnt += uint64(pkCnt)
		st.S.Add(es)
	}

	s.hfMu.RLock()
	st.HitFilterCnt = uint64(s.hitFilter.Cardinality())
	s.hfMu.RUnlock()

	s.wmu.Lock()
	if s.delCIs != nil {
		st.DelEntryCnt = uint64(s.delCIs.Cardinality())
	}
	st.MPKWeedCnt = uint64(len(s.mpksToWeed))
	s.wmu.Unlock()
	return st
}
