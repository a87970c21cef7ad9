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
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	vcache "github.com/vesta-dev/vcache"
	"github.com/vesta-dev/vcache/fp"
	"github.com/vesta-dev/vcache/graphlog"
	"github.com/vesta-dev/vcache/volatile"
)

// FreeVariables returns the free-variable dictionary of pk at its current
// epoch. isEmpty reports that neither the volatile nor the stable cache
// knows pk, in which case the evaluator skips Lookup.
func (s *Server) FreeVariables(pk fp.Tag) (names vcache.FVList, epoch uint32, isEmpty bool) {
	s.cnts.freeVars.Add(1)
	s.metrics.freeVars.Add(context.Background(), 1)

	m := s.vmpkFor(vcache.PrefixOf(pk))
	m.Mu.Lock()
	defer m.Mu.Unlock()
	vpk := s.materialize(m, pk)
	if vpk == nil {
		return vcache.FVList{}, 0, true
	}
	return vpk.FVs.Copy(), vpk.Epoch, false
}

// materialize returns the VPKFile for pk, seeding it from the stable store
// on first touch. Returns nil if pk is unknown everywhere. An unreadable or
// corrupted MultiPKFile serves as empty; the path is reported and no
// entries are synthesized.
//
// Callers hold m.Mu.
func (s *Server) materialize(m *volatile.MultiPKFile, pk fp.Tag) *volatile.PKFile {
	if vpk := m.Get(pk); vpk != nil {
		return vpk
	}
	fvs, ok, err := s.store.PKFileNames(pk)
	if err != nil {
		klog.Errorf("Unreadable MultiPKFile %q, serving as empty: %v", s.store.Path(vcache.PrefixOf(pk)), err)
		return nil
	}
	if !ok {
		return nil
	}
	return m.Seed(pk, fvs)
}

// Lookup matches the caller's value-fingerprint vector against the entries
// of pk. The epoch guards the caller's cached name list: a stale epoch
// means its vector is ordered by an outdated dictionary.
func (s *Server) Lookup(pk fp.Tag, epoch uint32, fps []fp.Tag) (vcache.LookupResult, vcache.CI, []byte) {
	s.cnts.lookup.Add(1)
	s.metrics.lookups.Add(context.Background(), 1)

	hf := s.hitFilterSnapshot()
	m := s.vmpkFor(vcache.PrefixOf(pk))
	m.Mu.Lock()
	vpk := s.materialize(m, pk)
	if vpk == nil {
		m.Mu.Unlock()
		return vcache.LookupMiss, 0, nil
	}
	if vpk.Epoch != epoch {
		m.Mu.Unlock()
		return vcache.LookupFVMismatch, 0, nil
	}

	cfp := vcache.CombinedFP(fps)
	cands := vpk.VolatileBucket(cfp)
	if old, found := vpk.OldBucket(cfp); found {
		cands = append(cands, old...)
	} else {
		es, err := s.store.LookupBucket(pk, cfp)
		if err != nil {
			// The volatile side remains authoritative; the stable bucket is
			// simply unavailable this time, so no miss is cached.
			klog.Warningf("Lookup: MultiPKFile read for pk %v failed: %v", pk, err)
		} else {
			vpk.InstallOldBucket(cfp, es)
			cands = append(cands, es...)
		}
	}

	var hit *vcache.Entry
	for _, e := range cands {
		if hf.Read(e.CI) {
			continue
		}
		if e.FPsMatch(fps) {
			hit = e
			break
		}
	}
	m.Mu.Unlock()

	if hit == nil {
		return vcache.LookupMiss, 0, nil
	}
	if err := s.leases.Renew(hit.CI); err != nil {
		// The entry outlived its lease. It is still a usable hit, but
		// the index stays unleased: Checkpoint reports NoLease for it and
		// AddEntry refuses it as a kid.
		klog.V(1).Infof("Lookup hit on unleased index %d", hit.CI)
	}
	s.metrics.hits.Add(context.Background(), 1)
	return vcache.LookupHit, hit.CI, hit.Value
}

// AddEntryRequest carries the arguments of one AddEntry call.
type AddEntryRequest struct {
	PK         fp.Tag
	Names      []string
	Types      []byte
	FPs        []fp.Tag
	Value      []byte
	Model      uint32
	Kids       []uint32
	Refs       []uint32
	SourceFunc string
}

// AddEntry admits a new cache entry. On success the entry and its index
// allocation are durable before AddEntry returns, and the new index plus
// every kid holds a fresh lease.
func (s *Server) AddEntry(req *AddEntryRequest) (vcache.AddEntryResult, vcache.CI, error) {
	s.cnts.addEntry.Add(1)
	s.metrics.addEntries.Add(context.Background(), 1)

	if err := s.fatalState(); err != nil {
		return 0, 0, fmt.Errorf("cache log unavailable: %w", err)
	}
	if len(req.Names) != len(req.FPs) || len(req.Names) != len(req.Types) {
		return vcache.BadAddEntryArgs, 0, nil
	}
	seen := make(map[string]bool, len(req.Names))
	for _, n := range req.Names {
		if seen[n] {
			return vcache.BadAddEntryArgs, 0, nil
		}
		seen[n] = true
	}
	if !s.leases.AllLeased(req.Kids) {
		return vcache.AddNoLease, 0, nil
	}

	ci, err := s.ci.Alloc()
	if err != nil {
		s.fatal(err)
		return 0, 0, err
	}

	m := s.vmpkFor(vcache.PrefixOf(req.PK))
	m.Mu.Lock()
	vpk := s.materialize(m, req.PK)
	if vpk == nil {
		vpk = m.GetOrCreate(req.PK)
	}
	imap, _ := vpk.Extend(req.Names, req.Types)
	e := &vcache.Entry{
		CI:         ci,
		PK:         req.PK,
		CFP:        vcache.CombinedFP(req.FPs),
		IMap:       imap,
		FPs:        req.FPs,
		Value:      req.Value,
		Model:      req.Model,
		Kids:       req.Kids,
		Refs:       req.Refs,
		SourceFunc: req.SourceFunc,
	}
	vpk.AddNew(e)
	if vpk.SourceFunc == "" {
		vpk.SourceFunc = req.SourceFunc
	}
	m.Mu.Unlock()

	s.leases.New(ci)
	for _, kid := range req.Kids {
		s.leases.New(kid)
	}

	rec := &CacheLogRecord{
		PK:         req.PK,
		CI:         ci,
		Names:      req.Names,
		Types:      req.Types,
		FPs:        req.FPs,
		Value:      req.Value,
		Model:      req.Model,
		Kids:       req.Kids,
		Refs:       req.Refs,
		SourceFunc: req.SourceFunc,
	}
	if err := s.cacheLog.AppendSync(rec.Encode()); err != nil {
		s.fatal(err)
		return 0, 0, err
	}
	if err := s.graph.Append(&graphlog.Node{
		CI:         ci,
		PK:         req.PK,
		Model:      req.Model,
		Kids:       req.Kids,
		Refs:       req.Refs,
		SourceFunc: req.SourceFunc,
		TS:         time.Now(),
	}); err != nil {
		klog.Errorf("AddEntry: graph log append failed: %v", err)
	}
	return vcache.EntryAdded, ci, nil
}

// RenewLeases renews each index's lease. allOk reports whether every index
// was still leased.
func (s *Server) RenewLeases(cis []uint32) bool {
	allOk := true
	for _, ci := range cis {
		if err := s.leases.Renew(ci); err != nil {
			allOk = false
		}
	}
	return allOk
}

// Checkpoint records an evaluation root in the graph log and flushes the
// volatile cache to the stable store. With done set the call returns only
// after every flush completed; otherwise the flush proceeds in the
// background.
func (s *Server) Checkpoint(pkgVersion fp.Tag, model uint32, cis []uint32, done bool) (noLease bool, err error) {
	if !s.leases.AllLeased(cis) {
		return true, nil
	}
	if err := s.graph.Append(&graphlog.Root{
		PkgVersion: pkgVersion,
		Model:      model,
		CIs:        cis,
		Done:       done,
		TS:         time.Now(),
	}); err != nil {
		return false, err
	}
	if err := s.graph.Flush(); err != nil {
		return false, err
	}
	if done {
		return false, s.FlushAll()
	}
	go func() {
		if err := s.FlushAll(); err != nil {
			klog.Errorf("Background checkpoint flush failed: %v", err)
		}
	}()
	return false, nil
}

// FlushAll flushes every volatile MultiPKFile with unflushed entries into
// the stable store and rotates the cache log.
//
// The ordering makes every entry exactly-once across a crash at any point:
//  1. A new cache log generation opens without a checkpoint marker, so
//     earlier generations still replay.
//  2. New entries are detached per prefix and merged into their
//     MultiPKFiles; each success appends an emptied-PK record naming the
//     flushed indices, so replay can discharge any of them that also
//     appear in a replayed generation.
//  3. Only after every merge landed is the checkpoint marker written,
//     superseding the pre-rotation generations.
func (s *Server) FlushAll() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if _, err := s.cacheLog.RotateNoCheckpoint(); err != nil {
		s.fatal(err)
		return err
	}
	if _, err := s.emptyLog.RotateNoCheckpoint(); err != nil {
		s.fatal(err)
		return err
	}

	s.vmu.Lock()
	vmpks := make([]*volatile.MultiPKFile, 0, len(s.vmpks))
	for _, m := range s.vmpks {
		vmpks = append(vmpks, m)
	}
	s.vmu.Unlock()

	g := &errgroup.Group{}
	g.SetLimit(s.cfg.FlushWorkers)
	var recsMu sync.Mutex
	var recs []*EmptyPKRecord
	for _, m := range vmpks {
		g.Go(func() error {
			m.Mu.Lock()
			snap := m.DetachNew()
			m.Mu.Unlock()
			if snap == nil {
				return nil
			}
			err := s.store.Update(snap.Pfx, snap.Dicts, snap.SrcFuncs, snap.Entries)
			m.Mu.Lock()
			if err != nil {
				m.AbortFlush(snap)
			} else {
				m.CommitFlush(snap)
			}
			m.Mu.Unlock()
			if err != nil {
				return fmt.Errorf("failed to flush MultiPKFile %v: %w", snap.Pfx, err)
			}
			recsMu.Lock()
			for pk, es := range snap.Entries {
				cis := make([]uint32, len(es))
				for i, e := range es {
					cis[i] = e.CI
				}
				recs = append(recs, &EmptyPKRecord{PK: pk, Epoch: snap.Epochs[pk], CIs: cis})
			}
			recsMu.Unlock()
			s.metrics.flushes.Add(context.Background(), 1)
			return nil
		})
	}
	flushErr := g.Wait()

	// Emptied-PK records are written even on partial failure: the prefixes
	// that did land must be discharged on replay.
	for _, rec := range recs {
		if err := s.emptyLog.Append(rec.Encode()); err != nil {
			s.fatal(err)
			return err
		}
	}
	if err := s.emptyLog.Sync(); err != nil {
		s.fatal(err)
		return err
	}
	if flushErr != nil {
		return flushErr
	}

	if err := s.cacheLog.WriteCheckpoint(nil); err != nil {
		s.fatal(err)
		return err
	}
	// Emptied-PK records older than this flush's generation only discharge
	// entries in the generations just superseded, so they may go too.
	if err := s.emptyLog.WriteCheckpoint(nil); err != nil {
		s.fatal(err)
		return err
	}
	if err := s.ci.Checkpoint(); err != nil {
		s.fatal(err)
		return err
	}
	klog.V(1).Infof("Flush complete, cache log at generation %d", s.cacheLog.Version())
	return nil
}
