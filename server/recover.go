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
	"encoding/binary"
	"fmt"

	"k8s.io/klog/v2"

	vcache "github.com/vesta-dev/vcache"
	"github.com/vesta-dev/vcache/internal/atomicfile"
	"github.com/vesta-dev/vcache/vlog"
)

func writeStableVar(path string, data []byte) error {
	return atomicfile.Write(path, data)
}

// recover rebuilds volatile state from stable state after a start:
// stableVars first, then the cache log (reinstalling and re-leasing every
// unflushed entry), then the emptied-PK log (discharging entries that had
// already been flushed before the crash), and finally the interrupted-weed
// state. The index allocator replays in cistore.Open.
func (s *Server) recover() error {
	deleting, err := s.loadDeleting()
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	hf, err := s.loadHitFilter()
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	s.hitFilter = hf
	mpks, err := s.loadMPKsToWeed()
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	entries := 0
	err = vlog.Replay(s.paths.CacheLog, nil, func(_ uint32, rec []byte) error {
		r, err := DecodeCacheLogRecord(rec)
		if err != nil {
			return err
		}
		s.installRecovered(r)
		entries++
		return nil
	})
	if err != nil {
		return fmt.Errorf("recovery: cache log replay: %w", err)
	}

	discharged := 0
	err = vlog.Replay(s.paths.EmptyPKLog, nil, func(_ uint32, rec []byte) error {
		r, err := DecodeEmptyPKRecord(rec)
		if err != nil {
			return err
		}
		discharged += s.dischargeRecovered(r)
		return nil
	})
	if err != nil {
		return fmt.Errorf("recovery: emptied-PK log replay: %w", err)
	}

	if deleting {
		// Re-enter Deleting; New restarts the deletion worker. Prefixes
		// already rewritten were removed from the pending list before the
		// crash only if saveMPKsToWeed ran; re-weeding a prefix is a no-op.
		done, err := s.loadWeededProgress()
		if err != nil {
			return fmt.Errorf("recovery: %w", err)
		}
		s.state = stateDeleting
		s.delCIs = s.hitFilter.Copy()
		s.mpksToWeed = skipWeeded(mpks, done)
		s.delDone, s.chkptOK = false, false
		klog.Infof("Recovery: resuming interrupted weed, %d MultiPKFiles left", len(s.mpksToWeed))
	}

	klog.Infof("Recovery complete: %d cache log entries replayed, %d discharged as already flushed",
		entries, discharged)
	return nil
}

// installRecovered rebuilds the volatile entry for one replayed AddEntry
// and re-leases the entry's own index. The kids' leases are not renewed.
func (s *Server) installRecovered(r *CacheLogRecord) {
	m := s.vmpkFor(vcache.PrefixOf(r.PK))
	m.Mu.Lock()
	vpk := m.Get(r.PK)
	if vpk == nil {
		if fvs, ok, err := s.store.PKFileNames(r.PK); err == nil && ok {
			vpk = m.Seed(r.PK, fvs)
		} else {
			vpk = m.GetOrCreate(r.PK)
		}
	}
	imap, _ := vpk.Extend(r.Names, r.Types)
	e := &vcache.Entry{
		CI:         r.CI,
		PK:         r.PK,
		CFP:        vcache.CombinedFP(r.FPs),
		IMap:       imap,
		FPs:        r.FPs,
		Value:      r.Value,
		Model:      r.Model,
		Kids:       r.Kids,
		Refs:       r.Refs,
		SourceFunc: r.SourceFunc,
	}
	vpk.AddNew(e)
	if vpk.SourceFunc == "" {
		vpk.SourceFunc = r.SourceFunc
	}
	m.Mu.Unlock()
	s.leases.New(r.CI)
}

// dischargeRecovered drops replayed entries that the emptied-PK log proves
// were already flushed, and pins the PKFile's epoch at its post-flush
// value.
func (s *Server) dischargeRecovered(r *EmptyPKRecord) int {
	m := s.vmpkFor(vcache.PrefixOf(r.PK))
	m.Mu.Lock()
	defer m.Mu.Unlock()
	vpk := s.materialize(m, r.PK)
	if vpk == nil {
		// The flushed PKFile may itself have been weeded since; an empty
		// VPKFile at the recorded epoch is still the right reconstruction.
		vpk = m.GetOrCreate(r.PK)
	}
	if vpk.Epoch < r.Epoch {
		vpk.Epoch = r.Epoch
	}
	if len(r.CIs) == 0 || len(vpk.New) == 0 {
		return 0
	}
	flushed := make(map[uint32]bool, len(r.CIs))
	for _, ci := range r.CIs {
		flushed[ci] = true
	}
	var kept []*vcache.Entry
	for _, e := range vpk.New {
		if !flushed[e.CI] {
			kept = append(kept, e)
		}
	}
	n := len(vpk.New) - len(kept)
	vpk.New = kept
	vpk.RebuildNewIndex()
	return n
}

// skipWeeded filters the pending prefix list by recorded progress.
func skipWeeded(pfxs []vcache.Prefix, done map[vcache.Prefix]bool) []vcache.Prefix {
	var res []vcache.Prefix
	for _, p := range pfxs {
		if !done[p] {
			res = append(res, p)
		}
	}
	return res
}

// loadWeededProgress reads the prefixes the interrupted deletion worker had
// already rewritten.
func (s *Server) loadWeededProgress() (map[vcache.Prefix]bool, error) {
	done := map[vcache.Prefix]bool{}
	err := vlog.Replay(s.paths.WeededLog, nil, func(_ uint32, rec []byte) error {
		if len(rec) != 8 {
			return fmt.Errorf("bad weed progress record of %d bytes", len(rec))
		}
		done[vcache.Prefix(binary.BigEndian.Uint64(rec))] = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return done, nil
}

