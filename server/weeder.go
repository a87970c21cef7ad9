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
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"k8s.io/klog/v2"

	vcache "github.com/vesta-dev/vcache"
	"github.com/vesta-dev/vcache/bitvec"
	"github.com/vesta-dev/vcache/vlog"
)

// StartMark begins a weed. It blocks while a previous weed is still
// deleting, then freezes lease expiration, checkpoints the graph log, and
// returns the set of currently leased indices plus the new graph log
// generation the weeder should read from.
func (s *Server) StartMark() (liveSet *bitvec.Vector, newLogVer uint32, err error) {
	s.wmu.Lock()
	for s.state != stateNormal {
		s.wcond.Wait()
	}
	s.state = stateMarking
	s.wmu.Unlock()

	fail := func(err error) (*bitvec.Vector, uint32, error) {
		s.wmu.Lock()
		s.state = stateNormal
		s.wcond.Broadcast()
		s.wmu.Unlock()
		return nil, 0, err
	}

	// While marking, the lease set may only grow (new AddEntry, Lookup
	// renewals); nothing the weeder saw as live may silently expire.
	s.leases.DisableExpiration()

	ver, err := s.graph.Rotate()
	if err != nil {
		s.leases.EnableExpiration()
		return fail(fmt.Errorf("failed to checkpoint graph log: %w", err))
	}
	klog.Infof("Weed started: graph log at generation %d", ver)
	return s.leases.LeaseSet(), ver, nil
}

// SetHitFilter atomically replaces the hit filter. Entries named by it are
// invisible to Lookup from the next call on.
func (s *Server) SetHitFilter(cis []uint32) error {
	s.wmu.Lock()
	if s.state != stateMarking {
		s.wmu.Unlock()
		return fmt.Errorf("SetHitFilter in state %v", s.state)
	}
	s.wmu.Unlock()

	v := bitvec.OfElements(cis)
	if err := s.saveHitFilter(v); err != nil {
		return err
	}
	s.hfMu.Lock()
	s.hitFilter = v
	s.hfMu.Unlock()
	klog.Infof("Hit filter set: %d indices", len(cis))
	return nil
}

// GetLeases returns the current lease set.
func (s *Server) GetLeases() *bitvec.Vector {
	return s.leases.LeaseSet()
}

// ResumeLeaseExp re-enables lease expiration during marking. The weeder
// calls it once it has captured the lease set it will treat as roots.
func (s *Server) ResumeLeaseExp() {
	s.leases.EnableExpiration()
}

// EndMark moves the weed to Deleting: cis is persisted as the pending
// deletion set, pfxs as the MultiPKFiles awaiting rewrite. The reply names
// the graph log generation whose checkpoint the weeder must write and later
// commit. The deletion worker runs in the background while serving
// continues.
func (s *Server) EndMark(cis []uint32, pfxs []vcache.Prefix) (chkptVer uint32, err error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.state != stateMarking {
		return 0, fmt.Errorf("EndMark in state %v", s.state)
	}

	del := bitvec.OfElements(cis)
	if err := s.saveDeleting(true); err != nil {
		return 0, err
	}
	if err := s.saveMPKsToWeed(pfxs); err != nil {
		return 0, err
	}
	if err := s.saveHitFilter(del); err != nil {
		return 0, err
	}
	s.hfMu.Lock()
	s.hitFilter = del
	s.hfMu.Unlock()

	ver, err := s.graph.Rotate()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate graph checkpoint generation: %w", err)
	}

	s.leases.EnableExpiration()
	s.state = stateDeleting
	s.delCIs = del
	s.mpksToWeed = pfxs
	s.delDone, s.chkptOK = false, false
	go s.runDeletion()

	klog.Infof("Weed marking ended: %d indices to delete across %d MultiPKFiles, checkpoint generation %d",
		len(cis), len(pfxs), ver)
	return ver, nil
}

// runDeletion rewrites each pending MultiPKFile without the condemned
// entries, recording progress so a crash resumes where it left off.
func (s *Server) runDeletion() {
	s.wmu.Lock()
	pfxs := append([]vcache.Prefix{}, s.mpksToWeed...)
	del := s.delCIs
	s.wmu.Unlock()

	weeded, err := vlog.Open(s.paths.WeededLog)
	if err != nil {
		klog.Errorf("Weed: failed to open progress log: %v", err)
		return
	}
	defer weeded.Close()

	for _, pfx := range pfxs {
		dropped, err := s.store.Weed(pfx, del)
		if err != nil {
			klog.Errorf("Weed: failed to rewrite MultiPKFile %v: %v", pfx, err)
			return
		}
		// Materialized old entries for this prefix now reflect a stale
		// file; drop them.
		m := s.vmpkFor(pfx)
		m.Mu.Lock()
		for _, pk := range m.PKs() {
			m.Get(pk).DropOldBuckets()
		}
		m.Mu.Unlock()

		var rec [8]byte
		binary.BigEndian.PutUint64(rec[:], uint64(pfx))
		if err := weeded.AppendSync(rec[:]); err != nil {
			klog.Errorf("Weed: failed to record progress: %v", err)
			return
		}
		s.wmu.Lock()
		s.mpksToWeed = s.mpksToWeed[1:]
		s.wmu.Unlock()
		klog.V(1).Infof("Weeded MultiPKFile %v: %d entries dropped", pfx, dropped)
	}

	// The condemned indices are gone from the stable store; release their
	// slots in the allocator's bitmap (they are never reallocated).
	if err := s.ci.Remove(del); err != nil {
		klog.Errorf("Weed: failed to retire deleted indices: %v", err)
		return
	}
	if err := s.saveMPKsToWeed(nil); err != nil {
		klog.Errorf("Weed: %v", err)
		return
	}
	if _, err := weeded.Rotate(nil); err != nil {
		klog.Errorf("Weed: failed to reset progress log: %v", err)
	}

	s.wmu.Lock()
	s.delDone = true
	s.maybeFinishWeedLocked()
	s.wmu.Unlock()
	klog.Infof("Weed deletion complete: %d indices retired", del.Cardinality())
}

// CommitChkpt installs the weeder-written graph log checkpoint. accepted is
// false if the named file does not exist; outside the deleting state the
// call fails with an error.
func (s *Server) CommitChkpt(chkptFileName string) (accepted bool, err error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.state != stateDeleting {
		return false, fmt.Errorf("CommitChkpt in state %v", s.state)
	}
	if _, err := os.Stat(chkptFileName); err != nil {
		return false, nil
	}
	if err := s.graph.InstallCheckpoint(chkptFileName); err != nil {
		return false, err
	}
	s.chkptOK = true
	s.maybeFinishWeedLocked()
	klog.Infof("Weeder checkpoint %q committed", chkptFileName)
	return true, nil
}

// maybeFinishWeedLocked returns the server to Normal once both the deletion
// worker and the checkpoint commit have happened.
//
// Callers hold wmu.
func (s *Server) maybeFinishWeedLocked() {
	if !s.delDone || !s.chkptOK {
		return
	}
	empty := &bitvec.Vector{}
	if err := s.saveHitFilter(empty); err != nil {
		klog.Errorf("Weed: failed to clear hit filter: %v", err)
		return
	}
	if err := s.saveDeleting(false); err != nil {
		klog.Errorf("Weed: %v", err)
		return
	}
	s.hfMu.Lock()
	s.hitFilter = empty
	s.hfMu.Unlock()
	s.delCIs = nil
	s.state = stateNormal
	s.wcond.Broadcast()
	klog.Infof("Weed finished, back to %v", s.state)
}

// WeederRecovering is called by a restarting weeder. conflict reports that
// another weed is already in progress so the caller must stand down. A
// weeder that had finished marking reattaches to a resumed Deleting state.
func (s *Server) WeederRecovering(doneMarking bool) (conflict bool) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	switch s.state {
	case stateMarking:
		return true
	case stateDeleting:
		// A weeder that had finished marking reattaches to the resumed
		// deletion; one that had not must wait for it to drain.
		return !doneMarking
	}
	return false
}

// --- stableVars persistence ---

func (s *Server) saveDeleting(v bool) error {
	b := []byte("0")
	if v {
		b = []byte("1")
	}
	if err := writeStableVar(s.paths.DeletingFile, b); err != nil {
		return fmt.Errorf("failed to save deleting flag: %w", err)
	}
	return nil
}

func (s *Server) loadDeleting() (bool, error) {
	b, err := os.ReadFile(s.paths.DeletingFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return len(b) > 0 && b[0] == '1', nil
}

func (s *Server) saveHitFilter(v *bitvec.Vector) error {
	var buf bytes.Buffer
	if err := v.Write(&buf); err != nil {
		return err
	}
	if err := writeStableVar(s.paths.HitFilterFile, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to save hit filter: %w", err)
	}
	return nil
}

func (s *Server) loadHitFilter() (*bitvec.Vector, error) {
	f, err := os.Open(s.paths.HitFilterFile)
	if err != nil {
		if os.IsNotExist(err) {
			return &bitvec.Vector{}, nil
		}
		return nil, err
	}
	defer f.Close()
	v := &bitvec.Vector{}
	if err := v.Decode(f); err != nil {
		if err == io.EOF {
			return &bitvec.Vector{}, nil
		}
		return nil, err
	}
	return v, nil
}

func (s *Server) saveMPKsToWeed(pfxs []vcache.Prefix) error {
	var buf bytes.Buffer
	var b [8]byte
	binary.BigEndian.PutUint32(b[:4], uint32(len(pfxs)))
	buf.Write(b[:4])
	for _, p := range pfxs {
		binary.BigEndian.PutUint64(b[:], uint64(p))
		buf.Write(b[:])
	}
	if err := writeStableVar(s.paths.MPKsToWeedFile, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to save pending weed prefixes: %w", err)
	}
	return nil
}

func (s *Server) loadMPKsToWeed() ([]vcache.Prefix, error) {
	raw, err := os.ReadFile(s.paths.MPKsToWeedFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("truncated %q", s.paths.MPKsToWeedFile)
	}
	n := binary.BigEndian.Uint32(raw)
	if len(raw) < 4+8*int(n) {
		return nil, fmt.Errorf("truncated %q", s.paths.MPKsToWeedFile)
	}
	pfxs := make([]vcache.Prefix, n)
	for i := range pfxs {
		pfxs[i] = vcache.Prefix(binary.BigEndian.Uint64(raw[4+8*i:]))
	}
	return pfxs, nil
}
