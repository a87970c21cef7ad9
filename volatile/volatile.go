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

// Package volatile implements the in-memory shadow of the stable cache: the
// per-PK VPKFile holding entries added since the last flush and a bounded
// cache of stable entries materialized on demand, grouped per prefix into a
// VMultiPKFile.
package volatile

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	vcache "github.com/vesta-dev/vcache"
	"github.com/vesta-dev/vcache/fp"
)

// oldBucketCacheSize bounds the number of materialized stable cfp buckets
// kept per PKFile.
const oldBucketCacheSize = 64

// PKFile is the volatile state of one primary key.
//
// All fields are guarded by the owning MultiPKFile's mutex.
type PKFile struct {
	PK         fp.Tag
	SourceFunc string

	// FVs is the union of the free variables of every entry ever added
	// under this PK. It grows monotonically; every growth bumps Epoch.
	// Clients cache the name list keyed by epoch, which is safe exactly
	// because the list never shrinks or reorders.
	FVs   vcache.FVList
	Epoch uint32

	// New holds entries added since the last flush, also indexed by cfp.
	New      []*vcache.Entry
	newByCFP map[fp.Tag][]*vcache.Entry

	// flushing holds entries detached by a running flush. They are still
	// served by lookups until the flush lands in the stable store.
	flushing      []*vcache.Entry
	flushingByCFP map[fp.Tag][]*vcache.Entry

	// old caches stable cfp buckets materialized on demand. A nil value
	// records a definitive miss so repeated lookups skip the disk.
	old *lru.Cache[fp.Tag, []*vcache.Entry]
}

func newPKFile(pk fp.Tag) *PKFile {
	old, err := lru.New[fp.Tag, []*vcache.Entry](oldBucketCacheSize)
	if err != nil {
		panic(fmt.Errorf("lru.New(%d): %v", oldBucketCacheSize, err))
	}
	return &PKFile{
		PK:       pk,
		newByCFP: map[fp.Tag][]*vcache.Entry{},
		old:      old,
	}
}

// Extend grows the dictionary to cover the given free variables and returns
// the entry's index map. The map is nil when the entry references exactly
// the first len(names) dictionary names in identity order. grew reports
// whether the dictionary (and therefore the epoch) changed.
func (p *PKFile) Extend(names []string, types []byte) (imap []vcache.IMapPair, grew bool) {
	for i, name := range names {
		if p.FVs.Index(name) < 0 {
			p.FVs.Append(vcache.FV{Type: types[i], Name: name})
			grew = true
		}
	}
	if grew {
		p.Epoch++
	}
	identity := true
	for j, name := range names {
		if p.FVs.Names[j] != name {
			identity = false
			break
		}
	}
	if identity {
		return nil, grew
	}
	imap = make([]vcache.IMapPair, len(names))
	for j, name := range names {
		imap[j] = vcache.IMapPair{Name: uint32(p.FVs.Index(name)), FP: uint32(j)}
	}
	return imap, grew
}

// AddNew installs a freshly built entry.
func (p *PKFile) AddNew(e *vcache.Entry) {
	p.New = append(p.New, e)
	p.newByCFP[e.CFP] = append(p.newByCFP[e.CFP], e)
}

// VolatileBucket returns the unflushed entries bucketed under cfp, newest
// flush generation first.
func (p *PKFile) VolatileBucket(cfp fp.Tag) []*vcache.Entry {
	es := p.newByCFP[cfp]
	if fl := p.flushingByCFP[cfp]; len(fl) > 0 {
		es = append(append([]*vcache.Entry{}, es...), fl...)
	}
	return es
}

// OldBucket consults the materialized-stable cache. found distinguishes a
// cached miss from an uncached bucket.
func (p *PKFile) OldBucket(cfp fp.Tag) (entries []*vcache.Entry, found bool) {
	return p.old.Get(cfp)
}

// InstallOldBucket records the result of a stable-store bucket read, which
// may be nil for a definitive miss.
func (p *PKFile) InstallOldBucket(cfp fp.Tag, entries []*vcache.Entry) {
	p.old.Add(cfp, entries)
}

// DropOldBuckets discards all materialized stable entries. Called after a
// weed rewrites the underlying MultiPKFile.
func (p *PKFile) DropOldBuckets() {
	p.old.Purge()
}

// RebuildNewIndex reconstructs the cfp index over New after the caller has
// edited the list in place (recovery discharge does this).
func (p *PKFile) RebuildNewIndex() {
	byCFP := map[fp.Tag][]*vcache.Entry{}
	for _, e := range p.New {
		byCFP[e.CFP] = append(byCFP[e.CFP], e)
	}
	p.newByCFP = byCFP
}

// HasVolatile reports whether any unflushed entry exists under this PK.
func (p *PKFile) HasVolatile() bool {
	return len(p.New) > 0 || len(p.flushing) > 0
}

// MultiPKFile is the volatile shadow of one MultiPKFile prefix.
type MultiPKFile struct {
	// Mu serializes all access to the PKFiles of this prefix. It is
	// acquired after the global metadata mutexes, per the server's lock
	// order.
	Mu sync.Mutex

	Pfx vcache.Prefix
	pks map[fp.Tag]*PKFile
}

// NewMultiPKFile returns an empty volatile MultiPKFile for pfx.
func NewMultiPKFile(pfx vcache.Prefix) *MultiPKFile {
	return &MultiPKFile{Pfx: pfx, pks: map[fp.Tag]*PKFile{}}
}

// Get returns the VPKFile for pk, or nil.
//
// Callers hold Mu.
func (m *MultiPKFile) Get(pk fp.Tag) *PKFile {
	return m.pks[pk]
}

// GetOrCreate returns the VPKFile for pk, creating an empty one if absent.
//
// Callers hold Mu.
func (m *MultiPKFile) GetOrCreate(pk fp.Tag) *PKFile {
	p, ok := m.pks[pk]
	if !ok {
		p = newPKFile(pk)
		m.pks[pk] = p
	}
	return p
}

// Seed installs a VPKFile for pk primed with the stable store's dictionary.
// A non-empty seeded dictionary starts at epoch 1 so an empty (never-seen)
// PK is distinguishable from a stable one; an empty stored dictionary leaves
// the epoch at 0.
//
// Callers hold Mu.
func (m *MultiPKFile) Seed(pk fp.Tag, fvs vcache.FVList) *PKFile {
	p := m.GetOrCreate(pk)
	if p.FVs.Len() == 0 && fvs.Len() > 0 {
		p.FVs = fvs.Copy()
		if p.Epoch == 0 {
			p.Epoch = 1
		}
	}
	return p
}

// PKs returns the primary keys present.
//
// Callers hold Mu.
func (m *MultiPKFile) PKs() []fp.Tag {
	res := make([]fp.Tag, 0, len(m.pks))
	for pk := range m.pks {
		res = append(res, pk)
	}
	return res
}

// FlushSnapshot is the detached new-entry state handed to a flush.
type FlushSnapshot struct {
	Pfx      vcache.Prefix
	Dicts    map[fp.Tag]vcache.FVList
	SrcFuncs map[fp.Tag]string
	Epochs   map[fp.Tag]uint32
	Entries  map[fp.Tag][]*vcache.Entry
}

// Empty reports whether the snapshot carries no entries.
func (s *FlushSnapshot) Empty() bool { return len(s.Entries) == 0 }

// NumEntries returns the total number of detached entries.
func (s *FlushSnapshot) NumEntries() int {
	n := 0
	for _, es := range s.Entries {
		n += len(es)
	}
	return n
}

// DetachNew moves every PKFile's new list into its flushing list and
// returns a snapshot for the flush worker. Serving continues against the
// detached entries while the flush writes to the stable store. Returns nil
// if there is nothing to flush.
//
// Callers hold Mu.
func (m *MultiPKFile) DetachNew() *FlushSnapshot {
	snap := &FlushSnapshot{
		Pfx:      m.Pfx,
		Dicts:    map[fp.Tag]vcache.FVList{},
		SrcFuncs: map[fp.Tag]string{},
		Epochs:   map[fp.Tag]uint32{},
		Entries:  map[fp.Tag][]*vcache.Entry{},
	}
	for pk, p := range m.pks {
		if len(p.New) == 0 {
			continue
		}
		p.flushing = append(p.flushing, p.New...)
		for cfp, es := range p.newByCFP {
			p.flushingByCFP = mergeBuckets(p.flushingByCFP, cfp, es)
		}
		snap.Entries[pk] = p.New
		snap.Dicts[pk] = p.FVs.Copy()
		snap.SrcFuncs[pk] = p.SourceFunc
		snap.Epochs[pk] = p.Epoch
		p.New = nil
		p.newByCFP = map[fp.Tag][]*vcache.Entry{}
	}
	if snap.Empty() {
		return nil
	}
	return snap
}

func mergeBuckets(m map[fp.Tag][]*vcache.Entry, cfp fp.Tag, es []*vcache.Entry) map[fp.Tag][]*vcache.Entry {
	if m == nil {
		m = map[fp.Tag][]*vcache.Entry{}
	}
	m[cfp] = append(m[cfp], es...)
	return m
}

// CommitFlush discharges the snapshot's entries after they landed in the
// stable store. The materialized-old caches are dropped so subsequent
// lookups reread the rewritten file.
//
// Callers hold Mu.
func (m *MultiPKFile) CommitFlush(snap *FlushSnapshot) {
	for pk := range snap.Entries {
		p := m.pks[pk]
		if p == nil {
			continue
		}
		p.flushing = nil
		p.flushingByCFP = nil
		p.DropOldBuckets()
	}
}

// AbortFlush returns the snapshot's entries to the new lists after a failed
// flush so a later checkpoint retries them.
//
// Callers hold Mu.
func (m *MultiPKFile) AbortFlush(snap *FlushSnapshot) {
	for pk, es := range snap.Entries {
		p := m.pks[pk]
		if p == nil {
			continue
		}
		p.flushing = nil
		p.flushingByCFP = nil
		p.New = append(es, p.New...)
		byCFP := map[fp.Tag][]*vcache.Entry{}
		for _, e := range p.New {
			byCFP[e.CFP] = append(byCFP[e.CFP], e)
		}
		p.newByCFP = byCFP
	}
}

// Stats accumulates entry accounting for GetCacheState.
//
// Callers hold Mu.
func (m *MultiPKFile) Stats() (pkCnt int, s vcache.EntryState) {
	for _, p := range m.pks {
		pkCnt++
		for _, e := range p.New {
			s.NewEntryCnt++
			s.NewPklSize += uint64(len(e.Value))
		}
		for _, e := range p.flushing {
			s.NewEntryCnt++
			s.NewPklSize += uint64(len(e.Value))
		}
		for _, cfp := range p.old.Keys() {
			if es, ok := p.old.Peek(cfp); ok {
				for _, e := range es {
					s.OldEntryCnt++
					s.OldPklSize += uint64(len(e.Value))
				}
			}
		}
	}
	return pkCnt, s
}
