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

package volatile

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	vcache "github.com/vesta-dev/vcache"
	"github.com/vesta-dev/vcache/fp"
)

func TestExtendGrowsDictionaryAndEpoch(t *testing.T) {
	p := newPKFile(fp.OfText("A"))
	if p.Epoch != 0 {
		t.Fatalf("fresh PKFile epoch = %d, want 0", p.Epoch)
	}

	imap, grew := p.Extend([]string{"x"}, []byte{'N'})
	if !grew || p.Epoch != 1 {
		t.Errorf("first Extend: grew=%v epoch=%d, want true, 1", grew, p.Epoch)
	}
	if imap != nil {
		t.Errorf("identity-order subset produced imap %v, want nil", imap)
	}

	// Same names again: no growth, no epoch bump.
	if _, grew := p.Extend([]string{"x"}, []byte{'N'}); grew {
		t.Error("re-adding known name reported growth")
	}
	if p.Epoch != 1 {
		t.Errorf("epoch = %d after no-op Extend, want 1", p.Epoch)
	}

	imap, grew = p.Extend([]string{"x", "y"}, []byte{'N', 'N'})
	if !grew || p.Epoch != 2 {
		t.Errorf("growing Extend: grew=%v epoch=%d, want true, 2", grew, p.Epoch)
	}
	if imap != nil {
		t.Errorf("full identity-order dictionary produced imap %v, want nil", imap)
	}
}

func TestExtendSubsetOutOfOrder(t *testing.T) {
	p := newPKFile(fp.OfText("A"))
	if _, grew := p.Extend([]string{"x", "y", "z"}, []byte{'N', 'N', 'N'}); !grew {
		t.Fatal("initial Extend did not grow")
	}

	// An entry referencing only "z" (dictionary index 2) needs a map.
	imap, grew := p.Extend([]string{"z"}, []byte{'N'})
	if grew {
		t.Error("subset Extend reported growth")
	}
	want := []vcache.IMapPair{{Name: 2, FP: 0}}
	if diff := cmp.Diff(want, imap); diff != "" {
		t.Errorf("imap diff (-want +got):\n%s", diff)
	}

	// Out-of-order references need a map too.
	imap, _ = p.Extend([]string{"y", "x"}, []byte{'N', 'N'})
	want = []vcache.IMapPair{{Name: 1, FP: 0}, {Name: 0, FP: 1}}
	if diff := cmp.Diff(want, imap); diff != "" {
		t.Errorf("out-of-order imap diff (-want +got):\n%s", diff)
	}
}

func entry(ci uint32, cfp fp.Tag) *vcache.Entry {
	return &vcache.Entry{CI: ci, CFP: cfp, Value: []byte("v")}
}

func TestDetachCommitAbort(t *testing.T) {
	pk := fp.OfText("A")
	m := NewMultiPKFile(vcache.PrefixOf(pk))
	p := m.GetOrCreate(pk)
	cfp := fp.OfText("cfp")
	p.AddNew(entry(1, cfp))
	p.AddNew(entry(2, cfp))

	snap := m.DetachNew()
	if snap == nil || snap.NumEntries() != 2 {
		t.Fatalf("DetachNew = %+v, want 2 entries", snap)
	}
	// Detached entries are still served.
	if got := p.VolatileBucket(cfp); len(got) != 2 {
		t.Errorf("VolatileBucket after detach = %d entries, want 2", len(got))
	}
	// New arrivals during the flush accumulate separately.
	p.AddNew(entry(3, cfp))
	if got := p.VolatileBucket(cfp); len(got) != 3 {
		t.Errorf("VolatileBucket during flush = %d entries, want 3", len(got))
	}

	m.CommitFlush(snap)
	if got := p.VolatileBucket(cfp); len(got) != 1 || got[0].CI != 3 {
		t.Errorf("VolatileBucket after commit = %+v, want just ci 3", got)
	}

	// Abort returns entries to the new list for a retry.
	snap = m.DetachNew()
	if snap == nil || snap.NumEntries() != 1 {
		t.Fatalf("second DetachNew = %+v, want 1 entry", snap)
	}
	m.AbortFlush(snap)
	if got := p.VolatileBucket(cfp); len(got) != 1 || got[0].CI != 3 {
		t.Errorf("VolatileBucket after abort = %+v, want ci 3 back in new", got)
	}
	if snap := m.DetachNew(); snap == nil || snap.NumEntries() != 1 {
		t.Errorf("detach after abort = %+v, want the returned entry", snap)
	}
}

func TestDetachNewEmpty(t *testing.T) {
	m := NewMultiPKFile(0)
	if snap := m.DetachNew(); snap != nil {
		t.Errorf("DetachNew on empty = %+v, want nil", snap)
	}
}

func TestOldBucketCache(t *testing.T) {
	p := newPKFile(fp.OfText("A"))
	cfp := fp.OfText("cfp")
	if _, found := p.OldBucket(cfp); found {
		t.Error("uncached bucket reported found")
	}
	p.InstallOldBucket(cfp, nil) // definitive miss
	if es, found := p.OldBucket(cfp); !found || es != nil {
		t.Errorf("cached miss = (%v, %v), want (nil, true)", es, found)
	}
	p.InstallOldBucket(cfp, []*vcache.Entry{entry(7, cfp)})
	if es, found := p.OldBucket(cfp); !found || len(es) != 1 {
		t.Errorf("cached bucket = (%v, %v), want 1 entry", es, found)
	}
	p.DropOldBuckets()
	if _, found := p.OldBucket(cfp); found {
		t.Error("bucket survived DropOldBuckets")
	}
}

func TestSeedEpoch(t *testing.T) {
	pk := fp.OfText("A")
	m := NewMultiPKFile(vcache.PrefixOf(pk))
	dict := vcache.FVList{}
	dict.Append(vcache.FV{Type: 'N', Name: "x"})
	p := m.Seed(pk, dict)
	if p.Epoch != 1 {
		t.Errorf("seeded epoch = %d, want 1", p.Epoch)
	}
	if p.FVs.Len() != 1 || p.FVs.Names[0] != "x" {
		t.Errorf("seeded dictionary = %+v", p.FVs)
	}
	// Seeding again is a no-op.
	m.Seed(pk, dict)
	if p.Epoch != 1 {
		t.Errorf("epoch after reseed = %d, want 1", p.Epoch)
	}
}

func TestStats(t *testing.T) {
	pk := fp.OfText("A")
	m := NewMultiPKFile(vcache.PrefixOf(pk))
	p := m.GetOrCreate(pk)
	p.AddNew(entry(1, fp.OfText("c1")))
	p.InstallOldBucket(fp.OfText("c2"), []*vcache.Entry{entry(2, fp.OfText("c2"))})

	pkCnt, s := m.Stats()
	if pkCnt != 1 {
		t.Errorf("pkCnt = %d, want 1", pkCnt)
	}
	if s.NewEntryCnt != 1 || s.OldEntryCnt != 1 {
		t.Errorf("stats = %+v, want 1 new, 1 old", s)
	}
}
