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
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	vcache "github.com/vesta-dev/vcache"
	"github.com/vesta-dev/vcache/client"
	"github.com/vesta-dev/vcache/fp"
	"github.com/vesta-dev/vcache/vlog"
)

type testCache struct {
	s     *Server
	pool  *client.Pool
	cache *client.Cache
	weed  *client.Weeder
	dbg   *client.Debug
	addr  string
	dir   string
}

func startCache(t *testing.T, dir string) *testCache {
	t.Helper()
	ctx := context.Background()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	host, port, _ := net.SplitHostPort(l.Addr().String())
	cfg := Config{
		Host:                host,
		Port:                port,
		MetaDataRoot:        dir,
		LeaseTimeoutHrs:     1,
		LeaseTimeoutSpeedup: 1,
	}
	s, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sctx, cancel := context.WithCancel(ctx)
	go func() {
		if err := s.Serve(sctx, l); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()

	pool, err := client.Dial(ctx, l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	tc := &testCache{
		s:     s,
		pool:  pool,
		cache: client.NewCache(pool),
		weed:  client.NewWeeder(pool),
		dbg:   client.NewDebug(pool),
		addr:  l.Addr().String(),
		dir:   dir,
	}
	t.Cleanup(func() {
		pool.Close()
		cancel()
		s.Close()
	})
	return tc
}

func addEntry(t *testing.T, tc *testCache, pkText string, names []string, fps []fp.Tag, value string) vcache.CI {
	t.Helper()
	types := make([]byte, len(names))
	for i := range types {
		types[i] = 'N'
	}
	res, ci, err := tc.cache.AddEntry(context.Background(), &client.AddEntryArgs{
		PK:         fp.OfText(pkText),
		Names:      names,
		Types:      types,
		FPs:        fps,
		Value:      []byte(value),
		SourceFunc: "test.ves",
	})
	if err != nil {
		t.Fatalf("AddEntry(%s): %v", pkText, err)
	}
	if res != vcache.EntryAdded {
		t.Fatalf("AddEntry(%s) = %v, want EntryAdded", pkText, res)
	}
	return ci
}

func TestSimpleHit(t *testing.T) {
	tc := startCache(t, t.TempDir())
	ctx := context.Background()

	ci := addEntry(t, tc, "A", []string{"x"}, []fp.Tag{fp.OfText("1")}, "v1")

	names, epoch, isEmpty, err := tc.cache.FreeVariables(ctx, fp.OfText("A"))
	if err != nil {
		t.Fatalf("FreeVariables: %v", err)
	}
	if isEmpty {
		t.Fatal("FreeVariables reported A empty after AddEntry")
	}
	if diff := cmp.Diff([]string{"x"}, names.Names); diff != "" {
		t.Errorf("names diff (-want +got):\n%s", diff)
	}
	if epoch != 1 {
		t.Errorf("epoch = %d, want 1", epoch)
	}

	res, gotCI, value, err := tc.cache.Lookup(ctx, fp.OfText("A"), epoch, []fp.Tag{fp.OfText("1")})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res != vcache.LookupHit || gotCI != ci || string(value) != "v1" {
		t.Errorf("Lookup = (%v, %d, %q), want (Hit, %d, \"v1\")", res, gotCI, value, ci)
	}

	// A different fingerprint vector misses.
	res, _, _, err = tc.cache.Lookup(ctx, fp.OfText("A"), epoch, []fp.Tag{fp.OfText("2")})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res != vcache.LookupMiss {
		t.Errorf("Lookup with different fps = %v, want Miss", res)
	}
}

func TestUnknownPKIsEmpty(t *testing.T) {
	tc := startCache(t, t.TempDir())
	_, _, isEmpty, err := tc.cache.FreeVariables(context.Background(), fp.OfText("never-seen"))
	if err != nil {
		t.Fatalf("FreeVariables: %v", err)
	}
	if !isEmpty {
		t.Error("FreeVariables on unknown PK: isEmpty = false")
	}
}

func TestZeroNamesEntry(t *testing.T) {
	tc := startCache(t, t.TempDir())
	ctx := context.Background()

	ci := addEntry(t, tc, "const", nil, nil, "const-value")
	_, epoch, isEmpty, err := tc.cache.FreeVariables(ctx, fp.OfText("const"))
	if err != nil || isEmpty {
		t.Fatalf("FreeVariables: isEmpty=%v err=%v", isEmpty, err)
	}
	res, gotCI, value, err := tc.cache.Lookup(ctx, fp.OfText("const"), epoch, nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res != vcache.LookupHit || gotCI != ci || string(value) != "const-value" {
		t.Errorf("Lookup = (%v, %d, %q), want hit on the zero-name entry", res, gotCI, value)
	}
}

func TestNameGrowthFVMismatch(t *testing.T) {
	tc := startCache(t, t.TempDir())
	ctx := context.Background()

	addEntry(t, tc, "A", []string{"x"}, []fp.Tag{fp.OfText("1")}, "v1")
	_, epoch1, _, err := tc.cache.FreeVariables(ctx, fp.OfText("A"))
	if err != nil {
		t.Fatalf("FreeVariables: %v", err)
	}

	// A second entry introduces "y", bumping the epoch.
	addEntry(t, tc, "A", []string{"x", "y"}, []fp.Tag{fp.OfText("1"), fp.OfText("2")}, "v2")

	res, _, _, err := tc.cache.Lookup(ctx, fp.OfText("A"), epoch1, []fp.Tag{fp.OfText("1")})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res != vcache.LookupFVMismatch {
		t.Errorf("Lookup with stale epoch = %v, want FVMismatch", res)
	}

	names, epoch2, _, err := tc.cache.FreeVariables(ctx, fp.OfText("A"))
	if err != nil {
		t.Fatalf("FreeVariables: %v", err)
	}
	if epoch2 != epoch1+1 {
		t.Errorf("epoch after growth = %d, want %d", epoch2, epoch1+1)
	}
	if diff := cmp.Diff([]string{"x", "y"}, names.Names); diff != "" {
		t.Errorf("grown names diff (-want +got):\n%s", diff)
	}

	// The refetched vector hits the second entry.
	res, _, value, err := tc.cache.Lookup(ctx, fp.OfText("A"), epoch2, []fp.Tag{fp.OfText("1"), fp.OfText("2")})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res != vcache.LookupHit || string(value) != "v2" {
		t.Errorf("Lookup after refetch = (%v, %q), want (Hit, \"v2\")", res, value)
	}
}

func TestAddEntryArgValidation(t *testing.T) {
	tc := startCache(t, t.TempDir())
	ctx := context.Background()

	// Duplicate names.
	res, _, err := tc.cache.AddEntry(ctx, &client.AddEntryArgs{
		PK:    fp.OfText("A"),
		Names: []string{"x", "x"},
		Types: []byte{'N', 'N'},
		FPs:   []fp.Tag{fp.OfText("1"), fp.OfText("2")},
	})
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if res != vcache.BadAddEntryArgs {
		t.Errorf("duplicate names = %v, want BadAddEntryArgs", res)
	}

	// Unleased kid.
	res, _, err = tc.cache.AddEntry(ctx, &client.AddEntryArgs{
		PK:   fp.OfText("A"),
		Kids: []uint32{12345},
	})
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if res != vcache.AddNoLease {
		t.Errorf("unleased kid = %v, want NoLease", res)
	}
}

func TestFlushThenHitFromStable(t *testing.T) {
	tc := startCache(t, t.TempDir())
	ctx := context.Background()

	ci := addEntry(t, tc, "A", []string{"x"}, []fp.Tag{fp.OfText("1")}, "v1")
	if err := tc.dbg.FlushAll(ctx); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}

	_, epoch, _, err := tc.cache.FreeVariables(ctx, fp.OfText("A"))
	if err != nil {
		t.Fatalf("FreeVariables: %v", err)
	}
	res, gotCI, value, err := tc.cache.Lookup(ctx, fp.OfText("A"), epoch, []fp.Tag{fp.OfText("1")})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res != vcache.LookupHit || gotCI != ci || string(value) != "v1" {
		t.Errorf("Lookup after flush = (%v, %d, %q), want stable hit", res, gotCI, value)
	}
}

func TestLeaseExpiryThenCheckpointNoLease(t *testing.T) {
	tc := startCache(t, t.TempDir())
	ctx := context.Background()

	ci := addEntry(t, tc, "A", []string{"x"}, []fp.Tag{fp.OfText("1")}, "v1")
	if ok, err := tc.cache.RenewLeases(ctx, []uint32{ci}); err != nil || !ok {
		t.Fatalf("RenewLeases = %v, %v", ok, err)
	}

	// Two sweeps with no touch in between expire the lease.
	tc.s.leases.ExpireNow()
	tc.s.leases.ExpireNow()

	if ok, err := tc.cache.RenewLeases(ctx, []uint32{ci}); err != nil || ok {
		t.Fatalf("RenewLeases after expiry = %v, %v; want false", ok, err)
	}
	noLease, err := tc.cache.Checkpoint(ctx, fp.OfText("pkg"), 1, []uint32{ci}, true)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if !noLease {
		t.Error("Checkpoint with expired lease succeeded, want NoLease")
	}
}

func TestRecovery(t *testing.T) {
	dir := t.TempDir()
	tc := startCache(t, dir)
	ctx := context.Background()

	ci := addEntry(t, tc, "A", []string{"x"}, []fp.Tag{fp.OfText("1")}, "v1")
	// No flush: the entry lives only in the cache log. Tear down as a
	// crash would: the volatile state is simply gone.
	tc.pool.Close()
	if err := tc.s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tc2 := startCache(t, dir)
	_, epoch, isEmpty, err := tc2.cache.FreeVariables(ctx, fp.OfText("A"))
	if err != nil || isEmpty {
		t.Fatalf("FreeVariables after recovery: isEmpty=%v err=%v", isEmpty, err)
	}
	res, gotCI, value, err := tc2.cache.Lookup(ctx, fp.OfText("A"), epoch, []fp.Tag{fp.OfText("1")})
	if err != nil {
		t.Fatalf("Lookup after recovery: %v", err)
	}
	if res != vcache.LookupHit || gotCI != ci || string(value) != "v1" {
		t.Errorf("Lookup after recovery = (%v, %d, %q), want the replayed entry", res, gotCI, value)
	}

	// The allocator must not reuse the replayed entry's index.
	if next := tc2.s.ci.Next(); next <= ci {
		t.Errorf("allocator next = %d after recovery, want > %d", next, ci)
	}
}

func TestRecoveryAfterFlushDoesNotDuplicate(t *testing.T) {
	dir := t.TempDir()
	tc := startCache(t, dir)
	ctx := context.Background()

	ci := addEntry(t, tc, "A", []string{"x"}, []fp.Tag{fp.OfText("1")}, "v1")
	if err := tc.dbg.FlushAll(ctx); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	tc.pool.Close()
	if err := tc.s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tc2 := startCache(t, dir)
	_, epoch, _, err := tc2.cache.FreeVariables(ctx, fp.OfText("A"))
	if err != nil {
		t.Fatalf("FreeVariables: %v", err)
	}
	res, gotCI, _, err := tc2.cache.Lookup(ctx, fp.OfText("A"), epoch, []fp.Tag{fp.OfText("1")})
	if err != nil || res != vcache.LookupHit || gotCI != ci {
		t.Fatalf("Lookup = (%v, %d, err %v), want stable hit on %d", res, gotCI, err, ci)
	}
	// The flushed entry must not have been resurrected as a volatile one.
	st := tc2.s.CacheState()
	if st.S.NewEntryCnt != 0 {
		t.Errorf("recovered server has %d volatile entries, want 0", st.S.NewEntryCnt)
	}
}

func TestInstanceGuard(t *testing.T) {
	dir := t.TempDir()
	tc := startCache(t, dir)
	ctx := context.Background()
	addEntry(t, tc, "A", []string{"x"}, []fp.Tag{fp.OfText("1")}, "v1")

	// Keep the old pool, restart the server on the same address.
	addr := tc.addr
	tc.pool.Close()
	if err := tc.s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("re-Listen(%s): %v", addr, err)
	}
	host, port, _ := net.SplitHostPort(addr)
	s2, err := New(ctx, Config{Host: host, Port: port, MetaDataRoot: dir, LeaseTimeoutHrs: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s2.Close()
	go func() { _ = s2.Serve(sctx, l) }()

	// The stale pool reconnects to the new server but still presents the
	// old instance fingerprint.
	_, _, err = tc.cache.AddEntry(ctx, &client.AddEntryArgs{PK: fp.OfText("A")})
	if !errors.Is(err, client.ErrInstanceMismatch) {
		t.Fatalf("stale AddEntry error = %v, want ErrInstanceMismatch", err)
	}

	// No record was written for the refused call.
	recs := 0
	if err := vlog.Replay(filepath.Join(dir, "cache", "cacheLog"), nil, func(_ uint32, _ []byte) error {
		recs++
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if recs != 1 {
		t.Errorf("cache log holds %d records, want only the original entry", recs)
	}
}

func TestWeedRemovesTargetedCI(t *testing.T) {
	tc := startCache(t, t.TempDir())
	ctx := context.Background()

	ci17 := addEntry(t, tc, "A", []string{"x"}, []fp.Tag{fp.OfText("1")}, "v1")
	ci18 := addEntry(t, tc, "A", []string{"x"}, []fp.Tag{fp.OfText("2")}, "v2")
	if err := tc.dbg.FlushAll(ctx); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}

	liveSet, _, err := tc.weed.StartMark(ctx)
	if err != nil {
		t.Fatalf("StartMark: %v", err)
	}
	live := map[uint32]bool{}
	for _, ci := range liveSet {
		live[ci] = true
	}
	if !live[ci17] || !live[ci18] {
		t.Fatalf("liveSet %v missing %d or %d", liveSet, ci17, ci18)
	}

	if err := tc.weed.SetHitFilter(ctx, []uint32{ci17}); err != nil {
		t.Fatalf("SetHitFilter: %v", err)
	}
	// Filtered index is invisible immediately.
	_, epoch, _, err := tc.cache.FreeVariables(ctx, fp.OfText("A"))
	if err != nil {
		t.Fatalf("FreeVariables: %v", err)
	}
	res, _, _, err := tc.cache.Lookup(ctx, fp.OfText("A"), epoch, []fp.Tag{fp.OfText("1")})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res != vcache.LookupMiss {
		t.Errorf("Lookup on hit-filtered index = %v, want Miss", res)
	}

	chkptVer, err := tc.weed.EndMark(ctx, []uint32{ci17}, []vcache.Prefix{vcache.PrefixOf(fp.OfText("A"))})
	if err != nil {
		t.Fatalf("EndMark: %v", err)
	}

	// Wait for the background deleter.
	deadline := time.Now().Add(10 * time.Second)
	for {
		tc.s.wmu.Lock()
		done := tc.s.delDone
		tc.s.wmu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("deletion worker did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The weeder writes its checkpoint and commits it.
	chkpt := filepath.Join(tc.dir, "weeder-chkpt")
	if err := os.WriteFile(chkpt, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	accepted, err := tc.weed.CommitChkpt(ctx, chkpt)
	if err != nil {
		t.Fatalf("CommitChkpt: %v", err)
	}
	if !accepted {
		t.Fatal("CommitChkpt not accepted")
	}
	if _, err := os.Stat(filepath.Join(tc.dir, "cache", "graphLog", vlogCkpName(chkptVer))); err != nil {
		t.Errorf("committed checkpoint not installed for generation %d: %v", chkptVer, err)
	}

	// The weeded index is gone for good; the survivor still hits.
	res, _, _, err = tc.cache.Lookup(ctx, fp.OfText("A"), epoch, []fp.Tag{fp.OfText("1")})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res != vcache.LookupMiss {
		t.Errorf("Lookup on weeded index = %v, want Miss", res)
	}
	res, gotCI, _, err := tc.cache.Lookup(ctx, fp.OfText("A"), epoch, []fp.Tag{fp.OfText("2")})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res != vcache.LookupHit || gotCI != ci18 {
		t.Errorf("surviving Lookup = (%v, %d), want (Hit, %d)", res, gotCI, ci18)
	}

	// A fresh weed can start: the state machine returned to Normal.
	if conflict, err := tc.weed.Recovering(ctx, false); err != nil || conflict {
		t.Errorf("Recovering after weed = (%v, %v), want no conflict", conflict, err)
	}
}

func vlogCkpName(v uint32) string {
	return vlog.CheckpointPath("", v)
}

func TestGetCacheIdAndState(t *testing.T) {
	tc := startCache(t, t.TempDir())
	ctx := context.Background()
	addEntry(t, tc, "A", []string{"x"}, []fp.Tag{fp.OfText("1")}, "v1")

	id, err := tc.dbg.GetCacheId(ctx)
	if err != nil {
		t.Fatalf("GetCacheId: %v", err)
	}
	if id.CacheVersion != vcache.Version || id.IntfVersion != vcache.IntfVersion {
		t.Errorf("CacheId = %+v", id)
	}

	st, err := tc.dbg.GetCacheState(ctx)
	if err != nil {
		t.Fatalf("GetCacheState: %v", err)
	}
	if st.Cnt.AddEntry != 1 || st.EntryCnt != 1 || st.S.NewEntryCnt != 1 {
		t.Errorf("CacheState = %+v, want one volatile entry and one AddEntry call", st)
	}
}
