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

package cistore

import (
	"testing"

	"github.com/vesta-dev/vcache/bitvec"
)

func TestAllocDistinct(t *testing.T) {
	a, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	seen := map[uint32]bool{}
	for i := 0; i < 100; i++ {
		ci, err := a.Alloc()
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if seen[ci] {
			t.Fatalf("Alloc returned %d twice", ci)
		}
		seen[ci] = true
		if !a.InUse(ci) {
			t.Errorf("InUse(%d) = false after Alloc", ci)
		}
	}
	if got := a.Count(); got != 100 {
		t.Errorf("Count = %d, want 100", got)
	}
}

func TestReplaySurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := a.Alloc(); err != nil {
			t.Fatalf("Alloc: %v", err)
		}
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	a, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer a.Close()
	if got := a.Next(); got != 10 {
		t.Errorf("Next after reopen = %d, want 10", got)
	}
	ci, err := a.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if ci != 10 {
		t.Errorf("first post-reopen Alloc = %d, want 10", ci)
	}
}

func TestRemoveNeverReuses(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := a.Alloc(); err != nil {
			t.Fatalf("Alloc: %v", err)
		}
	}
	// Remove the whole tail, including the highest index.
	if err := a.Remove(bitvec.OfElements([]uint32{2, 3, 4})); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if a.InUse(3) {
		t.Error("removed index still in use")
	}
	if ci, err := a.Alloc(); err != nil || ci != 5 {
		t.Errorf("Alloc after tail removal = %d, %v; want 5", ci, err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen: removed indices must still not come back.
	a, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer a.Close()
	if ci, err := a.Alloc(); err != nil || ci != 6 {
		t.Errorf("Alloc after reopen = %d, %v; want 6", ci, err)
	}
}

func TestCheckpointPreservesCounter(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 8; i++ {
		if _, err := a.Alloc(); err != nil {
			t.Fatalf("Alloc: %v", err)
		}
	}
	// Weed everything, then checkpoint: the snapshot's bitmap is empty but
	// the counter must carry forward.
	if err := a.Remove(bitvec.OfElements([]uint32{0, 1, 2, 3, 4, 5, 6, 7})); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := a.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	a, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer a.Close()
	if got := a.Count(); got != 0 {
		t.Errorf("Count after full weed = %d, want 0", got)
	}
	if ci, err := a.Alloc(); err != nil || ci != 8 {
		t.Errorf("Alloc after checkpointed weed = %d, %v; want 8", ci, err)
	}
}
