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

package graphlog

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/vesta-dev/vcache/fp"
)

func TestRecordCodecIdentity(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	for _, test := range []struct {
		name string
		e    Entry
	}{
		{
			name: "node",
			e: &Node{
				CI:         17,
				PK:         fp.OfText("A"),
				Model:      42,
				Kids:       []uint32{3, 5},
				Refs:       []uint32{100},
				SourceFunc: "build.ves/all",
				TS:         ts,
			},
		},
		{
			name: "node empty slices",
			e:    &Node{CI: 1, PK: fp.OfText("B"), TS: ts},
		},
		{
			name: "root",
			e: &Root{
				PkgVersion: fp.OfText("pkg-7"),
				Model:      9,
				CIs:        []uint32{17, 18},
				Done:       true,
				TS:         ts,
			},
		},
		{
			name: "root not done",
			e:    &Root{PkgVersion: fp.OfText("pkg-8"), TS: ts},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			var rec []byte
			switch e := test.e.(type) {
			case *Node:
				rec = e.Encode()
			case *Root:
				rec = e.Encode()
			}
			got, err := Decode(rec)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if diff := cmp.Diff(test.e, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("record diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	n := &Node{CI: 17, PK: fp.OfText("A"), TS: time.Unix(0, 0)}
	rec := n.Encode()
	for _, cut := range []int{0, 1, 5, len(rec) - 1} {
		if _, err := Decode(rec[:cut]); err == nil {
			t.Errorf("Decode accepted a record truncated to %d bytes", cut)
		}
	}
}

func TestWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	ts := time.Unix(1700000000, 0).UTC()
	node := &Node{CI: 1, PK: fp.OfText("A"), Kids: []uint32{2}, TS: ts}
	root := &Root{PkgVersion: fp.OfText("pkg"), CIs: []uint32{1}, Done: true, TS: ts}
	if err := w.Append(node); err != nil {
		t.Fatalf("Append node: %v", err)
	}
	if err := w.Append(root); err != nil {
		t.Fatalf("Append root: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got []Entry
	if err := Read(dir, 0, func(e Entry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := []Entry{node, root}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("replayed records diff (-want +got):\n%s", diff)
	}
}

func TestRotateStartsNewGeneration(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer func() {
		if err := w.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}()

	ts := time.Unix(1700000000, 0).UTC()
	if err := w.Append(&Node{CI: 1, PK: fp.OfText("A"), TS: ts}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	v, err := w.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if v != 1 {
		t.Errorf("Rotate = generation %d, want 1", v)
	}
	if err := w.Append(&Node{CI: 2, PK: fp.OfText("B"), TS: ts}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// Reading from the new generation only sees the post-rotation node.
	var cis []uint32
	if err := Read(dir, 1, func(e Entry) error {
		cis = append(cis, e.(*Node).CI)
		return nil
	}); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if diff := cmp.Diff([]uint32{2}, cis); diff != "" {
		t.Errorf("generation 1 records diff (-want +got):\n%s", diff)
	}
}
