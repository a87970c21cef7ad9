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

package vcache

import (
	"testing"

	"github.com/vesta-dev/vcache/fp"
)

func TestPrefixOf(t *testing.T) {
	pk := fp.Tag{W: [2]uint64{0xabcd123456789abc, 0xffffffffffffffff}}
	pfx := PrefixOf(pk)
	if got, want := uint64(pfx), uint64(0xabcd000000000000); got != want {
		t.Errorf("PrefixOf = %016x, want %016x", got, want)
	}
	// The low 48 bits of word 0 and all of word 1 are insignificant.
	pk2 := fp.Tag{W: [2]uint64{0xabcdffffffffffff, 0}}
	if PrefixOf(pk2) != pfx {
		t.Errorf("PKs differing below the prefix got different prefixes")
	}
}

func TestPrefixPath(t *testing.T) {
	pfx := Prefix(0xabcd000000000000)
	if got, want := pfx.Path(), "gran-016/ab/cd"; got != want {
		t.Errorf("Path = %q, want %q", got, want)
	}
}

func TestFPsMatchIdentity(t *testing.T) {
	e := &Entry{FPs: []fp.Tag{fp.OfText("1"), fp.OfText("2")}}
	if !e.FPsMatch([]fp.Tag{fp.OfText("1"), fp.OfText("2")}) {
		t.Error("identical vector did not match")
	}
	// Extra trailing names are names the entry does not reference.
	if !e.FPsMatch([]fp.Tag{fp.OfText("1"), fp.OfText("2"), fp.OfText("3")}) {
		t.Error("superset vector did not match identity-map entry")
	}
	if e.FPsMatch([]fp.Tag{fp.OfText("1")}) {
		t.Error("short vector matched")
	}
	if e.FPsMatch([]fp.Tag{fp.OfText("1"), fp.OfText("x")}) {
		t.Error("differing vector matched")
	}
}

func TestFPsMatchWithIMap(t *testing.T) {
	// Entry references dictionary names 2 and 0, in that order.
	e := &Entry{
		IMap: []IMapPair{{Name: 2, FP: 0}, {Name: 0, FP: 1}},
		FPs:  []fp.Tag{fp.OfText("z-val"), fp.OfText("x-val")},
	}
	full := []fp.Tag{fp.OfText("x-val"), fp.OfText("y-val"), fp.OfText("z-val")}
	if !e.FPsMatch(full) {
		t.Error("imap-mapped vector did not match")
	}
	// Only mapped positions are compared.
	full[1] = fp.OfText("anything")
	if !e.FPsMatch(full) {
		t.Error("unreferenced name influenced the match")
	}
	full[2] = fp.OfText("wrong")
	if e.FPsMatch(full) {
		t.Error("mismatched mapped name still matched")
	}
	// A vector too short for the map cannot match.
	if e.FPsMatch(full[:2]) {
		t.Error("short vector matched imap entry")
	}
}

func TestCombinedFPOrderSensitive(t *testing.T) {
	a, b := fp.OfText("a"), fp.OfText("b")
	if CombinedFP([]fp.Tag{a, b}) == CombinedFP([]fp.Tag{b, a}) {
		t.Error("combined fingerprint ignores order")
	}
	if CombinedFP(nil) != CombinedFP([]fp.Tag{}) {
		t.Error("empty vector fingerprints differ")
	}
}

func TestFVListIndexAndCopy(t *testing.T) {
	l := FVList{}
	l.Append(FV{Type: 'N', Name: "x"})
	l.Append(FV{Type: 'T', Name: "y"})
	if l.Index("y") != 1 || l.Index("absent") != -1 {
		t.Errorf("Index = %d, %d", l.Index("y"), l.Index("absent"))
	}
	c := l.Copy()
	c.Names[0] = "mutated"
	if l.Names[0] != "x" {
		t.Error("Copy shares backing storage")
	}
}
