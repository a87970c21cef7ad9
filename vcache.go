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

// Package vcache defines the value types shared between the function-call
// cache server, its on-disk stores and its clients.
//
// A deterministic build function is named by a primary key (PK): a 128-bit
// fingerprint over its source text and captured environment. Each stored
// result is a cache entry, identified by a cache index (CI) that is unique
// for the lifetime of the cache. Entries sharing the top bits of their PK
// are stored together in one MultiPKFile; that shared top is the PK prefix.
package vcache

import (
	"fmt"

	"github.com/vesta-dev/vcache/fp"
)

// CI is a cache entry index. Indices are densely allocated and never reused,
// which is what lets lease sets and hit filters be bit vectors.
type CI = uint32

// PKPrefixBits is the number of significant PK bits shared by all entries of
// one MultiPKFile. A single granularity is in force for a whole stable cache;
// the value is baked into the top-level directory name so that a future
// change can coexist with old data.
const PKPrefixBits = 16

// Prefix is the top PKPrefixBits bits of a primary key, kept in the high
// bits of the word so path arcs read in PK order.
type Prefix uint64

// PrefixOf returns the prefix of the MultiPKFile that pk belongs to.
func PrefixOf(pk fp.Tag) Prefix {
	mask := ^uint64(0)
	mask <<= 64 - PKPrefixBits
	return Prefix(pk.Word0() & mask)
}

// Path returns the stable-cache-relative pathname of the prefix's
// MultiPKFile. One 8-bit arc per directory level.
func (p Prefix) Path() string {
	return fmt.Sprintf("gran-%03d/%02x/%02x", PKPrefixBits, byte(p>>56), byte(p>>48))
}

func (p Prefix) String() string {
	return fmt.Sprintf("%016x", uint64(p))
}

// FV is one free variable captured at AddEntry: a name and a one-byte type.
type FV struct {
	Type byte
	Name string
}

// FVList is an ordered list of free variables. Within a PKFile the union of
// all entries' free variables is stored once; positions in this list are the
// name indices that IMap entries refer to.
type FVList struct {
	Names []string
	Types []byte
}

// Len returns the number of free variables.
func (l FVList) Len() int { return len(l.Names) }

// Append adds fv to the end of the list.
func (l *FVList) Append(fv FV) {
	l.Names = append(l.Names, fv.Name)
	l.Types = append(l.Types, fv.Type)
}

// Index returns the position of the named variable, or -1.
func (l FVList) Index(name string) int {
	for i, n := range l.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// Copy returns an independent copy of the list.
func (l FVList) Copy() FVList {
	c := FVList{
		Names: make([]string, len(l.Names)),
		Types: make([]byte, len(l.Types)),
	}
	copy(c.Names, l.Names)
	copy(c.Types, l.Types)
	return c
}

// IMapPair maps a PKFile-wide name index to the position of that name's
// value fingerprint in the entry's own vector.
type IMapPair struct {
	Name uint32 // index into the PKFile's free-variable list
	FP   uint32 // index into the entry's FPs vector
}

// Entry is one cached evaluation result.
type Entry struct {
	CI  CI
	PK  fp.Tag
	CFP fp.Tag // fingerprint of the FPs vector; the bucket key within a PKFile

	// IMap translates PKFile name indices to FPs positions for entries
	// that reference a strict subset of the PKFile's names, or reference
	// them out of identity order. A nil IMap means the entry references
	// the first len(FPs) names in identity order.
	IMap []IMapPair
	FPs  []fp.Tag

	Value []byte // the pickled result

	// Graph-log metadata.
	Model      uint32 // derived-file identifier of the evaluation model
	Kids       []CI   // entries this evaluation depended on
	Refs       []uint32
	SourceFunc string
}

// CombinedFP returns the combined fingerprint of a value-fingerprint vector.
func CombinedFP(fps []fp.Tag) fp.Tag {
	return fp.CombineAll(fps)
}

// FPsMatch reports whether the caller-supplied vector fps matches e's stored
// vector under e's IMap. Only the names e actually references are compared.
func (e *Entry) FPsMatch(fps []fp.Tag) bool {
	if e.IMap == nil {
		if len(fps) < len(e.FPs) {
			return false
		}
		for i, want := range e.FPs {
			if fps[i] != want {
				return false
			}
		}
		return true
	}
	for _, p := range e.IMap {
		if int(p.Name) >= len(fps) || int(p.FP) >= len(e.FPs) {
			return false
		}
		if fps[p.Name] != e.FPs[p.FP] {
			return false
		}
	}
	return true
}
