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

// Package fp implements the 128-bit fingerprints used to name primary keys,
// free-variable values and combined fingerprint buckets.
//
// A fingerprint is a pair of 64-bit words. Fingerprints of composite values
// are built with Combine, which is associative: the tag of (a, b, c) is the
// same whichever way the sequence is bracketed. Equality is bitwise.
package fp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WordSize is the size of one fingerprint word in bytes.
const WordSize = 8

// ByteSize is the wire and disk size of a fingerprint.
const ByteSize = 2 * WordSize

// Tag is a 128-bit fingerprint.
//
// Viewed algebraically, a tag is the affine map x -> M*x + C over 64-bit
// words, with M held in W[0] and C in W[1]. Combine composes two such maps,
// which is what makes it associative without being commutative.
type Tag struct {
	W [2]uint64
}

const (
	// Seed multipliers for the two word streams. M is kept odd so that the
	// multiplicative part of a tag is invertible mod 2^64 and distinct
	// inputs cannot collapse onto a degenerate map.
	seedM = 0x9e3779b97f4a7c15
	seedC = 0xc2b2ae3d27d4eb4f

	stepM = 0x00000100000001b3 // FNV-64 prime
)

// OfBytes returns the fingerprint of the given byte string.
func OfBytes(b []byte) Tag {
	m, c := uint64(seedM), uint64(seedC)
	for _, x := range b {
		m = (m ^ uint64(x)) * stepM
		c = (c + uint64(x)) * stepM
		c ^= c >> 29
	}
	return Tag{W: [2]uint64{m | 1, c}}
}

// OfText returns the fingerprint of the given text.
func OfText(t string) Tag {
	return OfBytes([]byte(t))
}

// Combine returns the fingerprint of the pair (a, b).
//
// Combine(Combine(a, b), c) == Combine(a, Combine(b, c)) for all tags.
func Combine(a, b Tag) Tag {
	return Tag{W: [2]uint64{
		a.W[0] * b.W[0],
		a.W[0]*b.W[1] + a.W[1],
	}}
}

// CombineAll folds a sequence of tags into one with Combine. The fingerprint
// of the empty sequence is the identity element, which Combine leaves any tag
// unchanged by.
func CombineAll(tags []Tag) Tag {
	res := Tag{W: [2]uint64{1, 0}}
	for _, t := range tags {
		res = Combine(res, t)
	}
	return res
}

// Extend returns the fingerprint of this tag followed by the byte string b.
func (t Tag) Extend(b []byte) Tag {
	return Combine(t, OfBytes(b))
}

// Word0 returns the high word, from which PK prefixes are taken.
func (t Tag) Word0() uint64 { return t.W[0] }

// Hash returns the low word, suitable for bucketing tags in hash tables.
func (t Tag) Hash() uint64 { return t.W[1] }

// IsZero reports whether t is the zero tag. The zero tag is never produced by
// OfBytes and is used as a "no fingerprint" sentinel.
func (t Tag) IsZero() bool { return t.W[0] == 0 && t.W[1] == 0 }

func (t Tag) String() string {
	return fmt.Sprintf("%016x%016x", t.W[0], t.W[1])
}

// AppendBinary appends the 16-byte wire form, two big-endian words.
func (t Tag) AppendBinary(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, t.W[0])
	b = binary.BigEndian.AppendUint64(b, t.W[1])
	return b
}

// FromBinary decodes a tag from the first 16 bytes of b.
func FromBinary(b []byte) (Tag, error) {
	if len(b) < ByteSize {
		return Tag{}, fmt.Errorf("short fingerprint: %d bytes", len(b))
	}
	return Tag{W: [2]uint64{
		binary.BigEndian.Uint64(b[0:WordSize]),
		binary.BigEndian.Uint64(b[WordSize:ByteSize]),
	}}, nil
}

// Write writes the 16-byte form of t to w.
func (t Tag) Write(w io.Writer) error {
	var buf [ByteSize]byte
	binary.BigEndian.PutUint64(buf[0:], t.W[0])
	binary.BigEndian.PutUint64(buf[WordSize:], t.W[1])
	_, err := w.Write(buf[:])
	return err
}

// Read reads a 16-byte tag from r.
func Read(r io.Reader) (Tag, error) {
	var buf [ByteSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Tag{}, err
	}
	return FromBinary(buf[:])
}
