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

// Package bitvec implements dense integer-set bit vectors.
//
// Cache entry indices are densely allocated 32-bit integers, so the lease
// sets, the hit filter and the used-index map are all bit vectors: set
// operations against them are O(words) rather than O(elements).
package bitvec

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
)

const wordBits = 64

// Vector is a growable bit vector. The zero value is an empty vector ready
// for use. Vectors are not safe for concurrent use; callers hold their own
// locks.
type Vector struct {
	w []uint64
}

// New returns a vector with capacity preallocated for indices below sizeHint.
func New(sizeHint uint32) *Vector {
	return &Vector{w: make([]uint64, 0, (int(sizeHint)+wordBits-1)/wordBits)}
}

func (v *Vector) grow(words int) {
	for len(v.w) < words {
		v.w = append(v.w, 0)
	}
}

// Set sets bit i and reports whether it was previously set.
func (v *Vector) Set(i uint32) bool {
	wd, msk := int(i/wordBits), uint64(1)<<(i%wordBits)
	v.grow(wd + 1)
	prev := v.w[wd]&msk != 0
	v.w[wd] |= msk
	return prev
}

// Reset clears bit i and reports whether it was previously set.
func (v *Vector) Reset(i uint32) bool {
	wd, msk := int(i/wordBits), uint64(1)<<(i%wordBits)
	if wd >= len(v.w) {
		return false
	}
	prev := v.w[wd]&msk != 0
	v.w[wd] &^= msk
	return prev
}

// Read reports whether bit i is set.
func (v *Vector) Read(i uint32) bool {
	wd := int(i / wordBits)
	if wd >= len(v.w) {
		return false
	}
	return v.w[wd]&(uint64(1)<<(i%wordBits)) != 0
}

// SetInterval sets all bits in [lo, hi].
func (v *Vector) SetInterval(lo, hi uint32) {
	for i := lo; ; i++ {
		v.Set(i)
		if i == hi {
			return
		}
	}
}

// ResetInterval clears all bits in [lo, hi].
func (v *Vector) ResetInterval(lo, hi uint32) {
	for i := lo; ; i++ {
		v.Reset(i)
		if i == hi {
			return
		}
	}
}

// ResetAll clears every bit.
func (v *Vector) ResetAll() {
	for i := range v.w {
		v.w[i] = 0
	}
}

// Cardinality returns the number of set bits.
func (v *Vector) Cardinality() int {
	n := 0
	for _, w := range v.w {
		n += bits.OnesCount64(w)
	}
	return n
}

// IsEmpty reports whether no bit is set.
func (v *Vector) IsEmpty() bool {
	for _, w := range v.w {
		if w != 0 {
			return false
		}
	}
	return true
}

// MSB returns the index of the highest set bit, or -1 if the vector is empty.
func (v *Vector) MSB() int {
	for i := len(v.w) - 1; i >= 0; i-- {
		if v.w[i] != 0 {
			return i*wordBits + (wordBits - 1 - bits.LeadingZeros64(v.w[i]))
		}
	}
	return -1
}

// Or sets v to the union of v and u.
func (v *Vector) Or(u *Vector) {
	v.grow(len(u.w))
	for i, w := range u.w {
		v.w[i] |= w
	}
}

// And sets v to the intersection of v and u.
func (v *Vector) And(u *Vector) {
	n := min(len(v.w), len(u.w))
	for i := 0; i < n; i++ {
		v.w[i] &= u.w[i]
	}
	for i := n; i < len(v.w); i++ {
		v.w[i] = 0
	}
}

// Diff clears every bit of v that is set in u.
func (v *Vector) Diff(u *Vector) {
	n := min(len(v.w), len(u.w))
	for i := 0; i < n; i++ {
		v.w[i] &^= u.w[i]
	}
}

// Copy returns a new vector with the same bits set.
func (v *Vector) Copy() *Vector {
	c := &Vector{w: make([]uint64, len(v.w))}
	copy(c.w, v.w)
	return c
}

// Equal reports whether v and u contain the same set.
func (v *Vector) Equal(u *Vector) bool {
	a, b := v.w, u.w
	if len(a) < len(b) {
		a, b = b, a
	}
	for i, w := range b {
		if a[i] != w {
			return false
		}
	}
	for _, w := range a[len(b):] {
		if w != 0 {
			return false
		}
	}
	return true
}

// Each calls f for every set bit in ascending order, stopping early if f
// returns false.
func (v *Vector) Each(f func(i uint32) bool) {
	for wd, w := range v.w {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			if !f(uint32(wd*wordBits + b)) {
				return
			}
			w &^= uint64(1) << b
		}
	}
}

// Elements returns the set bits in ascending order.
func (v *Vector) Elements() []uint32 {
	res := make([]uint32, 0, v.Cardinality())
	v.Each(func(i uint32) bool {
		res = append(res, i)
		return true
	})
	return res
}

// OfElements returns a vector with exactly the given bits set.
func OfElements(is []uint32) *Vector {
	v := &Vector{}
	for _, i := range is {
		v.Set(i)
	}
	return v
}

// usedWords returns the number of words up to the highest non-zero word;
// the all-zero words above it are not written to disk.
func (v *Vector) usedWords() int {
	n := len(v.w)
	for n > 0 && v.w[n-1] == 0 {
		n--
	}
	return n
}

// Write writes v to w. Only the run of words up to the highest set bit is
// stored.
func (v *Vector) Write(w io.Writer) error {
	n := v.usedWords()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(n))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	buf := make([]byte, 8*n)
	for i := 0; i < n; i++ {
		binary.BigEndian.PutUint64(buf[8*i:], v.w[i])
	}
	_, err := w.Write(buf)
	return err
}

// Decode replaces v's contents with a vector previously stored with Write.
func (v *Vector) Decode(r io.Reader) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, 8*n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	v.w = make([]uint64, n)
	for i := range v.w {
		v.w[i] = binary.BigEndian.Uint64(buf[8*i:])
	}
	return nil
}

func (v *Vector) String() string {
	return fmt.Sprintf("{card=%d msb=%d}", v.Cardinality(), v.MSB())
}
