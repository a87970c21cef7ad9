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

// Package cistore implements the cache index allocator.
//
// Indices are handed out by an ever-growing counter and are never reused,
// even after weeding frees them: leases, hit filters and graph reachability
// sets all assume an index denotes one entry for the cache's whole life.
// The used-index bitmap is the in-memory view only; durability comes from
// an interval log of add/remove range deltas, checkpointed as a bitmap
// snapshot at rotation.
package cistore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/vesta-dev/vcache/bitvec"
	"github.com/vesta-dev/vcache/vlog"
)

// Allocator allocates cache entry indices.
type Allocator struct {
	// mu ranks second in the server's fixed lock order, between the weeder
	// state and the lease set.
	mu   sync.Mutex
	used *bitvec.Vector
	next uint32
	log  *vlog.Log
}

// Open replays the interval log in dir and opens it for appending.
//
// The checkpoint carries the allocation counter ahead of the bitmap: a
// weeded tail lowers the bitmap's highest bit but must never roll the
// counter back.
func Open(dir string) (*Allocator, error) {
	used := &bitvec.Vector{}
	next := uint32(0)
	err := vlog.Replay(dir,
		func(r io.Reader) error {
			var hdr [4]byte
			if _, err := io.ReadFull(r, hdr[:]); err != nil {
				return err
			}
			next = binary.BigEndian.Uint32(hdr[:])
			return used.Decode(r)
		},
		func(_ uint32, rec []byte) error {
			iv, err := bitvec.IntvlFromBinary(rec)
			if err != nil {
				return err
			}
			iv.Apply(used)
			if iv.Add && iv.Hi+1 > next {
				next = iv.Hi + 1
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to replay index interval log: %w", err)
	}
	l, err := vlog.Open(dir)
	if err != nil {
		return nil, err
	}
	if msb := used.MSB(); msb >= 0 && uint32(msb)+1 > next {
		next = uint32(msb) + 1
	}
	return &Allocator{used: used, next: next, log: l}, nil
}

// Alloc durably allocates a fresh index. The interval log record is on disk
// before Alloc returns.
func (a *Allocator) Alloc() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ci := a.next
	iv := bitvec.Intvl{Add: true, Lo: ci, Hi: ci}
	if err := a.log.AppendSync(iv.AppendBinary(nil)); err != nil {
		return 0, fmt.Errorf("failed to log index allocation: %w", err)
	}
	a.next++
	a.used.Set(ci)
	return ci, nil
}

// Remove durably marks the given indices unused. The counter never moves
// backwards, so removed indices are not reallocated.
func (a *Allocator) Remove(cis *bitvec.Vector) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var run *bitvec.Intvl
	flush := func() error {
		if run == nil {
			return nil
		}
		if err := a.log.Append(run.AppendBinary(nil)); err != nil {
			return err
		}
		run.Apply(a.used)
		run = nil
		return nil
	}
	var err error
	cis.Each(func(i uint32) bool {
		if run != nil && i == run.Hi+1 {
			run.Hi = i
			return true
		}
		if err = flush(); err != nil {
			return false
		}
		run = &bitvec.Intvl{Add: false, Lo: i, Hi: i}
		return true
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	return a.log.Sync()
}

// InUse reports whether ci is currently allocated.
func (a *Allocator) InUse(ci uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used.Read(ci)
}

// Count returns the number of allocated indices.
func (a *Allocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used.Cardinality()
}

// Next returns the next index that Alloc would hand out.
func (a *Allocator) Next() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// Checkpoint rotates the interval log with a bitmap snapshot, superseding
// the accumulated deltas.
func (a *Allocator) Checkpoint() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], a.next)
	buf.Write(hdr[:])
	if err := a.used.Write(&buf); err != nil {
		return err
	}
	_, err := a.log.Rotate(buf.Bytes())
	return err
}

// Close closes the interval log.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.log.Close()
}
