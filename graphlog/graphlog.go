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

// Package graphlog implements the append-only dependency log consumed by
// the weeder.
//
// Two record kinds exist: a Node per added cache entry, recording the
// entry's children and the derived files it depends on, and a Root per
// evaluator checkpoint, naming the entries the evaluator considers roots of
// a build. The log is written by the cache server only; the weeder and the
// diagnostic dumpers read it through Read.
package graphlog

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vesta-dev/vcache/fp"
)

// Kind discriminates graph log records.
type Kind byte

const (
	NodeKind Kind = iota
	RootKind
)

// Node records one cache entry and its dependencies.
type Node struct {
	CI         uint32
	PK         fp.Tag
	Model      uint32
	Kids       []uint32 // child cache indices
	Refs       []uint32 // derived-file identifiers
	SourceFunc string
	TS         time.Time
}

// Root records the cache indices an evaluation published as roots.
type Root struct {
	PkgVersion fp.Tag
	Model      uint32
	CIs        []uint32
	Done       bool
	TS         time.Time
}

// Entry is a decoded graph log record: *Node or *Root.
type Entry interface {
	isEntry()
}

func (*Node) isEntry() {}
func (*Root) isEntry() {}

func appendUint32s(b []byte, vs []uint32) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(vs)))
	for _, v := range vs {
		b = binary.BigEndian.AppendUint32(b, v)
	}
	return b
}

// Encode returns the record form of n.
func (n *Node) Encode() []byte {
	var b []byte
	b = append(b, byte(NodeKind))
	b = binary.BigEndian.AppendUint32(b, n.CI)
	b = n.PK.AppendBinary(b)
	b = binary.BigEndian.AppendUint32(b, n.Model)
	b = binary.BigEndian.AppendUint64(b, uint64(n.TS.Unix()))
	b = appendUint32s(b, n.Kids)
	b = appendUint32s(b, n.Refs)
	b = binary.BigEndian.AppendUint32(b, uint32(len(n.SourceFunc)))
	b = append(b, n.SourceFunc...)
	return b
}

// Encode returns the record form of r.
func (r *Root) Encode() []byte {
	var b []byte
	b = append(b, byte(RootKind))
	b = r.PkgVersion.AppendBinary(b)
	b = binary.BigEndian.AppendUint32(b, r.Model)
	b = binary.BigEndian.AppendUint64(b, uint64(r.TS.Unix()))
	if r.Done {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = appendUint32s(b, r.CIs)
	return b
}

type cursor struct {
	b   []byte
	off int
}

func (c *cursor) uint32(what string) (uint32, error) {
	if c.off+4 > len(c.b) {
		return 0, fmt.Errorf("truncated graph record reading %s", what)
	}
	v := binary.BigEndian.Uint32(c.b[c.off:])
	c.off += 4
	return v, nil
}

func (c *cursor) uint32s(what string) ([]uint32, error) {
	n, err := c.uint32(what)
	if err != nil {
		return nil, err
	}
	if c.off+4*int(n) > len(c.b) {
		return nil, fmt.Errorf("truncated graph record reading %s", what)
	}
	vs := make([]uint32, n)
	for i := range vs {
		vs[i] = binary.BigEndian.Uint32(c.b[c.off:])
		c.off += 4
	}
	return vs, nil
}

func (c *cursor) tag(what string) (fp.Tag, error) {
	if c.off+fp.ByteSize > len(c.b) {
		return fp.Tag{}, fmt.Errorf("truncated graph record reading %s", what)
	}
	t, err := fp.FromBinary(c.b[c.off:])
	c.off += fp.ByteSize
	return t, err
}

func (c *cursor) ts() (time.Time, error) {
	if c.off+8 > len(c.b) {
		return time.Time{}, fmt.Errorf("truncated graph record reading timestamp")
	}
	v := binary.BigEndian.Uint64(c.b[c.off:])
	c.off += 8
	return time.Unix(int64(v), 0).UTC(), nil
}

// Decode parses one graph log record.
func Decode(rec []byte) (Entry, error) {
	if len(rec) == 0 {
		return nil, fmt.Errorf("empty graph record")
	}
	c := &cursor{b: rec, off: 1}
	switch Kind(rec[0]) {
	case NodeKind:
		n := &Node{}
		var err error
		if n.CI, err = c.uint32("ci"); err != nil {
			return nil, err
		}
		if n.PK, err = c.tag("pk"); err != nil {
			return nil, err
		}
		if n.Model, err = c.uint32("model"); err != nil {
			return nil, err
		}
		if n.TS, err = c.ts(); err != nil {
			return nil, err
		}
		if n.Kids, err = c.uint32s("kids"); err != nil {
			return nil, err
		}
		if n.Refs, err = c.uint32s("refs"); err != nil {
			return nil, err
		}
		srcLen, err := c.uint32("source length")
		if err != nil {
			return nil, err
		}
		if c.off+int(srcLen) > len(c.b) {
			return nil, fmt.Errorf("truncated graph record reading source")
		}
		n.SourceFunc = string(c.b[c.off : c.off+int(srcLen)])
		return n, nil
	case RootKind:
		r := &Root{}
		var err error
		if r.PkgVersion, err = c.tag("pkgVersion"); err != nil {
			return nil, err
		}
		if r.Model, err = c.uint32("model"); err != nil {
			return nil, err
		}
		if r.TS, err = c.ts(); err != nil {
			return nil, err
		}
		if c.off >= len(c.b) {
			return nil, fmt.Errorf("truncated graph record reading done flag")
		}
		r.Done = c.b[c.off] == 1
		c.off++
		if r.CIs, err = c.uint32s("cis"); err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("unknown graph record kind %d", rec[0])
}
