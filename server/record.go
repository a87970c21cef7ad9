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
	"encoding/binary"
	"fmt"

	"github.com/vesta-dev/vcache/fp"
)

// CacheLogRecord is one AddEntry, as appended to the cache log. Unlike the
// stable entry form it carries the entry's own free-variable names: replay
// rebuilds volatile dictionaries by re-extending them in log order, so the
// index maps come out the same as before the crash.
type CacheLogRecord struct {
	PK         fp.Tag
	CI         uint32
	Names      []string
	Types      []byte
	FPs        []fp.Tag
	Value      []byte
	Model      uint32
	Kids       []uint32
	Refs       []uint32
	SourceFunc string
}

// EmptyPKRecord marks a VPKFile whose new list was flushed to the stable
// store, with the post-flush epoch and the flushed indices. Replay uses it
// to discharge cache-log entries that already landed on disk before a
// crash, and to reconstruct empty VPKFiles at the right epoch.
type EmptyPKRecord struct {
	PK    fp.Tag
	Epoch uint32
	CIs   []uint32
}

func appendU32(b []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(b, v) }

func appendU32Seq(b []byte, vs []uint32) []byte {
	b = appendU32(b, uint32(len(vs)))
	for _, v := range vs {
		b = appendU32(b, v)
	}
	return b
}

func appendBlob(b, p []byte) []byte {
	b = appendU32(b, uint32(len(p)))
	return append(b, p...)
}

type recCursor struct {
	b   []byte
	off int
}

func (c *recCursor) u32(what string) (uint32, error) {
	if c.off+4 > len(c.b) {
		return 0, fmt.Errorf("truncated record reading %s", what)
	}
	v := binary.BigEndian.Uint32(c.b[c.off:])
	c.off += 4
	return v, nil
}

func (c *recCursor) u32Seq(what string) ([]uint32, error) {
	n, err := c.u32(what)
	if err != nil {
		return nil, err
	}
	if c.off+4*int(n) > len(c.b) {
		return nil, fmt.Errorf("truncated record reading %s", what)
	}
	vs := make([]uint32, n)
	for i := range vs {
		vs[i] = binary.BigEndian.Uint32(c.b[c.off:])
		c.off += 4
	}
	return vs, nil
}

func (c *recCursor) blob(what string) ([]byte, error) {
	n, err := c.u32(what)
	if err != nil {
		return nil, err
	}
	if c.off+int(n) > len(c.b) {
		return nil, fmt.Errorf("truncated record reading %s", what)
	}
	v := make([]byte, n)
	copy(v, c.b[c.off:])
	c.off += int(n)
	return v, nil
}

func (c *recCursor) tag(what string) (fp.Tag, error) {
	if c.off+fp.ByteSize > len(c.b) {
		return fp.Tag{}, fmt.Errorf("truncated record reading %s", what)
	}
	t, err := fp.FromBinary(c.b[c.off:])
	c.off += fp.ByteSize
	return t, err
}

// Encode returns the wire form of r.
func (r *CacheLogRecord) Encode() []byte {
	var b []byte
	b = r.PK.AppendBinary(b)
	b = appendU32(b, r.CI)
	b = appendU32(b, uint32(len(r.Names)))
	for i, name := range r.Names {
		b = append(b, r.Types[i])
		b = appendU32(b, uint32(len(name)))
		b = append(b, name...)
	}
	b = appendU32(b, uint32(len(r.FPs)))
	for _, t := range r.FPs {
		b = t.AppendBinary(b)
	}
	b = appendBlob(b, r.Value)
	b = appendU32(b, r.Model)
	b = appendU32Seq(b, r.Kids)
	b = appendU32Seq(b, r.Refs)
	b = appendBlob(b, []byte(r.SourceFunc))
	return b
}

// DecodeCacheLogRecord parses one cache log record.
func DecodeCacheLogRecord(rec []byte) (*CacheLogRecord, error) {
	c := &recCursor{b: rec}
	r := &CacheLogRecord{}
	var err error
	if r.PK, err = c.tag("pk"); err != nil {
		return nil, err
	}
	if r.CI, err = c.u32("ci"); err != nil {
		return nil, err
	}
	n, err := c.u32("name count")
	if err != nil {
		return nil, err
	}
	r.Names = make([]string, 0, n)
	r.Types = make([]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		if c.off >= len(c.b) {
			return nil, fmt.Errorf("truncated record reading fv type")
		}
		typ := c.b[c.off]
		c.off++
		name, err := c.blob("fv name")
		if err != nil {
			return nil, err
		}
		r.Types = append(r.Types, typ)
		r.Names = append(r.Names, string(name))
	}
	nFPs, err := c.u32("fp count")
	if err != nil {
		return nil, err
	}
	r.FPs = make([]fp.Tag, nFPs)
	for i := range r.FPs {
		if r.FPs[i], err = c.tag("fp"); err != nil {
			return nil, err
		}
	}
	if r.Value, err = c.blob("value"); err != nil {
		return nil, err
	}
	if r.Model, err = c.u32("model"); err != nil {
		return nil, err
	}
	if r.Kids, err = c.u32Seq("kids"); err != nil {
		return nil, err
	}
	if r.Refs, err = c.u32Seq("refs"); err != nil {
		return nil, err
	}
	src, err := c.blob("source")
	if err != nil {
		return nil, err
	}
	r.SourceFunc = string(src)
	return r, nil
}

// Encode returns the wire form of r.
func (r *EmptyPKRecord) Encode() []byte {
	var b []byte
	b = r.PK.AppendBinary(b)
	b = appendU32(b, r.Epoch)
	b = appendU32Seq(b, r.CIs)
	return b
}

// DecodeEmptyPKRecord parses one emptied-PK record.
func DecodeEmptyPKRecord(rec []byte) (*EmptyPKRecord, error) {
	c := &recCursor{b: rec}
	r := &EmptyPKRecord{}
	var err error
	if r.PK, err = c.tag("pk"); err != nil {
		return nil, err
	}
	if r.Epoch, err = c.u32("epoch"); err != nil {
		return nil, err
	}
	if r.CIs, err = c.u32Seq("cis"); err != nil {
		return nil, err
	}
	return r, nil
}
