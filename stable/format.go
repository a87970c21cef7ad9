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

// Package stable implements the on-disk MultiPKFile container: the binary
// file grouping all stable cache entries whose primary keys share a prefix.
//
// Layout of one MultiPKFile:
//
//	header:  magic, format version, PKFile count,
//	         sorted table of (pk, offset, length)
//	PKFile:  source-function label, free-variable dictionary,
//	         table of (cfp, entry count, offset), entry blocks
//	entry:   ci, optional index map (16- or 32-bit pairs, chosen by a
//	         discriminator byte), value-fingerprint vector, value blob
//
// The sorted header table lets a reader seek to one PKFile without touching
// the others. Entries of one cfp bucket are contiguous.
package stable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	vcache "github.com/vesta-dev/vcache"
	"github.com/vesta-dev/vcache/fp"
)

const (
	// magic tags a MultiPKFile.
	magic = 0x564d504b // "VMPK"

	// FormatVersion is written to new files. Version 1 files carry only
	// 16-bit index maps; version 2 added the 32-bit width. Readers accept
	// both, keyed off the per-entry discriminator.
	FormatVersion = 2

	// Index map width discriminators. The byte doubles as the pair element
	// size so a single reader path handles both widths.
	imapAbsent = 0
	imap16     = 2
	imap32     = 4
)

// PKFile is the decoded in-memory form of one PKFile section.
type PKFile struct {
	SourceFunc string
	FVs        vcache.FVList
	// Buckets holds the entries of each cfp bucket, in file order.
	Buckets []Bucket
}

// Bucket is one cfp equivalence class.
type Bucket struct {
	CFP     fp.Tag
	Entries []*vcache.Entry
}

// Bucket returns the entries bucketed under cfp, or nil.
func (p *PKFile) Bucket(cfp fp.Tag) []*vcache.Entry {
	for i := range p.Buckets {
		if p.Buckets[i].CFP == cfp {
			return p.Buckets[i].Entries
		}
	}
	return nil
}

// AddEntry appends e to its cfp bucket, creating the bucket if new.
func (p *PKFile) AddEntry(e *vcache.Entry) {
	for i := range p.Buckets {
		if p.Buckets[i].CFP == e.CFP {
			p.Buckets[i].Entries = append(p.Buckets[i].Entries, e)
			return
		}
	}
	p.Buckets = append(p.Buckets, Bucket{CFP: e.CFP, Entries: []*vcache.Entry{e}})
}

// NumEntries returns the total entry count across buckets.
func (p *PKFile) NumEntries() int {
	n := 0
	for i := range p.Buckets {
		n += len(p.Buckets[i].Entries)
	}
	return n
}

func appendUint32(b []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(b, v) }

func appendBytes(b, p []byte) []byte {
	b = appendUint32(b, uint32(len(p)))
	return append(b, p...)
}

func appendString(b []byte, s string) []byte { return appendBytes(b, []byte(s)) }

// appendEntry encodes one entry block. The index map is written at the
// narrowest adequate width.
func appendEntry(b []byte, e *vcache.Entry) []byte {
	b = appendUint32(b, e.CI)
	if e.IMap == nil {
		b = append(b, imapAbsent)
	} else {
		width := byte(imap16)
		for _, p := range e.IMap {
			if p.Name > math.MaxUint16 || p.FP > math.MaxUint16 {
				width = imap32
				break
			}
		}
		b = append(b, width)
		b = appendUint32(b, uint32(len(e.IMap)))
		for _, p := range e.IMap {
			if width == imap16 {
				b = binary.BigEndian.AppendUint16(b, uint16(p.Name))
				b = binary.BigEndian.AppendUint16(b, uint16(p.FP))
			} else {
				b = appendUint32(b, p.Name)
				b = appendUint32(b, p.FP)
			}
		}
	}
	b = appendUint32(b, uint32(len(e.FPs)))
	for _, t := range e.FPs {
		b = t.AppendBinary(b)
	}
	b = appendBytes(b, e.Value)
	return b
}

// decoder is a cursor over an encoded byte slice.
type decoder struct {
	b   []byte
	off int
}

func (d *decoder) fail(what string) error {
	return fmt.Errorf("truncated MultiPKFile section reading %s at offset %d", what, d.off)
}

func (d *decoder) uint32(what string) (uint32, error) {
	if d.off+4 > len(d.b) {
		return 0, d.fail(what)
	}
	v := binary.BigEndian.Uint32(d.b[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) uint16(what string) (uint16, error) {
	if d.off+2 > len(d.b) {
		return 0, d.fail(what)
	}
	v := binary.BigEndian.Uint16(d.b[d.off:])
	d.off += 2
	return v, nil
}

func (d *decoder) byte(what string) (byte, error) {
	if d.off+1 > len(d.b) {
		return 0, d.fail(what)
	}
	v := d.b[d.off]
	d.off++
	return v, nil
}

func (d *decoder) bytes(what string) ([]byte, error) {
	n, err := d.uint32(what)
	if err != nil {
		return nil, err
	}
	if d.off+int(n) > len(d.b) {
		return nil, d.fail(what)
	}
	v := make([]byte, n)
	copy(v, d.b[d.off:])
	d.off += int(n)
	return v, nil
}

func (d *decoder) tag(what string) (fp.Tag, error) {
	if d.off+fp.ByteSize > len(d.b) {
		return fp.Tag{}, d.fail(what)
	}
	t, err := fp.FromBinary(d.b[d.off:])
	if err != nil {
		return fp.Tag{}, err
	}
	d.off += fp.ByteSize
	return t, nil
}

// decodeEntry decodes one entry block.
func (d *decoder) decodeEntry(pk, cfp fp.Tag) (*vcache.Entry, error) {
	e := &vcache.Entry{PK: pk, CFP: cfp}
	ci, err := d.uint32("ci")
	if err != nil {
		return nil, err
	}
	e.CI = ci
	width, err := d.byte("imap width")
	if err != nil {
		return nil, err
	}
	switch width {
	case imapAbsent:
	case imap16, imap32:
		n, err := d.uint32("imap length")
		if err != nil {
			return nil, err
		}
		e.IMap = make([]vcache.IMapPair, n)
		for i := range e.IMap {
			if width == imap16 {
				name, err := d.uint16("imap pair")
				if err != nil {
					return nil, err
				}
				fpi, err := d.uint16("imap pair")
				if err != nil {
					return nil, err
				}
				e.IMap[i] = vcache.IMapPair{Name: uint32(name), FP: uint32(fpi)}
			} else {
				name, err := d.uint32("imap pair")
				if err != nil {
					return nil, err
				}
				fpi, err := d.uint32("imap pair")
				if err != nil {
					return nil, err
				}
				e.IMap[i] = vcache.IMapPair{Name: name, FP: fpi}
			}
		}
	default:
		return nil, fmt.Errorf("bad imap width discriminator %d", width)
	}
	nFPs, err := d.uint32("fp count")
	if err != nil {
		return nil, err
	}
	e.FPs = make([]fp.Tag, nFPs)
	for i := range e.FPs {
		if e.FPs[i], err = d.tag("fp vector"); err != nil {
			return nil, err
		}
	}
	if e.Value, err = d.bytes("value"); err != nil {
		return nil, err
	}
	return e, nil
}

// bucketMeta is one row of a PKFile's cfp table.
type bucketMeta struct {
	cfp   fp.Tag
	count uint32
	off   uint64 // absolute file offset of the bucket's first entry
}

// encodePKFile encodes one PKFile section. base is the absolute file offset
// the section will be written at; bucket offsets in the cfp table are
// absolute.
func encodePKFile(p *PKFile, base uint64) []byte {
	var b []byte
	b = appendString(b, p.SourceFunc)
	b = appendUint32(b, uint32(p.FVs.Len()))
	for i, name := range p.FVs.Names {
		b = append(b, p.FVs.Types[i])
		b = binary.BigEndian.AppendUint16(b, uint16(len(name)))
		b = append(b, name...)
	}

	// The cfp table has fixed-size rows, so its size is known before the
	// entry offsets it records.
	sorted := make([]Bucket, len(p.Buckets))
	copy(sorted, p.Buckets)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].CFP.AppendBinary(nil), sorted[j].CFP.AppendBinary(nil)) < 0
	})

	b = appendUint32(b, uint32(len(sorted)))
	tableOff := len(b)
	rowSize := fp.ByteSize + 4 + 8
	b = append(b, make([]byte, rowSize*len(sorted))...)

	for i, bk := range sorted {
		off := base + uint64(len(b))
		row := b[tableOff+i*rowSize:]
		copy(row, bk.CFP.AppendBinary(nil))
		binary.BigEndian.PutUint32(row[fp.ByteSize:], uint32(len(bk.Entries)))
		binary.BigEndian.PutUint64(row[fp.ByteSize+4:], off)
		for _, e := range bk.Entries {
			b = appendEntry(b, e)
		}
	}
	return b
}

// decodePKFileMeta decodes a PKFile section's label, dictionary and cfp
// table, leaving the cursor untouched by entry blocks.
func decodePKFileMeta(d *decoder) (string, vcache.FVList, []bucketMeta, error) {
	src, err := d.bytes("source function")
	if err != nil {
		return "", vcache.FVList{}, nil, err
	}
	nFVs, err := d.uint32("fv count")
	if err != nil {
		return "", vcache.FVList{}, nil, err
	}
	fvs := vcache.FVList{}
	for i := uint32(0); i < nFVs; i++ {
		typ, err := d.byte("fv type")
		if err != nil {
			return "", vcache.FVList{}, nil, err
		}
		n, err := d.uint16("fv name length")
		if err != nil {
			return "", vcache.FVList{}, nil, err
		}
		if d.off+int(n) > len(d.b) {
			return "", vcache.FVList{}, nil, d.fail("fv name")
		}
		fvs.Append(vcache.FV{Type: typ, Name: string(d.b[d.off : d.off+int(n)])})
		d.off += int(n)
	}
	nBuckets, err := d.uint32("cfp table size")
	if err != nil {
		return "", vcache.FVList{}, nil, err
	}
	metas := make([]bucketMeta, nBuckets)
	for i := range metas {
		if metas[i].cfp, err = d.tag("cfp"); err != nil {
			return "", vcache.FVList{}, nil, err
		}
		if metas[i].count, err = d.uint32("bucket count"); err != nil {
			return "", vcache.FVList{}, nil, err
		}
		if d.off+8 > len(d.b) {
			return "", vcache.FVList{}, nil, d.fail("bucket offset")
		}
		metas[i].off = binary.BigEndian.Uint64(d.b[d.off:])
		d.off += 8
	}
	return string(src), fvs, metas, nil
}

// headerRow is one row of the MultiPKFile header table.
type headerRow struct {
	pk     fp.Tag
	off    uint64
	length uint64
}

const headerRowSize = fp.ByteSize + 8 + 8

// encodeMulti encodes a whole MultiPKFile from its decoded form.
func encodeMulti(pks map[fp.Tag]*PKFile) []byte {
	keys := make([]fp.Tag, 0, len(pks))
	for pk := range pks {
		keys = append(keys, pk)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i].AppendBinary(nil), keys[j].AppendBinary(nil)) < 0
	})

	var hdr []byte
	hdr = appendUint32(hdr, magic)
	hdr = appendUint32(hdr, FormatVersion)
	hdr = appendUint32(hdr, uint32(len(keys)))
	tableOff := len(hdr)
	hdr = append(hdr, make([]byte, headerRowSize*len(keys))...)

	body := hdr
	for i, pk := range keys {
		off := uint64(len(body))
		sec := encodePKFile(pks[pk], off)
		body = append(body, sec...)
		row := body[tableOff+i*headerRowSize:]
		copy(row, pk.AppendBinary(nil))
		binary.BigEndian.PutUint64(row[fp.ByteSize:], off)
		binary.BigEndian.PutUint64(row[fp.ByteSize+8:], uint64(len(sec)))
	}
	return body
}

// readHeader reads and validates the header table of a MultiPKFile.
func readHeader(r io.ReaderAt) ([]headerRow, error) {
	var fixed [12]byte
	if _, err := r.ReadAt(fixed[:], 0); err != nil {
		return nil, err
	}
	if got := binary.BigEndian.Uint32(fixed[0:]); got != magic {
		return nil, fmt.Errorf("bad MultiPKFile magic %08x", got)
	}
	if v := binary.BigEndian.Uint32(fixed[4:]); v == 0 || v > FormatVersion {
		return nil, fmt.Errorf("unsupported MultiPKFile version %d", v)
	}
	n := binary.BigEndian.Uint32(fixed[8:])
	raw := make([]byte, int(n)*headerRowSize)
	if _, err := r.ReadAt(raw, 12); err != nil {
		return nil, err
	}
	rows := make([]headerRow, n)
	for i := range rows {
		row := raw[i*headerRowSize:]
		pk, err := fp.FromBinary(row)
		if err != nil {
			return nil, err
		}
		rows[i] = headerRow{
			pk:     pk,
			off:    binary.BigEndian.Uint64(row[fp.ByteSize:]),
			length: binary.BigEndian.Uint64(row[fp.ByteSize+8:]),
		}
	}
	return rows, nil
}

// seekPKFile locates pk's row in the header table by binary search.
func seekPKFile(rows []headerRow, pk fp.Tag) (headerRow, bool) {
	key := pk.AppendBinary(nil)
	i := sort.Search(len(rows), func(i int) bool {
		return bytes.Compare(rows[i].pk.AppendBinary(nil), key) >= 0
	})
	if i < len(rows) && rows[i].pk == pk {
		return rows[i], true
	}
	return headerRow{}, false
}
