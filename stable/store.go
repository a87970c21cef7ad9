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

package stable

import (
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	vcache "github.com/vesta-dev/vcache"
	"github.com/vesta-dev/vcache/bitvec"
	"github.com/vesta-dev/vcache/fp"
	"github.com/vesta-dev/vcache/internal/atomicfile"
)

// DefaultHandleCacheSize bounds the number of MultiPKFiles held open for
// reading at once.
const DefaultHandleCacheSize = 128

// Store is the stable cache: the directory tree of MultiPKFiles. Reads are
// served via a bounded cache of open read-only handles. Rewrites (flush,
// weed) go through a temp-and-rename, so a reader holding an old handle
// keeps a consistent pre-rewrite view.
type Store struct {
	root    string
	handles *lru.Cache[string, *os.File]
}

// NewStore opens (creating if needed) the stable cache rooted at root.
func NewStore(root string, handleCacheSize int) (*Store, error) {
	if handleCacheSize <= 0 {
		handleCacheSize = DefaultHandleCacheSize
	}
	if err := os.MkdirAll(root, atomicfile.DirPerm); err != nil {
		return nil, fmt.Errorf("failed to create stable cache root %q: %w", root, err)
	}
	if err := atomicfile.RemoveTemps(root); err != nil {
		return nil, fmt.Errorf("failed to clean temporaries under %q: %w", root, err)
	}
	handles, err := lru.NewWithEvict[string, *os.File](handleCacheSize, func(_ string, f *os.File) {
		_ = f.Close()
	})
	if err != nil {
		return nil, err
	}
	return &Store{root: root, handles: handles}, nil
}

// Path returns the MultiPKFile path for a prefix.
func (s *Store) Path(pfx vcache.Prefix) string {
	return filepath.Join(s.root, filepath.FromSlash(pfx.Path()))
}

// open returns a (possibly cached) read-only handle on the prefix's
// MultiPKFile. A handle evicted while another reader still uses it makes
// that reader's pread fail; the caller treats this like any other read
// error, so no reference counting is needed.
func (s *Store) open(pfx vcache.Prefix) (*os.File, error) {
	p := s.Path(pfx)
	if f, ok := s.handles.Get(p); ok {
		return f, nil
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	s.handles.Add(p, f)
	return f, nil
}

// invalidate drops any cached handle for the prefix. Called after a rewrite
// so later reads see the new file.
func (s *Store) invalidate(pfx vcache.Prefix) {
	s.handles.Remove(s.Path(pfx))
}

// Close drops all cached handles.
func (s *Store) Close() {
	s.handles.Purge()
}

// HasPKFile reports whether the stable cache holds a PKFile for pk.
func (s *Store) HasPKFile(pk fp.Tag) (bool, error) {
	f, err := s.open(vcache.PrefixOf(pk))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	rows, err := readHeader(f)
	if err != nil {
		return false, err
	}
	_, ok := seekPKFile(rows, pk)
	return ok, nil
}

// pkFileSection reads and decodes the meta portion of pk's PKFile section.
// ok is false if the MultiPKFile or the PKFile does not exist.
func (s *Store) pkFileSection(pk fp.Tag) (*decoder, string, vcache.FVList, []bucketMeta, uint64, bool, error) {
	f, err := s.open(vcache.PrefixOf(pk))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", vcache.FVList{}, nil, 0, false, nil
		}
		return nil, "", vcache.FVList{}, nil, 0, false, err
	}
	rows, err := readHeader(f)
	if err != nil {
		return nil, "", vcache.FVList{}, nil, 0, false, err
	}
	row, ok := seekPKFile(rows, pk)
	if !ok {
		return nil, "", vcache.FVList{}, nil, 0, false, nil
	}
	sec := make([]byte, row.length)
	if _, err := f.ReadAt(sec, int64(row.off)); err != nil {
		return nil, "", vcache.FVList{}, nil, 0, false, err
	}
	d := &decoder{b: sec}
	src, fvs, metas, err := decodePKFileMeta(d)
	if err != nil {
		return nil, "", vcache.FVList{}, nil, 0, false, err
	}
	return d, src, fvs, metas, row.off, true, nil
}

// PKFileNames returns the stored free-variable dictionary for pk.
func (s *Store) PKFileNames(pk fp.Tag) (vcache.FVList, bool, error) {
	_, _, fvs, _, _, ok, err := s.pkFileSection(pk)
	return fvs, ok, err
}

// LookupBucket returns the stored entries bucketed under cfp for pk, or nil
// if there is no such bucket. The bucket's entries are decoded in file
// order.
func (s *Store) LookupBucket(pk, cfp fp.Tag) ([]*vcache.Entry, error) {
	d, _, _, metas, base, ok, err := s.pkFileSection(pk)
	if err != nil || !ok {
		return nil, err
	}
	for _, m := range metas {
		if m.cfp != cfp {
			continue
		}
		// Bucket offsets are absolute; the section was read at base.
		d.off = int(m.off - base)
		entries := make([]*vcache.Entry, 0, m.count)
		for i := uint32(0); i < m.count; i++ {
			e, err := d.decodeEntry(pk, cfp)
			if err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}
		return entries, nil
	}
	return nil, nil
}

// ReadMulti decodes a whole MultiPKFile. A missing file decodes as empty.
func (s *Store) ReadMulti(pfx vcache.Prefix) (map[fp.Tag]*PKFile, error) {
	raw, err := os.ReadFile(s.Path(pfx))
	if err != nil {
		if os.IsNotExist(err) {
			return map[fp.Tag]*PKFile{}, nil
		}
		return nil, err
	}
	return decodeMulti(raw)
}

func decodeMulti(raw []byte) (map[fp.Tag]*PKFile, error) {
	rows, err := readHeader(readerAt(raw))
	if err != nil {
		return nil, err
	}
	pks := make(map[fp.Tag]*PKFile, len(rows))
	for _, row := range rows {
		if row.off+row.length > uint64(len(raw)) {
			return nil, fmt.Errorf("PKFile section [%d,%d) beyond file end %d", row.off, row.off+row.length, len(raw))
		}
		d := &decoder{b: raw[row.off : row.off+row.length]}
		src, fvs, metas, err := decodePKFileMeta(d)
		if err != nil {
			return nil, err
		}
		p := &PKFile{SourceFunc: src, FVs: fvs}
		for _, m := range metas {
			d.off = int(m.off - row.off)
			bk := Bucket{CFP: m.cfp}
			for i := uint32(0); i < m.count; i++ {
				e, err := d.decodeEntry(row.pk, m.cfp)
				if err != nil {
					return nil, err
				}
				bk.Entries = append(bk.Entries, e)
			}
			p.Buckets = append(p.Buckets, bk)
		}
		pks[row.pk] = p
	}
	return pks, nil
}

// readerAt adapts a byte slice to io.ReaderAt for readHeader.
type readerAt []byte

func (r readerAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r)) {
		return 0, fmt.Errorf("read at %d beyond end %d", off, len(r))
	}
	n := copy(p, r[off:])
	if n < len(p) {
		return n, fmt.Errorf("short read at %d", off)
	}
	return n, nil
}

// writeMulti encodes pks and atomically installs it as the prefix's
// MultiPKFile. An empty map removes the file.
func (s *Store) writeMulti(pfx vcache.Prefix, pks map[fp.Tag]*PKFile) error {
	p := s.Path(pfx)
	defer s.invalidate(pfx)
	if len(pks) == 0 {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return atomicfile.Write(p, encodeMulti(pks))
}

// Update merges flushed volatile state into the prefix's MultiPKFile: for
// each PK, the (grown) dictionary replaces the stored one and the new
// entries are appended to their cfp buckets. Readers see the old or new
// file, never a mix.
func (s *Store) Update(pfx vcache.Prefix, dicts map[fp.Tag]vcache.FVList, srcFuncs map[fp.Tag]string, newEntries map[fp.Tag][]*vcache.Entry) error {
	pks, err := s.ReadMulti(pfx)
	if err != nil {
		// A corrupted MultiPKFile serves as empty; the rewrite replaces it
		// with the recoverable state rather than synthesizing entries.
		klog.Errorf("Corrupted MultiPKFile %q, rewriting from volatile state: %v", s.Path(pfx), err)
		pks = map[fp.Tag]*PKFile{}
	}
	for pk, entries := range newEntries {
		p, ok := pks[pk]
		if !ok {
			p = &PKFile{}
			pks[pk] = p
		}
		if dict, ok := dicts[pk]; ok {
			// The volatile dictionary only ever appends to the stored one,
			// so stored index maps remain valid.
			p.FVs = dict.Copy()
		}
		if src, ok := srcFuncs[pk]; ok && src != "" {
			p.SourceFunc = src
		}
		for _, e := range entries {
			p.AddEntry(e)
		}
	}
	return s.writeMulti(pfx, pks)
}

// Weed rewrites the prefix's MultiPKFile without the entries whose index is
// in del. Returns the number of entries dropped.
func (s *Store) Weed(pfx vcache.Prefix, del *bitvec.Vector) (int, error) {
	pks, err := s.ReadMulti(pfx)
	if err != nil {
		return 0, err
	}
	dropped := 0
	for pk, p := range pks {
		var kept []Bucket
		for _, bk := range p.Buckets {
			var es []*vcache.Entry
			for _, e := range bk.Entries {
				if del.Read(e.CI) {
					dropped++
					continue
				}
				es = append(es, e)
			}
			if len(es) > 0 {
				kept = append(kept, Bucket{CFP: bk.CFP, Entries: es})
			}
		}
		if len(kept) == 0 {
			delete(pks, pk)
			continue
		}
		p.Buckets = kept
	}
	if dropped == 0 {
		return 0, nil
	}
	return dropped, s.writeMulti(pfx, pks)
}

// Prefixes walks the stable cache and returns every prefix with a
// MultiPKFile on disk.
func (s *Store) Prefixes() ([]vcache.Prefix, error) {
	granDir := filepath.Join(s.root, fmt.Sprintf("gran-%03d", vcache.PKPrefixBits))
	var res []vcache.Prefix
	his, err := os.ReadDir(granDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, hi := range his {
		if !hi.IsDir() {
			continue
		}
		los, err := os.ReadDir(filepath.Join(granDir, hi.Name()))
		if err != nil {
			return nil, err
		}
		var hiB, loB byte
		if _, err := fmt.Sscanf(hi.Name(), "%02x", &hiB); err != nil {
			continue
		}
		for _, lo := range los {
			if atomicfile.IsTemp(lo.Name()) {
				continue
			}
			if _, err := fmt.Sscanf(lo.Name(), "%02x", &loB); err != nil {
				continue
			}
			res = append(res, vcache.Prefix(uint64(hiB)<<56|uint64(loB)<<48))
		}
	}
	return res, nil
}
