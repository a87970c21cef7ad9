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

package vlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"k8s.io/klog/v2"
)

// Seq reads log records in order across generations, starting at a given
// generation number. It is the read-only companion of Log used by replay,
// the weeder and the diagnostic dumpers.
type Seq struct {
	dir  string
	vs   []uint32
	next int

	cur     *bufio.Reader
	curF    *os.File
	version uint32
}

// NewSeq returns a sequence over every generation in dir with version >= from.
func NewSeq(dir string, from uint32) (*Seq, error) {
	vs, err := versions(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Seq{dir: dir}, nil
		}
		return nil, err
	}
	keep := vs[:0]
	for _, v := range vs {
		if v >= from {
			keep = append(keep, v)
		}
	}
	return &Seq{dir: dir, vs: keep}, nil
}

// Version returns the generation of the record most recently returned by
// Next.
func (s *Seq) Version() uint32 { return s.version }

// Next returns the next record, or io.EOF after the last record of the last
// generation. A torn record at the tail of a generation ends that
// generation.
func (s *Seq) Next() ([]byte, error) {
	for {
		if s.cur == nil {
			if s.next >= len(s.vs) {
				return nil, io.EOF
			}
			v := s.vs[s.next]
			s.next++
			f, err := os.Open(logName(s.dir, v))
			if err != nil {
				return nil, err
			}
			s.curF, s.cur, s.version = f, bufio.NewReader(f), v
		}
		rec, err := readRecord(s.cur)
		if err == nil {
			return rec, nil
		}
		if err != io.EOF {
			klog.Warningf("Log %q generation %d ends with a torn record: %v", s.dir, s.version, err)
		}
		s.curF.Close()
		s.cur, s.curF = nil, nil
	}
}

// Close releases the underlying file, if any.
func (s *Seq) Close() error {
	if s.curF != nil {
		err := s.curF.Close()
		s.cur, s.curF = nil, nil
		return err
	}
	return nil
}

func readRecord(r *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("torn length prefix")
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxRecordSize {
		return nil, fmt.Errorf("implausible record length %d", n)
	}
	rec := make([]byte, n)
	if _, err := io.ReadFull(r, rec); err != nil {
		return nil, fmt.Errorf("torn record payload: %w", err)
	}
	return rec, nil
}

// Replay feeds the newest checkpoint in dir (if any) to ckpt, then every
// record of that checkpoint's generation and all later generations, in
// order, to rec. With no checkpoint present, every generation is replayed
// from the oldest. Missing directories replay as empty.
func Replay(dir string, ckpt func(io.Reader) error, rec func(version uint32, record []byte) error) error {
	vs, err := versions(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	from := uint32(0)
	for i := len(vs) - 1; i >= 0; i-- {
		if _, err := os.Stat(ckpName(dir, vs[i])); err == nil {
			from = vs[i]
			if ckpt != nil {
				f, err := os.Open(ckpName(dir, vs[i]))
				if err != nil {
					return err
				}
				err = ckpt(f)
				f.Close()
				if err != nil {
					return fmt.Errorf("checkpoint %d of %q: %w", vs[i], dir, err)
				}
			}
			break
		}
	}
	seq, err := NewSeq(dir, from)
	if err != nil {
		return err
	}
	defer seq.Close()
	for {
		record, err := seq.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := rec(seq.Version(), record); err != nil {
			return err
		}
	}
}
