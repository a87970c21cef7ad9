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

// Package vlog implements the versioned append-only logs underlying the
// cache log, the graph log, the emptied-PK log and the index interval log.
//
// A log directory holds numbered generations: "<version>.log" files, each
// optionally preceded by a "<version>.ckp" checkpoint written at the
// rotation that opened the generation. Replay reads the newest checkpoint
// and then every log generation from that version on, in order. Every log
// file is readable in isolation; there are no cross-file pointers.
//
// Records are length-prefixed. A crash can leave a torn record at the tail
// of the newest generation; replay stops there and the next Open
// truncates it.
package vlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"github.com/vesta-dev/vcache/internal/atomicfile"
)

const (
	logExt  = ".log"
	ckpExt  = ".ckp"
	nameFmt = "%d"

	// maxRecordSize bounds a single record. A length prefix beyond this is
	// treated as corruption rather than an allocation request.
	maxRecordSize = 1 << 30
)

// Log is an open log directory positioned at its newest generation for
// appending. Appends are buffered in the OS; Sync forces them to disk.
// A Log is safe for concurrent use.
type Log struct {
	dir string

	mu      sync.Mutex
	version uint32
	f       *os.File
	off     int64
}

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("log is closed")

func logName(dir string, v uint32) string {
	return filepath.Join(dir, fmt.Sprintf(nameFmt, v)+logExt)
}

func ckpName(dir string, v uint32) string {
	return filepath.Join(dir, fmt.Sprintf(nameFmt, v)+ckpExt)
}

// versions returns the sorted generation numbers present in dir.
func versions(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var vs []uint32
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, logExt) || atomicfile.IsTemp(name) {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSuffix(name, logExt), 10, 32)
		if err != nil {
			klog.Warningf("Ignoring unrecognized log file %q", filepath.Join(dir, name))
			continue
		}
		vs = append(vs, uint32(v))
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })
	return vs, nil
}

// Open opens the log in dir for appending, creating generation 0 if the
// directory is empty. Any torn record at the tail of the newest generation
// is truncated away.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, atomicfile.DirPerm); err != nil {
		return nil, fmt.Errorf("failed to create log directory %q: %w", dir, err)
	}
	if err := atomicfile.RemoveTemps(dir); err != nil {
		return nil, fmt.Errorf("failed to clean temporaries in %q: %w", dir, err)
	}
	vs, err := versions(dir)
	if err != nil {
		return nil, err
	}
	v := uint32(0)
	if n := len(vs); n > 0 {
		v = vs[n-1]
	}
	name := logName(dir, v)
	good, err := scanLength(name)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE, atomicfile.FilePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", name, err)
	}
	if fi, err := f.Stat(); err == nil && fi.Size() > good {
		klog.Warningf("Truncating torn tail of %q: %d -> %d bytes", name, fi.Size(), good)
		if err := f.Truncate(good); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to truncate %q: %w", name, err)
		}
	}
	if _, err := f.Seek(good, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &Log{dir: dir, version: v, f: f, off: good}, nil
}

// scanLength returns the byte offset of the end of the last whole record.
func scanLength(name string) (int64, error) {
	f, err := os.Open(name)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var off int64
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			return off, nil
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > maxRecordSize {
			return off, nil
		}
		if _, err := f.Seek(int64(n), io.SeekCurrent); err != nil {
			return off, nil
		}
		end := off + 4 + int64(n)
		// A seek past EOF succeeds, so confirm the payload is really there.
		if fi, err := f.Stat(); err != nil || end > fi.Size() {
			return off, nil
		}
		off = end
	}
}

// Version returns the current generation number.
func (l *Log) Version() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

// Append appends one record. The record is not durable until Sync returns.
func (l *Log) Append(rec []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(rec)
}

func (l *Log) appendLocked(rec []byte) error {
	if l.f == nil {
		return ErrClosed
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(rec)))
	if _, err := l.f.Write(hdr[:]); err != nil {
		return fmt.Errorf("log append: %w", err)
	}
	if _, err := l.f.Write(rec); err != nil {
		return fmt.Errorf("log append: %w", err)
	}
	l.off += 4 + int64(len(rec))
	return nil
}

// AppendSync appends one record and forces it to disk before returning.
func (l *Log) AppendSync(rec []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.appendLocked(rec); err != nil {
		return err
	}
	return l.f.Sync()
}

// Sync forces all appended records to disk.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return ErrClosed
	}
	return l.f.Sync()
}

// Rotate atomically begins a new generation. The checkpoint bytes (which may
// be empty) are installed as the new generation's ".ckp" companion before
// the new ".log" becomes the append target, superseding all earlier
// generations for Replay. Returns the new generation number.
func (l *Log) Rotate(checkpoint []byte) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateLocked(checkpoint, true)
}

// RotateNoCheckpoint begins a new generation without a checkpoint: earlier
// generations remain part of Replay until WriteCheckpoint later marks the
// new generation as superseding them. This is the first half of a
// checkpoint whose state is flushed out of band.
func (l *Log) RotateNoCheckpoint() (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateLocked(nil, false)
}

func (l *Log) rotateLocked(checkpoint []byte, withCkp bool) (uint32, error) {
	if l.f == nil {
		return 0, ErrClosed
	}
	if err := l.f.Sync(); err != nil {
		return 0, err
	}
	next := l.version + 1
	if withCkp {
		if err := atomicfile.Write(ckpName(l.dir, next), checkpoint); err != nil {
			return 0, err
		}
	}
	f, err := os.OpenFile(logName(l.dir, next), os.O_WRONLY|os.O_CREATE, atomicfile.FilePerm)
	if err != nil {
		return 0, fmt.Errorf("failed to open new log generation: %w", err)
	}
	if err := l.f.Close(); err != nil {
		f.Close()
		return 0, err
	}
	l.f, l.version, l.off = f, next, 0
	klog.V(1).Infof("Rotated log %q to generation %d", l.dir, next)
	return next, nil
}

// WriteCheckpoint installs checkpoint bytes for the current generation,
// completing a RotateNoCheckpoint.
func (l *Log) WriteCheckpoint(checkpoint []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.f.Sync(); err != nil {
		return err
	}
	return atomicfile.Write(ckpName(l.dir, l.version), checkpoint)
}

// InstallCheckpoint atomically replaces the current generation's checkpoint
// with the file at src. Used by the weeder commit, which writes the
// checkpoint contents out of process.
func (l *Log) InstallCheckpoint(src string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return atomicfile.Rename(src, ckpName(l.dir, l.version))
}

// CheckpointPath returns the path a checkpoint for generation v must be
// written to.
func CheckpointPath(dir string, v uint32) string {
	return ckpName(dir, v)
}

// Close closes the log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Sync()
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
