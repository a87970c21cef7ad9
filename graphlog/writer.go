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

package graphlog

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/globocom/go-buffer"
	"k8s.io/klog/v2"

	"github.com/vesta-dev/vcache/vlog"
)

const (
	batchSize = 256
	batchAge  = time.Second
)

// Writer appends graph records with write batching. Unlike the cache log,
// graph records need no per-call fsync: losing the newest nodes after a
// crash only makes the weeder conservative. Flush forces everything out and
// syncs, which StartMark and Checkpoint rely on for ordering.
type Writer struct {
	log *vlog.Log
	buf *buffer.Buffer

	mu      sync.Mutex
	lastErr error
}

// NewWriter opens the graph log in dir for appending.
func NewWriter(dir string) (*Writer, error) {
	l, err := vlog.Open(dir)
	if err != nil {
		return nil, err
	}
	w := &Writer{log: l}
	w.buf = buffer.New(
		buffer.WithSize(batchSize),
		buffer.WithFlushInterval(batchAge),
		buffer.WithFlusher(buffer.FlusherFunc(w.flushBatch)),
	)
	return w, nil
}

func (w *Writer) flushBatch(items []interface{}) {
	for _, it := range items {
		if err := w.log.Append(it.([]byte)); err != nil {
			klog.Errorf("Graph log append failed: %v", err)
			w.mu.Lock()
			w.lastErr = err
			w.mu.Unlock()
			return
		}
	}
}

// Append queues one record.
func (w *Writer) Append(e Entry) error {
	var rec []byte
	switch e := e.(type) {
	case *Node:
		rec = e.Encode()
	case *Root:
		rec = e.Encode()
	default:
		return fmt.Errorf("unknown graph entry %T", e)
	}
	return w.buf.Push(rec)
}

// Flush drains the batch buffer and syncs the log.
func (w *Writer) Flush() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	w.mu.Lock()
	err := w.lastErr
	w.mu.Unlock()
	if err != nil {
		return err
	}
	return w.log.Sync()
}

// Rotate flushes, then begins a new generation with an empty checkpoint
// placeholder. Returns the new generation number, which StartMark reports
// to the weeder.
func (w *Writer) Rotate() (uint32, error) {
	if err := w.Flush(); err != nil {
		return 0, err
	}
	return w.log.Rotate(nil)
}

// Version returns the current generation number.
func (w *Writer) Version() uint32 {
	return w.log.Version()
}

// InstallCheckpoint renames a weeder-written checkpoint file into place as
// the current generation's checkpoint.
func (w *Writer) InstallCheckpoint(src string) error {
	return w.log.InstallCheckpoint(src)
}

// Close flushes and closes the underlying log.
func (w *Writer) Close() error {
	ferr := w.Flush()
	if err := w.buf.Close(); err != nil && ferr == nil {
		ferr = err
	}
	if err := w.log.Close(); err != nil && ferr == nil {
		ferr = err
	}
	return ferr
}

// Read streams every record of every generation >= from in dir to f.
func Read(dir string, from uint32, f func(Entry) error) error {
	seq, err := vlog.NewSeq(dir, from)
	if err != nil {
		return err
	}
	defer seq.Close()
	for {
		rec, err := seq.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		e, err := Decode(rec)
		if err != nil {
			return err
		}
		if err := f(e); err != nil {
			return err
		}
	}
}
