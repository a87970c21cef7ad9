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

package wire

import (
	"errors"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vesta-dev/vcache/fp"
)

// pipe returns two framed ends of an in-memory stream.
func pipe(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	ca, cb := NewConn(a), NewConn(b)
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

func TestPrimitivesRoundTrip(t *testing.T) {
	a, b := pipe(t)
	tag := fp.OfText("tag")
	tags := []fp.Tag{fp.OfText("x"), fp.OfText("y")}

	done := make(chan error, 1)
	go func() {
		done <- func() error {
			if err := a.WriteUint32(42); err != nil {
				return err
			}
			if err := a.WriteUint64(1 << 40); err != nil {
				return err
			}
			if err := a.WriteBool(true); err != nil {
				return err
			}
			if err := a.WriteBytes([]byte("payload")); err != nil {
				return err
			}
			if err := a.WriteString(""); err != nil {
				return err
			}
			if err := a.WriteTag(tag); err != nil {
				return err
			}
			if err := a.WriteUint32Seq([]uint32{1, 2, 3}); err != nil {
				return err
			}
			if err := a.WriteUint64Seq(nil); err != nil {
				return err
			}
			if err := a.WriteTagSeq(tags); err != nil {
				return err
			}
			return a.Flush()
		}()
	}()

	if v, err := b.ReadUint32(); err != nil || v != 42 {
		t.Errorf("ReadUint32 = %d, %v", v, err)
	}
	if v, err := b.ReadUint64(); err != nil || v != 1<<40 {
		t.Errorf("ReadUint64 = %d, %v", v, err)
	}
	if v, err := b.ReadBool(); err != nil || !v {
		t.Errorf("ReadBool = %v, %v", v, err)
	}
	if v, err := b.ReadBytes(); err != nil || string(v) != "payload" {
		t.Errorf("ReadBytes = %q, %v", v, err)
	}
	if v, err := b.ReadString(); err != nil || v != "" {
		t.Errorf("ReadString = %q, %v", v, err)
	}
	if v, err := b.ReadTag(); err != nil || v != tag {
		t.Errorf("ReadTag = %v, %v", v, err)
	}
	if v, err := b.ReadUint32Seq(); err != nil || !cmp.Equal([]uint32{1, 2, 3}, v) {
		t.Errorf("ReadUint32Seq = %v, %v", v, err)
	}
	if v, err := b.ReadUint64Seq(); err != nil || len(v) != 0 {
		t.Errorf("ReadUint64Seq = %v, %v", v, err)
	}
	if v, err := b.ReadTagSeq(); err != nil || !cmp.Equal(tags, v) {
		t.Errorf("ReadTagSeq = %v, %v", v, err)
	}
	if err := <-done; err != nil {
		t.Fatalf("writer: %v", err)
	}
}

func TestFailureFrame(t *testing.T) {
	a, b := pipe(t)
	go func() {
		_ = a.WriteFailure(FailInstanceMismatch, "cache server restarted")
	}()
	err := b.ReadStatus()
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("ReadStatus = %v, want *Failure", err)
	}
	if f.Code != FailInstanceMismatch || f.Msg != "cache server restarted" {
		t.Errorf("failure = %+v", f)
	}
}

func TestOKStatus(t *testing.T) {
	a, b := pipe(t)
	go func() {
		_ = a.WriteOK()
		_ = a.WriteUint32(7)
		_ = a.Flush()
	}()
	if err := b.ReadStatus(); err != nil {
		t.Fatalf("ReadStatus = %v, want nil", err)
	}
	if v, err := b.ReadUint32(); err != nil || v != 7 {
		t.Errorf("body after OK = %d, %v", v, err)
	}
}
