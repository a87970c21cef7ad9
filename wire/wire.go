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

// Package wire implements the cache protocol's primitive encodings over a
// reliable ordered stream: unsigned integers big-endian, byte strings and
// sequences length-prefixed with a 32-bit count. Each RPC is one request
// and one reply; a failure frame terminates a call with a coded error.
//
// Every RPC except GetCacheInstance starts with the client sending the
// instance fingerprint it believes the server has; the server answers with
// a single bool before the rest of the reply. The numeric RPC identifiers
// are shared by both ends and must stay stable.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/vesta-dev/vcache/fp"
)

// RPC identifiers.
const (
	RPCFreeVariables    = 1
	RPCLookup           = 2
	RPCAddEntry         = 3
	RPCCheckpoint       = 4
	RPCRenewLeases      = 5
	RPCWeederRecovering = 6
	RPCStartMark        = 7
	RPCSetHitFilter     = 8
	RPCGetLeases        = 9
	RPCResumeLeaseExp   = 10
	RPCEndMark          = 11
	RPCCommitChkpt      = 12
	RPCGetCacheInstance = 13
	RPCFlushAll         = 14
	RPCGetCacheId       = 15
	RPCGetCacheState    = 16
)

// Failure codes carried by failure frames.
const (
	FailUnknownRPC       = 1
	FailInstanceMismatch = 2
	FailBadState         = 3
	FailServer           = 4
)

// maxBytes bounds a single length-prefixed value; longer prefixes indicate
// stream corruption rather than data.
const maxBytes = 1 << 30

const (
	statusOK      = 0
	statusFailure = 1
)

// Failure is the decoded form of a failure frame.
type Failure struct {
	Code uint32
	Msg  string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("rpc failure %d: %s", f.Code, f.Msg)
}

// Conn frames one protocol stream. Writes are buffered; Flush sends them.
// A Conn is used by one request/reply exchange at a time.
type Conn struct {
	c net.Conn
	r *bufio.Reader
	w *bufio.Writer
}

// NewConn wraps c.
func NewConn(c net.Conn) *Conn {
	return &Conn{c: c, r: bufio.NewReader(c), w: bufio.NewWriter(c)}
}

// Close closes the underlying stream.
func (c *Conn) Close() error { return c.c.Close() }

// Flush sends all buffered writes.
func (c *Conn) Flush() error { return c.w.Flush() }

func (c *Conn) WriteUint32(v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := c.w.Write(b[:])
	return err
}

func (c *Conn) ReadUint32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(c.r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (c *Conn) WriteUint64(v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := c.w.Write(b[:])
	return err
}

func (c *Conn) ReadUint64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(c.r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func (c *Conn) WriteBool(v bool) error {
	b := byte(0)
	if v {
		b = 1
	}
	return c.w.WriteByte(b)
}

func (c *Conn) ReadBool() (bool, error) {
	b, err := c.r.ReadByte()
	if err != nil {
		return false, err
	}
	return b == 1, nil
}

func (c *Conn) WriteBytes(v []byte) error {
	if err := c.WriteUint32(uint32(len(v))); err != nil {
		return err
	}
	_, err := c.w.Write(v)
	return err
}

func (c *Conn) ReadBytes() ([]byte, error) {
	n, err := c.ReadUint32()
	if err != nil {
		return nil, err
	}
	if n > maxBytes {
		return nil, fmt.Errorf("implausible byte-string length %d", n)
	}
	v := make([]byte, n)
	if _, err := io.ReadFull(c.r, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Conn) WriteString(v string) error { return c.WriteBytes([]byte(v)) }

func (c *Conn) ReadString() (string, error) {
	b, err := c.ReadBytes()
	return string(b), err
}

func (c *Conn) WriteTag(t fp.Tag) error {
	if err := c.WriteUint64(t.W[0]); err != nil {
		return err
	}
	return c.WriteUint64(t.W[1])
}

func (c *Conn) ReadTag() (fp.Tag, error) {
	w0, err := c.ReadUint64()
	if err != nil {
		return fp.Tag{}, err
	}
	w1, err := c.ReadUint64()
	if err != nil {
		return fp.Tag{}, err
	}
	return fp.Tag{W: [2]uint64{w0, w1}}, nil
}

func (c *Conn) WriteUint32Seq(vs []uint32) error {
	if err := c.WriteUint32(uint32(len(vs))); err != nil {
		return err
	}
	for _, v := range vs {
		if err := c.WriteUint32(v); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) ReadUint32Seq() ([]uint32, error) {
	n, err := c.ReadUint32()
	if err != nil {
		return nil, err
	}
	if n > maxBytes/4 {
		return nil, fmt.Errorf("implausible sequence length %d", n)
	}
	vs := make([]uint32, n)
	for i := range vs {
		if vs[i], err = c.ReadUint32(); err != nil {
			return nil, err
		}
	}
	return vs, nil
}

func (c *Conn) WriteUint64Seq(vs []uint64) error {
	if err := c.WriteUint32(uint32(len(vs))); err != nil {
		return err
	}
	for _, v := range vs {
		if err := c.WriteUint64(v); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) ReadUint64Seq() ([]uint64, error) {
	n, err := c.ReadUint32()
	if err != nil {
		return nil, err
	}
	if n > maxBytes/8 {
		return nil, fmt.Errorf("implausible sequence length %d", n)
	}
	vs := make([]uint64, n)
	for i := range vs {
		if vs[i], err = c.ReadUint64(); err != nil {
			return nil, err
		}
	}
	return vs, nil
}

func (c *Conn) WriteTagSeq(ts []fp.Tag) error {
	if err := c.WriteUint32(uint32(len(ts))); err != nil {
		return err
	}
	for _, t := range ts {
		if err := c.WriteTag(t); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) ReadTagSeq() ([]fp.Tag, error) {
	n, err := c.ReadUint32()
	if err != nil {
		return nil, err
	}
	if n > maxBytes/fp.ByteSize {
		return nil, fmt.Errorf("implausible sequence length %d", n)
	}
	ts := make([]fp.Tag, n)
	for i := range ts {
		if ts[i], err = c.ReadTag(); err != nil {
			return nil, err
		}
	}
	return ts, nil
}

// WriteOK begins a successful reply body.
func (c *Conn) WriteOK() error { return c.w.WriteByte(statusOK) }

// WriteFailure sends a failure frame terminating the current call and
// flushes it.
func (c *Conn) WriteFailure(code uint32, msg string) error {
	if err := c.w.WriteByte(statusFailure); err != nil {
		return err
	}
	if err := c.WriteUint32(code); err != nil {
		return err
	}
	if err := c.WriteString(msg); err != nil {
		return err
	}
	return c.Flush()
}

// ReadStatus consumes a reply's status. It returns nil for a successful
// reply and the decoded *Failure otherwise.
func (c *Conn) ReadStatus() error {
	b, err := c.r.ReadByte()
	if err != nil {
		return err
	}
	switch b {
	case statusOK:
		return nil
	case statusFailure:
		code, err := c.ReadUint32()
		if err != nil {
			return err
		}
		msg, err := c.ReadString()
		if err != nil {
			return err
		}
		return &Failure{Code: code, Msg: msg}
	}
	return fmt.Errorf("bad reply status byte %d", b)
}
