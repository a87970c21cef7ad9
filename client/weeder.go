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

package client

import (
	"context"

	vcache "github.com/vesta-dev/vcache"
	"github.com/vesta-dev/vcache/wire"
)

// Weeder is the weeder-facing call group driving the mark/sweep protocol.
type Weeder struct {
	p *Pool
}

// NewWeeder returns the weeder call group over pool.
func NewWeeder(pool *Pool) *Weeder { return &Weeder{p: pool} }

// Recovering announces a restarting weeder. conflict means another weed is
// in progress and the caller must stand down.
func (c *Weeder) Recovering(ctx context.Context, doneMarking bool) (conflict bool, err error) {
	err = c.p.call(ctx, wire.RPCWeederRecovering,
		func(w *wire.Conn) error {
			return w.WriteBool(doneMarking)
		},
		func(w *wire.Conn) error {
			var err error
			conflict, err = w.ReadBool()
			return err
		})
	return conflict, err
}

// StartMark freezes lease expiration and returns the live index set plus
// the graph log generation to read for reachability.
func (c *Weeder) StartMark(ctx context.Context) (liveSet []uint32, newLogVer uint32, err error) {
	err = c.p.call(ctx, wire.RPCStartMark, nil,
		func(w *wire.Conn) error {
			var err error
			if liveSet, err = w.ReadUint32Seq(); err != nil {
				return err
			}
			newLogVer, err = w.ReadUint32()
			return err
		})
	return liveSet, newLogVer, err
}

// SetHitFilter hides cis from Lookup while the weed decides their fate.
func (c *Weeder) SetHitFilter(ctx context.Context, cis []uint32) error {
	return c.p.call(ctx, wire.RPCSetHitFilter,
		func(w *wire.Conn) error {
			return w.WriteUint32Seq(cis)
		}, nil)
}

// GetLeases returns the currently leased indices.
func (c *Weeder) GetLeases(ctx context.Context) (liveSet []uint32, err error) {
	err = c.p.call(ctx, wire.RPCGetLeases, nil,
		func(w *wire.Conn) error {
			var err error
			liveSet, err = w.ReadUint32Seq()
			return err
		})
	return liveSet, err
}

// ResumeLeaseExp re-enables lease expiration during marking.
func (c *Weeder) ResumeLeaseExp(ctx context.Context) error {
	return c.p.call(ctx, wire.RPCResumeLeaseExp, nil, nil)
}

// EndMark commits cis as the deletion set and pfxs as the MultiPKFiles to
// rewrite. The reply is the graph log generation whose checkpoint the
// weeder must write and later commit with CommitChkpt.
func (c *Weeder) EndMark(ctx context.Context, cis []uint32, pfxs []vcache.Prefix) (chkptVer uint32, err error) {
	err = c.p.call(ctx, wire.RPCEndMark,
		func(w *wire.Conn) error {
			if err := w.WriteUint32Seq(cis); err != nil {
				return err
			}
			raw := make([]uint64, len(pfxs))
			for i, p := range pfxs {
				raw[i] = uint64(p)
			}
			return w.WriteUint64Seq(raw)
		},
		func(w *wire.Conn) error {
			var err error
			chkptVer, err = w.ReadUint32()
			return err
		})
	return chkptVer, err
}

// CommitChkpt asks the server to install the weeder-written graph log
// checkpoint file.
func (c *Weeder) CommitChkpt(ctx context.Context, chkptFileName string) (accepted bool, err error) {
	err = c.p.call(ctx, wire.RPCCommitChkpt,
		func(w *wire.Conn) error {
			return w.WriteString(chkptFileName)
		},
		func(w *wire.Conn) error {
			var err error
			accepted, err = w.ReadBool()
			return err
		})
	return accepted, err
}
