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
	"time"

	vcache "github.com/vesta-dev/vcache"
	"github.com/vesta-dev/vcache/wire"
)

// Debug is the operator-facing call group.
type Debug struct {
	p *Pool
}

// NewDebug returns the debug call group over pool.
func NewDebug(pool *Pool) *Debug { return &Debug{p: pool} }

// FlushAll forces a full flush of the volatile cache.
func (c *Debug) FlushAll(ctx context.Context) error {
	return c.p.call(ctx, wire.RPCFlushAll, nil, nil)
}

// GetCacheId fetches the server's identity.
func (c *Debug) GetCacheId(ctx context.Context) (id vcache.CacheId, err error) {
	err = c.p.call(ctx, wire.RPCGetCacheId, nil,
		func(w *wire.Conn) error {
			var err error
			if id.Host, err = w.ReadString(); err != nil {
				return err
			}
			if id.Port, err = w.ReadString(); err != nil {
				return err
			}
			if id.StableDir, err = w.ReadString(); err != nil {
				return err
			}
			if id.CacheVersion, err = w.ReadString(); err != nil {
				return err
			}
			if id.IntfVersion, err = w.ReadUint32(); err != nil {
				return err
			}
			start, err := w.ReadUint64()
			if err != nil {
				return err
			}
			id.StartTime = time.Unix(int64(start), 0)
			return nil
		})
	return id, err
}

// GetCacheState fetches a snapshot of server state.
func (c *Debug) GetCacheState(ctx context.Context) (st vcache.CacheState, err error) {
	err = c.p.call(ctx, wire.RPCGetCacheState, nil,
		func(w *wire.Conn) error {
			for _, dst := range []*uint64{
				&st.VirtualSize, &st.PhysicalSize,
				&st.Cnt.FreeVars, &st.Cnt.Lookup, &st.Cnt.AddEntry,
				&st.VMPKCnt, &st.VPKCnt, &st.EntryCnt,
				&st.S.NewEntryCnt, &st.S.OldEntryCnt, &st.S.NewPklSize, &st.S.OldPklSize,
				&st.HitFilterCnt, &st.DelEntryCnt, &st.MPKWeedCnt,
			} {
				v, err := w.ReadUint64()
				if err != nil {
					return err
				}
				*dst = v
			}
			return nil
		})
	return st, err
}
