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
	"github.com/vesta-dev/vcache/fp"
	"github.com/vesta-dev/vcache/wire"
)

// Cache is the evaluator-facing call group.
type Cache struct {
	p *Pool
}

// NewCache returns the evaluator call group over pool.
func NewCache(pool *Pool) *Cache { return &Cache{p: pool} }

// FreeVariables fetches pk's free-variable dictionary and its epoch.
func (c *Cache) FreeVariables(ctx context.Context, pk fp.Tag) (names vcache.FVList, epoch uint32, isEmpty bool, err error) {
	err = c.p.call(ctx, wire.RPCFreeVariables,
		func(w *wire.Conn) error {
			return w.WriteTag(pk)
		},
		func(w *wire.Conn) error {
			var err error
			if isEmpty, err = w.ReadBool(); err != nil {
				return err
			}
			if names, err = readCompactFV(w); err != nil {
				return err
			}
			epoch, err = w.ReadUint32()
			return err
		})
	return names, epoch, isEmpty, err
}

// readCompactFV reverses the server's front compression.
func readCompactFV(w *wire.Conn) (vcache.FVList, error) {
	n, err := w.ReadUint32()
	if err != nil {
		return vcache.FVList{}, err
	}
	fvs := vcache.FVList{}
	prev := ""
	for i := uint32(0); i < n; i++ {
		typ, err := w.ReadUint32()
		if err != nil {
			return vcache.FVList{}, err
		}
		shared, err := w.ReadUint32()
		if err != nil {
			return vcache.FVList{}, err
		}
		suffix, err := w.ReadString()
		if err != nil {
			return vcache.FVList{}, err
		}
		name := prev[:shared] + suffix
		fvs.Append(vcache.FV{Type: byte(typ), Name: name})
		prev = name
	}
	return fvs, nil
}

// Lookup asks for a hit on (pk, fps), where fps is ordered by the epoch's
// dictionary.
func (c *Cache) Lookup(ctx context.Context, pk fp.Tag, epoch uint32, fps []fp.Tag) (res vcache.LookupResult, ci vcache.CI, value []byte, err error) {
	err = c.p.call(ctx, wire.RPCLookup,
		func(w *wire.Conn) error {
			if err := w.WriteTag(pk); err != nil {
				return err
			}
			if err := w.WriteUint32(epoch); err != nil {
				return err
			}
			return w.WriteTagSeq(fps)
		},
		func(w *wire.Conn) error {
			r, err := w.ReadUint32()
			if err != nil {
				return err
			}
			res = vcache.LookupResult(r)
			if res != vcache.LookupHit {
				return nil
			}
			if ci, err = w.ReadUint32(); err != nil {
				return err
			}
			value, err = w.ReadBytes()
			return err
		})
	return res, ci, value, err
}

// AddEntryArgs carries one AddEntry call. Types[i] is the one-byte type of
// Names[i]; FPs[i] is its value fingerprint.
type AddEntryArgs struct {
	PK         fp.Tag
	Names      []string
	Types      []byte
	FPs        []fp.Tag
	Value      []byte
	Model      uint32
	Kids       []uint32
	Refs       []uint32
	SourceFunc string
}

// AddEntry stores a new evaluation result. On EntryAdded the returned index
// is durably recorded and leased.
func (c *Cache) AddEntry(ctx context.Context, args *AddEntryArgs) (res vcache.AddEntryResult, ci vcache.CI, err error) {
	err = c.p.call(ctx, wire.RPCAddEntry,
		func(w *wire.Conn) error {
			if err := w.WriteTag(args.PK); err != nil {
				return err
			}
			if err := w.WriteUint32(uint32(len(args.Names))); err != nil {
				return err
			}
			for i, name := range args.Names {
				if err := w.WriteString(string(args.Types[i]) + name); err != nil {
					return err
				}
			}
			if err := w.WriteTagSeq(args.FPs); err != nil {
				return err
			}
			if err := w.WriteBytes(args.Value); err != nil {
				return err
			}
			if err := w.WriteUint32(args.Model); err != nil {
				return err
			}
			if err := w.WriteUint32Seq(args.Kids); err != nil {
				return err
			}
			if err := w.WriteUint32Seq(args.Refs); err != nil {
				return err
			}
			return w.WriteString(args.SourceFunc)
		},
		func(w *wire.Conn) error {
			var err error
			if ci, err = w.ReadUint32(); err != nil {
				return err
			}
			r, err := w.ReadUint32()
			res = vcache.AddEntryResult(r)
			return err
		})
	return res, ci, err
}

// Checkpoint publishes cis as roots of the (possibly partial) build
// identified by pkgVersion and model, and triggers a flush. noLease reports
// that some index had lost its lease and nothing was recorded.
func (c *Cache) Checkpoint(ctx context.Context, pkgVersion fp.Tag, model uint32, cis []uint32, done bool) (noLease bool, err error) {
	err = c.p.call(ctx, wire.RPCCheckpoint,
		func(w *wire.Conn) error {
			if err := w.WriteTag(pkgVersion); err != nil {
				return err
			}
			if err := w.WriteUint32(model); err != nil {
				return err
			}
			if err := w.WriteUint32Seq(cis); err != nil {
				return err
			}
			return w.WriteBool(done)
		},
		func(w *wire.Conn) error {
			var err error
			noLease, err = w.ReadBool()
			return err
		})
	return noLease, err
}

// RenewLeases renews the leases on cis. allOk is false if any had already
// expired.
func (c *Cache) RenewLeases(ctx context.Context, cis []uint32) (allOk bool, err error) {
	err = c.p.call(ctx, wire.RPCRenewLeases,
		func(w *wire.Conn) error {
			return w.WriteUint32Seq(cis)
		},
		func(w *wire.Conn) error {
			var err error
			allOk, err = w.ReadBool()
			return err
		})
	return allOk, err
}
