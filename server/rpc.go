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

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"k8s.io/klog/v2"

	vcache "github.com/vesta-dev/vcache"
	"github.com/vesta-dev/vcache/wire"
)

// Serve accepts connections on l until ctx is done. Each connection serves
// its RPCs sequentially; concurrency comes from concurrent connections,
// bounded by the configured pool size.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	// One slot per in-flight RPC.
	slots := make(chan struct{}, s.cfg.MaxRPCs)
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, wire.NewConn(conn), slots)
	}
}

func (s *Server) serveConn(ctx context.Context, c *wire.Conn, slots chan struct{}) {
	defer c.Close()
	for {
		id, err := c.ReadUint32()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				klog.V(1).Infof("Connection closed: %v", err)
			}
			return
		}
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		err = s.dispatch(c, id)
		<-slots
		if err != nil {
			// Transport failure mid-call: per-call state is gone with the
			// call; committed log appends stand.
			klog.V(1).Infof("RPC %d aborted: %v", id, err)
			return
		}
	}
}

// dispatch runs one RPC. A returned error means the stream is unusable;
// protocol-level problems are reported in-band and return nil.
func (s *Server) dispatch(c *wire.Conn, id uint32) error {
	if id == wire.RPCGetCacheInstance {
		if err := c.WriteOK(); err != nil {
			return err
		}
		if err := c.WriteTag(s.instance); err != nil {
			return err
		}
		return c.Flush()
	}

	// Every other RPC leads with the client's idea of the server instance.
	// On mismatch the request body cannot be trusted to be parsed, so the
	// call fails and the connection closes; the client must refetch the
	// instance and drop its stale indices.
	got, err := c.ReadTag()
	if err != nil {
		return err
	}
	match := got == s.instance
	if err := c.WriteBool(match); err != nil {
		return err
	}
	if !match {
		if err := c.WriteFailure(wire.FailInstanceMismatch, "cache server instance changed"); err != nil {
			return err
		}
		return fmt.Errorf("instance mismatch")
	}

	switch id {
	case wire.RPCFreeVariables:
		return s.rpcFreeVariables(c)
	case wire.RPCLookup:
		return s.rpcLookup(c)
	case wire.RPCAddEntry:
		return s.rpcAddEntry(c)
	case wire.RPCCheckpoint:
		return s.rpcCheckpoint(c)
	case wire.RPCRenewLeases:
		return s.rpcRenewLeases(c)
	case wire.RPCWeederRecovering:
		return s.rpcWeederRecovering(c)
	case wire.RPCStartMark:
		return s.rpcStartMark(c)
	case wire.RPCSetHitFilter:
		return s.rpcSetHitFilter(c)
	case wire.RPCGetLeases:
		return s.rpcGetLeases(c)
	case wire.RPCResumeLeaseExp:
		return s.rpcResumeLeaseExp(c)
	case wire.RPCEndMark:
		return s.rpcEndMark(c)
	case wire.RPCCommitChkpt:
		return s.rpcCommitChkpt(c)
	case wire.RPCFlushAll:
		return s.rpcFlushAll(c)
	case wire.RPCGetCacheId:
		return s.rpcGetCacheId(c)
	case wire.RPCGetCacheState:
		return s.rpcGetCacheState(c)
	}
	if err := c.WriteFailure(wire.FailUnknownRPC, fmt.Sprintf("unknown rpc %d", id)); err != nil {
		return err
	}
	return fmt.Errorf("unknown rpc %d", id)
}

func (s *Server) rpcFreeVariables(c *wire.Conn) error {
	pk, err := c.ReadTag()
	if err != nil {
		return err
	}
	names, epoch, isEmpty := s.FreeVariables(pk)
	if err := c.WriteOK(); err != nil {
		return err
	}
	if err := c.WriteBool(isEmpty); err != nil {
		return err
	}
	if err := writeCompactFV(c, names); err != nil {
		return err
	}
	if err := c.WriteUint32(epoch); err != nil {
		return err
	}
	return c.Flush()
}

// writeCompactFV sends a free-variable list with each name front-compressed
// against its predecessor: consecutive dictionary names share long path
// prefixes, so only the unshared tail travels.
func writeCompactFV(c *wire.Conn, names vcache.FVList) error {
	if err := c.WriteUint32(uint32(names.Len())); err != nil {
		return err
	}
	prev := ""
	for i, name := range names.Names {
		if err := c.WriteUint32(uint32(names.Types[i])); err != nil {
			return err
		}
		shared := commonPrefixLen(prev, name)
		if err := c.WriteUint32(uint32(shared)); err != nil {
			return err
		}
		if err := c.WriteString(name[shared:]); err != nil {
			return err
		}
		prev = name
	}
	return nil
}

func commonPrefixLen(a, b string) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func (s *Server) rpcLookup(c *wire.Conn) error {
	pk, err := c.ReadTag()
	if err != nil {
		return err
	}
	epoch, err := c.ReadUint32()
	if err != nil {
		return err
	}
	fps, err := c.ReadTagSeq()
	if err != nil {
		return err
	}
	res, ci, value := s.Lookup(pk, epoch, fps)
	if err := c.WriteOK(); err != nil {
		return err
	}
	if err := c.WriteUint32(uint32(res)); err != nil {
		return err
	}
	if res == vcache.LookupHit {
		if err := c.WriteUint32(ci); err != nil {
			return err
		}
		if err := c.WriteBytes(value); err != nil {
			return err
		}
	}
	return c.Flush()
}

func (s *Server) rpcAddEntry(c *wire.Conn) error {
	req := &AddEntryRequest{}
	var err error
	if req.PK, err = c.ReadTag(); err != nil {
		return err
	}
	n, err := c.ReadUint32()
	if err != nil {
		return err
	}
	req.Names = make([]string, 0, n)
	req.Types = make([]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		tn, err := c.ReadString()
		if err != nil {
			return err
		}
		if len(tn) == 0 {
			return fmt.Errorf("empty free variable")
		}
		req.Types = append(req.Types, tn[0])
		req.Names = append(req.Names, tn[1:])
	}
	if req.FPs, err = c.ReadTagSeq(); err != nil {
		return err
	}
	if req.Value, err = c.ReadBytes(); err != nil {
		return err
	}
	if req.Model, err = c.ReadUint32(); err != nil {
		return err
	}
	if req.Kids, err = c.ReadUint32Seq(); err != nil {
		return err
	}
	if req.Refs, err = c.ReadUint32Seq(); err != nil {
		return err
	}
	if req.SourceFunc, err = c.ReadString(); err != nil {
		return err
	}

	res, ci, aerr := s.AddEntry(req)
	if aerr != nil {
		return c.WriteFailure(wire.FailServer, aerr.Error())
	}
	if err := c.WriteOK(); err != nil {
		return err
	}
	if err := c.WriteUint32(ci); err != nil {
		return err
	}
	if err := c.WriteUint32(uint32(res)); err != nil {
		return err
	}
	return c.Flush()
}

func (s *Server) rpcCheckpoint(c *wire.Conn) error {
	pkgVersion, err := c.ReadTag()
	if err != nil {
		return err
	}
	model, err := c.ReadUint32()
	if err != nil {
		return err
	}
	cis, err := c.ReadUint32Seq()
	if err != nil {
		return err
	}
	done, err := c.ReadBool()
	if err != nil {
		return err
	}
	noLease, cerr := s.Checkpoint(pkgVersion, model, cis, done)
	if cerr != nil {
		return c.WriteFailure(wire.FailServer, cerr.Error())
	}
	if err := c.WriteOK(); err != nil {
		return err
	}
	if err := c.WriteBool(noLease); err != nil {
		return err
	}
	return c.Flush()
}

func (s *Server) rpcRenewLeases(c *wire.Conn) error {
	cis, err := c.ReadUint32Seq()
	if err != nil {
		return err
	}
	allOk := s.RenewLeases(cis)
	if err := c.WriteOK(); err != nil {
		return err
	}
	if err := c.WriteBool(allOk); err != nil {
		return err
	}
	return c.Flush()
}

func (s *Server) rpcWeederRecovering(c *wire.Conn) error {
	doneMarking, err := c.ReadBool()
	if err != nil {
		return err
	}
	conflict := s.WeederRecovering(doneMarking)
	if err := c.WriteOK(); err != nil {
		return err
	}
	if err := c.WriteBool(conflict); err != nil {
		return err
	}
	return c.Flush()
}

func (s *Server) rpcStartMark(c *wire.Conn) error {
	liveSet, ver, serr := s.StartMark()
	if serr != nil {
		return c.WriteFailure(wire.FailBadState, serr.Error())
	}
	if err := c.WriteOK(); err != nil {
		return err
	}
	if err := c.WriteUint32Seq(liveSet.Elements()); err != nil {
		return err
	}
	if err := c.WriteUint32(ver); err != nil {
		return err
	}
	return c.Flush()
}

func (s *Server) rpcSetHitFilter(c *wire.Conn) error {
	cis, err := c.ReadUint32Seq()
	if err != nil {
		return err
	}
	if serr := s.SetHitFilter(cis); serr != nil {
		return c.WriteFailure(wire.FailBadState, serr.Error())
	}
	if err := c.WriteOK(); err != nil {
		return err
	}
	return c.Flush()
}

func (s *Server) rpcGetLeases(c *wire.Conn) error {
	if err := c.WriteOK(); err != nil {
		return err
	}
	if err := c.WriteUint32Seq(s.GetLeases().Elements()); err != nil {
		return err
	}
	return c.Flush()
}

func (s *Server) rpcResumeLeaseExp(c *wire.Conn) error {
	s.ResumeLeaseExp()
	if err := c.WriteOK(); err != nil {
		return err
	}
	return c.Flush()
}

func (s *Server) rpcEndMark(c *wire.Conn) error {
	cis, err := c.ReadUint32Seq()
	if err != nil {
		return err
	}
	raw, err := c.ReadUint64Seq()
	if err != nil {
		return err
	}
	pfxs := make([]vcache.Prefix, len(raw))
	for i, p := range raw {
		pfxs[i] = vcache.Prefix(p)
	}
	ver, serr := s.EndMark(cis, pfxs)
	if serr != nil {
		return c.WriteFailure(wire.FailBadState, serr.Error())
	}
	if err := c.WriteOK(); err != nil {
		return err
	}
	if err := c.WriteUint32(ver); err != nil {
		return err
	}
	return c.Flush()
}

func (s *Server) rpcCommitChkpt(c *wire.Conn) error {
	name, err := c.ReadString()
	if err != nil {
		return err
	}
	accepted, serr := s.CommitChkpt(name)
	if serr != nil {
		return c.WriteFailure(wire.FailBadState, serr.Error())
	}
	if err := c.WriteOK(); err != nil {
		return err
	}
	if err := c.WriteBool(accepted); err != nil {
		return err
	}
	return c.Flush()
}

func (s *Server) rpcFlushAll(c *wire.Conn) error {
	if err := s.FlushAll(); err != nil {
		return c.WriteFailure(wire.FailServer, err.Error())
	}
	if err := c.WriteOK(); err != nil {
		return err
	}
	return c.Flush()
}

func (s *Server) rpcGetCacheId(c *wire.Conn) error {
	id := s.CacheId()
	if err := c.WriteOK(); err != nil {
		return err
	}
	for _, t := range []string{id.Host, id.Port, id.StableDir, id.CacheVersion} {
		if err := c.WriteString(t); err != nil {
			return err
		}
	}
	if err := c.WriteUint32(id.IntfVersion); err != nil {
		return err
	}
	if err := c.WriteUint64(uint64(id.StartTime.Unix())); err != nil {
		return err
	}
	return c.Flush()
}

func (s *Server) rpcGetCacheState(c *wire.Conn) error {
	st := s.CacheState()
	if err := c.WriteOK(); err != nil {
		return err
	}
	for _, v := range []uint64{
		st.VirtualSize, st.PhysicalSize,
		st.Cnt.FreeVars, st.Cnt.Lookup, st.Cnt.AddEntry,
		st.VMPKCnt, st.VPKCnt, st.EntryCnt,
		st.S.NewEntryCnt, st.S.OldEntryCnt, st.S.NewPklSize, st.S.OldPklSize,
		st.HitFilterCnt, st.DelEntryCnt, st.MPKWeedCnt,
	} {
		if err := c.WriteUint64(v); err != nil {
			return err
		}
	}
	return c.Flush()
}
