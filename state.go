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

package vcache

import (
	"fmt"
	"strings"
	"time"
)

// Version is the cache server release identifier reported by GetCacheId.
const Version = "1.0.0"

// IntfVersion is the wire protocol version. Both ends of a connection must
// agree on it; it only changes when the RPC surface changes incompatibly.
const IntfVersion = 1

// CacheId identifies a running cache server instance for operators.
type CacheId struct {
	Host         string
	Port         string
	StableDir    string
	CacheVersion string
	IntfVersion  uint32
	StartTime    time.Time
}

func (id CacheId) String() string {
	return fmt.Sprintf("%s:%s %s (intf %d) up since %s, stable cache %s",
		id.Host, id.Port, id.CacheVersion, id.IntfVersion,
		id.StartTime.Format(time.RFC3339), id.StableDir)
}

// MethodCnts counts calls to the hot evaluator-facing methods since the
// server came up.
type MethodCnts struct {
	FreeVars uint64
	Lookup   uint64
	AddEntry uint64
}

// EntryState aggregates in-memory entry accounting.
type EntryState struct {
	NewEntryCnt uint64 // entries not yet flushed to the stable cache
	OldEntryCnt uint64 // stable entries materialized in memory
	NewPklSize  uint64 // total pickled-value bytes held by new entries
	OldPklSize  uint64 // total pickled-value bytes held by old entries
}

// Add increments s by the fields of o.
func (s *EntryState) Add(o EntryState) {
	s.NewEntryCnt += o.NewEntryCnt
	s.OldEntryCnt += o.OldEntryCnt
	s.NewPklSize += o.NewPklSize
	s.OldPklSize += o.OldPklSize
}

// CacheState is a snapshot of cache server state served by GetCacheState.
type CacheState struct {
	VirtualSize  uint64
	PhysicalSize uint64
	Cnt          MethodCnts
	VMPKCnt      uint64 // volatile MultiPKFiles in memory
	VPKCnt       uint64 // volatile PKFiles in memory
	EntryCnt     uint64 // total cache entries
	S            EntryState
	HitFilterCnt uint64 // indices in the hit filter
	DelEntryCnt  uint64 // entries pending deletion
	MPKWeedCnt   uint64 // MultiPKFiles remaining to be weeded
}

func (s CacheState) String() string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "entries=%d (new=%d old=%d) ", s.EntryCnt, s.S.NewEntryCnt, s.S.OldEntryCnt)
	fmt.Fprintf(b, "vmpk=%d vpk=%d ", s.VMPKCnt, s.VPKCnt)
	fmt.Fprintf(b, "calls fv=%d lk=%d add=%d ", s.Cnt.FreeVars, s.Cnt.Lookup, s.Cnt.AddEntry)
	fmt.Fprintf(b, "hitFilter=%d pendingDel=%d mpksToWeed=%d", s.HitFilterCnt, s.DelEntryCnt, s.MPKWeedCnt)
	return b.String()
}
