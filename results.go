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

import "fmt"

// LookupResult is the typed outcome of a Lookup call. Precondition
// violations travel as result values, not as RPC failures.
type LookupResult uint32

const (
	LookupHit LookupResult = iota
	LookupMiss
	LookupFVMismatch
	LookupBadArgs
)

func (r LookupResult) String() string {
	switch r {
	case LookupHit:
		return "Hit"
	case LookupMiss:
		return "Miss"
	case LookupFVMismatch:
		return "FVMismatch"
	case LookupBadArgs:
		return "BadLookupArgs"
	}
	return fmt.Sprintf("LookupResult(%d)", uint32(r))
}

// AddEntryResult is the typed outcome of an AddEntry call.
type AddEntryResult uint32

const (
	EntryAdded AddEntryResult = iota
	AddNoLease
	BadAddEntryArgs
)

func (r AddEntryResult) String() string {
	switch r {
	case EntryAdded:
		return "EntryAdded"
	case AddNoLease:
		return "NoLease"
	case BadAddEntryArgs:
		return "BadAddEntryArgs"
	}
	return fmt.Sprintf("AddEntryResult(%d)", uint32(r))
}
