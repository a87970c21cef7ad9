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

package bitvec

import (
	"encoding/binary"
	"fmt"
)

// Intvl records the addition or removal of the index range [Lo, Hi] from a
// vector. The index allocator appends one Intvl per mutation to its interval
// log; replaying the sequence of records over a checkpointed vector
// reconstructs the vector.
type Intvl struct {
	Add    bool
	Lo, Hi uint32
}

const intvlSize = 1 + 4 + 4

// Apply applies the recorded mutation to v.
func (iv Intvl) Apply(v *Vector) {
	if iv.Add {
		v.SetInterval(iv.Lo, iv.Hi)
	} else {
		v.ResetInterval(iv.Lo, iv.Hi)
	}
}

// AppendBinary appends the wire form of iv to b.
func (iv Intvl) AppendBinary(b []byte) []byte {
	op := byte(0)
	if iv.Add {
		op = 1
	}
	b = append(b, op)
	b = binary.BigEndian.AppendUint32(b, iv.Lo)
	b = binary.BigEndian.AppendUint32(b, iv.Hi)
	return b
}

// IntvlFromBinary decodes an Intvl from b.
func IntvlFromBinary(b []byte) (Intvl, error) {
	if len(b) < intvlSize {
		return Intvl{}, fmt.Errorf("short interval record: %d bytes", len(b))
	}
	iv := Intvl{
		Add: b[0] == 1,
		Lo:  binary.BigEndian.Uint32(b[1:5]),
		Hi:  binary.BigEndian.Uint32(b[5:9]),
	}
	if iv.Lo > iv.Hi {
		return Intvl{}, fmt.Errorf("bad interval record: lo %d > hi %d", iv.Lo, iv.Hi)
	}
	return iv, nil
}

func (iv Intvl) String() string {
	op := "rm"
	if iv.Add {
		op = "add"
	}
	return fmt.Sprintf("%s[%d,%d]", op, iv.Lo, iv.Hi)
}
