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

package fp

import (
	"bytes"
	"fmt"
	"testing"
)

func TestDistinctInputsDistinctTags(t *testing.T) {
	seen := map[Tag]string{}
	for i := 0; i < 1000; i++ {
		s := fmt.Sprintf("input-%d", i)
		tag := OfText(s)
		if prev, ok := seen[tag]; ok {
			t.Fatalf("OfText(%q) collides with OfText(%q)", s, prev)
		}
		seen[tag] = s
	}
}

func TestCombineAssociative(t *testing.T) {
	for _, test := range []struct {
		a, b, c string
	}{
		{"x", "y", "z"},
		{"", "y", "z"},
		{"alpha", "", "gamma"},
		{"a", "a", "a"},
	} {
		a, b, c := OfText(test.a), OfText(test.b), OfText(test.c)
		left := Combine(Combine(a, b), c)
		right := Combine(a, Combine(b, c))
		if left != right {
			t.Errorf("Combine not associative on (%q,%q,%q): %v != %v", test.a, test.b, test.c, left, right)
		}
	}
}

func TestCombineOrderSensitive(t *testing.T) {
	a, b := OfText("first"), OfText("second")
	if Combine(a, b) == Combine(b, a) {
		t.Errorf("Combine(a,b) == Combine(b,a); tags must depend on order")
	}
}

func TestCombineAllIdentity(t *testing.T) {
	id := CombineAll(nil)
	x := OfText("anything")
	if got := Combine(id, x); got != x {
		t.Errorf("Combine(identity, x) = %v, want %v", got, x)
	}
	if got := Combine(x, id); got != x {
		t.Errorf("Combine(x, identity) = %v, want %v", got, x)
	}
}

func TestWireRoundTrip(t *testing.T) {
	for _, s := range []string{"", "a", "some longer input with spaces"} {
		want := OfText(s)

		raw := want.AppendBinary(nil)
		if len(raw) != ByteSize {
			t.Fatalf("AppendBinary produced %d bytes, want %d", len(raw), ByteSize)
		}
		got, err := FromBinary(raw)
		if err != nil {
			t.Fatalf("FromBinary: %v", err)
		}
		if got != want {
			t.Errorf("FromBinary(AppendBinary(%v)) = %v", want, got)
		}

		buf := &bytes.Buffer{}
		if err := want.Write(buf); err != nil {
			t.Fatalf("Write: %v", err)
		}
		got, err = Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if got != want {
			t.Errorf("Read(Write(%v)) = %v", want, got)
		}
	}
}

func TestFromBinaryShort(t *testing.T) {
	if _, err := FromBinary(make([]byte, ByteSize-1)); err == nil {
		t.Error("FromBinary accepted a short buffer")
	}
}
