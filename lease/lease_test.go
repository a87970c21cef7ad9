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

package lease

import (
	"testing"
	"time"
)

func TestNewRenewIsLeased(t *testing.T) {
	s := NewSet(time.Hour)
	if s.IsLeased(17) {
		t.Error("fresh set leases 17")
	}
	s.New(17)
	if !s.IsLeased(17) {
		t.Error("17 not leased after New")
	}
	if err := s.Renew(17); err != nil {
		t.Errorf("Renew(17): %v", err)
	}
	if err := s.Renew(99); err != ErrNoLease {
		t.Errorf("Renew(99) = %v, want ErrNoLease", err)
	}
}

func TestExpiryNeedsTwoSweeps(t *testing.T) {
	s := NewSet(time.Hour)
	s.New(20)

	// One sweep demotes a lease, the second discards it.
	s.ExpireNow()
	if !s.IsLeased(20) {
		t.Fatal("lease expired after one sweep")
	}
	s.ExpireNow()
	if s.IsLeased(20) {
		t.Fatal("lease survived two sweeps without renewal")
	}
	if err := s.Renew(20); err != ErrNoLease {
		t.Errorf("Renew after expiry = %v, want ErrNoLease", err)
	}
}

func TestRenewalSurvivesSweeps(t *testing.T) {
	s := NewSet(time.Hour)
	s.New(20)
	for i := 0; i < 5; i++ {
		s.ExpireNow()
		if err := s.Renew(20); err != nil {
			t.Fatalf("Renew on sweep %d: %v", i, err)
		}
	}
	if !s.IsLeased(20) {
		t.Error("renewed lease lost")
	}
}

func TestDisableFreezesExpiry(t *testing.T) {
	s := NewSet(time.Hour)
	s.New(5)
	s.DisableExpiration()
	if s.ExpirationEnabled() {
		t.Error("expiration still enabled after disable")
	}
	for i := 0; i < 3; i++ {
		s.ExpireNow()
	}
	if !s.IsLeased(5) {
		t.Error("lease expired while expiration was frozen")
	}
	s.EnableExpiration()
	s.ExpireNow()
	s.ExpireNow()
	if s.IsLeased(5) {
		t.Error("lease survived after re-enable and two sweeps")
	}
}

func TestLeaseSetSnapshot(t *testing.T) {
	s := NewSet(time.Hour)
	s.New(1)
	s.New(3)
	s.ExpireNow() // demote to old
	s.New(2)      // new generation

	ls := s.LeaseSet()
	for _, ci := range []uint32{1, 2, 3} {
		if !ls.Read(ci) {
			t.Errorf("LeaseSet missing %d", ci)
		}
	}
	if got := ls.Cardinality(); got != 3 {
		t.Errorf("LeaseSet cardinality = %d, want 3", got)
	}

	// The snapshot is detached from the live set.
	ls.Set(100)
	if s.IsLeased(100) {
		t.Error("mutating the snapshot affected the live set")
	}
}

func TestAllLeased(t *testing.T) {
	s := NewSet(time.Hour)
	s.New(1)
	s.New(2)
	if !s.AllLeased([]uint32{1, 2}) {
		t.Error("AllLeased(1,2) = false")
	}
	if s.AllLeased([]uint32{1, 2, 3}) {
		t.Error("AllLeased with an unleased index = true")
	}
	if !s.AllLeased(nil) {
		t.Error("AllLeased(empty) = false")
	}
}
