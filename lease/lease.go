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

// Package lease implements time-bounded reachability roots over cache entry
// indices.
//
// The set keeps two bit vectors. A sweep every timeout interval discards the
// old vector, demotes the new one and starts a fresh new vector, so an index
// neither created nor renewed for between timeout and twice timeout seconds
// loses its lease. Anything returned to an evaluator must be leased at the
// moment of reply; the evaluator renews what it wants to keep.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/vesta-dev/vcache/bitvec"
)

// ErrNoLease is returned by Renew for an index that holds no lease.
var ErrNoLease = errors.New("no lease held")

// Set is a lease set with background expiry. The zero value is not usable;
// call NewSet.
type Set struct {
	// mu ranks third in the server's fixed lock order: weeder state, then
	// the index allocator, then this, then any VMultiPKFile.
	mu      sync.Mutex
	timeout time.Duration

	expiring bool
	newLs    *bitvec.Vector
	oldLs    *bitvec.Vector
}

// NewSet returns a lease set whose leases survive at least timeout after
// their last touch. Expiration is enabled but does not run until Start.
func NewSet(timeout time.Duration) *Set {
	return &Set{
		timeout:  timeout,
		expiring: true,
		newLs:    &bitvec.Vector{},
		oldLs:    &bitvec.Vector{},
	}
}

// Start runs the expiry sweeper until ctx is done.
func (s *Set) Start(ctx context.Context) {
	go func() {
		t := time.NewTicker(s.timeout)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.expire()
			}
		}
	}()
}

func (s *Set) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.expiring {
		return
	}
	expired := s.oldLs.Cardinality()
	s.oldLs = s.newLs
	s.newLs = &bitvec.Vector{}
	klog.V(1).Infof("Lease sweep: %d leases expired, %d demoted", expired, s.oldLs.Cardinality())
}

// New takes out a lease on ci.
func (s *Set) New(ci uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newLs.Set(ci)
}

// Renew renews ci's lease, or returns ErrNoLease if it holds none.
func (s *Set) Renew(ci uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.newLs.Read(ci) && !s.oldLs.Read(ci) {
		return ErrNoLease
	}
	s.newLs.Set(ci)
	return nil
}

// IsLeased reports whether ci holds a lease.
func (s *Set) IsLeased(ci uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newLs.Read(ci) || s.oldLs.Read(ci)
}

// AllLeased reports whether every index in cis holds a lease.
func (s *Set) AllLeased(cis []uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ci := range cis {
		if !s.newLs.Read(ci) && !s.oldLs.Read(ci) {
			return false
		}
	}
	return true
}

// LeaseSet returns a snapshot of every leased index.
func (s *Set) LeaseSet() *bitvec.Vector {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.newLs.Copy()
	v.Or(s.oldLs)
	return v
}

// DisableExpiration freezes the sweeper. While frozen the lease set only
// grows, which is what the weeder's mark phase relies on.
func (s *Set) DisableExpiration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiring = false
}

// EnableExpiration unfreezes the sweeper.
func (s *Set) EnableExpiration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiring = true
}

// ExpirationEnabled reports whether the sweeper is running.
func (s *Set) ExpirationEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiring
}

// ExpireNow forces one sweep regardless of the ticker. Exposed for tests
// and the lease-timeout speedup path.
func (s *Set) ExpireNow() {
	s.expire()
}
