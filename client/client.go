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

// Package client implements the cache server's client side: the evaluator
// calls, the weeder calls and the debug calls, as three views over one
// connection pool sharing the instance-guard handshake.
//
// Every guarded call transmits the instance fingerprint captured when the
// pool connected. If the server restarted since, the call fails with
// ErrInstanceMismatch and the caller must drop every cache index it holds;
// the indices belong to the dead instance.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"k8s.io/klog/v2"

	"github.com/vesta-dev/vcache/fp"
	"github.com/vesta-dev/vcache/wire"
)

// ErrInstanceMismatch reports that the server restarted since this pool
// connected. Cache indices obtained before the restart are invalid.
var ErrInstanceMismatch = errors.New("cache server instance changed")

const (
	dialAttempts = 5
	dialDelay    = 200 * time.Millisecond
)

// Pool maintains connections to one cache server and the instance
// fingerprint they are bound to.
type Pool struct {
	addr string

	mu       sync.Mutex
	idle     []*wire.Conn
	instance fp.Tag
}

// Dial connects to the cache server at addr and captures its instance
// fingerprint. Transient connect failures are retried briefly.
func Dial(ctx context.Context, addr string) (*Pool, error) {
	p := &Pool{addr: addr}
	err := retry.Do(func() error {
		c, err := p.connect(ctx)
		if err != nil {
			return err
		}
		inst, err := getInstance(c)
		if err != nil {
			c.Close()
			return err
		}
		p.instance = inst
		p.put(c)
		return nil
	},
		retry.Attempts(dialAttempts),
		retry.Delay(dialDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			klog.V(1).Infof("Cache dial attempt %d failed: %v", n+1, err)
		}))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cache at %s: %w", addr, err)
	}
	return p, nil
}

// Instance returns the instance fingerprint this pool is bound to.
func (p *Pool) Instance() fp.Tag { return p.instance }

func (p *Pool) connect(ctx context.Context) (*wire.Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return nil, err
	}
	return wire.NewConn(nc), nil
}

func getInstance(c *wire.Conn) (fp.Tag, error) {
	if err := c.WriteUint32(wire.RPCGetCacheInstance); err != nil {
		return fp.Tag{}, err
	}
	if err := c.Flush(); err != nil {
		return fp.Tag{}, err
	}
	if err := c.ReadStatus(); err != nil {
		return fp.Tag{}, err
	}
	return c.ReadTag()
}

func (p *Pool) get(ctx context.Context) (*wire.Conn, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()
	return p.connect(ctx)
}

func (p *Pool) put(c *wire.Conn) {
	p.mu.Lock()
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// Close drops all pooled connections.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.idle {
		c.Close()
	}
	p.idle = nil
}

// call runs one guarded RPC: request id, instance handshake, then req
// writes the arguments and reply reads the body after a successful status.
func (p *Pool) call(ctx context.Context, id uint32, req, reply func(c *wire.Conn) error) error {
	c, err := p.get(ctx)
	if err != nil {
		return err
	}
	keep := false
	defer func() {
		if keep {
			p.put(c)
		} else {
			c.Close()
		}
	}()

	if err := c.WriteUint32(id); err != nil {
		return err
	}
	if err := c.WriteTag(p.instance); err != nil {
		return err
	}
	if req != nil {
		if err := req(c); err != nil {
			return err
		}
	}
	if err := c.Flush(); err != nil {
		return err
	}

	match, err := c.ReadBool()
	if err != nil {
		return err
	}
	if !match {
		// Drain the failure frame for form's sake; the verdict is final.
		_ = c.ReadStatus()
		return ErrInstanceMismatch
	}
	if err := c.ReadStatus(); err != nil {
		return err
	}
	if reply != nil {
		if err := reply(c); err != nil {
			return err
		}
	}
	keep = true
	return nil
}
