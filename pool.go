// Copyright 2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httprelay

import (
	"context"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"

	"github.com/bufbuild/httprelay/internal"
)

// A pool owns every connection to one endpoint. Idle connections sit in
// available; loaned ones sit in concurrent. A connection is in at most one
// set at a time, and the two together are bounded by the ceiling.
type pool struct {
	endpoint       endpoint
	dialer         func(ctx context.Context, network, address string) (net.Conn, error)
	clock          internal.Clock
	logger         *slog.Logger
	maxConnections int
	maxReconnect   int
	baseLag        time.Duration

	mu         sync.Mutex
	available  map[*conn]struct{}
	concurrent map[*conn]struct{}
	closed     bool
}

func newPool(endpoint endpoint, opts *clientOptions) *pool {
	return &pool{
		endpoint:       endpoint,
		dialer:         opts.dialer,
		clock:          opts.clock,
		logger:         opts.logger,
		maxConnections: opts.maxConnections,
		maxReconnect:   opts.maxReconnect,
		baseLag:        opts.baseLag,
		available:      make(map[*conn]struct{}),
		concurrent:     make(map[*conn]struct{}),
	}
}

// acquire hands out a connection for exclusive use: an idle one when a
// live one exists, a fresh one otherwise. Idle connections that died while
// pooled are evicted here rather than loaned out.
func (p *pool) acquire() (*conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClientClosed
	}
	for c := range p.available {
		delete(p.available, c)
		if c.isClosed() {
			continue
		}
		p.concurrent[c] = struct{}{}
		p.mu.Unlock()
		return c, nil
	}
	if p.maxConnections > 0 && len(p.concurrent) >= p.maxConnections {
		p.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := newConn(p, p.endpoint)
	p.concurrent[c] = struct{}{}
	p.mu.Unlock()
	return c, nil
}

// release takes back a loaned connection. Only connections whose last
// response advertised keep-alive go to the idle set; everything else
// closes.
func (p *pool) release(c *conn, reusable bool) {
	p.mu.Lock()
	delete(p.concurrent, c)
	keep := reusable && !p.closed && !c.isClosed()
	if keep {
		p.available[c] = struct{}{}
	}
	p.mu.Unlock()
	if !keep {
		c.closeTransport()
	}
}

// discard drops a connection from the pool entirely and closes it.
func (p *pool) discard(c *conn) {
	p.mu.Lock()
	delete(p.available, c)
	delete(p.concurrent, c)
	p.mu.Unlock()
	c.closeTransport()
}

// dialFailed reports an establishment failure. Requests whose transport
// never existed fail outright; the reconnect policy covers only
// connections that were lost after establishment.
func (p *pool) dialFailed(c *conn, resp *Response, err error) {
	p.discard(c)
	resp.fail(err)
}

// connectionLost reports a connection that died. When a consumer was
// attached and had received nothing, the attempt is replayed on a fresh
// connection after a lagged delay, up to the reconnect budget. Everything
// else fails the consumer with the transport error.
func (p *pool) connectionLost(c *conn, consumer *Response, err error) {
	p.mu.Lock()
	delete(p.available, c)
	delete(p.concurrent, c)
	closed := p.closed
	p.mu.Unlock()

	if consumer == nil || consumer.isTerminal() {
		return
	}
	if closed {
		consumer.fail(ErrClientClosed)
		return
	}
	if err == nil {
		err = &TransportError{Op: "read", Err: net.ErrClosed}
	}
	if !isRetryable(err) || consumer.receivedBytes() > 0 {
		consumer.fail(err)
		return
	}
	attempt, ok := consumer.nextAttempt(p.maxReconnect)
	if !ok {
		consumer.fail(err)
		return
	}
	delay := reconnectDelay(p.baseLag, attempt)
	p.logger.Debug("connection lost before response, scheduling replay",
		"endpoint", p.endpoint.String(),
		"attempt", attempt,
		"delay", delay,
		"cause", err,
	)
	if delay <= 0 {
		go p.redispatch(consumer)
		return
	}
	p.clock.AfterFunc(delay, func() {
		p.redispatch(consumer)
	})
}

func (p *pool) redispatch(consumer *Response) {
	if consumer.isTerminal() {
		return
	}
	c, err := p.acquire()
	if err != nil {
		consumer.fail(err)
		return
	}
	req := consumer.Request()
	encoded, err := req.Encode()
	if err != nil {
		p.discard(c)
		consumer.fail(err)
		return
	}
	c.startRequest(req, consumer, encoded)
}

// closeIdle severs every idle connection. Loaned connections and the pool
// itself are untouched: in-flight requests proceed and the pool keeps
// accepting work.
func (p *pool) closeIdle() {
	p.mu.Lock()
	idle := make([]*conn, 0, len(p.available))
	for c := range p.available {
		idle = append(idle, c)
	}
	p.available = make(map[*conn]struct{})
	p.mu.Unlock()
	for _, c := range idle {
		c.closeTransport()
	}
}

// close flips the pool closed and severs every connection. Attached
// consumers observe ErrClientClosed through the lost-connection path.
func (p *pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := make([]*conn, 0, len(p.available)+len(p.concurrent))
	for c := range p.available {
		conns = append(conns, c)
	}
	for c := range p.concurrent {
		conns = append(conns, c)
	}
	p.available = make(map[*conn]struct{})
	p.concurrent = make(map[*conn]struct{})
	p.mu.Unlock()
	for _, c := range conns {
		c.closeTransport()
	}
}

func (p *pool) stats() (available, concurrent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available), len(p.concurrent)
}

// reconnectDelay converts a one-based replay attempt number into a lagged
// delay: the first replay is immediate, later ones wait the base lag
// scaled by ln(attempt-1)+1, rounded to the nearest tenth of a second.
// Delays grow monotonically as the budget is consumed.
func reconnectDelay(baseLag time.Duration, attempt int) time.Duration {
	lag := attempt - 1
	if lag < 1 {
		return 0
	}
	scaled := float64(baseLag) * (math.Log(float64(lag)) + 1)
	tenth := float64(100 * time.Millisecond)
	return time.Duration(math.Round(scaled/tenth) * tenth)
}
