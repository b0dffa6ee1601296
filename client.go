// Copyright 2023-2025 Buf Technologies, Inc.
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
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Version is the release version of this module, and the default
// User-Agent product version.
const Version = "0.1.0"

const defaultDrainTimeout = 30 * time.Second

// A Client issues HTTP/1.1 requests over pooled connections. Connections
// are pooled per endpoint (scheme, host, port, timeout), reused across
// requests when the response allows it, and replayed onto fresh
// connections when lost before any response bytes arrive.
//
// Request dispatch is serialized through a single goroutine per client,
// so pool bookkeeping never races with request submission; the returned
// handles resolve asynchronously as connections make progress.
//
// Clients are safe for concurrent use by multiple goroutines.
type Client struct {
	opts clientOptions

	ops  chan func()
	quit chan struct{}

	mu     sync.Mutex
	pools  map[endpoint]*pool
	closed bool

	inflight sync.WaitGroup
}

// NewClient returns a new Client configured with the given options.
func NewClient(options ...ClientOption) *Client {
	var opts clientOptions
	for _, option := range options {
		option.applyToClient(&opts)
	}
	opts.applyDefaults()
	client := &Client{
		opts:  opts,
		ops:   make(chan func()),
		quit:  make(chan struct{}),
		pools: make(map[endpoint]*pool),
	}
	go client.dispatchLoop()
	return client
}

// Request issues an HTTP request and returns a handle that resolves when
// the response is complete or failed. With redirects enabled, the handle
// resolves when the last hop of the redirect chain does.
//
// The error return covers request construction only: an unusable target
// URL, invalid headers, or a proxy configuration problem. Failures after
// dispatch, including connection failures, are reported through the
// handle.
func (c *Client) Request(method, target string, options ...RequestOption) (*Response, error) {
	reqOpts := &requestOptions{}
	for _, option := range options {
		option.applyToRequest(reqOpts)
	}
	req, err := newRequest(&c.opts, reqOpts, method, target)
	if err != nil {
		return nil, err
	}
	resp := newResponse(c, req)
	c.bindResponse(resp, reqOpts)
	c.prepareRequest(req)
	c.dispatch(resp, req)
	return resp, nil
}

// Get issues a GET request. Payload data, if any, is folded into the
// query string.
func (c *Client) Get(target string, options ...RequestOption) (*Response, error) {
	return c.Request("GET", target, options...)
}

// Head issues a HEAD request.
func (c *Client) Head(target string, options ...RequestOption) (*Response, error) {
	return c.Request("HEAD", target, options...)
}

// Post issues a POST request.
func (c *Client) Post(target string, options ...RequestOption) (*Response, error) {
	return c.Request("POST", target, options...)
}

// Put issues a PUT request.
func (c *Client) Put(target string, options ...RequestOption) (*Response, error) {
	return c.Request("PUT", target, options...)
}

// Patch issues a PATCH request.
func (c *Client) Patch(target string, options ...RequestOption) (*Response, error) {
	return c.Request("PATCH", target, options...)
}

// Delete issues a DELETE request.
func (c *Client) Delete(target string, options ...RequestOption) (*Response, error) {
	return c.Request("DELETE", target, options...)
}

// Options issues an OPTIONS request.
func (c *Client) Options(target string, options ...RequestOption) (*Response, error) {
	return c.Request("OPTIONS", target, options...)
}

// Connect establishes a raw tunnel to the target authority ("host:port")
// and returns a handle that resolves once the socket is connected. The
// connection carries no framed request or response; claim it with
// NewTunnelBridge to splice it to another stream.
func (c *Client) Connect(target string, options ...RequestOption) (*Response, error) {
	return c.Request("CONNECT", target, options...)
}

// Again re-issues a completed request, optionally overriding its method,
// target, payload, or headers. The new response records the prior one in
// its History, and the prior handle's chain resolves together with the
// new one. Calling Again on a response that has not yet resolved returns
// ErrResponseNotComplete.
func (c *Client) Again(prior *Response, options ...RequestOption) (*Response, error) {
	if !prior.isTerminal() {
		return nil, ErrResponseNotComplete
	}
	reqOpts := &requestOptions{}
	for _, option := range options {
		option.applyToRequest(reqOpts)
	}
	req, err := nextRequest(&c.opts, prior.request, reqOpts, false)
	if err != nil {
		return nil, err
	}
	resp := newResponse(c, req)
	c.bindResponse(resp, reqOpts)
	prior.chainTo(resp)
	c.prepareRequest(req)
	c.dispatch(resp, req)
	return resp, nil
}

// PoolStats describes one endpoint's connection pool.
type PoolStats struct {
	// Endpoint is the pool key, "scheme://host:port".
	Endpoint string
	// Available is the number of idle connections held for reuse.
	Available int
	// Concurrent is the number of connections currently loaned out.
	Concurrent int
}

// PoolStats returns a snapshot of every connection pool, sorted by
// endpoint.
func (c *Client) PoolStats() []PoolStats {
	c.mu.Lock()
	pools := make(map[endpoint]*pool, len(c.pools))
	for key, p := range c.pools {
		pools[key] = p
	}
	c.mu.Unlock()
	stats := make([]PoolStats, 0, len(pools))
	for key, p := range pools {
		available, concurrent := p.stats()
		stats = append(stats, PoolStats{
			Endpoint:   key.String(),
			Available:  available,
			Concurrent: concurrent,
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Endpoint < stats[j].Endpoint
	})
	return stats
}

// CloseIdleConnections closes connections sitting idle in the pools.
// Connections loaned to in-flight requests are untouched, and the client
// keeps accepting new requests; the next request to each endpoint dials
// fresh.
func (c *Client) CloseIdleConnections() {
	c.mu.Lock()
	pools := make([]*pool, 0, len(c.pools))
	for _, p := range c.pools {
		pools = append(pools, p)
	}
	c.mu.Unlock()
	for _, p := range pools {
		p.closeIdle()
	}
}

// Shutdown closes the client: new requests are refused, every pooled
// connection is severed, and in-flight handles resolve with
// ErrClientClosed. It then waits for all handles to resolve or for ctx
// to expire, whichever comes first.
func (c *Client) Shutdown(ctx context.Context) error {
	if !c.markClosed() {
		return nil
	}
	c.closePools()
	drained := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the client, bounding the wait for handle resolution at
// thirty seconds. See Shutdown to control the bound.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultDrainTimeout)
	defer cancel()
	return c.Shutdown(ctx)
}

func (c *Client) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.quit)
	return true
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) closePools() {
	c.mu.Lock()
	pools := make([]*pool, 0, len(c.pools))
	for _, p := range c.pools {
		pools = append(pools, p)
	}
	c.mu.Unlock()
	var group errgroup.Group
	for _, p := range pools {
		p := p
		group.Go(func() error {
			p.close()
			return nil
		})
	}
	_ = group.Wait()
}

// dispatchLoop is the client's serialized execution context: every
// request start funnels through it, so acquiring connections and
// starting attempts never race each other.
func (c *Client) dispatchLoop() {
	for {
		select {
		case op := <-c.ops:
			op()
		case <-c.quit:
			return
		}
	}
}

// dispatch marshals one response start onto the dispatch loop. Encoding
// and acquisition failures there resolve the handle rather than escaping
// to the caller.
func (c *Client) dispatch(resp *Response, req *Request) {
	c.inflight.Add(1)
	resp.onResolve = func() { c.inflight.Done() }
	op := func() {
		if c.isClosed() {
			resp.fail(ErrClientClosed)
			return
		}
		encoded, err := req.Encode()
		if err != nil {
			resp.fail(err)
			return
		}
		p := c.poolFor(req.key())
		cn, err := p.acquire()
		if err != nil {
			resp.fail(err)
			return
		}
		cn.startRequest(req, resp, encoded)
	}
	select {
	case c.ops <- op:
	case <-c.quit:
		resp.fail(ErrClientClosed)
	}
}

func (c *Client) poolFor(key endpoint) *pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pools[key]; ok {
		return p
	}
	p := newPool(key, &c.opts)
	c.pools[key] = p
	return p
}

// bindResponse wires per-request listeners and the cookie-storing hook
// onto a fresh response.
func (c *Client) bindResponse(resp *Response, reqOpts *requestOptions) {
	resp.onHeaders = append(resp.onHeaders, reqOpts.onHeaders...)
	resp.onBody = reqOpts.onBody
	resp.bodySink = reqOpts.bodySink
	if c.opts.jar != nil {
		resp.onHeaders = append(resp.onHeaders, c.storeCookies)
	}
}

// prepareRequest applies per-hop client state to a request before
// dispatch: stored cookies ride along as unredirected headers so they
// are recomputed for every hop rather than leaking across hosts.
func (c *Client) prepareRequest(req *Request) {
	if c.opts.jar == nil || req.method == "CONNECT" {
		return
	}
	if cookie := c.opts.jar.CookieString(req.target); cookie != "" {
		req.unredirected.Set("Cookie", cookie)
	}
}

func (c *Client) storeCookies(resp *Response) {
	setCookies := resp.Headers().Values("Set-Cookie")
	if len(setCookies) == 0 {
		return
	}
	c.opts.jar.SetCookieString(resp.request.target, setCookies...)
}

// afterResponse runs the post-request redirect decision for a completed
// hop, returning a follow-up to run after the connection is released, or
// nil when the chain ends here.
func (c *Client) afterResponse(resp *Response) func() {
	req := resp.request
	if !req.allowRedirects || !isRedirectStatus(resp.StatusCode()) {
		return nil
	}
	location := resp.Headers().Get("Location")
	if location == "" {
		return nil
	}
	if req.redirectCount >= req.maxRedirects {
		return func() { resp.resolve(ErrTooManyRedirects) }
	}
	target, err := req.target.Parse(location)
	if err != nil {
		err := fmt.Errorf("httprelay: invalid redirect location %q: %w", location, err)
		return func() { resp.resolve(err) }
	}
	overrides := &requestOptions{url: target}
	seeOther := resp.StatusCode() == 303 && req.method != "GET" && req.method != "HEAD"
	if seeOther {
		overrides.method = "GET"
		overrides.dataSet = true
	}
	next, err := nextRequest(&c.opts, req, overrides, true)
	if err != nil {
		return func() { resp.resolve(err) }
	}
	if seeOther {
		next.headers.Del("Content-Type")
	}
	nextResp := newResponse(c, next)
	nextResp.onHeaders = resp.onHeaders
	nextResp.onBody = resp.onBody
	nextResp.bodySink = resp.bodySink
	resp.chainTo(nextResp)
	return func() {
		c.prepareRequest(next)
		c.dispatch(nextResp, next)
	}
}

func isRedirectStatus(status int) bool {
	switch status {
	case 301, 302, 303, 307, 308:
		return true
	default:
		return false
	}
}
