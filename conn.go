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
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bufbuild/httprelay/httparse"
	"github.com/bufbuild/httprelay/internal"
)

// A receiver is fed the bytes arriving on a connection. The per-request
// consumer is the usual receiver; tunnel forwarders replace it after a
// CONNECT upgrade.
type receiver interface {
	// receive consumes one chunk. A non-nil error poisons the connection.
	receive(data []byte) error
	// receiveEOF observes end of stream. A nil return means the stream
	// ended at a clean message boundary.
	receiveEOF() error
}

// connMu (via conn.mu) guards the consumer slot and transport pointer; the
// write path has its own lock so a tunnel can write while the read loop
// dispatches. deliverMu serializes receiver dispatch with receiver swaps so
// parked bytes are always replayed ahead of newly arriving ones.
type conn struct {
	pool     *pool
	endpoint endpoint
	dialer   func(ctx context.Context, network, address string) (net.Conn, error)
	clock    internal.Clock

	writeMu sync.Mutex

	deliverMu sync.Mutex

	mu        sync.Mutex
	transport net.Conn
	rcv       receiver
	consumer  *Response
	timeout   time.Duration
	parking   bool
	parkBuf   bytes.Buffer
	closed    bool
}

func newConn(pool *pool, endpoint endpoint) *conn {
	return &conn{
		pool:     pool,
		endpoint: endpoint,
		dialer:   pool.dialer,
		clock:    pool.clock,
	}
}

// startRequest begins one attempt for resp on this connection. The caller
// has already encoded the request head; establishment, if needed, happens
// on the attempt goroutine.
func (c *conn) startRequest(req *Request, resp *Response, encoded []byte) {
	resp.startAttempt(c)
	c.attach(resp)
	if req.method == "CONNECT" {
		// Nothing will be sent and no response bytes are expected:
		// establishing the socket is the whole request. Park before the
		// read loop can start, so a remote that speaks first is buffered
		// for the bridge instead of parsed.
		c.park()
	}
	go c.runAttempt(req, resp, encoded)
}

func (c *conn) runAttempt(req *Request, resp *Response, encoded []byte) {
	if err := c.ensureConnected(req); err != nil {
		c.pool.dialFailed(c, resp, err)
		return
	}
	if req.method == "CONNECT" {
		resp.finishEstablished()
		return
	}
	if err := c.write(encoded); err != nil {
		c.shutdown(err)
	}
}

// attach installs resp as the connection's consumer. The slot must be
// empty: replacing an active consumer is a programming error.
func (c *conn) attach(resp *Response) {
	c.mu.Lock()
	if c.rcv != nil || c.consumer != nil {
		c.mu.Unlock()
		panic("httprelay: consumer already attached to connection")
	}
	c.rcv = resp
	c.consumer = resp
	c.timeout = resp.request.timeout
	transport := c.transport
	timeout := c.timeout
	c.mu.Unlock()
	if transport != nil && timeout > 0 {
		_ = transport.SetReadDeadline(c.clock.Now().Add(timeout))
	}
}

// finishRequest detaches the completed consumer and hands the connection
// back to the pool, which decides between reuse and closure.
func (c *conn) finishRequest(resp *Response) {
	c.mu.Lock()
	if c.consumer != resp {
		c.mu.Unlock()
		return
	}
	c.rcv = nil
	c.consumer = nil
	c.timeout = 0
	transport := c.transport
	c.mu.Unlock()
	if transport != nil {
		_ = transport.SetReadDeadline(time.Time{})
	}
	reusable := resp.RawHeaders().Contains("Connection", "keep-alive") &&
		!resp.request.hasPendingBody()
	c.pool.release(c, reusable)
}

// park empties the receiver slot for a CONNECT attempt, buffering any
// early bytes from the remote until a forwarder takes over. The consumer
// stays attached so establishment failures still reach it.
func (c *conn) park() {
	c.mu.Lock()
	c.rcv = nil
	c.parking = true
	c.timeout = 0
	transport := c.transport
	c.mu.Unlock()
	if transport != nil {
		_ = transport.SetReadDeadline(time.Time{})
	}
}

// setReceiver swaps in a new receiver, first replaying any bytes parked
// since establishment so the new receiver observes the stream in order.
func (c *conn) setReceiver(rcv receiver) error {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &TransportError{Op: "tunnel", Err: net.ErrClosed}
	}
	c.rcv = rcv
	c.consumer = nil
	c.parking = false
	parked := c.parkBuf.Bytes()
	c.parkBuf = bytes.Buffer{}
	c.mu.Unlock()
	if len(parked) > 0 {
		return rcv.receive(parked)
	}
	return nil
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// write sends raw bytes on the transport. Tunnel forwarders and the
// request path share this entry point.
func (c *conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	transport := c.transport
	timeout := c.timeout
	c.mu.Unlock()
	if transport == nil {
		return &TransportError{Op: "write", Err: net.ErrClosed}
	}
	if timeout > 0 {
		_ = transport.SetWriteDeadline(c.clock.Now().Add(timeout))
	}
	if _, err := transport.Write(data); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// ensureConnected dials the transport on first use: TCP to the dial
// address, a proxy CONNECT handshake when the request tunnels, and a TLS
// handshake when the target scheme calls for it.
func (c *conn) ensureConnected(req *Request) error {
	c.mu.Lock()
	transport := c.transport
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return &TransportError{Op: "dial", Err: net.ErrClosed}
	}
	if transport != nil {
		return nil
	}

	ctx := context.Background()
	if req.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.timeout)
		defer cancel()
	}
	raw, err := c.dialer(ctx, "tcp", req.dialAddress())
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}
	if req.needsTunnel() {
		if err := c.proxyHandshake(ctx, raw, req); err != nil {
			_ = raw.Close()
			return err
		}
	}
	if req.isTLS() || req.needsTunnel() {
		tlsConn := tls.Client(raw, c.tlsConfigFor(req))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			return &TransportError{Op: "tls", Err: err}
		}
		raw = tlsConn
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = raw.Close()
		return &TransportError{Op: "dial", Err: net.ErrClosed}
	}
	c.transport = raw
	timeout := c.timeout
	c.mu.Unlock()
	if timeout > 0 {
		_ = raw.SetReadDeadline(c.clock.Now().Add(timeout))
	}
	go c.readLoop(raw)
	return nil
}

// proxyHandshake tunnels through a forward proxy: one CONNECT exchange in
// authority form, parsed with the same incremental parser the read loop
// uses. Any proxy status outside 2xx refuses the tunnel.
func (c *conn) proxyHandshake(ctx context.Context, raw net.Conn, req *Request) error {
	target := req.target.Host
	if req.target.Port() == "" {
		target = net.JoinHostPort(req.target.Hostname(), "443")
	}
	var head bytes.Buffer
	fmt.Fprintf(&head, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if user := req.proxyURL.User; user != nil {
		password, _ := user.Password()
		credentials := base64.StdEncoding.EncodeToString([]byte(user.Username() + ":" + password))
		fmt.Fprintf(&head, "Proxy-Authorization: Basic %s\r\n", credentials)
	}
	head.WriteString("\r\n")

	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(deadline)
		defer func() { _ = raw.SetDeadline(time.Time{}) }()
	}
	if _, err := raw.Write(head.Bytes()); err != nil {
		return &TransportError{Op: "tunnel", Err: err}
	}

	parser := httparse.NewResponseParser()
	parser.SkipBody = true
	buf := make([]byte, 4096)
	for !parser.HeadersComplete() {
		n, err := raw.Read(buf)
		if err != nil {
			return &TransportError{Op: "tunnel", Err: err}
		}
		consumed, err := parser.Feed(buf[:n])
		if err != nil {
			return &TunnelEstablishmentError{Target: target, Err: err}
		}
		if consumed != n {
			return &TunnelEstablishmentError{
				Target: target,
				Err:    fmt.Errorf("%d unexpected bytes before tunnel open", n-consumed),
			}
		}
	}
	if parser.StatusCode()/100 != 2 {
		return &TunnelEstablishmentError{
			Target: target,
			Err:    fmt.Errorf("proxy refused tunnel: %d %s", parser.StatusCode(), parser.Reason()),
		}
	}
	return nil
}

func (c *conn) tlsConfigFor(req *Request) *tls.Config {
	var cfg *tls.Config
	if req.tlsConfig != nil {
		cfg = req.tlsConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = req.target.Hostname()
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{"http/1.1"}
	}
	return cfg
}

// readLoop owns reads on the transport for its whole life, across every
// request served on it. Bytes go to the current receiver; bytes that
// arrive while a CONNECT upgrade is pending are parked for replay.
func (c *conn) readLoop(transport net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		c.mu.Lock()
		timeout := c.timeout
		c.mu.Unlock()
		if timeout > 0 {
			_ = transport.SetReadDeadline(c.clock.Now().Add(timeout))
		}
		n, err := transport.Read(buf)
		if n > 0 {
			if deliverErr := c.deliver(buf[:n]); deliverErr != nil {
				c.shutdown(deliverErr)
				return
			}
		}
		if err != nil {
			c.handleReadError(err)
			return
		}
	}
}

func (c *conn) deliver(chunk []byte) error {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.mu.Lock()
	rcv := c.rcv
	if rcv == nil && c.parking {
		c.parkBuf.Write(chunk)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	if rcv == nil {
		// The remote spoke without being asked. The connection cannot be
		// trusted for reuse.
		return fmt.Errorf("%w: %d bytes received outside a request", ErrProtocolViolation, len(chunk))
	}
	return rcv.receive(chunk)
}

func (c *conn) handleReadError(err error) {
	c.deliverMu.Lock()
	rcv := c.currentReceiver()
	if rcv != nil && errorIsEOF(err) {
		if eofErr := rcv.receiveEOF(); eofErr == nil {
			// Stream ended at a message boundary: a close-delimited body
			// completed. The connection itself is spent.
			c.deliverMu.Unlock()
			c.shutdown(nil)
			return
		}
	}
	c.deliverMu.Unlock()
	c.shutdown(&TransportError{Op: "read", Err: err})
}

func (c *conn) currentReceiver() receiver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rcv
}

// shutdown closes the transport exactly once and reports the loss to the
// pool, which owns the decision to retry or fail the attached consumer.
func (c *conn) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	transport := c.transport
	consumer := c.consumer
	rcv := c.rcv
	c.rcv = nil
	c.consumer = nil
	c.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
	if consumer == nil && rcv != nil {
		// A tunnel forwarder: let it observe the break so the other leg
		// closes too.
		_ = rcv.receiveEOF()
	}
	c.pool.connectionLost(c, consumer, err)
}

// closeTransport force-closes the socket, provoking the read loop into the
// shutdown path. Safe to call multiple times and before establishment.
func (c *conn) closeTransport() {
	c.mu.Lock()
	transport := c.transport
	alreadyClosed := c.closed
	c.mu.Unlock()
	if transport != nil {
		_ = transport.Close()
		return
	}
	if !alreadyClosed {
		// Never connected: there is no read loop to notice, so shut down
		// directly.
		c.shutdown(&TransportError{Op: "read", Err: net.ErrClosed})
	}
}

func errorIsEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
