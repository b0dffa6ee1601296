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

package forwardproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bufbuild/httprelay"
	"github.com/bufbuild/httprelay/httparse"
)

var errRelayAbandoned = errors.New("forwardproxy: relay abandoned")

// A session owns one downstream connection from accept to close. It
// parses requests off the socket one at a time, relays each upstream,
// and keeps the connection for the next request when both sides allow
// it. A CONNECT request ends the request loop and turns the session
// into a tunnel.
type session struct {
	server     *Server
	downstream net.Conn
	secure     bool

	closeOnce sync.Once
}

func newSession(server *Server, downstream net.Conn) *session {
	return &session{
		server:     server,
		downstream: downstream,
		secure:     server.tlsConfig != nil,
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		_ = s.downstream.Close()
	})
}

func (s *session) run(ctx context.Context) {
	defer s.close()
	remoteAddr := s.downstream.RemoteAddr().String()
	logger := s.server.logger.With("peer", remoteAddr)
	buf := make([]byte, 32*1024)
	var leftover []byte
	for {
		parser := httparse.NewRequestParser()
		var body bytes.Buffer
		started := len(leftover) > 0
		checkedContinue := false
		for !parser.MessageComplete() {
			if len(leftover) == 0 {
				if s.server.idleTimeout > 0 {
					_ = s.downstream.SetReadDeadline(time.Now().Add(s.server.idleTimeout))
				}
				n, err := s.downstream.Read(buf)
				if n > 0 {
					leftover = append(leftover[:0], buf[:n]...)
					started = true
				}
				if n == 0 && err != nil {
					// A close while no request is in flight is the normal
					// end of a kept-alive session.
					if started {
						logger.Debug("downstream closed mid-request", "error", err)
					}
					return
				}
				continue
			}
			consumed, err := parser.Feed(leftover)
			leftover = leftover[consumed:]
			if err != nil {
				logger.Debug("malformed inbound request", "error", err)
				_ = writeErrorPage(s.downstream, http.StatusBadRequest, "Bad Request",
					"The proxy could not parse the request.")
				return
			}
			if chunk := parser.RecvBody(); len(chunk) > 0 {
				body.Write(chunk)
			}
			if parser.HeadersComplete() && !parser.MessageComplete() && !checkedContinue {
				checkedContinue = true
				if expectsContinue(parser.Headers()) {
					if _, err := io.WriteString(s.downstream, "HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
						return
					}
				}
			}
		}
		if chunk := parser.RecvBody(); len(chunk) > 0 {
			body.Write(chunk)
		}
		if !s.serveRequest(ctx, parser, body.Bytes(), leftover, remoteAddr, logger) {
			return
		}
	}
}

// serveRequest relays one parsed inbound request and reports whether the
// downstream connection may carry another.
func (s *session) serveRequest(
	ctx context.Context,
	parser *httparse.Parser,
	body []byte,
	leftover []byte,
	remoteAddr string,
	logger *slog.Logger,
) bool {
	method := parser.Method()
	inbound := headersFromPairs(parser.Headers())
	downClose := inbound.Contains("Connection", "close")
	if major, minor := parser.Proto(); major == 1 && minor == 0 &&
		!inbound.Contains("Connection", "keep-alive") {
		downClose = true
	}

	if method == "CONNECT" {
		s.tunnel(ctx, parser.Target(), leftover, logger)
		return false
	}

	targetURL, err := s.resolveTarget(parser.Target(), inbound)
	if err != nil {
		logger.Debug("unusable request target", "target", parser.Target(), "error", err)
		_ = writeErrorPage(s.downstream, http.StatusBadRequest, "Bad Request",
			"The proxy could not resolve the request target.")
		return false
	}

	outbound := inbound.StripHopByHop()
	outbound.Del("Expect")
	// Each leg negotiates its own persistence.
	outbound.Set("Connection", "Keep-Alive")
	reqCtx := &RequestContext{
		RemoteAddr: remoteAddr,
		Method:     method,
		Target:     targetURL,
	}
	for _, middleware := range s.server.middleware {
		middleware.Apply(reqCtx, outbound)
	}

	relay := &relayWriter{
		downstream: s.downstream,
		headMethod: method,
		downClose:  downClose,
	}
	options := []httprelay.RequestOption{
		httprelay.WithHeaders(outbound),
		httprelay.WithOnHeaders(relay.writeHead),
		httprelay.WithBodySink(relay),
	}
	if len(body) > 0 {
		options = append(options, httprelay.WithBody(body))
	}

	resp, err := s.server.client.Request(method, targetURL.String(), options...)
	if err != nil {
		var confErr *httprelay.ProxyConfigurationError
		if errors.As(err, &confErr) {
			logger.Error("upstream proxy misconfigured", "error", err)
			_ = writeErrorPage(s.downstream, http.StatusBadGateway, "Bad Gateway",
				"The upstream proxy is misconfigured.")
		} else {
			logger.Debug("unrelayable request", "target", targetURL.String(), "error", err)
			_ = writeErrorPage(s.downstream, http.StatusBadRequest, "Bad Request",
				"The proxy could not relay the request.")
		}
		return false
	}
	waitCtx, cancel := s.waitContext(ctx)
	_, err = resp.Wait(waitCtx)
	cancel()
	if err != nil {
		wroteHead := relay.disable()
		if wroteHead {
			logger.Warn("relay failed mid-response", "target", targetURL.String(), "error", err)
			return false
		}
		status, reason := gatewayStatus(err)
		logger.Warn("relay failed", "method", method, "target", targetURL.String(),
			"status", status, "error", err)
		_ = writeErrorPage(s.downstream, status, reason, "The upstream request failed.")
		return false
	}
	if err := relay.finish(); err != nil {
		logger.Debug("downstream write failed", "error", err)
		return false
	}
	logger.Debug("relayed", "method", method, "target", targetURL.String(),
		"status", resp.StatusCode())
	return !downClose && !relay.closesAfter()
}

// tunnel establishes the upstream CONNECT leg and splices the downstream
// socket onto it. Bytes the request parser read past the CONNECT head
// are replayed into the tunnel first.
func (s *session) tunnel(ctx context.Context, target string, leftover []byte, logger *slog.Logger) {
	resp, err := s.server.client.Connect(target)
	if err == nil {
		waitCtx, cancel := s.waitContext(ctx)
		_, err = resp.Wait(waitCtx)
		cancel()
	}
	if err != nil {
		status, reason := gatewayStatus(err)
		logger.Warn("tunnel failed", "target", target, "status", status, "error", err)
		_ = writeErrorPage(s.downstream, status, reason,
			fmt.Sprintf("The proxy could not open a tunnel to %s.", target))
		return
	}
	downstream := io.ReadWriteCloser(s.downstream)
	if len(leftover) > 0 {
		downstream = &prefixedConn{Conn: s.downstream, prefix: leftover}
	}
	bridge, err := httprelay.NewTunnelBridge(downstream, resp)
	if err != nil {
		logger.Warn("tunnel not claimable", "target", target, "error", err)
		_ = writeErrorPage(s.downstream, http.StatusBadGateway, "Bad Gateway",
			fmt.Sprintf("The proxy could not open a tunnel to %s.", target))
		return
	}
	if _, err := s.downstream.Write(httprelay.TunnelEstablishedResponse); err != nil {
		s.close()
	}
	_ = s.downstream.SetReadDeadline(time.Time{})
	logger.Debug("tunnel open", "target", target)
	if err := bridge.Run(ctx); err != nil {
		logger.Debug("tunnel closed", "target", target, "error", err)
		return
	}
	logger.Debug("tunnel closed", "target", target)
}

// waitContext bounds the upstream exchange when an upstream timeout is
// configured.
func (s *session) waitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.server.upstreamTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.server.upstreamTimeout)
}

// resolveTarget turns the inbound request target into the absolute URL
// to relay to: absolute-form targets are taken as sent, origin-form
// targets are completed from the Host header.
func (s *session) resolveTarget(rawTarget string, inbound *httprelay.Headers) (*url.URL, error) {
	if parsed, err := url.Parse(rawTarget); err == nil &&
		(parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != "" {
		return parsed, nil
	}
	if !strings.HasPrefix(rawTarget, "/") {
		return nil, fmt.Errorf("forwardproxy: unsupported request target %q", rawTarget)
	}
	host := inbound.Get("Host")
	if host == "" {
		return nil, errors.New("forwardproxy: origin-form request without a Host header")
	}
	scheme := "http"
	if s.secure {
		scheme = "https"
	}
	return url.Parse(scheme + "://" + host + rawTarget)
}

func headersFromPairs(pairs []httparse.Pair) *httprelay.Headers {
	headers := &httprelay.Headers{}
	for _, pair := range pairs {
		headers.Add(pair.Name, pair.Value)
	}
	return headers
}

func expectsContinue(pairs []httparse.Pair) bool {
	for _, pair := range pairs {
		if strings.EqualFold(pair.Name, "Expect") &&
			strings.EqualFold(strings.TrimSpace(pair.Value), "100-continue") {
			return true
		}
	}
	return false
}

// prefixedConn replays bytes already read from a connection before
// handing reads back to the socket.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

// relayWriter translates one upstream response into downstream bytes:
// the head is written once headers arrive, body bytes stream through as
// the engine delivers them. The upstream body framing is rebuilt for the
// downstream leg, since hop-by-hop headers do not survive the relay:
// chunked stays chunked, Content-Length passes through, and anything
// else is close-delimited.
type relayWriter struct {
	downstream io.Writer
	headMethod string
	downClose  bool

	mu         sync.Mutex
	wroteHead  bool
	chunked    bool
	closeAfter bool
	disabled   bool
	writeErr   error
}

// writeHead runs as an OnHeaders callback on the upstream connection's
// read goroutine.
func (w *relayWriter) writeHead(resp *httprelay.Response) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.disabled || w.wroteHead {
		return
	}
	raw := resp.RawHeaders()
	outbound := raw.StripHopByHop()
	switch {
	case w.headMethod == "HEAD" || resp.StatusCode() == http.StatusNoContent ||
		resp.StatusCode() == http.StatusNotModified:
		// No body follows; the head alone is the whole response.
	case raw.Contains("Transfer-Encoding", "chunked"):
		outbound.Set("Transfer-Encoding", "chunked")
		w.chunked = true
	case outbound.Has("Content-Length"):
	default:
		w.closeAfter = true
	}
	if w.downClose || w.closeAfter {
		outbound.Set("Connection", "close")
	} else {
		outbound.Set("Connection", "keep-alive")
	}

	reason := resp.Reason()
	if reason == "" {
		reason = http.StatusText(resp.StatusCode())
	}
	var head bytes.Buffer
	fmt.Fprintf(&head, "HTTP/1.1 %d %s\r\n", resp.StatusCode(), reason)
	_, _ = outbound.WriteTo(&head)
	head.WriteString("\r\n")
	if _, err := w.downstream.Write(head.Bytes()); err != nil {
		w.disabled = true
		w.writeErr = err
		return
	}
	w.wroteHead = true
}

// Write runs as the body sink on the upstream connection's read
// goroutine. A downstream write failure poisons the relay, which the
// engine observes as a delivery error and uses to tear the exchange
// down.
func (w *relayWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.disabled {
		return 0, w.failure()
	}
	if !w.chunked {
		n, err := w.downstream.Write(p)
		if err != nil {
			w.disabled = true
			w.writeErr = err
		}
		return n, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(w.downstream, "%x\r\n", len(p)); err != nil {
		w.disabled = true
		w.writeErr = err
		return 0, err
	}
	if _, err := w.downstream.Write(p); err != nil {
		w.disabled = true
		w.writeErr = err
		return 0, err
	}
	if _, err := io.WriteString(w.downstream, "\r\n"); err != nil {
		w.disabled = true
		w.writeErr = err
		return 0, err
	}
	return len(p), nil
}

// finish closes out the downstream framing after the upstream response
// completed cleanly.
func (w *relayWriter) finish() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.disabled {
		return w.failure()
	}
	if w.chunked && w.wroteHead {
		if _, err := io.WriteString(w.downstream, "0\r\n\r\n"); err != nil {
			w.disabled = true
			w.writeErr = err
			return err
		}
	}
	return nil
}

// disable stops all future downstream writes and reports whether the
// head had already been written, deciding between an error page and a
// bare close.
func (w *relayWriter) disable() (wroteHead bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.disabled = true
	return w.wroteHead
}

func (w *relayWriter) closesAfter() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeAfter
}

func (w *relayWriter) failure() error {
	if w.writeErr != nil {
		return w.writeErr
	}
	return errRelayAbandoned
}
