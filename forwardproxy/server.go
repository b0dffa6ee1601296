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

// Package forwardproxy implements an HTTP/1.1 forward proxy on top of
// the httprelay engine. Inbound requests are parsed off raw sockets with
// the same incremental parser the engine uses for responses, relayed
// upstream through a shared [httprelay.Client] with hop-by-hop headers
// stripped on both legs, and CONNECT requests become raw byte tunnels
// via [httprelay.TunnelBridge]. Registered [HeaderMiddleware] can adjust
// outbound headers, and upstream failures are answered with an explicit
// HTML error page rather than a hung or torn-down socket.
package forwardproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bufbuild/httprelay"
)

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("forwardproxy: server closed")

// ServerOption is an option used to customize the behavior of a Server.
type ServerOption interface {
	applyToServer(*serverOptions)
}

// WithClient supplies the upstream client used for relayed requests and
// tunnels. The caller keeps ownership and must close it. If not
// specified, the server builds its own relay-tuned client and closes it
// on Shutdown.
func WithClient(client *httprelay.Client) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.client = client
	})
}

// WithMiddleware appends header middleware, applied to every relayed
// request in registration order.
func WithMiddleware(middleware ...HeaderMiddleware) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.middleware = append(opts.middleware, middleware...)
	})
}

// WithLogger configures the server's logger. If not specified,
// [slog.Default] is used.
func WithLogger(logger *slog.Logger) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.logger = logger
	})
}

// WithTLSConfig makes ListenAndServe terminate TLS on the downstream
// listener with the given config.
func WithTLSConfig(config *tls.Config) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.tlsConfig = config
	})
}

// WithIdleTimeout bounds how long a downstream connection may sit
// between requests before it is closed. Zero, the default, means no
// bound.
func WithIdleTimeout(duration time.Duration) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.idleTimeout = duration
	})
}

// WithUpstreamTimeout bounds how long a relayed request or CONNECT
// establishment may take end to end. Expiry answers the downstream peer
// with a 504 page. Zero, the default, means no bound.
func WithUpstreamTimeout(duration time.Duration) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.upstreamTimeout = duration
	})
}

type serverOptionFunc func(*serverOptions)

func (f serverOptionFunc) applyToServer(opts *serverOptions) {
	f(opts)
}

type serverOptions struct {
	client          *httprelay.Client
	middleware      []HeaderMiddleware
	logger          *slog.Logger
	tlsConfig       *tls.Config
	idleTimeout     time.Duration
	upstreamTimeout time.Duration
}

// A Server accepts downstream proxy connections and relays their
// requests upstream. Construct with NewServer, start with Serve or
// ListenAndServe, stop with Shutdown.
type Server struct {
	client          *httprelay.Client
	ownsClient      bool
	middleware      []HeaderMiddleware
	logger          *slog.Logger
	tlsConfig       *tls.Config
	idleTimeout     time.Duration
	upstreamTimeout time.Duration

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	sessions  map[*session]struct{}
	active    sync.WaitGroup
}

// NewServer builds a Server. Without WithClient, the upstream client is
// created here tuned for relaying: no cookie jar, no transparent
// decompression, and no default header set beyond what the engine
// requires, so inbound headers pass through as the downstream peer sent
// them.
func NewServer(options ...ServerOption) *Server {
	opts := serverOptions{}
	for _, option := range options {
		option.applyToServer(&opts)
	}
	server := &Server{
		client:          opts.client,
		middleware:      opts.middleware,
		logger:          opts.logger,
		tlsConfig:       opts.tlsConfig,
		idleTimeout:     opts.idleTimeout,
		upstreamTimeout: opts.upstreamTimeout,
		listeners:       map[net.Listener]struct{}{},
		sessions:        map[*session]struct{}{},
	}
	if server.client == nil {
		server.client = httprelay.NewClient(
			httprelay.WithDefaultHeaders(&httprelay.Headers{}),
			httprelay.WithCookieJar(nil),
			httprelay.WithDecompress(false),
		)
		server.ownsClient = true
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server
}

// Client returns the upstream client the server relays through.
func (s *Server) Client() *httprelay.Client {
	return s.client
}

// ListenAndServe listens on addr (terminating TLS when configured) and
// serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if s.tlsConfig != nil {
		listener = tls.NewListener(listener, s.tlsConfig)
	}
	return s.Serve(listener)
}

// Serve accepts connections on the listener until it fails or Shutdown
// is called, handling each connection on its own goroutine. It returns
// ErrServerClosed after Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	if !s.trackListener(listener) {
		_ = listener.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(listener)
	s.logger.Info("proxy listening", "addr", listener.Addr().String())
	for {
		downstream, err := listener.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			return err
		}
		sess := newSession(s, downstream)
		if !s.trackSession(sess) {
			_ = downstream.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.untrackSession(sess)
			sess.run(context.Background())
		}()
	}
}

// Shutdown stops accepting, severs open sessions, and waits for their
// goroutines to finish or ctx to expire. When the server owns its
// upstream client, the client is shut down too.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	listeners := make([]net.Listener, 0, len(s.listeners))
	for listener := range s.listeners {
		listeners = append(listeners, listener)
	}
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, listener := range listeners {
		_ = listener.Close()
	}
	for _, sess := range sessions {
		sess.close()
	}

	drained := make(chan struct{})
	go func() {
		s.active.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.ownsClient && !alreadyClosed {
		return s.client.Shutdown(ctx)
	}
	return nil
}

// Close is Shutdown without a deadline.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) trackListener(listener net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners[listener] = struct{}{}
	return true
}

func (s *Server) untrackListener(listener net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, listener)
}

func (s *Server) trackSession(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.active.Add(1)
	return true
}

func (s *Server) untrackSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.active.Done()
}
