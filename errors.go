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
	"errors"
	"fmt"
	"net"
)

var (
	// ErrProtocolViolation indicates that the response parser could not
	// consume all bytes fed to it. The connection that produced the bytes
	// is closed and the request is never retried.
	ErrProtocolViolation = errors.New("httprelay: protocol violation")

	// ErrTooManyRedirects indicates that a redirect chain exceeded the
	// configured ceiling. The response handle that carries it still holds
	// the last hop's status and headers, and History returns the prior hops.
	ErrTooManyRedirects = errors.New("httprelay: too many redirects")

	// ErrTooManyConnections indicates that a pool was at its concurrency
	// ceiling and no pooled connection was available.
	ErrTooManyConnections = errors.New("httprelay: too many concurrent connections")

	// ErrClientClosed indicates a request was issued against a closed client.
	ErrClientClosed = errors.New("httprelay: client is closed")

	// ErrResponseNotComplete indicates Again was called on a response that
	// has not reached a terminal state.
	ErrResponseNotComplete = errors.New("httprelay: response is not complete")
)

// A TransportError wraps a socket-level failure: dial, TLS handshake, read,
// write, or an idle/read deadline expiry. Transport errors are the only
// failures eligible for reconnect.
type TransportError struct {
	Op  string // "dial", "tls", "read", "write", "tunnel"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("httprelay: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the wrapped failure was a deadline expiry.
func (e *TransportError) Timeout() bool {
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// A ProxyConfigurationError reports a proxy mapping that could not be
// understood. It is returned synchronously from request construction,
// never delivered through a response handle.
type ProxyConfigurationError struct {
	URL string
	Err error
}

func (e *ProxyConfigurationError) Error() string {
	return fmt.Sprintf("httprelay: could not understand proxy %q: %v", e.URL, e.Err)
}

func (e *ProxyConfigurationError) Unwrap() error {
	return e.Err
}

// A TunnelEstablishmentError reports that an upstream CONNECT did not
// succeed. The downstream peer of a bridge receives an explicit gateway
// failure response when this occurs; it never hangs.
type TunnelEstablishmentError struct {
	Target string
	Err    error
}

func (e *TunnelEstablishmentError) Error() string {
	return fmt.Sprintf("httprelay: tunnel to %s not established: %v", e.Target, e.Err)
}

func (e *TunnelEstablishmentError) Unwrap() error {
	return e.Err
}

// isRetryable reports whether err is a transport-level failure that the
// pool may answer with a reconnect attempt. Parse violations, context
// cancellation, and synchronous configuration errors are final.
func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}
