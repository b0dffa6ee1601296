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
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
)

// TunnelEstablishedResponse is the literal a proxy writes to its
// downstream peer once the upstream tunnel is open, before switching to
// raw forwarding.
//
//nolint:gochecknoglobals
var TunnelEstablishedResponse = []byte("HTTP/1.1 200 Connection established\r\n\r\n")

// A TunnelBridge splices a downstream byte stream onto an established
// CONNECT connection: bytes read from either side are written verbatim
// to the other, and when either side closes, the other is closed too, so
// no half-open tunnel lingers.
type TunnelBridge struct {
	downstream io.ReadWriteCloser
	upstream   *conn
	target     string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTunnelBridge claims the connection behind an established CONNECT
// response and prepares to splice it to downstream. The response must
// already have resolved; a failed establishment surfaces here as a
// TunnelEstablishmentError so callers can answer downstream explicitly
// instead of hanging.
func NewTunnelBridge(downstream io.ReadWriteCloser, upstream *Response) (*TunnelBridge, error) {
	req := upstream.Request()
	if req == nil || req.Method() != "CONNECT" {
		return nil, errors.New("httprelay: response is not a CONNECT tunnel")
	}
	target := req.URL().Host
	if !upstream.isTerminal() {
		return nil, fmt.Errorf("httprelay: tunnel to %s not yet established", target)
	}
	if err := upstream.Err(); err != nil {
		return nil, &TunnelEstablishmentError{Target: target, Err: err}
	}
	cn := upstream.hijackConn()
	if cn == nil {
		return nil, fmt.Errorf("httprelay: tunnel to %s already claimed", target)
	}
	return &TunnelBridge{
		downstream: downstream,
		upstream:   cn,
		target:     target,
		closed:     make(chan struct{}),
	}, nil
}

// Run forwards bytes both ways until either side closes or ctx expires,
// then tears both sides down and returns. The return is nil for a clean
// close on either side.
func (b *TunnelBridge) Run(ctx context.Context) error {
	fw := &tunnelForwarder{dst: b.downstream, closeBoth: b.closeBoth}
	if err := b.upstream.setReceiver(fw); err != nil {
		b.closeBoth()
		return &TunnelEstablishmentError{Target: b.target, Err: err}
	}
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		buf := make([]byte, 32*1024)
		for {
			n, err := b.downstream.Read(buf)
			if n > 0 {
				if writeErr := b.upstream.write(buf[:n]); writeErr != nil {
					b.closeBoth()
					return writeErr
				}
			}
			if err != nil {
				b.closeBoth()
				if errorIsEOF(err) || b.wasClosed() {
					return nil
				}
				return err
			}
		}
	})
	group.Go(func() error {
		select {
		case <-ctx.Done():
			b.closeBoth()
			return ctx.Err()
		case <-b.closed:
			return nil
		}
	})
	return group.Wait()
}

// closeBoth severs both legs exactly once. Closing the downstream
// unblocks its pump; closing the upstream transport drives its read loop
// into shutdown, which in turn notifies the forwarder.
func (b *TunnelBridge) closeBoth() {
	b.closeOnce.Do(func() {
		close(b.closed)
		_ = b.downstream.Close()
		b.upstream.closeTransport()
	})
}

func (b *TunnelBridge) wasClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// tunnelForwarder is the receiver installed on the upstream connection
// once a bridge claims it: upstream bytes pass through verbatim to the
// downstream writer.
type tunnelForwarder struct {
	dst       io.Writer
	closeBoth func()
}

func (f *tunnelForwarder) receive(data []byte) error {
	if _, err := f.dst.Write(data); err != nil {
		return &TransportError{Op: "tunnel", Err: err}
	}
	return nil
}

func (f *tunnelForwarder) receiveEOF() error {
	f.closeBoth()
	return nil
}
