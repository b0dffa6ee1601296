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
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/httprelay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyRelaysRequest(t *testing.T) {
	t.Parallel()
	heads := make(chan string, 4)
	upstream := startUpstream(t, func(conn net.Conn, _ int) {
		defer func() { _ = conn.Close() }()
		for {
			head, err := readMessageHead(conn)
			if err != nil {
				return
			}
			heads <- head
			body := "hello from upstream"
			_, _ = fmt.Fprintf(conn,
				"HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: keep-alive\r\n\r\n%s",
				len(body), body)
		}
	})
	addr, server := startProxy(t,
		WithMiddleware(XForwardedFor(), UserAgentOverride("relay-proxy/1")),
	)
	conn := dialProxy(t, addr)

	_, err := fmt.Fprintf(conn,
		"GET http://%s/hello HTTP/1.1\r\nHost: %s\r\nUser-Agent: downstream-agent\r\nProxy-Connection: keep-alive\r\n\r\n",
		upstream.addr, upstream.addr)
	require.NoError(t, err)
	head, err := readMessageHead(conn)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 200 OK\r\n"), head)
	assert.Contains(t, head, "Connection: keep-alive\r\n")
	assert.Equal(t, "hello from upstream", string(readFramedBody(t, conn, head)))

	sent := <-heads
	assert.True(t, strings.HasPrefix(sent, "GET /hello HTTP/1.1\r\n"), sent)
	assert.Contains(t, sent, "Host: "+upstream.addr+"\r\n")
	assert.Contains(t, sent, "X-Forwarded-For: 127.0.0.1\r\n")
	assert.Contains(t, sent, "User-Agent: relay-proxy/1\r\n")
	assert.NotContains(t, sent, "Proxy-Connection", "hop-by-hop fields stay on their leg")

	// The downstream connection stays alive for a second exchange, and the
	// relay reuses its pooled upstream connection for it.
	_, err = fmt.Fprintf(conn, "GET http://%s/again HTTP/1.1\r\nHost: %s\r\n\r\n",
		upstream.addr, upstream.addr)
	require.NoError(t, err)
	head, err = readMessageHead(conn)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 200 OK\r\n"), head)
	assert.Equal(t, "hello from upstream", string(readFramedBody(t, conn, head)))
	assert.True(t, strings.HasPrefix(<-heads, "GET /again HTTP/1.1\r\n"))
	assert.Equal(t, int32(1), upstream.accepts.Load())

	require.Eventually(t, func() bool {
		stats := server.Client().PoolStats()
		return len(stats) == 1 && stats[0].Available == 1
	}, time.Second, 10*time.Millisecond)
}

func TestProxyOriginFormRequest(t *testing.T) {
	t.Parallel()
	upstream := startUpstream(t, func(conn net.Conn, _ int) {
		defer func() { _ = conn.Close() }()
		head, err := readMessageHead(conn)
		if err != nil {
			return
		}
		if !strings.HasPrefix(head, "GET /direct HTTP/1.1\r\n") {
			_, _ = io.WriteString(conn, "HTTP/1.1 500 Internal Server Error\r\nContent-Length: 0\r\n\r\n")
			return
		}
		_, _ = io.WriteString(conn, "HTTP/1.1 204 No Content\r\nConnection: keep-alive\r\n\r\n")
	})
	addr, _ := startProxy(t)
	conn := dialProxy(t, addr)

	_, err := fmt.Fprintf(conn, "GET /direct HTTP/1.1\r\nHost: %s\r\n\r\n", upstream.addr)
	require.NoError(t, err)
	head, err := readMessageHead(conn)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 204 No Content\r\n"), head)
	assert.Contains(t, head, "Connection: keep-alive\r\n",
		"a bodyless status does not force the close-delimited fallback")
}

func TestProxyRechunksStreamedResponse(t *testing.T) {
	t.Parallel()
	upstream := startUpstream(t, func(conn net.Conn, _ int) {
		defer func() { _ = conn.Close() }()
		if _, err := readMessageHead(conn); err != nil {
			return
		}
		_, _ = io.WriteString(conn,
			"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\nConnection: keep-alive\r\n\r\n"+
				"4\r\nwiki\r\n5\r\npedia\r\n0\r\n\r\n")
	})
	addr, _ := startProxy(t)
	conn := dialProxy(t, addr)

	_, err := fmt.Fprintf(conn, "GET http://%s/stream HTTP/1.1\r\nHost: %s\r\n\r\n",
		upstream.addr, upstream.addr)
	require.NoError(t, err)
	head, err := readMessageHead(conn)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 200 OK\r\n"), head)
	assert.Contains(t, head, "Transfer-Encoding: chunked\r\n")
	assert.Equal(t, "wikipedia", string(readChunkedBody(t, conn)))
}

func TestProxyExpectContinue(t *testing.T) {
	t.Parallel()
	heads := make(chan string, 1)
	upstream := startUpstream(t, func(conn net.Conn, _ int) {
		defer func() { _ = conn.Close() }()
		head, err := readMessageHead(conn)
		if err != nil {
			return
		}
		heads <- head
		body := readFramedBody(nil, conn, head)
		_, _ = fmt.Fprintf(conn,
			"HTTP/1.1 200 OK\r\nContent-Length: %d\r\nConnection: keep-alive\r\n\r\n%s",
			len(body), body)
	})
	addr, _ := startProxy(t)
	conn := dialProxy(t, addr)

	_, err := fmt.Fprintf(conn,
		"POST http://%s/upload HTTP/1.1\r\nHost: %s\r\nContent-Length: 4\r\nExpect: 100-continue\r\n\r\n",
		upstream.addr, upstream.addr)
	require.NoError(t, err)
	interim, err := readMessageHead(conn)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 100 Continue\r\n\r\n", interim,
		"the proxy answers the expectation itself before the body arrives")

	_, err = io.WriteString(conn, "data")
	require.NoError(t, err)
	head, err := readMessageHead(conn)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 200 OK\r\n"), head)
	assert.Equal(t, "data", string(readFramedBody(t, conn, head)))

	sent := <-heads
	assert.NotContains(t, sent, "Expect:", "the expectation is consumed, not relayed")
	assert.Contains(t, sent, "Content-Length: 4\r\n")
}

func TestProxyConnectTunnel(t *testing.T) {
	t.Parallel()
	upstream := startUpstream(t, func(conn net.Conn, _ int) {
		defer func() { _ = conn.Close() }()
		buf := make([]byte, 1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if _, err := conn.Write(buf[:n]); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	})
	addr, _ := startProxy(t)
	conn := dialProxy(t, addr)

	_, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n",
		upstream.addr, upstream.addr)
	require.NoError(t, err)
	head, err := readMessageHead(conn)
	require.NoError(t, err)
	assert.Equal(t, string(httprelay.TunnelEstablishedResponse), head)

	payload := "ping-through"
	_, err = io.WriteString(conn, payload)
	require.NoError(t, err)
	echoed := make([]byte, len(payload))
	_, err = io.ReadFull(conn, echoed)
	require.NoError(t, err)
	assert.Equal(t, payload, string(echoed))
}

func TestProxyAnswersBadGateway(t *testing.T) {
	t.Parallel()
	deadListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := deadListener.Addr().String()
	require.NoError(t, deadListener.Close())

	addr, _ := startProxy(t)
	conn := dialProxy(t, addr)

	_, err = fmt.Fprintf(conn, "GET http://%s/x HTTP/1.1\r\nHost: %s\r\n\r\n", deadAddr, deadAddr)
	require.NoError(t, err)
	head, err := readMessageHead(conn)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 502 Bad Gateway\r\n"), head)
	assert.Contains(t, head, "Content-Type: text/html")
	assert.Contains(t, head, "Connection: close\r\n")
	body := readFramedBody(t, conn, head)
	assert.Contains(t, string(body), "502 Bad Gateway")
	assert.Contains(t, string(body), "httprelay forward proxy")

	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "an errored exchange closes the downstream")
}

func TestProxyAnswersGatewayTimeout(t *testing.T) {
	t.Parallel()
	upstream := startUpstream(t, func(conn net.Conn, _ int) {
		defer func() { _ = conn.Close() }()
		if _, err := readMessageHead(conn); err != nil {
			return
		}
		// Never respond; hold the socket until the peer gives up.
		_, _ = conn.Read(make([]byte, 1))
	})
	addr, _ := startProxy(t, WithUpstreamTimeout(150*time.Millisecond))
	conn := dialProxy(t, addr)

	_, err := fmt.Fprintf(conn, "GET http://%s/slow HTTP/1.1\r\nHost: %s\r\n\r\n",
		upstream.addr, upstream.addr)
	require.NoError(t, err)
	head, err := readMessageHead(conn)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 504 Gateway Timeout\r\n"), head)
	assert.Contains(t, string(readFramedBody(t, conn, head)), "504 Gateway Timeout")
}

func TestProxyRejectsMalformedRequest(t *testing.T) {
	t.Parallel()
	addr, _ := startProxy(t)
	conn := dialProxy(t, addr)

	_, err := io.WriteString(conn, "garbage\r\n\r\n")
	require.NoError(t, err)
	head, err := readMessageHead(conn)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 400 Bad Request\r\n"), head)
}

func startProxy(t *testing.T, options ...ServerOption) (string, *Server) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := NewServer(options...)
	served := make(chan error, 1)
	go func() {
		served <- server.Serve(listener)
	}()
	t.Cleanup(func() {
		err := server.Shutdown(context.Background())
		require.NoError(t, err)
		require.ErrorIs(t, <-served, ErrServerClosed)
	})
	return listener.Addr().String(), server
}

type upstreamServer struct {
	addr    string
	accepts atomic.Int32
}

func startUpstream(t *testing.T, script func(conn net.Conn, index int)) *upstreamServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })
	server := &upstreamServer{addr: listener.Addr().String()}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			index := int(server.accepts.Add(1)) - 1
			go script(conn, index)
		}
	}()
	return server
}

func dialProxy(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readMessageHead reads from conn through the end of a message's header
// block and returns everything read, terminator included.
func readMessageHead(conn net.Conn) (string, error) {
	var head []byte
	buf := make([]byte, 1)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			head = append(head, buf[0])
			if len(head) >= 4 && string(head[len(head)-4:]) == "\r\n\r\n" {
				return string(head), nil
			}
		}
		if err != nil {
			return string(head), err
		}
	}
}

// readFramedBody reads the Content-Length body following head. With a
// nil t it swallows errors and returns what it got, for use inside
// server scripts.
func readFramedBody(t *testing.T, conn net.Conn, head string) []byte {
	if t != nil {
		t.Helper()
	}
	length := 0
	for _, line := range strings.Split(head, "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			parsed, err := strconv.Atoi(strings.TrimSpace(value))
			if err == nil {
				length = parsed
			}
		}
	}
	if length == 0 {
		return nil
	}
	body := make([]byte, length)
	_, err := io.ReadFull(conn, body)
	if t != nil {
		require.NoError(t, err)
	}
	return body
}

// readChunkedBody de-chunks a response body, tolerating whatever chunk
// boundaries the relay produced.
func readChunkedBody(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	reader := bufio.NewReader(conn)
	var body []byte
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
		require.NoError(t, err)
		if size == 0 {
			_, err = reader.ReadString('\n')
			require.NoError(t, err)
			return body
		}
		chunk := make([]byte, size)
		_, err = io.ReadFull(reader, chunk)
		require.NoError(t, err)
		body = append(body, chunk...)
		crlf := make([]byte, 2)
		_, err = io.ReadFull(reader, crlf)
		require.NoError(t, err)
	}
}
