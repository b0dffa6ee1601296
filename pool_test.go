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
	"io"
	"net"
	"testing"
	"time"

	"github.com/bufbuild/httprelay/internal/clocktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectDelay(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name    string
		baseLag time.Duration
		attempt int
		want    time.Duration
	}{
		{"first replay is immediate", 2 * time.Second, 1, 0},
		{"second replay waits the base lag", 2 * time.Second, 2, 2 * time.Second},
		{"third replay grows logarithmically", 2 * time.Second, 3, 3400 * time.Millisecond},
		{"fourth replay keeps growing", 2 * time.Second, 4, 4200 * time.Millisecond},
		{"sub-second base lag", 500 * time.Millisecond, 2, 500 * time.Millisecond},
		{"rounded to a tenth", 250 * time.Millisecond, 3, 400 * time.Millisecond},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, testCase.want, reconnectDelay(testCase.baseLag, testCase.attempt))
		})
	}
}

func TestConnectionReuse(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	server := startTestServer(t, func(conn net.Conn, _ int) {
		defer func() { _ = conn.Close() }()
		for {
			if _, err := readRequestHead(conn); err != nil {
				return
			}
			if _, err := io.WriteString(conn, keepAliveResponse("pooled")); err != nil {
				return
			}
		}
	})
	client := newTestClient(t)

	for i := 0; i < 2; i++ {
		resp, err := client.Get(server.url("/"))
		require.NoError(t, err)
		_, err = resp.Wait(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), server.accepts.Load(), "keep-alive requests share one connection")
	stats := client.PoolStats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Available)
}

func TestConnectionNotReusedWithoutKeepAlive(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	server := startTestServer(t, func(conn net.Conn, _ int) {
		defer func() { _ = conn.Close() }()
		if _, err := readRequestHead(conn); err != nil {
			return
		}
		_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 4\r\nConnection: close\r\n\r\ndone")
	})
	client := newTestClient(t)

	for i := 0; i < 2; i++ {
		resp, err := client.Get(server.url("/"))
		require.NoError(t, err)
		_, err = resp.Wait(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(2), server.accepts.Load(), "each request dialed its own connection")
}

func TestCloseIdleConnections(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	server := startTestServer(t, func(conn net.Conn, _ int) {
		defer func() { _ = conn.Close() }()
		for {
			if _, err := readRequestHead(conn); err != nil {
				return
			}
			if _, err := io.WriteString(conn, keepAliveResponse("ok")); err != nil {
				return
			}
		}
	})
	client := newTestClient(t)

	resp, err := client.Get(server.url("/first"))
	require.NoError(t, err)
	_, err = resp.Wait(ctx)
	require.NoError(t, err)
	stats := client.PoolStats()
	require.Len(t, stats, 1)
	require.Equal(t, 1, stats[0].Available)

	client.CloseIdleConnections()
	stats = client.PoolStats()
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].Available)
	assert.Equal(t, 0, stats[0].Concurrent)

	// The client stays usable; the next request dials fresh.
	resp, err = client.Get(server.url("/second"))
	require.NoError(t, err)
	final, err := resp.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 200, final.StatusCode())
	assert.Equal(t, int32(2), server.accepts.Load())
}

func TestPoolCeiling(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	headGot := make(chan struct{}, 1)
	release := make(chan struct{})
	server := startTestServer(t, func(conn net.Conn, _ int) {
		defer func() { _ = conn.Close() }()
		if _, err := readRequestHead(conn); err != nil {
			return
		}
		headGot <- struct{}{}
		<-release
		_, _ = io.WriteString(conn, keepAliveResponse("finally"))
	})
	client := newTestClient(t, WithMaxConnections(1))

	first, err := client.Get(server.url("/slow"))
	require.NoError(t, err)
	<-headGot

	second, err := client.Get(server.url("/fast"))
	require.NoError(t, err)
	_, err = second.Wait(ctx)
	require.ErrorIs(t, err, ErrTooManyConnections)

	close(release)
	final, err := first.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 200, final.StatusCode())
}

func TestPooledConnectionDropped(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	server := startTestServer(t, func(conn net.Conn, _ int) {
		defer func() { _ = conn.Close() }()
		if _, err := readRequestHead(conn); err != nil {
			return
		}
		// Advertise keep-alive, then drop the connection anyway.
		_, _ = io.WriteString(conn, keepAliveResponse("short-lived"))
	})
	client := newTestClient(t)

	resp, err := client.Get(server.url("/"))
	require.NoError(t, err)
	_, err = resp.Wait(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats := client.PoolStats()
		return len(stats) == 1 && stats[0].Available == 0
	}, time.Second, 5*time.Millisecond, "dead pooled connection was not evicted")

	resp, err = client.Get(server.url("/"))
	require.NoError(t, err)
	_, err = resp.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), server.accepts.Load())
}

func TestReplayOnFreshConnection(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	server := startTestServer(t, func(conn net.Conn, index int) {
		defer func() { _ = conn.Close() }()
		if _, err := readRequestHead(conn); err != nil {
			return
		}
		if index == 0 {
			// Die before sending anything; the attempt is replayable.
			return
		}
		_, _ = io.WriteString(conn, keepAliveResponse("second time lucky"))
	})
	client := newTestClient(t)

	resp, err := client.Get(server.url("/flaky"))
	require.NoError(t, err)
	final, err := resp.Wait(ctx)
	require.NoError(t, err)

	body, err := final.Body()
	require.NoError(t, err)
	assert.Equal(t, "second time lucky", string(body))
	assert.Equal(t, int32(2), server.accepts.Load())
}

func TestReplayLagObservesClock(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	server := startTestServer(t, func(conn net.Conn, index int) {
		defer func() { _ = conn.Close() }()
		if _, err := readRequestHead(conn); err != nil {
			return
		}
		if index < 2 {
			return
		}
		_, _ = io.WriteString(conn, keepAliveResponse("third time lucky"))
	})
	testClock := clocktest.NewFakeClock()
	client := newTestClient(t, WithMaxReconnect(2, 2*time.Second), withClock(testClock))

	resp, err := client.Get(server.url("/flaky"))
	require.NoError(t, err)

	// The first replay is immediate; the second is scheduled on the clock
	// after the base lag.
	require.NoError(t, testClock.BlockUntilContext(ctx, 1))
	testClock.Advance(2 * time.Second)

	final, err := resp.Wait(ctx)
	require.NoError(t, err)
	body, err := final.Body()
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", string(body))
	assert.Equal(t, int32(3), server.accepts.Load())
}

func TestNoReplayWhenBudgetExhausted(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	server := startTestServer(t, func(conn net.Conn, _ int) {
		defer func() { _ = conn.Close() }()
		_, _ = readRequestHead(conn)
	})
	client := newTestClient(t, WithMaxReconnect(0, 0))

	resp, err := client.Get(server.url("/doomed"))
	require.NoError(t, err)
	_, err = resp.Wait(ctx)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, int32(1), server.accepts.Load(), "no replay without budget")
}

func TestNoReplayAfterResponseBytes(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	server := startTestServer(t, func(conn net.Conn, _ int) {
		defer func() { _ = conn.Close() }()
		if _, err := readRequestHead(conn); err != nil {
			return
		}
		// Promise ten body bytes, deliver three, and hang up.
		_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc")
	})
	client := newTestClient(t)

	resp, err := client.Get(server.url("/truncated"))
	require.NoError(t, err)
	final, err := resp.Wait(ctx)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)

	assert.Equal(t, StateErrored, final.State())
	assert.Equal(t, 200, final.StatusCode(), "headers arrived before the loss")
	assert.Equal(t, int32(1), server.accepts.Load(), "attempts that saw bytes are not replayed")
}

func TestRequestTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	server := startTestServer(t, func(conn net.Conn, _ int) {
		defer func() { _ = conn.Close() }()
		// Read the request and then go quiet.
		_, _ = readRequestHead(conn)
		_, _ = readRequestHead(conn)
	})
	client := newTestClient(t, WithMaxReconnect(0, 0))

	resp, err := client.Get(server.url("/quiet"), WithTimeout(100*time.Millisecond))
	require.NoError(t, err)
	_, err = resp.Wait(ctx)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.True(t, transportErr.Timeout())
}

func TestRetryableErrors(t *testing.T) {
	t.Parallel()
	assert.True(t, isRetryable(&TransportError{Op: "read", Err: io.EOF}))
	assert.True(t, isRetryable(&TransportError{Op: "write", Err: net.ErrClosed}))
	assert.False(t, isRetryable(nil))
	assert.False(t, isRetryable(context.Canceled))
	assert.False(t, isRetryable(errors.New("application failure")))
	assert.False(t, isRetryable(ErrProtocolViolation))
}
