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

// Package httprelay provides an asynchronous HTTP/1.1 client designed
// for relaying traffic through forward proxies and CONNECT tunnels. It
// implements the protocol directly over TCP and TLS instead of wrapping
// net/http, which gives callers control over connection lifecycle,
// header ordering, and the exact bytes on the wire. On top of that it
// layers per-host connection pools, automatic request replay, redirect
// chasing, cookie storage, and transparent content decoding.
//
// To create a new client use the [NewClient] function. This function
// accepts numerous options, many for configuring the behavior of the
// underlying connections. It also provides options for routing requests
// through an upstream [proxy], for persisting cookies in a custom
// [cookie jar], and for bounding pool size and replay attempts.
//
// The returned client also has a notion of "closing", via its Close and
// Shutdown methods. This step will mark the client closed, sever all
// pooled connections (including established tunnels), and then wait for
// outstanding response handles to resolve. The client cannot be used
// after it has been closed.
//
// # Response Handles
//
// Methods like [Client.Get] and [Client.Post] do not block for the
// exchange to finish. They validate and encode the request, then return
// a [Response] handle immediately while a background goroutine drives
// the wire protocol. The handle moves through a fixed series of states:
// pending, headers received, streaming body, and finally complete or
// errored. Call [Response.Wait] to block until the terminal state. When
// a request is redirected, Wait returns the handle for the final hop;
// the hops that led there are available from [Response.History].
//
// Bodies are buffered by default and exposed through [Response.Body],
// [Response.Text], and [Response.JSON], which reverse any content
// encoding the server applied (gzip, deflate, or brotli). For large
// transfers, [WithBodySink] and [WithOnBody] deliver body chunks as
// they arrive instead of accumulating them. Streaming callbacks only
// observe the final hop of a redirect chain, never the interstitial
// 3xx responses.
//
// # Default Behavior
//
// Without any options, the client behaves differently than
// http.DefaultClient in the following key ways:
//
//  1. A request whose connection drops before any response bytes
//     arrive is replayed once on a fresh connection. Later replays,
//     when a larger budget is configured with [WithMaxReconnect],
//     are spaced out with a logarithmically growing lag.
//
//  2. Cookies are stored and replayed automatically. The client
//     starts with an in-memory jar; use [WithCookieJar] to persist
//     cookies across processes or [WithCookieJar](nil) to disable
//     the jar entirely.
//
//  3. Responses advertise and transparently decode gzip, deflate,
//     and brotli content encodings. Use [WithDecompress] to receive
//     raw bytes instead.
//
//  4. Redirects are not followed unless [WithFollowRedirects] enables
//     them, and then at most ten hops are taken before the handle
//     resolves with [ErrTooManyRedirects].
//
// Proxy selection follows the conventional HTTP_PROXY, HTTPS_PROXY,
// and NO_PROXY environment variables unless [WithProxy] or
// [WithNoProxy] overrides them.
//
// # Connection Pools
//
// The client maintains one pool per (scheme, host:port, timeout) key.
// Each pooled connection services exactly one request at a time; a
// second request to the same origin either reuses an idle connection,
// dials a new one, or fails fast with [ErrTooManyConnections] once the
// ceiling set by [WithMaxConnections] is reached. After a response
// completes, its connection returns to the idle set only if the server
// agreed to keep-alive and the request left no unsent body behind.
// Connections found dead at acquisition are evicted rather than
// handed out.
//
// # Tunnels
//
// [Client.Connect] issues a CONNECT request through a proxy and, on
// success, leaves the connection established rather than returning it
// to the pool. The raw connection can then be claimed and spliced to
// another stream with [NewTunnelBridge], which pumps bytes in both
// directions until either side closes. This is the building block the
// [forwardproxy] subpackage uses to relay HTTPS traffic.
//
// [proxy]: https://pkg.go.dev/github.com/bufbuild/httprelay#WithProxy
// [cookie jar]: https://pkg.go.dev/github.com/bufbuild/httprelay/cookiejar#Jar
// [forwardproxy]: https://pkg.go.dev/github.com/bufbuild/httprelay/forwardproxy
package httprelay
