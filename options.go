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
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/bufbuild/httprelay/cookiejar"
	"github.com/bufbuild/httprelay/internal"
)

//nolint:gochecknoglobals
var (
	defaultDialer = &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
)

// ClientOption is an option used to customize the behavior of a Client.
type ClientOption interface {
	applyToClient(*clientOptions)
}

// RequestOption is an option used to customize the behavior of a single
// request.
type RequestOption interface {
	applyToRequest(*requestOptions)
}

// A ClientRequestOption can be used as either a ClientOption, in which
// case it applies as a default for all requests, or as a RequestOption,
// in which case it applies to one request only.
type ClientRequestOption interface {
	ClientOption
	RequestOption
}

// WithMaxConnections bounds the number of connections each endpoint's
// pool may hold, idle and loaned together. Requests that would exceed the
// ceiling fail with ErrTooManyConnections. If not specified, pools are
// unbounded.
func WithMaxConnections(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxConnections = limit
	})
}

// WithMaxReconnect configures the replay policy for requests whose
// connection is lost before any response bytes arrive: up to budget
// replays on a fresh connection, the first immediate and later ones
// spaced by a delay grown from baseLag. A budget of zero disables
// replays. If not specified, one immediate replay is allowed with a base
// lag of two seconds.
func WithMaxReconnect(budget int, baseLag time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxReconnect = budget
		opts.maxReconnectSet = true
		opts.baseLag = baseLag
	})
}

// WithMaxRedirects bounds how many redirect hops a single request may
// follow before failing with ErrTooManyRedirects. If not specified, the
// limit is 10.
func WithMaxRedirects(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxRedirects = limit
		opts.maxRedirectsSet = true
	})
}

// WithDecompress controls whether buffered body accessors transparently
// decode gzip, deflate, and brotli content encodings, and whether the
// default Accept-Encoding header advertises them. Enabled if not
// specified.
func WithDecompress(enabled bool) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.decompress = enabled
		opts.decompressSet = true
	})
}

// WithCookieJar configures where cookies are stored and from where they
// are replayed onto requests. A nil jar disables cookie handling. If not
// specified, an in-memory jar is used.
func WithCookieJar(jar cookiejar.Jar) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.jar = jar
		opts.jarSet = true
	})
}

// WithMultipartEncoding controls whether form payloads without an
// explicit content type are encoded as multipart/form-data rather than
// application/x-www-form-urlencoded, and fixes the multipart boundary.
// An empty boundary selects a random one per client. Multipart encoding
// is enabled if not specified; payloads with attached files always use
// it.
func WithMultipartEncoding(enabled bool, boundary string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.encodeMultipart = enabled
		opts.encodeMultipartSet = true
		opts.multipartBoundary = boundary
	})
}

// WithTLSConfig configures the TLS client parameters used when dialing
// https targets. The config is cloned per connection and its ServerName
// is filled in from the target when empty.
func WithTLSConfig(config *tls.Config) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.tlsConfig = config
	})
}

// WithProxy configures the forward proxies used to reach remote hosts,
// keyed by target scheme, plus a comma-separated no-proxy suffix list.
// If not specified, proxies are read from the process environment
// (HTTP_PROXY, HTTPS_PROXY, NO_PROXY). Also see WithNoProxy.
func WithProxy(config *ProxyConfig) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		if config == nil {
			config = &ProxyConfig{}
		}
		opts.proxies = config
	})
}

// WithNoProxy configures the client to never use a proxy, ignoring the
// process environment.
func WithNoProxy() ClientOption {
	return WithProxy(&ProxyConfig{})
}

// WithDefaultHeaders replaces the header set merged into every request.
// If not specified, requests carry Accept, Accept-Encoding, Connection,
// and User-Agent defaults.
func WithDefaultHeaders(headers *Headers) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.defaultHeaders = headers.Clone()
	})
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(agent string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.userAgent = agent
	})
}

// WithDialer configures the function used to open the underlying
// sockets. If not specified, a default [net.Dialer] is used.
func WithDialer(dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.dialer = dialFunc
	})
}

// WithLogger configures the logger used for engine diagnostics, which
// are emitted at debug level. If not specified, [slog.Default] is used.
func WithLogger(logger *slog.Logger) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.logger = logger
	})
}

// withClock is how tests substitute a fake clock for backoff timers.
func withClock(clock internal.Clock) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.clock = clock
	})
}

// WithTimeout bounds each socket operation for a request: dialing, the
// TLS handshake, writes, and the gaps between successive reads of the
// response. It is not a bound on total request duration; use the context
// given to [Response.Wait] for that. Zero means no timeout, which is
// also the default.
func WithTimeout(duration time.Duration) ClientRequestOption {
	return &clientRequestOption{
		client: func(opts *clientOptions) {
			opts.timeout = duration
		},
		request: func(opts *requestOptions) {
			opts.timeout = duration
			opts.timeoutSet = true
		},
	}
}

// WithFollowRedirects controls whether 3xx responses bearing a Location
// header are followed automatically. Redirects are not followed if not
// specified. When following, each hop is recorded in the final
// response's History.
func WithFollowRedirects(follow bool) ClientRequestOption {
	return &clientRequestOption{
		client: func(opts *clientOptions) {
			opts.allowRedirects = follow
		},
		request: func(opts *requestOptions) {
			opts.allowRedirects = follow
			opts.allowRedirectsSet = true
		},
	}
}

// WithHeaders merges the given headers into the request's header set,
// replacing same-named defaults. As a ClientOption it merges into the
// per-client defaults instead.
func WithHeaders(headers *Headers) ClientRequestOption {
	return &clientRequestOption{
		client: func(opts *clientOptions) {
			if opts.defaultHeaders == nil {
				opts.defaultHeaders = &Headers{}
			}
			opts.defaultHeaders.Update(headers)
		},
		request: func(opts *requestOptions) {
			if opts.headers == nil {
				opts.headers = &Headers{}
			}
			opts.headers.Update(headers)
		},
	}
}

// WithHeader sets a single header, replacing any previous values for the
// same name.
func WithHeader(name, value string) ClientRequestOption {
	headers := &Headers{}
	headers.Set(name, value)
	return WithHeaders(headers)
}

// WithBody supplies the request payload. Accepted types: []byte and
// io.Reader are sent as-is; string is sent after charset encoding;
// url.Values, map[string][]string, and map[string]string are form
// encoded (multipart or urlencoded per the multipart setting); anything
// else is marshaled as JSON. For query-string methods such as GET the
// payload is appended to the URL query instead.
func WithBody(data any) RequestOption {
	return requestOptionFunc(func(opts *requestOptions) {
		opts.data = data
		opts.dataSet = true
	})
}

// WithJSON supplies the request payload as JSON, marshaling v and
// setting the content type.
func WithJSON(v any) RequestOption {
	return requestOptionFunc(func(opts *requestOptions) {
		opts.data = v
		opts.dataSet = true
		if opts.headers == nil {
			opts.headers = &Headers{}
		}
		opts.headers.Set("Content-Type", "application/json")
	})
}

// WithForm supplies the request payload as form values.
func WithForm(values url.Values) RequestOption {
	return requestOptionFunc(func(opts *requestOptions) {
		opts.data = values
		opts.dataSet = true
	})
}

// WithFiles attaches files to the request, forcing multipart encoding of
// the payload.
func WithFiles(files ...FormFile) RequestOption {
	return requestOptionFunc(func(opts *requestOptions) {
		opts.files = append(opts.files, files...)
	})
}

// WithMultipart forces multipart encoding of this request's form payload
// even when the client default is urlencoded.
func WithMultipart() RequestOption {
	return requestOptionFunc(func(opts *requestOptions) {
		opts.multipart = true
	})
}

// WithCharset sets the character encoding used for string payloads.
func WithCharset(name string) RequestOption {
	return requestOptionFunc(func(opts *requestOptions) {
		opts.charset = name
	})
}

// WithWaitContinue sends the request head with Expect: 100-continue and
// holds the body back until the server answers with an interim 100.
func WithWaitContinue() RequestOption {
	return requestOptionFunc(func(opts *requestOptions) {
		opts.waitContinue = true
	})
}

// WithOnHeaders registers a callback fired on the connection's read
// goroutine once a response's headers are parsed, before any body bytes
// are delivered. Redirect hops fire it once per hop.
func WithOnHeaders(callback func(*Response)) RequestOption {
	return requestOptionFunc(func(opts *requestOptions) {
		opts.onHeaders = append(opts.onHeaders, callback)
	})
}

// WithOnBody streams body chunks to the given callback as they arrive
// instead of buffering them. Chunks are raw transfer bytes: no
// decompression is applied, and the buffered accessors stay empty.
func WithOnBody(callback func(data []byte)) RequestOption {
	return requestOptionFunc(func(opts *requestOptions) {
		opts.onBody = callback
	})
}

// WithBodySink streams body bytes into w as they arrive instead of
// buffering them. Bytes are raw transfer bytes; a write error fails the
// response.
func WithBodySink(w io.Writer) RequestOption {
	return requestOptionFunc(func(opts *requestOptions) {
		opts.bodySink = w
	})
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) applyToClient(opts *clientOptions) {
	f(opts)
}

type requestOptionFunc func(*requestOptions)

func (f requestOptionFunc) applyToRequest(opts *requestOptions) {
	f(opts)
}

type clientRequestOption struct {
	client  func(*clientOptions)
	request func(*requestOptions)
}

func (o *clientRequestOption) applyToClient(opts *clientOptions) {
	o.client(opts)
}

func (o *clientRequestOption) applyToRequest(opts *requestOptions) {
	o.request(opts)
}

type clientOptions struct {
	defaultHeaders     *Headers
	userAgent          string
	dialer             func(ctx context.Context, network, addr string) (net.Conn, error)
	clock              internal.Clock
	logger             *slog.Logger
	proxies            *ProxyConfig
	jar                cookiejar.Jar
	jarSet             bool
	tlsConfig          *tls.Config
	timeout            time.Duration
	maxConnections     int
	maxReconnect       int
	maxReconnectSet    bool
	baseLag            time.Duration
	maxRedirects       int
	maxRedirectsSet    bool
	allowRedirects     bool
	decompress         bool
	decompressSet      bool
	encodeMultipart    bool
	encodeMultipartSet bool
	multipartBoundary  string
}

type requestOptions struct {
	method            string
	url               *url.URL
	headers           *Headers
	data              any
	dataSet           bool
	files             []FormFile
	charset           string
	multipart         bool
	waitContinue      bool
	timeout           time.Duration
	timeoutSet        bool
	allowRedirects    bool
	allowRedirectsSet bool
	onHeaders         []func(*Response)
	onBody            func(data []byte)
	bodySink          io.Writer
}

func (opts *clientOptions) applyDefaults() {
	if !opts.decompressSet {
		opts.decompress = true
	}
	if !opts.encodeMultipartSet {
		opts.encodeMultipart = true
	}
	if opts.multipartBoundary == "" {
		rng := internal.NewRand()
		opts.multipartBoundary = fmt.Sprintf("%016x%016x", rng.Uint64(), rng.Uint64())
	}
	if opts.defaultHeaders == nil {
		opts.defaultHeaders = &Headers{}
		opts.defaultHeaders.Set("Accept", "*/*")
		opts.defaultHeaders.Set("Connection", "Keep-Alive")
	}
	if !opts.defaultHeaders.Has("Accept-Encoding") {
		if opts.decompress {
			opts.defaultHeaders.Set("Accept-Encoding", "gzip, deflate, br")
		} else {
			opts.defaultHeaders.Set("Accept-Encoding", "identity")
		}
	}
	if opts.userAgent != "" {
		opts.defaultHeaders.Set("User-Agent", opts.userAgent)
	} else if !opts.defaultHeaders.Has("User-Agent") {
		opts.defaultHeaders.Set("User-Agent", "httprelay/"+Version)
	}
	if opts.dialer == nil {
		opts.dialer = defaultDialer.DialContext
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	if opts.proxies == nil {
		opts.proxies = ProxyFromEnvironment()
	}
	if opts.proxies == nil {
		opts.proxies = &ProxyConfig{}
	}
	if !opts.jarSet {
		opts.jar = cookiejar.NewMemory()
	}
	if !opts.maxReconnectSet {
		opts.maxReconnect = 1
	}
	if opts.baseLag == 0 {
		opts.baseLag = 2 * time.Second
	}
	if !opts.maxRedirectsSet {
		opts.maxRedirects = 10
	}
}
