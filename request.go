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
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/text/transform"
)

// encodeURLMethods hold their payload in the query string, not in a body.
var encodeURLMethods = map[string]bool{
	"DELETE":  true,
	"GET":     true,
	"HEAD":    true,
	"OPTIONS": true,
}

// endpoint identifies the pool that serves a request. Distinct endpoints
// never share a pool.
type endpoint struct {
	scheme   string
	hostPort string
	timeout  time.Duration
}

func (e endpoint) String() string {
	if e.timeout == 0 {
		return e.scheme + "://" + e.hostPort
	}
	return fmt.Sprintf("%s://%s (timeout %v)", e.scheme, e.hostPort, e.timeout)
}

// A FormFile is one file part of a multipart upload.
type FormFile struct {
	// Field is the form field name of the part.
	Field string
	// Name is the file name reported in the part's disposition.
	Name string
	// ContentType optionally overrides the part's content type.
	ContentType string
	// Data is the part's payload.
	Data []byte
}

// A Request describes one outbound HTTP request attempt. Requests are
// built by a Client; once encoded to wire bytes the descriptor is frozen
// for that attempt. A reconnect replays the same descriptor; a redirect
// or Again builds a new one.
type Request struct {
	method string
	target *url.URL
	proto  string

	// headers are carried across redirect hops unless overridden;
	// unredirected headers are set per attempt by policy (cookies, auth)
	// and never copied to the next hop.
	headers      *Headers
	unredirected *Headers

	data  any
	files []FormFile

	charset           string
	multipart         bool
	multipartBoundary string
	waitContinue      bool

	timeout        time.Duration
	tlsConfig      *tls.Config
	proxyURL       *url.URL
	allowRedirects bool
	maxRedirects   int
	redirectCount  int
	decompress     bool

	encoded      []byte // wire bytes for this attempt, cached for replay
	pendingBody  []byte // body withheld behind Expect: 100-continue
	encodingDone bool
}

// Method returns the request method, uppercased.
func (r *Request) Method() string {
	return r.method
}

// URL returns the parsed request target.
func (r *Request) URL() *url.URL {
	return r.target
}

// Headers returns the ordinary header set. Mutations are only observed
// before the request is encoded.
func (r *Request) Headers() *Headers {
	return r.headers
}

// UnredirectedHeaders returns the per-attempt header set. These fields
// are resent on every hop by whichever policy owns them and are never
// carried from a prior hop.
func (r *Request) UnredirectedHeaders() *Headers {
	return r.unredirected
}

// Proto returns the protocol version used on the request line.
func (r *Request) Proto() string {
	return r.proto
}

// Timeout returns the endpoint timeout the request was built with.
func (r *Request) Timeout() time.Duration {
	return r.timeout
}

// ProxyURL returns the forward proxy this request routes through, or nil
// when the request goes directly to its origin.
func (r *Request) ProxyURL() *url.URL {
	return r.proxyURL
}

// RedirectCount returns how many redirect hops preceded this request.
func (r *Request) RedirectCount() int {
	return r.redirectCount
}

func (r *Request) key() endpoint {
	return endpoint{
		scheme:   r.target.Scheme,
		hostPort: hostPortOf(r.target),
		timeout:  r.timeout,
	}
}

// dialAddress is the TCP address the connection dials: the proxy when one
// applies, the origin otherwise. CONNECT requests dial their authority
// target directly.
func (r *Request) dialAddress() string {
	if r.method == "CONNECT" {
		return r.target.Host
	}
	if r.proxyURL != nil {
		return hostPortOfProxy(r.proxyURL)
	}
	return hostPortOf(r.target)
}

// needsTunnel reports whether establishment must send a CONNECT handshake
// to the proxy before the TLS handshake with the origin.
func (r *Request) needsTunnel() bool {
	return r.proxyURL != nil && r.target.Scheme == "https"
}

// isTLS reports whether the origin leg of the connection speaks TLS. The
// CONNECT method itself never does; it relays opaque bytes.
func (r *Request) isTLS() bool {
	return r.method != "CONNECT" && r.target.Scheme == "https"
}

// Encode produces the wire bytes for this attempt: body first (its length
// decides the Content-Length header), then the request line, then the
// merged header block. CONNECT requests encode to nothing at all; their
// handshake is transport-level. The result is computed once and reused
// when the attempt is replayed after a reconnect.
func (r *Request) Encode() ([]byte, error) {
	if r.encodingDone {
		return r.encoded, nil
	}
	if r.method == "CONNECT" {
		r.encodingDone = true
		return nil, nil
	}

	body, err := r.encodeBody()
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		r.headers.Set("Content-Length", strconv.Itoa(len(body)))
		if r.waitContinue {
			r.headers.Set("Expect", "100-continue")
			r.pendingBody = body
			body = nil
		}
	}

	var buf bytes.Buffer
	buf.WriteString(r.method)
	buf.WriteByte(' ')
	buf.WriteString(r.requestTarget())
	buf.WriteByte(' ')
	buf.WriteString(r.proto)
	buf.WriteString("\r\n")

	merged := r.unredirected.Clone()
	merged.Update(r.headers)
	if !merged.Has("Host") {
		merged.Set("Host", r.target.Host)
	}
	if _, err := merged.WriteTo(&buf); err != nil {
		return nil, err
	}
	buf.WriteString("\r\n")
	buf.Write(body)

	r.encoded = buf.Bytes()
	r.encodingDone = true
	return r.encoded, nil
}

// takePendingBody returns the body withheld behind Expect: 100-continue,
// at most once.
func (r *Request) takePendingBody() []byte {
	body := r.pendingBody
	r.pendingBody = nil
	return body
}

// hasPendingBody reports whether a withheld body was never flushed. A
// server that answered without the interim 100 leaves the connection
// mid-request, so it must not be reused.
func (r *Request) hasPendingBody() bool {
	return r.pendingBody != nil
}

func (r *Request) requestTarget() string {
	if r.proxyURL != nil && !r.needsTunnel() {
		// Absolute form for a proxied plain-http request.
		return r.target.String()
	}
	target := r.target.EscapedPath()
	if target == "" {
		target = "/"
	}
	if r.target.RawQuery != "" {
		target += "?" + r.target.RawQuery
	}
	return target
}

// encodeBody runs the payload through the encoding chain and returns the
// final body bytes. Query-encodable methods fold their payload into the
// query string instead and return nothing.
func (r *Request) encodeBody() ([]byte, error) {
	if encodeURLMethods[r.method] {
		r.files = nil
		return nil, r.encodeQuery()
	}
	switch data := r.data.(type) {
	case nil:
		if len(r.files) == 0 {
			return nil, nil
		}
	case []byte:
		return data, nil
	case io.Reader:
		return io.ReadAll(data)
	case string:
		return encodeText(data, r.charset)
	}

	contentType := strings.ToLower(r.headers.Get("Content-Type"))
	switch {
	case len(r.files) > 0:
		return r.encodeMultipart()
	case r.multipart && contentType == "":
		// The multipart preference only claims form-shaped payloads;
		// anything else falls through to the JSON default.
		if _, ok := asFormValues(r.data); ok {
			return r.encodeMultipart()
		}
	case contentType == "" || strings.HasPrefix(contentType, "application/x-www-form-urlencoded"):
		values, ok := asFormValues(r.data)
		if !ok {
			break
		}
		if contentType == "" {
			r.headers.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		return []byte(values.Encode()), nil
	}
	encoded, err := json.Marshal(r.data)
	if err != nil {
		return nil, fmt.Errorf("httprelay: cannot encode request body: %w", err)
	}
	if !r.headers.Has("Content-Type") {
		r.headers.Set("Content-Type", "application/json")
	}
	return encoded, nil
}

// encodeQuery folds the payload into the query string: structured data is
// url-encoded, strings are taken as pre-encoded query fragments, raw
// bytes as their string form.
func (r *Request) encodeQuery() error {
	var fragment string
	switch data := r.data.(type) {
	case nil:
		return nil
	case string:
		fragment = data
	case []byte:
		fragment = string(data)
	default:
		values, ok := asFormValues(r.data)
		if !ok {
			return fmt.Errorf("httprelay: cannot fold %T into a query string", r.data)
		}
		fragment = values.Encode()
	}
	r.data = nil
	if fragment == "" {
		return nil
	}
	if r.target.RawQuery != "" {
		r.target.RawQuery += "&" + fragment
	} else {
		r.target.RawQuery = fragment
	}
	return nil
}

func (r *Request) encodeMultipart() ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if r.multipartBoundary != "" {
		if err := writer.SetBoundary(r.multipartBoundary); err != nil {
			return nil, fmt.Errorf("httprelay: bad multipart boundary: %w", err)
		}
	}
	if r.data != nil {
		values, ok := asFormValues(r.data)
		if !ok {
			return nil, fmt.Errorf("httprelay: cannot encode %T as multipart fields", r.data)
		}
		for _, name := range sortedKeys(values) {
			for _, value := range values[name] {
				if err := writer.WriteField(name, value); err != nil {
					return nil, err
				}
			}
		}
	}
	for _, file := range r.files {
		part, err := createFilePart(writer, file)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(file.Data); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	r.headers.Set("Content-Type", writer.FormDataContentType())
	return buf.Bytes(), nil
}

func createFilePart(writer *multipart.Writer, file FormFile) (io.Writer, error) {
	if file.ContentType == "" {
		return writer.CreateFormFile(file.Field, file.Name)
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name=%q; filename=%q`, file.Field, file.Name))
	header.Set("Content-Type", file.ContentType)
	return writer.CreatePart(header)
}

// encodeText converts a string payload to bytes in the requested charset.
// UTF-8 (and the empty label) pass through unchanged.
func encodeText(text, label string) ([]byte, error) {
	if label == "" || strings.EqualFold(label, "utf-8") {
		return []byte(text), nil
	}
	encoding, _ := charset.Lookup(label)
	if encoding == nil {
		return nil, fmt.Errorf("httprelay: unsupported charset %q", label)
	}
	encoded, _, err := transform.Bytes(encoding.NewEncoder(), []byte(text))
	if err != nil {
		return nil, fmt.Errorf("httprelay: charset %q: %w", label, err)
	}
	return encoded, nil
}

func asFormValues(data any) (url.Values, bool) {
	switch values := data.(type) {
	case nil:
		return url.Values{}, true
	case url.Values:
		return values, true
	case map[string][]string:
		return url.Values(values), true
	case map[string]string:
		converted := make(url.Values, len(values))
		for name, value := range values {
			converted.Set(name, value)
		}
		return converted, true
	default:
		return nil, false
	}
}

func sortedKeys(values url.Values) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func hostPortOf(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

func hostPortOfProxy(proxyURL *url.URL) string {
	if proxyURL.Port() != "" {
		return proxyURL.Host
	}
	return net.JoinHostPort(proxyURL.Hostname(), "80")
}

// newRequest builds a descriptor from the client's resolved options plus
// per-request overrides. It is the only constructor; every request path,
// including redirects and Again, funnels through it.
func newRequest(opts *clientOptions, reqOpts *requestOptions, method, target string) (*Request, error) {
	method = strings.ToUpper(method)
	if method == "CONNECT" {
		// CONNECT targets arrive in authority form (host:port); accept a
		// full URL too and reduce it to its authority.
		hostPort := target
		if parsed, err := url.Parse(target); err == nil && parsed.Host != "" &&
			(parsed.Scheme == "http" || parsed.Scheme == "https") {
			hostPort = parsed.Host
		}
		if hostPort == "" {
			return nil, fmt.Errorf("httprelay: CONNECT target %q has no authority", target)
		}
		req := &Request{
			method:       method,
			target:       &url.URL{Scheme: "http", Host: hostPort},
			proto:        "HTTP/1.1",
			headers:      &Headers{},
			unredirected: &Headers{},
			timeout:      opts.timeout,
		}
		if reqOpts.timeoutSet {
			req.timeout = reqOpts.timeout
		}
		return req, nil
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("httprelay: invalid request target %q: %w", target, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("httprelay: unsupported URL scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("httprelay: request target %q has no host", target)
	}

	req := &Request{
		method:            method,
		target:            parsed,
		proto:             "HTTP/1.1",
		headers:           opts.defaultHeaders.Clone(),
		unredirected:      &Headers{},
		charset:           reqOpts.charset,
		multipart:         opts.encodeMultipart || reqOpts.multipart,
		multipartBoundary: opts.multipartBoundary,
		waitContinue:      reqOpts.waitContinue,
		timeout:           opts.timeout,
		tlsConfig:         opts.tlsConfig,
		allowRedirects:    opts.allowRedirects,
		maxRedirects:      opts.maxRedirects,
		decompress:        opts.decompress,
		data:              reqOpts.data,
		files:             reqOpts.files,
	}
	if reqOpts.timeoutSet {
		req.timeout = reqOpts.timeout
	}
	if reqOpts.allowRedirectsSet {
		req.allowRedirects = reqOpts.allowRedirects
	}
	if reqOpts.headers != nil {
		if err := validateHeaders(reqOpts.headers); err != nil {
			return nil, err
		}
		req.headers.Update(reqOpts.headers)
	}

	if method != "CONNECT" {
		proxyURL, err := opts.proxies.proxyFor(parsed.Scheme, parsed.Hostname())
		if err != nil {
			return nil, err
		}
		req.proxyURL = proxyURL
	}
	return req, nil
}

// nextRequest derives the descriptor for a follow-up attempt: ordinary
// headers and payload carry over (unless overridden), unredirected headers
// do not, and the redirect count advances when following a Location. The
// proxy decision is re-resolved because the hop may land on a different
// host, including one exempted by NoProxy.
func nextRequest(opts *clientOptions, prior *Request, reqOpts *requestOptions, asRedirect bool) (*Request, error) {
	next := &Request{
		method:            prior.method,
		target:            prior.target,
		proto:             prior.proto,
		headers:           prior.headers.Clone(),
		unredirected:      &Headers{},
		data:              prior.data,
		files:             prior.files,
		charset:           prior.charset,
		multipart:         prior.multipart,
		multipartBoundary: prior.multipartBoundary,
		timeout:           prior.timeout,
		tlsConfig:         prior.tlsConfig,
		proxyURL:          prior.proxyURL,
		allowRedirects:    prior.allowRedirects,
		maxRedirects:      prior.maxRedirects,
		redirectCount:     prior.redirectCount,
		decompress:        prior.decompress,
	}
	if asRedirect {
		next.redirectCount++
	}
	// The prior attempt's encode may have frozen derived headers
	// (Content-Length, Expect); recompute them from the payload.
	next.headers.Del("Content-Length")
	next.headers.Del("Expect")
	if reqOpts != nil {
		if reqOpts.method != "" {
			next.method = strings.ToUpper(reqOpts.method)
		}
		if reqOpts.url != nil {
			next.target = reqOpts.url
		}
		if reqOpts.dataSet {
			next.data = reqOpts.data
			next.files = reqOpts.files
		}
		if reqOpts.headers != nil {
			if err := validateHeaders(reqOpts.headers); err != nil {
				return nil, err
			}
			next.headers.Update(reqOpts.headers)
		}
		if reqOpts.timeoutSet {
			next.timeout = reqOpts.timeout
		}
		if reqOpts.allowRedirectsSet {
			next.allowRedirects = reqOpts.allowRedirects
		}
		if reqOpts.waitContinue {
			next.waitContinue = true
		}
	}
	if next.method != "CONNECT" {
		proxyURL, err := opts.proxies.proxyFor(next.target.Scheme, next.target.Hostname())
		if err != nil {
			return nil, err
		}
		next.proxyURL = proxyURL
	}
	return next, nil
}

func validateHeaders(headers *Headers) (err error) {
	headers.Range(func(name, value string) bool {
		if !httpguts.ValidHeaderFieldName(name) {
			err = fmt.Errorf("httprelay: invalid header name %q", name)
			return false
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			err = fmt.Errorf("httprelay: invalid header value for %s", name)
			return false
		}
		return true
	})
	return err
}
