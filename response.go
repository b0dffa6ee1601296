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
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"

	"github.com/bufbuild/httprelay/httparse"
)

// ResponseState is the lifecycle position of a Response.
type ResponseState int

const (
	// StatePending means no bytes have been parsed yet.
	StatePending ResponseState = iota
	// StateHeadersReceived means the status line and headers are available.
	StateHeadersReceived
	// StateStreamingBody means body bytes are arriving.
	StateStreamingBody
	// StateComplete means the message was fully received. Terminal.
	StateComplete
	// StateErrored absorbs any prior state on transport failure or parse
	// violation. Terminal.
	StateErrored
)

func (s ResponseState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateHeadersReceived:
		return "headers-received"
	case StateStreamingBody:
		return "streaming-body"
	case StateComplete:
		return "complete"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// A Response is both the per-request consumer that parses bytes arriving
// on a connection and the handle through which callers observe the result.
// Handles resolve exactly once: on completion of the message, on terminal
// failure, or, when a follow-up request such as a redirect hop was spawned
// on their behalf, when that follow-up resolves.
type Response struct {
	client  *Client
	request *Request

	mu          sync.Mutex
	state       ResponseState
	statusCode  int
	reason      string
	rawHeaders  *Headers // as parsed, hop-by-hop included; reuse policy reads this
	headers     *Headers // external view, hop-by-hop stripped
	err         error
	conn        *conn // loaned for the current attempt only
	resolved    bool
	finalResp   *Response
	prior       *Response // hop that chained to this one
	history     []*Response
	bodyBuf     bytes.Buffer
	decodedBody []byte
	decodedErr  error
	decodedOnce bool

	parser        *httparse.Parser
	bytesReceived int64 // bytes fed during the current attempt
	attempts      int   // reconnects consumed so far

	onHeaders []func(*Response)
	onBody    func([]byte)
	bodySink  io.Writer
	onResolve func()
	divert    bool // redirect hop: body goes to the buffer, not the sink

	headersOnce  sync.Once
	headersReady chan struct{}
	doneOnce     sync.Once
	done         chan struct{}
}

func newResponse(client *Client, req *Request) *Response {
	return &Response{
		client:       client,
		request:      req,
		rawHeaders:   &Headers{},
		headers:      &Headers{},
		headersReady: make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Request returns the descriptor this response answers.
func (r *Response) Request() *Request {
	return r.request
}

// State returns the current lifecycle state.
func (r *Response) State() ResponseState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// StatusCode returns the parsed status code, or zero before headers arrive.
func (r *Response) StatusCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusCode
}

// Reason returns the status reason phrase.
func (r *Response) Reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// Headers returns the externally visible response headers: the parsed set
// with hop-by-hop fields stripped. It is empty until HeadersReady fires.
func (r *Response) Headers() *Headers {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headers
}

// RawHeaders returns the headers exactly as parsed, hop-by-hop fields
// included. Connection-reuse policy consults this view.
func (r *Response) RawHeaders() *Headers {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rawHeaders
}

// Err returns the terminal error for this hop, if any.
func (r *Response) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// History returns the prior hops that led to this response, oldest first.
func (r *Response) History() []*Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	history := make([]*Response, len(r.history))
	copy(history, r.history)
	return history
}

// Final returns the handle holding the end of the chain: r itself unless
// a follow-up request was spawned on r's behalf.
func (r *Response) Final() *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalResp != nil {
		return r.finalResp
	}
	return r
}

// HeadersReady returns a channel closed once headers are available (or the
// response fails before any arrive). Callers may begin consuming a
// response before its body is fully received.
func (r *Response) HeadersReady() <-chan struct{} {
	return r.headersReady
}

// Done returns a channel closed once the handle resolves, including any
// follow-up requests spawned on its behalf.
func (r *Response) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the handle resolves or ctx expires. It returns the
// handle holding the final result, which is r itself unless the request
// was re-issued, along with that handle's terminal error, if any.
func (r *Response) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	final := r.Final()
	return final, final.Err()
}

// Body returns the buffered message body. When decompression is enabled
// and the response declared a gzip, deflate, or br content encoding, the
// returned bytes are decoded. Streaming consumers that set a body sink
// receive raw transfer bytes instead, and Body returns nothing.
func (r *Response) Body() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateComplete {
		if r.err != nil {
			return nil, r.err
		}
		return nil, ErrResponseNotComplete
	}
	if !r.decodedOnce {
		r.decodedOnce = true
		r.decodedBody, r.decodedErr = decodeBody(
			r.bodyBuf.Bytes(),
			r.rawHeaders.Get("Content-Encoding"),
			r.request != nil && r.request.decompress,
		)
	}
	return r.decodedBody, r.decodedErr
}

// Text returns the body decoded to UTF-8 using the charset named by the
// Content-Type header, defaulting to UTF-8 passthrough.
func (r *Response) Text() (string, error) {
	body, err := r.Body()
	if err != nil {
		return "", err
	}
	reader, err := charset.NewReader(bytes.NewReader(body), r.Headers().Get("Content-Type"))
	if err != nil {
		return "", fmt.Errorf("httprelay: decode body text: %w", err)
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("httprelay: decode body text: %w", err)
	}
	return string(decoded), nil
}

// JSON unmarshals the body into v.
func (r *Response) JSON(v any) error {
	body, err := r.Body()
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func decodeBody(body []byte, contentEncoding string, decompress bool) ([]byte, error) {
	if !decompress || len(body) == 0 {
		return body, nil
	}
	var reader io.Reader
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip":
		gzReader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("httprelay: gzip body: %w", err)
		}
		defer gzReader.Close()
		reader = gzReader
	case "deflate":
		// Servers disagree about whether deflate means zlib-wrapped or
		// raw; try zlib first and fall back.
		zReader, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			reader = flate.NewReader(bytes.NewReader(body))
		} else {
			defer zReader.Close()
			reader = zReader
		}
	case "br":
		reader = brotli.NewReader(bytes.NewReader(body))
	default:
		return body, nil
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("httprelay: decompress body: %w", err)
	}
	return decoded, nil
}

// startAttempt arms the consumer for one attempt on conn c: fresh parser,
// fresh byte count. The read loop feeds bytes in; the caller writes the
// encoded request out.
func (r *Response) startAttempt(c *conn) {
	parser := httparse.NewResponseParser()
	parser.SkipBody = r.request.method == "HEAD"
	r.mu.Lock()
	r.conn = c
	r.parser = parser
	r.bytesReceived = 0
	r.mu.Unlock()
}

// receive implements the connection's receiver contract by feeding the
// parser. A parser that cannot consume the entire chunk is a protocol
// violation and fails the response immediately.
func (r *Response) receive(data []byte) error {
	r.mu.Lock()
	r.bytesReceived += int64(len(data))
	parser := r.parser
	r.mu.Unlock()

	for {
		consumed, err := parser.Feed(data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		data = data[consumed:]

		if parser.HeadersComplete() && parser.StatusCode()/100 == 1 && parser.StatusCode() != 101 {
			// Interim response. A 100 releases a body held back behind
			// Expect: 100-continue; then parsing restarts for the real
			// response with whatever bytes followed.
			if parser.StatusCode() == 100 {
				if body := r.request.takePendingBody(); body != nil {
					if err := r.writeToConn(body); err != nil {
						return err
					}
				}
			}
			parser.Reset()
			if len(data) == 0 {
				return nil
			}
			continue
		}

		if parser.HeadersComplete() {
			r.signalHeaders(parser)
		}
		if body := parser.RecvBody(); len(body) > 0 {
			if err := r.deliverBody(body); err != nil {
				return err
			}
		}
		if parser.MessageComplete() {
			if len(data) > 0 {
				return fmt.Errorf("%w: %d bytes past end of message",
					ErrProtocolViolation, len(data))
			}
			r.finishMessage()
			return nil
		}
		if len(data) == 0 {
			return nil
		}
		if consumed == 0 {
			return ErrProtocolViolation
		}
	}
}

// receiveEOF implements the receiver contract for end of stream. A
// close-delimited body ends cleanly here; anything else is reported as a
// transport failure by the read loop.
func (r *Response) receiveEOF() error {
	r.mu.Lock()
	parser := r.parser
	r.mu.Unlock()
	if parser == nil {
		return io.EOF
	}
	if err := parser.FeedEOF(); err != nil {
		return err
	}
	if body := parser.RecvBody(); len(body) > 0 {
		if err := r.deliverBody(body); err != nil {
			return err
		}
	}
	if parser.MessageComplete() {
		r.finishMessage()
	}
	return nil
}

// signalHeaders transitions to HeadersReceived exactly once: captures
// status and headers, builds the hop-stripped external view, then fires
// header listeners before any body bytes are delivered.
func (r *Response) signalHeaders(parser *httparse.Parser) {
	r.mu.Lock()
	if r.state != StatePending {
		r.mu.Unlock()
		return
	}
	r.state = StateHeadersReceived
	r.statusCode = parser.StatusCode()
	r.reason = parser.Reason()
	raw := &Headers{}
	for _, pair := range parser.Headers() {
		raw.Add(pair.Name, pair.Value)
	}
	r.rawHeaders = raw
	r.headers = raw.StripHopByHop()
	// A hop about to be followed keeps its body out of the caller's
	// streaming listeners; only the landing response streams.
	r.divert = r.request != nil && r.request.allowRedirects &&
		isRedirectStatus(r.statusCode) && r.headers.Has("Location")
	callbacks := r.onHeaders
	r.mu.Unlock()

	r.headersOnce.Do(func() { close(r.headersReady) })
	for _, callback := range callbacks {
		callback(r)
	}
}

func (r *Response) deliverBody(body []byte) error {
	r.mu.Lock()
	if r.state == StateHeadersReceived {
		r.state = StateStreamingBody
	}
	onBody := r.onBody
	sink := r.bodySink
	if r.divert {
		onBody = nil
		sink = nil
	}
	if onBody == nil && sink == nil {
		r.bodyBuf.Write(body)
	}
	r.mu.Unlock()

	if onBody != nil {
		onBody(body)
	}
	if sink != nil {
		if _, err := sink.Write(body); err != nil {
			return fmt.Errorf("httprelay: body sink: %w", err)
		}
	}
	return nil
}

// finishMessage marks the hop complete and runs the post-request chain in
// order: redirect decision first, then connection release, then handle
// resolution. Releasing after the redirect decision keeps the connection
// from being reused mid-hook.
func (r *Response) finishMessage() {
	r.mu.Lock()
	if r.state == StateComplete || r.state == StateErrored {
		r.mu.Unlock()
		return
	}
	r.state = StateComplete
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	var followUp func()
	if r.client != nil {
		followUp = r.client.afterResponse(r)
	}
	if conn != nil {
		conn.finishRequest(r)
	}
	if followUp != nil {
		followUp()
		return
	}
	r.resolve(nil)
}

// finishEstablished completes a CONNECT response: 200 semantics, no body,
// and the connection stays attached for the bridge to claim.
func (r *Response) finishEstablished() {
	r.mu.Lock()
	if r.state == StateComplete || r.state == StateErrored {
		r.mu.Unlock()
		return
	}
	r.state = StateComplete
	r.statusCode = 200
	r.reason = "Connection established"
	r.mu.Unlock()

	r.headersOnce.Do(func() { close(r.headersReady) })
	r.resolve(nil)
}

// fail moves the response to Errored from any prior state. Listeners
// waiting on headers are released; the handle resolves with err.
func (r *Response) fail(err error) {
	r.mu.Lock()
	if r.state == StateComplete || r.state == StateErrored {
		r.mu.Unlock()
		return
	}
	r.state = StateErrored
	r.err = err
	r.conn = nil
	r.mu.Unlock()

	r.headersOnce.Do(func() { close(r.headersReady) })
	r.resolve(err)
}

// resolve closes the handle exactly once and walks any chained prior hops
// so that every handle in the chain observes the final result.
func (r *Response) resolve(err error) {
	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return
	}
	r.resolved = true
	if r.err == nil {
		r.err = err
	}
	prior := r.prior
	final := r.finalResp
	if final == nil {
		final = r
	}
	onResolve := r.onResolve
	r.mu.Unlock()

	r.doneOnce.Do(func() { close(r.done) })
	if onResolve != nil {
		onResolve()
	}
	if prior != nil {
		prior.resolveAs(final)
	}
}

func (r *Response) resolveAs(final *Response) {
	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return
	}
	r.resolved = true
	r.finalResp = final
	prior := r.prior
	onResolve := r.onResolve
	r.mu.Unlock()

	r.headersOnce.Do(func() { close(r.headersReady) })
	r.doneOnce.Do(func() { close(r.done) })
	if onResolve != nil {
		onResolve()
	}
	if prior != nil {
		prior.resolveAs(final)
	}
}

// chainTo links next as the follow-up attempt for r: next inherits r's
// history plus r itself, and r's handle resolves only once next does.
func (r *Response) chainTo(next *Response) {
	r.mu.Lock()
	history := make([]*Response, 0, len(r.history)+1)
	history = append(history, r.history...)
	history = append(history, r)
	r.mu.Unlock()

	next.mu.Lock()
	next.history = history
	next.prior = r
	next.mu.Unlock()
}

// currentConn returns the connection loaned for the in-flight attempt.
func (r *Response) currentConn() *conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// hijackConn transfers the established CONNECT connection to the caller,
// detaching it from the response. It is valid only once, on a completed
// CONNECT response.
func (r *Response) hijackConn() *conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.conn
	r.conn = nil
	return conn
}

func (r *Response) writeToConn(data []byte) error {
	conn := r.currentConn()
	if conn == nil {
		return &TransportError{Op: "write", Err: io.ErrClosedPipe}
	}
	return conn.write(data)
}

// receivedBytes reports how many bytes arrived during the current
// attempt; the reconnect policy only replays attempts that received none.
func (r *Response) receivedBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytesReceived
}

// nextAttempt consumes one unit of the reconnect budget, returning the
// one-based ordinal of the replay attempt and whether it may proceed.
func (r *Response) nextAttempt(budget int) (attempt int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempts >= budget {
		return 0, false
	}
	r.attempts++
	return r.attempts, true
}

// isTerminal reports whether this hop finished parsing or failed.
func (r *Response) isTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateComplete || r.state == StateErrored
}
