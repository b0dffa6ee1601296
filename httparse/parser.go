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

// Package httparse implements an incremental, push-oriented HTTP/1.1 message
// parser. Callers feed it byte chunks as they arrive from a transport and
// inspect its state between feeds; the parser never reads from a socket
// itself. It parses either requests or responses, handles identity,
// chunked, and close-delimited bodies, and accumulates body bytes until
// they are flushed with RecvBody.
package httparse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Kind selects which side of the protocol a Parser reads.
type Kind int

const (
	// KindRequest parses request messages (a proxy's inbound side).
	KindRequest Kind = iota
	// KindResponse parses response messages (a client's inbound side).
	KindResponse
)

// DefaultMaxHeaderBytes caps the total size of the first line plus the
// header block unless the caller overrides it.
const DefaultMaxHeaderBytes = 1 << 20

// ErrHeaderTooLarge is returned by Feed when the first line and headers
// exceed the configured maximum.
var ErrHeaderTooLarge = errors.New("httparse: header block too large")

// A Pair is one header field as it appeared on the wire, order preserved.
type Pair struct {
	Name  string
	Value string
}

type parseState int

const (
	stateFirstLine parseState = iota
	stateHeader
	stateBodyIdentity
	stateBodyToEOF
	stateChunkSize
	stateChunkData
	stateChunkDataEnd
	stateTrailer
	stateDone
)

// Parser is a single-message push parser. It is not safe for concurrent
// use; one goroutine owns a parser at a time. A parser reads exactly one
// message; parse a subsequent message by calling Reset.
type Parser struct {
	// MaxHeaderBytes bounds the first line plus header block. Zero means
	// DefaultMaxHeaderBytes. Set before the first Feed.
	MaxHeaderBytes int

	// SkipBody declares that the message has no body regardless of its
	// headers, as for responses to HEAD requests. Set before the first Feed.
	SkipBody bool

	kind  Kind
	state parseState

	line        []byte
	headerBytes int

	method     string
	target     string
	protoMajor int
	protoMinor int
	statusCode int
	reason     string

	headers  []Pair
	trailers []Pair

	headersDone bool
	messageDone bool

	chunked       bool
	contentLength int64 // -1 when unknown
	remaining     int64 // bytes left in the identity body or current chunk

	body []byte
}

// NewRequestParser returns a parser for inbound request messages.
func NewRequestParser() *Parser {
	return &Parser{kind: KindRequest, contentLength: -1}
}

// NewResponseParser returns a parser for inbound response messages.
func NewResponseParser() *Parser {
	return &Parser{kind: KindResponse, contentLength: -1}
}

// Reset discards all parse state, keeping the kind and configuration, so
// the parser can read another message on the same transport.
func (p *Parser) Reset() {
	*p = Parser{
		MaxHeaderBytes: p.MaxHeaderBytes,
		SkipBody:       p.SkipBody,
		kind:           p.kind,
		contentLength:  -1,
	}
}

// Feed consumes data and advances the parse. It returns the number of
// bytes consumed; a short count without an error means the message ended
// before the chunk did, which callers should treat as a protocol fault on
// the transport that produced the bytes. A non-nil error means the bytes
// could not be parsed.
func (p *Parser) Feed(data []byte) (int, error) {
	consumed := 0
	for consumed < len(data) && p.state != stateDone {
		n, err := p.advance(data[consumed:])
		consumed += n
		if err != nil {
			return consumed, err
		}
	}
	return consumed, nil
}

// FeedEOF tells the parser the transport reached end of stream. A
// close-delimited body is completed by it; EOF anywhere else mid-message
// returns io.ErrUnexpectedEOF. EOF after completion is a no-op.
func (p *Parser) FeedEOF() error {
	switch p.state {
	case stateBodyToEOF:
		p.finishMessage()
		return nil
	case stateDone:
		return nil
	default:
		return io.ErrUnexpectedEOF
	}
}

// HeadersComplete reports whether the first line and all headers have been
// parsed. Status, headers, and framing accessors are valid once true.
func (p *Parser) HeadersComplete() bool {
	return p.headersDone
}

// MessageComplete reports whether the entire message has been parsed.
func (p *Parser) MessageComplete() bool {
	return p.messageDone
}

// StatusCode returns the response status, or zero before headers complete
// and for request parsers.
func (p *Parser) StatusCode() int {
	return p.statusCode
}

// Reason returns the response reason phrase, which may be empty.
func (p *Parser) Reason() string {
	return p.reason
}

// Method returns the request method, empty for response parsers.
func (p *Parser) Method() string {
	return p.method
}

// Target returns the request target exactly as sent, empty for response
// parsers. For CONNECT requests this is the authority form (host:port).
func (p *Parser) Target() string {
	return p.target
}

// Proto returns the major and minor protocol version from the first line.
func (p *Parser) Proto() (major, minor int) {
	return p.protoMajor, p.protoMinor
}

// Headers returns the header fields in wire order, duplicates preserved.
// The slice is owned by the parser; callers copy if they retain it.
func (p *Parser) Headers() []Pair {
	return p.headers
}

// Trailers returns trailer fields of a chunked message, if any.
func (p *Parser) Trailers() []Pair {
	return p.trailers
}

// IsChunked reports whether the body uses chunked transfer coding.
func (p *Parser) IsChunked() bool {
	return p.chunked
}

// ContentLength returns the declared body length, or -1 when the body is
// chunked or close-delimited.
func (p *Parser) ContentLength() int64 {
	return p.contentLength
}

// RecvBody flushes and returns the body bytes accumulated since the last
// call. It returns nil when nothing arrived in between.
func (p *Parser) RecvBody() []byte {
	body := p.body
	p.body = nil
	return body
}

func (p *Parser) advance(data []byte) (int, error) {
	switch p.state {
	case stateFirstLine, stateHeader, stateChunkSize, stateChunkDataEnd, stateTrailer:
		line, n, complete, err := p.takeLine(data)
		if err != nil || !complete {
			return n, err
		}
		return n, p.handleLine(line)
	case stateBodyIdentity, stateChunkData:
		n := int64(len(data))
		if n > p.remaining {
			n = p.remaining
		}
		p.body = append(p.body, data[:n]...)
		p.remaining -= n
		if p.remaining == 0 {
			if p.state == stateChunkData {
				p.state = stateChunkDataEnd
			} else {
				p.finishMessage()
			}
		}
		return int(n), nil
	case stateBodyToEOF:
		p.body = append(p.body, data...)
		return len(data), nil
	default:
		return 0, nil
	}
}

// takeLine accumulates bytes until a LF, returning the line with its
// terminating CRLF or LF removed. Header-block size accounting happens
// here so that any oversized line or block fails uniformly.
func (p *Parser) takeLine(data []byte) (line []byte, n int, complete bool, err error) {
	limit := p.MaxHeaderBytes
	if limit <= 0 {
		limit = DefaultMaxHeaderBytes
	}
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		p.line = append(p.line, data...)
		p.headerBytes += len(data)
		if p.headerBytes > limit {
			return nil, len(data), false, ErrHeaderTooLarge
		}
		return nil, len(data), false, nil
	}
	p.line = append(p.line, data[:idx+1]...)
	p.headerBytes += idx + 1
	if p.headerBytes > limit {
		return nil, idx + 1, false, ErrHeaderTooLarge
	}
	line = p.line
	p.line = nil
	line = line[:len(line)-1]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, idx + 1, true, nil
}

func (p *Parser) handleLine(line []byte) error {
	switch p.state {
	case stateFirstLine:
		// Tolerate leading blank lines before the first line, as servers
		// in the wild occasionally emit them between pipelined messages.
		if len(line) == 0 {
			return nil
		}
		if p.kind == KindRequest {
			return p.parseRequestLine(string(line))
		}
		return p.parseStatusLine(string(line))
	case stateHeader:
		if len(line) == 0 {
			return p.finishHeaders()
		}
		pair, err := parseHeaderLine(string(line))
		if err != nil {
			return err
		}
		p.headers = append(p.headers, pair)
		return nil
	case stateChunkSize:
		p.headerBytes = 0
		size, err := parseChunkSize(string(line))
		if err != nil {
			return err
		}
		if size == 0 {
			p.state = stateTrailer
			return nil
		}
		p.remaining = size
		p.state = stateChunkData
		return nil
	case stateChunkDataEnd:
		p.headerBytes = 0
		if len(line) != 0 {
			return fmt.Errorf("httparse: %d stray bytes after chunk data", len(line))
		}
		p.state = stateChunkSize
		return nil
	case stateTrailer:
		if len(line) == 0 {
			p.finishMessage()
			return nil
		}
		pair, err := parseHeaderLine(string(line))
		if err != nil {
			return err
		}
		p.trailers = append(p.trailers, pair)
		return nil
	default:
		return nil
	}
}

func (p *Parser) parseRequestLine(line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("httparse: malformed request line %q", line)
	}
	major, minor, ok := parseProto(parts[2])
	if !ok {
		return fmt.Errorf("httparse: malformed protocol version %q", parts[2])
	}
	p.method = parts[0]
	p.target = parts[1]
	p.protoMajor, p.protoMinor = major, minor
	p.state = stateHeader
	return nil
}

func (p *Parser) parseStatusLine(line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return fmt.Errorf("httparse: malformed status line %q", line)
	}
	major, minor, ok := parseProto(parts[0])
	if !ok {
		return fmt.Errorf("httparse: malformed protocol version %q", parts[0])
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 999 {
		return fmt.Errorf("httparse: malformed status code %q", parts[1])
	}
	p.protoMajor, p.protoMinor = major, minor
	p.statusCode = code
	if len(parts) == 3 {
		p.reason = parts[2]
	}
	p.state = stateHeader
	return nil
}

func (p *Parser) finishHeaders() error {
	for _, pair := range p.headers {
		switch {
		case strings.EqualFold(pair.Name, "Transfer-Encoding"):
			if strings.Contains(strings.ToLower(pair.Value), "chunked") {
				p.chunked = true
			}
		case strings.EqualFold(pair.Name, "Content-Length"):
			length, err := strconv.ParseInt(strings.TrimSpace(pair.Value), 10, 64)
			if err != nil || length < 0 {
				return fmt.Errorf("httparse: malformed Content-Length %q", pair.Value)
			}
			p.contentLength = length
		}
	}
	p.headersDone = true
	// Chunk framing lines and the trailer block each get a fresh budget;
	// only the header block itself is bounded cumulatively.
	p.headerBytes = 0

	switch {
	case p.bodyForbidden():
		p.finishMessage()
	case p.chunked:
		p.state = stateChunkSize
	case p.contentLength > 0:
		p.remaining = p.contentLength
		p.state = stateBodyIdentity
	case p.contentLength == 0:
		p.finishMessage()
	case p.kind == KindRequest:
		// Requests without framing headers have no body.
		p.finishMessage()
	default:
		p.state = stateBodyToEOF
	}
	return nil
}

// bodyForbidden covers messages whose framing rules say no body follows
// the headers no matter what the headers claim.
func (p *Parser) bodyForbidden() bool {
	if p.SkipBody {
		return true
	}
	if p.kind != KindResponse {
		return false
	}
	return p.statusCode/100 == 1 || p.statusCode == 204 || p.statusCode == 304
}

func (p *Parser) finishMessage() {
	p.messageDone = true
	p.state = stateDone
}

func parseProto(s string) (major, minor int, ok bool) {
	const prefix = "HTTP/"
	if !strings.HasPrefix(s, prefix) {
		return 0, 0, false
	}
	rest := s[len(prefix):]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(rest[:dot])
	if err != nil || major < 0 {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(rest[dot+1:])
	if err != nil || minor < 0 {
		return 0, 0, false
	}
	return major, minor, true
}

func parseHeaderLine(line string) (Pair, error) {
	colon := strings.IndexByte(line, ':')
	if colon <= 0 {
		return Pair{}, fmt.Errorf("httparse: malformed header line %q", line)
	}
	name := line[:colon]
	if strings.ContainsAny(name, " \t") {
		return Pair{}, fmt.Errorf("httparse: whitespace in header name %q", name)
	}
	value := strings.Trim(line[colon+1:], " \t")
	return Pair{Name: name, Value: value}, nil
}

func parseChunkSize(line string) (int64, error) {
	if semi := strings.IndexByte(line, ';'); semi >= 0 {
		line = line[:semi]
	}
	line = strings.TrimSpace(line)
	size, err := strconv.ParseInt(line, 16, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("httparse: malformed chunk size %q", line)
	}
	return size, nil
}
