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
	"net"
	"net/url"

	"github.com/bufbuild/httprelay"
)

// A RequestContext carries the facts about an inbound request that header
// middleware may consult. Middleware must treat it as read-only; only the
// headers it is handed are mutable.
type RequestContext struct {
	// RemoteAddr is the downstream peer's network address.
	RemoteAddr string
	// Method is the inbound request method.
	Method string
	// Target is the absolute URL the request will be relayed to.
	Target *url.URL
}

// HeaderMiddleware adjusts the header set of a request before it is
// relayed upstream. Middleware runs in registration order and may add or
// overwrite fields; the method and target are fixed by the time it runs.
type HeaderMiddleware interface {
	Apply(reqCtx *RequestContext, headers *httprelay.Headers)
}

// HeaderMiddlewareFunc adapts a plain function to HeaderMiddleware.
type HeaderMiddlewareFunc func(reqCtx *RequestContext, headers *httprelay.Headers)

func (f HeaderMiddlewareFunc) Apply(reqCtx *RequestContext, headers *httprelay.Headers) {
	f(reqCtx, headers)
}

// XForwardedFor returns middleware that records the downstream peer in
// the X-Forwarded-For header, appending to any value already present so
// chained proxies accumulate the full path.
func XForwardedFor() HeaderMiddleware {
	return xForwardedFor{}
}

type xForwardedFor struct{}

func (xForwardedFor) Apply(reqCtx *RequestContext, headers *httprelay.Headers) {
	host, _, err := net.SplitHostPort(reqCtx.RemoteAddr)
	if err != nil {
		host = reqCtx.RemoteAddr
	}
	if prior := headers.Get("X-Forwarded-For"); prior != "" {
		headers.Set("X-Forwarded-For", prior+", "+host)
		return
	}
	headers.Set("X-Forwarded-For", host)
}

// UserAgentOverride returns middleware that replaces the User-Agent
// header on every relayed request.
func UserAgentOverride(agent string) HeaderMiddleware {
	return userAgentOverride{agent: agent}
}

type userAgentOverride struct {
	agent string
}

func (m userAgentOverride) Apply(_ *RequestContext, headers *httprelay.Headers) {
	headers.Set("User-Agent", m.agent)
}
