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

// Package cookiejar provides cookie storage for HTTP clients: an
// in-memory jar for single-process use and a bolt-backed jar that
// persists cookies across restarts.
package cookiejar

import (
	"net/http"
	"net/url"
	"strings"
)

// Jar manages storage and replay of cookies for HTTP requests.
// Implementations must be safe for concurrent use by multiple goroutines.
type Jar interface {
	http.CookieJar

	// CookieString returns the Cookie request-header value to send for u.
	CookieString(u *url.URL) string
	// SetCookieString stores cookies for u from Set-Cookie header values.
	SetCookieString(u *url.URL, setCookies ...string)
	// RemoveAll drops the cookies that would be sent for u.
	RemoveAll(u *url.URL)
}

// ParseSetCookies parses Set-Cookie header values into cookies,
// discarding unparseable ones.
func ParseSetCookies(values ...string) []*http.Cookie {
	header := http.Header{}
	for _, value := range values {
		header.Add("Set-Cookie", value)
	}
	response := http.Response{Header: header}
	return response.Cookies()
}

// ParseCookieString parses a Cookie request-header value such as
// "a=1; b=2" into cookies.
func ParseCookieString(s string) []*http.Cookie {
	request := http.Request{Header: http.Header{"Cookie": []string{s}}}
	return request.Cookies()
}

// CookieString formats cookies as a Cookie request-header value.
func CookieString(cookies []*http.Cookie) string {
	if len(cookies) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(cookies))
	for _, cookie := range cookies {
		pairs = append(pairs, cookie.Name+"="+cookie.Value)
	}
	return strings.Join(pairs, "; ")
}
