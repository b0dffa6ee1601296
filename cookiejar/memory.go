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

package cookiejar

import (
	"net/http"
	stdjar "net/http/cookiejar"
	"net/url"
)

// Memory is a Jar holding cookies in process memory, with standard
// domain, path, and expiry matching.
type Memory struct {
	jar *stdjar.Jar
}

var _ Jar = (*Memory)(nil)

// NewMemory returns an empty in-memory jar.
func NewMemory() *Memory {
	jar, _ := stdjar.New(nil)
	return &Memory{jar: jar}
}

// SetCookies stores cookies received in a reply from u.
func (m *Memory) SetCookies(u *url.URL, cookies []*http.Cookie) {
	m.jar.SetCookies(u, cookies)
}

// Cookies returns the cookies to send in a request for u.
func (m *Memory) Cookies(u *url.URL) []*http.Cookie {
	return m.jar.Cookies(u)
}

// CookieString returns the Cookie request-header value to send for u.
func (m *Memory) CookieString(u *url.URL) string {
	return CookieString(m.jar.Cookies(u))
}

// SetCookieString stores cookies for u from Set-Cookie header values.
func (m *Memory) SetCookieString(u *url.URL, setCookies ...string) {
	m.jar.SetCookies(u, ParseSetCookies(setCookies...))
}

// RemoveAll drops the cookies that would be sent for u by overwriting
// each with an expired copy.
func (m *Memory) RemoveAll(u *url.URL) {
	current := m.jar.Cookies(u)
	expired := make([]*http.Cookie, 0, len(current))
	for _, cookie := range current {
		expired = append(expired, &http.Cookie{
			Name:   cookie.Name,
			Value:  "",
			MaxAge: -1,
		})
	}
	m.jar.SetCookies(u, expired)
}
