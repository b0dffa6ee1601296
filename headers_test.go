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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadersAddAndSet(t *testing.T) {
	t.Parallel()
	headers := &Headers{}
	headers.Add("set-cookie", "a=1")
	headers.Add("Set-Cookie", "b=2")
	headers.Add("Content-Type", "text/plain")

	assert.Equal(t, 3, headers.Len())
	assert.Equal(t, "a=1", headers.Get("SET-COOKIE"), "lookup is case-insensitive")
	assert.Equal(t, []string{"a=1", "b=2"}, headers.Values("set-cookie"))
	assert.True(t, headers.Has("content-type"))
	assert.Empty(t, headers.Get("Missing"))

	headers.Set("Set-Cookie", "c=3")
	assert.Equal(t, []string{
		"Set-Cookie: c=3",
		"Content-Type: text/plain",
	}, fieldsOf(headers), "Set keeps the first occurrence's position and drops later duplicates")

	headers.Set("X-New", "v")
	assert.Equal(t, "v", headers.Get("x-new"))
	assert.Equal(t, 3, headers.Len())

	headers.Del("set-COOKIE")
	assert.False(t, headers.Has("Set-Cookie"))
	assert.Equal(t, 2, headers.Len())
}

func TestHeadersContains(t *testing.T) {
	t.Parallel()
	headers := &Headers{}
	headers.Set("Connection", "Upgrade, Keep-Alive")

	assert.True(t, headers.Contains("connection", "keep-alive"))
	assert.True(t, headers.Contains("Connection", "upgrade"))
	assert.False(t, headers.Contains("Connection", "close"))
	assert.False(t, headers.Contains("Missing", "anything"))
}

func TestHeadersUpdate(t *testing.T) {
	t.Parallel()
	headers := &Headers{}
	headers.Add("Accept", "*/*")
	headers.Add("X-Token", "old")
	headers.Add("X-Token", "older")

	other := &Headers{}
	other.Add("X-Token", "new1")
	other.Add("X-Token", "new2")
	other.Add("X-Extra", "e")
	headers.Update(other)

	assert.Equal(t, []string{
		"Accept: */*",
		"X-Token: new1",
		"X-Token: new2",
		"X-Extra: e",
	}, fieldsOf(headers), "all values of an updated name are replaced together")

	headers.Update(nil)
	assert.Equal(t, 4, headers.Len())
}

func TestHeadersClone(t *testing.T) {
	t.Parallel()
	headers := &Headers{}
	headers.Add("Host", "example.com")

	clone := headers.Clone()
	clone.Set("Host", "elsewhere.example")
	clone.Add("X-Extra", "e")
	assert.Equal(t, "example.com", headers.Get("Host"))
	assert.Equal(t, 1, headers.Len())

	var nilHeaders *Headers
	empty := nilHeaders.Clone()
	require.NotNil(t, empty)
	empty.Set("X-Usable", "yes")
	assert.Equal(t, 1, empty.Len())
}

func TestHeadersStripHopByHop(t *testing.T) {
	t.Parallel()
	headers := &Headers{}
	headers.Add("Content-Type", "text/html")
	headers.Add("Connection", "keep-alive, X-Custom-Hop")
	headers.Add("Keep-Alive", "timeout=5")
	headers.Add("Transfer-Encoding", "chunked")
	headers.Add("Proxy-Authorization", "Basic Zm9v")
	headers.Add("X-Custom-Hop", "per-leg state")
	headers.Add("X-End-To-End", "stays")

	stripped := headers.StripHopByHop()
	assert.Equal(t, []string{
		"Content-Type: text/html",
		"X-End-To-End: stays",
	}, fieldsOf(stripped), "fields named by Connection tokens are stripped along with the fixed set")

	assert.Equal(t, 7, headers.Len(), "the receiver is left untouched")
}

func TestHeadersWriteTo(t *testing.T) {
	t.Parallel()
	headers := &Headers{}
	headers.Add("host", "example.com")
	headers.Add("X-Multi", "1")
	headers.Add("X-Multi", "2")

	assert.Equal(t, "Host: example.com\r\nX-Multi: 1\r\nX-Multi: 2\r\n", headers.String())
}

func fieldsOf(headers *Headers) []string {
	var fields []string
	headers.Range(func(name, value string) bool {
		fields = append(fields, name+": "+value)
		return true
	})
	return fields
}
