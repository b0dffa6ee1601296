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
	"io"
	"net/textproto"
	"strings"
)

// hopByHopHeaders are meaningful for a single transport leg only. They are
// stripped from the externally visible view of a response and from headers
// relayed by a proxy.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

type headerField struct {
	name  string // canonical form
	value string
}

// Headers is an ordered collection of HTTP header fields. Field names are
// matched case-insensitively and stored in canonical form; insertion order
// is preserved and duplicate names are allowed. The zero value is ready to
// use. Headers is not safe for concurrent mutation; each instance is owned
// by exactly one request or response at a time.
type Headers struct {
	fields []headerField
}

func canonicalHeaderName(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}

// Add appends a field, preserving any existing fields with the same name.
func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, headerField{canonicalHeaderName(name), value})
}

// Set replaces all fields named name with a single field. The replacement
// keeps the position of the first existing occurrence; if none exists the
// field is appended.
func (h *Headers) Set(name, value string) {
	name = canonicalHeaderName(name)
	out := h.fields[:0]
	replaced := false
	for _, f := range h.fields {
		if f.name != name {
			out = append(out, f)
			continue
		}
		if !replaced {
			out = append(out, headerField{name, value})
			replaced = true
		}
	}
	if !replaced {
		out = append(out, headerField{name, value})
	}
	h.fields = out
}

// Get returns the first value for name, or "" if the field is absent.
func (h *Headers) Get(name string) string {
	name = canonicalHeaderName(name)
	for _, f := range h.fields {
		if f.name == name {
			return f.value
		}
	}
	return ""
}

// Values returns all values for name in insertion order.
func (h *Headers) Values(name string) []string {
	name = canonicalHeaderName(name)
	var values []string
	for _, f := range h.fields {
		if f.name == name {
			values = append(values, f.value)
		}
	}
	return values
}

// Has reports whether at least one field named name is present.
func (h *Headers) Has(name string) bool {
	name = canonicalHeaderName(name)
	for _, f := range h.fields {
		if f.name == name {
			return true
		}
	}
	return false
}

// Contains reports whether any field named name includes token as one of
// its comma-separated elements, compared case-insensitively. It is the
// lookup used for directives such as "Connection: keep-alive".
func (h *Headers) Contains(name, token string) bool {
	name = canonicalHeaderName(name)
	for _, f := range h.fields {
		if f.name != name {
			continue
		}
		for _, elem := range strings.Split(f.value, ",") {
			if strings.EqualFold(strings.TrimSpace(elem), token) {
				return true
			}
		}
	}
	return false
}

// Del removes all fields named name.
func (h *Headers) Del(name string) {
	name = canonicalHeaderName(name)
	out := h.fields[:0]
	for _, f := range h.fields {
		if f.name != name {
			out = append(out, f)
		}
	}
	h.fields = out
}

// Len returns the number of fields, counting duplicates.
func (h *Headers) Len() int {
	return len(h.fields)
}

// Range calls f for each field in order until f returns false.
func (h *Headers) Range(f func(name, value string) bool) {
	for _, field := range h.fields {
		if !f(field.name, field.value) {
			return
		}
	}
}

// Clone returns a deep copy. Cloning a nil receiver returns an empty set.
func (h *Headers) Clone() *Headers {
	clone := &Headers{}
	if h == nil || len(h.fields) == 0 {
		return clone
	}
	clone.fields = make([]headerField, len(h.fields))
	copy(clone.fields, h.fields)
	return clone
}

// Update merges other into h: for each distinct name in other, all of h's
// fields with that name are replaced by other's. Names absent from other
// are untouched.
func (h *Headers) Update(other *Headers) {
	if other == nil {
		return
	}
	seen := map[string]bool{}
	other.Range(func(name, value string) bool {
		if !seen[name] {
			seen[name] = true
			h.Set(name, value)
			return true
		}
		h.Add(name, value)
		return true
	})
}

// StripHopByHop returns a copy without hop-by-hop fields. Fields named by
// the Connection header's own tokens are stripped as well.
func (h *Headers) StripHopByHop() *Headers {
	named := map[string]bool{}
	for _, value := range h.Values("Connection") {
		for _, elem := range strings.Split(value, ",") {
			if elem = strings.TrimSpace(elem); elem != "" {
				named[canonicalHeaderName(elem)] = true
			}
		}
	}
	stripped := &Headers{}
	for _, f := range h.fields {
		if hopByHopHeaders[f.name] || named[f.name] {
			continue
		}
		stripped.fields = append(stripped.fields, f)
	}
	return stripped
}

// WriteTo writes the fields in wire form, one "Name: value\r\n" line per
// field, without the terminating blank line.
func (h *Headers) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for _, f := range h.fields {
		n, err := io.WriteString(w, f.name+": "+f.value+"\r\n")
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (h *Headers) String() string {
	var sb strings.Builder
	_, _ = h.WriteTo(&sb)
	return sb.String()
}
