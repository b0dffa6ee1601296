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
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"go.etcd.io/bbolt"
)

//nolint:gochecknoglobals
var cookieBucket = []byte("cookies")

// Bolt is a Jar persisting cookies in a bbolt database, keyed by host.
// Cookies survive process restarts; expired ones are dropped on read and
// compacted away on the next write for their host.
type Bolt struct {
	db *bbolt.DB
}

var _ Jar = (*Bolt)(nil)

// OpenBolt opens (creating if needed) a cookie database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cookieBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

// Close flushes and closes the underlying database.
func (b *Bolt) Close() error {
	if err := b.db.Sync(); err != nil {
		return err
	}
	return b.db.Close()
}

// SetCookies stores cookies received in a reply from u, merged by name
// with the host's existing cookies. A negative MaxAge removes the cookie.
func (b *Bolt) SetCookies(u *url.URL, cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	now := time.Now()
	_ = b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(cookieBucket)
		stored := decodeCookies(bucket.Get([]byte(u.Host)), now)
		byName := make(map[string]*http.Cookie, len(stored)+len(cookies))
		order := make([]string, 0, len(stored)+len(cookies))
		for _, cookie := range stored {
			if _, ok := byName[cookie.Name]; !ok {
				order = append(order, cookie.Name)
			}
			byName[cookie.Name] = cookie
		}
		for _, cookie := range cookies {
			if cookie.MaxAge < 0 {
				delete(byName, cookie.Name)
				continue
			}
			copied := *cookie
			if copied.MaxAge > 0 {
				copied.Expires = now.Add(time.Duration(copied.MaxAge) * time.Second)
				copied.MaxAge = 0
			}
			if _, ok := byName[copied.Name]; !ok {
				order = append(order, copied.Name)
			}
			byName[copied.Name] = &copied
		}
		merged := make([]*http.Cookie, 0, len(byName))
		for _, name := range order {
			if cookie, ok := byName[name]; ok {
				merged = append(merged, cookie)
			}
		}
		if len(merged) == 0 {
			return bucket.Delete([]byte(u.Host))
		}
		encoded, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(u.Host), encoded)
	})
}

// Cookies returns the unexpired cookies stored for u's host.
func (b *Bolt) Cookies(u *url.URL) []*http.Cookie {
	var cookies []*http.Cookie
	now := time.Now()
	_ = b.db.View(func(tx *bbolt.Tx) error {
		cookies = decodeCookies(tx.Bucket(cookieBucket).Get([]byte(u.Host)), now)
		return nil
	})
	return cookies
}

// CookieString returns the Cookie request-header value to send for u.
func (b *Bolt) CookieString(u *url.URL) string {
	return CookieString(b.Cookies(u))
}

// SetCookieString stores cookies for u from Set-Cookie header values.
func (b *Bolt) SetCookieString(u *url.URL, setCookies ...string) {
	b.SetCookies(u, ParseSetCookies(setCookies...))
}

// RemoveAll drops every cookie stored for u's host.
func (b *Bolt) RemoveAll(u *url.URL) {
	_ = b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(cookieBucket).Delete([]byte(u.Host))
	})
}

func decodeCookies(encoded []byte, now time.Time) []*http.Cookie {
	if len(encoded) == 0 {
		return nil
	}
	var stored []*http.Cookie
	if err := json.Unmarshal(encoded, &stored); err != nil {
		return nil
	}
	live := stored[:0]
	for _, cookie := range stored {
		if !cookie.Expires.IsZero() && cookie.Expires.Before(now) {
			continue
		}
		live = append(live, cookie)
	}
	return live
}
