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
	"errors"
	"net/url"
	"os"
	"strings"
)

// ProxyConfig routes outbound requests through forward proxies, in the
// style of HTTP_PROXY/HTTPS_PROXY/NO_PROXY environment configuration. A
// ProxyConfig is fixed at client construction and never mutated afterward.
type ProxyConfig struct {
	// Proxies maps a request scheme ("http", "https") to the URL of the
	// proxy that serves it. Plain http requests are rewritten to
	// absolute-form targets; https requests tunnel through CONNECT.
	Proxies map[string]string

	// NoProxy is a comma-separated list of hostname suffixes exempt from
	// proxying. "*" exempts every host.
	NoProxy string
}

// ProxyFromEnvironment builds a ProxyConfig from the HTTP_PROXY,
// HTTPS_PROXY, and NO_PROXY environment variables (lowercase variants
// honored when the uppercase ones are unset). It returns nil when no
// proxy variable is set.
func ProxyFromEnvironment() *ProxyConfig {
	proxies := map[string]string{}
	if v := envAny("HTTP_PROXY", "http_proxy"); v != "" {
		proxies["http"] = v
	}
	if v := envAny("HTTPS_PROXY", "https_proxy"); v != "" {
		proxies["https"] = v
	}
	if len(proxies) == 0 {
		return nil
	}
	return &ProxyConfig{
		Proxies: proxies,
		NoProxy: envAny("NO_PROXY", "no_proxy"),
	}
}

func envAny(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// proxyFor resolves the proxy URL serving a request to scheme://host. It
// returns nil when no proxy applies, either because none is configured
// for the scheme or because the host matches a NoProxy suffix. A
// configured but unparseable proxy URL is a *ProxyConfigurationError.
func (c *ProxyConfig) proxyFor(scheme, host string) (*url.URL, error) {
	if c == nil || len(c.Proxies) == 0 {
		return nil, nil
	}
	if c.bypassed(host) {
		return nil, nil
	}
	raw := c.Proxies[scheme]
	if raw == "" {
		return nil, nil
	}
	proxyURL, err := url.Parse(raw)
	if err != nil {
		return nil, &ProxyConfigurationError{URL: raw, Err: err}
	}
	if proxyURL.Scheme == "" || proxyURL.Host == "" {
		return nil, &ProxyConfigurationError{URL: raw, Err: errors.New("missing scheme or host")}
	}
	return proxyURL, nil
}

func (c *ProxyConfig) bypassed(host string) bool {
	host = strings.ToLower(host)
	for _, suffix := range strings.Split(c.NoProxy, ",") {
		suffix = strings.ToLower(strings.TrimSpace(suffix))
		if suffix == "" {
			continue
		}
		if suffix == "*" || strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}
