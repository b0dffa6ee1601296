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

func TestProxyForScheme(t *testing.T) {
	t.Parallel()
	config := &ProxyConfig{
		Proxies: map[string]string{
			"http":  "http://proxy.internal:3128",
			"https": "http://secure-proxy.internal:3129",
		},
		NoProxy: "internal.example, .corp.example",
	}

	proxyURL, err := config.proxyFor("http", "www.example.com")
	require.NoError(t, err)
	require.NotNil(t, proxyURL)
	assert.Equal(t, "proxy.internal:3128", proxyURL.Host)

	proxyURL, err = config.proxyFor("https", "www.example.com")
	require.NoError(t, err)
	require.NotNil(t, proxyURL)
	assert.Equal(t, "secure-proxy.internal:3129", proxyURL.Host)

	proxyURL, err = config.proxyFor("http", "service.internal.example")
	require.NoError(t, err)
	assert.Nil(t, proxyURL, "NoProxy suffixes exempt their hosts")

	proxyURL, err = config.proxyFor("http", "WWW.CORP.EXAMPLE")
	require.NoError(t, err)
	assert.Nil(t, proxyURL, "suffix matching is case-insensitive")

	proxyURL, err = config.proxyFor("ws", "www.example.com")
	require.NoError(t, err)
	assert.Nil(t, proxyURL, "schemes without a mapping go direct")

	var nilConfig *ProxyConfig
	proxyURL, err = nilConfig.proxyFor("http", "www.example.com")
	require.NoError(t, err)
	assert.Nil(t, proxyURL)

	wildcard := &ProxyConfig{
		Proxies: map[string]string{"http": "http://proxy.internal:3128"},
		NoProxy: "*",
	}
	proxyURL, err = wildcard.proxyFor("http", "www.example.com")
	require.NoError(t, err)
	assert.Nil(t, proxyURL, "a * entry exempts every host")
}

func TestProxyForBadURL(t *testing.T) {
	t.Parallel()

	config := &ProxyConfig{Proxies: map[string]string{"http": "://nohost"}}
	_, err := config.proxyFor("http", "example.com")
	var confErr *ProxyConfigurationError
	require.ErrorAs(t, err, &confErr)
	assert.Equal(t, "://nohost", confErr.URL)

	config = &ProxyConfig{Proxies: map[string]string{"http": "proxy.internal:3128"}}
	_, err = config.proxyFor("http", "example.com")
	require.ErrorAs(t, err, &confErr, "a bare host:port is not a valid proxy URL")
}

func TestProxyFromEnvironment(t *testing.T) {
	// t.Setenv forbids t.Parallel.
	clearProxyEnv(t)
	assert.Nil(t, ProxyFromEnvironment(), "no variables set means no config")

	t.Setenv("HTTP_PROXY", "http://env-proxy:8080")
	t.Setenv("NO_PROXY", "localhost")
	config := ProxyFromEnvironment()
	require.NotNil(t, config)
	assert.Equal(t, "http://env-proxy:8080", config.Proxies["http"])
	assert.Empty(t, config.Proxies["https"])
	assert.Equal(t, "localhost", config.NoProxy)

	clearProxyEnv(t)
	t.Setenv("https_proxy", "http://lower-proxy:8080")
	config = ProxyFromEnvironment()
	require.NotNil(t, config)
	assert.Equal(t, "http://lower-proxy:8080", config.Proxies["https"], "lowercase variants are honored")
}

func clearProxyEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"HTTP_PROXY", "http_proxy",
		"HTTPS_PROXY", "https_proxy",
		"NO_PROXY", "no_proxy",
	} {
		t.Setenv(name, "")
	}
}
