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

package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the proxy's yaml configuration file.
type Config struct {
	// Listen is the downstream address to accept proxy connections on.
	Listen string `yaml:"listen"`
	// LogLevel selects the slog level: debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`

	// IdleTimeout closes downstream connections that sit between
	// requests for longer than this. Zero means no bound.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// UpstreamTimeout bounds each relayed request or tunnel
	// establishment end to end. Zero means no bound.
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`

	TLS        TLSConfig        `yaml:"tls"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Middleware MiddlewareConfig `yaml:"middleware"`
}

// TLSConfig terminates TLS on the downstream listener when both paths
// are set.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// UpstreamConfig tunes the shared client the proxy relays through.
type UpstreamConfig struct {
	// Proxies chains this proxy behind further forward proxies, keyed
	// by target scheme ("http", "https").
	Proxies map[string]string `yaml:"proxies"`
	// NoProxy is a comma-separated list of hostname suffixes that are
	// reached directly even when a chained proxy is configured.
	NoProxy string `yaml:"no_proxy"`
	// MaxConnections bounds each origin's connection pool. Zero means
	// unbounded.
	MaxConnections int `yaml:"max_connections"`
	// MaxReconnect is the replay budget for requests whose connection
	// drops before any response bytes arrive.
	MaxReconnect int `yaml:"max_reconnect"`
	// ReconnectLag is the base delay between replays.
	ReconnectLag time.Duration `yaml:"reconnect_lag"`
	// Timeout bounds each upstream socket operation: dial, TLS
	// handshake, writes, and gaps between reads.
	Timeout time.Duration `yaml:"timeout"`
}

// MiddlewareConfig toggles the built-in header middleware.
type MiddlewareConfig struct {
	// XForwardedFor appends the downstream peer to X-Forwarded-For.
	XForwardedFor bool `yaml:"x_forwarded_for"`
	// UserAgent, when non-empty, replaces the User-Agent header on
	// every relayed request.
	UserAgent string `yaml:"user_agent"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Listen:       ":3128",
		LogLevel:     "info",
		IdleTimeout:  5 * time.Minute,
		Upstream: UpstreamConfig{
			MaxReconnect: 1,
			ReconnectLag: 2 * time.Second,
			Timeout:      30 * time.Second,
		},
		Middleware: MiddlewareConfig{
			XForwardedFor: true,
		},
	}
}

// ReadConfig loads the configuration file at path, layered over the
// defaults. An empty path returns the defaults unchanged.
func ReadConfig(path string) (Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parse %s: %w", path, err)
	}
	return config, nil
}
