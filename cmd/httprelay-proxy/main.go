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

// Command httprelay-proxy runs an HTTP/1.1 forward proxy with CONNECT
// tunneling on top of the httprelay engine.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bufbuild/httprelay"
	"github.com/bufbuild/httprelay/forwardproxy"
)

const shutdownTimeout = 30 * time.Second

var (
	configPathArg string
	listenArg     string
	logLevelArg   string
)

var rootCmd = &cobra.Command{
	Use:   "httprelay-proxy",
	Short: "httprelay-proxy is a forward proxy that relays HTTP and tunnels HTTPS.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		config, err := ReadConfig(configPathArg)
		if err != nil {
			return err
		}
		if listenArg != "" {
			config.Listen = listenArg
		}
		if logLevelArg != "" {
			config.LogLevel = logLevelArg
		}
		cmd.SilenceUsage = true
		return serve(config)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPathArg, "config", "c", "", "path to the yaml configuration file")
	rootCmd.Flags().StringVarP(&listenArg, "listen", "l", "", "listen address, overriding the configuration file")
	rootCmd.Flags().StringVar(&logLevelArg, "log-level", "", "log level: debug, info, warn, or error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(config Config) error {
	logger, err := newLogger(config.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	client := httprelay.NewClient(upstreamOptions(config, logger)...)
	serverOptions := []forwardproxy.ServerOption{
		forwardproxy.WithClient(client),
		forwardproxy.WithLogger(logger),
		forwardproxy.WithIdleTimeout(config.IdleTimeout),
		forwardproxy.WithUpstreamTimeout(config.UpstreamTimeout),
		forwardproxy.WithMiddleware(middleware(config.Middleware)...),
	}
	if config.TLS.CertFile != "" && config.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.TLS.CertFile, config.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("load TLS key pair: %w", err)
		}
		serverOptions = append(serverOptions, forwardproxy.WithTLSConfig(&tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}))
	}
	server := forwardproxy.NewServer(serverOptions...)

	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe(config.Listen)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errs:
		_ = client.Close()
		return err
	case sig := <-signals:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := server.Shutdown(ctx)
	if clientErr := client.Shutdown(ctx); shutdownErr == nil {
		shutdownErr = clientErr
	}
	if err := <-errs; !errors.Is(err, forwardproxy.ErrServerClosed) && shutdownErr == nil {
		shutdownErr = err
	}
	return shutdownErr
}

func upstreamOptions(config Config, logger *slog.Logger) []httprelay.ClientOption {
	options := []httprelay.ClientOption{
		// Relayed requests must pass through as the downstream peer
		// sent them: no default headers, cookies, or decompression.
		httprelay.WithDefaultHeaders(&httprelay.Headers{}),
		httprelay.WithCookieJar(nil),
		httprelay.WithDecompress(false),
		httprelay.WithLogger(logger),
		httprelay.WithMaxConnections(config.Upstream.MaxConnections),
		httprelay.WithMaxReconnect(config.Upstream.MaxReconnect, config.Upstream.ReconnectLag),
		httprelay.WithTimeout(config.Upstream.Timeout),
	}
	if len(config.Upstream.Proxies) > 0 || config.Upstream.NoProxy != "" {
		options = append(options, httprelay.WithProxy(&httprelay.ProxyConfig{
			Proxies: config.Upstream.Proxies,
			NoProxy: config.Upstream.NoProxy,
		}))
	} else {
		options = append(options, httprelay.WithNoProxy())
	}
	return options
}

func middleware(config MiddlewareConfig) []forwardproxy.HeaderMiddleware {
	var chain []forwardproxy.HeaderMiddleware
	if config.XForwardedFor {
		chain = append(chain, forwardproxy.XForwardedFor())
	}
	if config.UserAgent != "" {
		chain = append(chain, forwardproxy.UserAgentOverride(config.UserAgent))
	}
	return chain
}

func newLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	switch strings.ToLower(level) {
	case "", "info":
		slogLevel = slog.LevelInfo
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})), nil
}
