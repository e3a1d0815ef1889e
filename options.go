// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"log/slog"
	"time"
)

// ServerOption is a functional option for configuring the server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger          *slog.Logger
	router          *Router
	metrics         *ServerMetrics
	maxConns        int
	readTimeout     time.Duration
	keepAlivePeriod time.Duration
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:          slog.Default(),
		maxConns:        100,
		keepAlivePeriod: 30 * time.Second,
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithRouter makes the server dispatch through an externally owned
// router instead of creating its own.
func WithRouter(r *Router) ServerOption {
	return func(o *serverOptions) {
		o.router = r
	}
}

// WithServerMetrics makes the server record into m, which may be shared.
func WithServerMetrics(m *ServerMetrics) ServerOption {
	return func(o *serverOptions) {
		o.metrics = m
	}
}

// WithMaxConnections sets the maximum number of concurrent connections.
// Zero or less means no limit.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxConns = n
	}
}

// WithReadTimeout closes connections that stay idle between requests for
// longer than d. Zero, the default, keeps idle connections open until the
// peer closes them.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.readTimeout = d
	}
}

// WithKeepAlivePeriod sets the TCP keep-alive period of accepted
// connections. Zero disables keep-alive probes.
func WithKeepAlivePeriod(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.keepAlivePeriod = d
	}
}
