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
	"context"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeo-scada/modbus-router/internal/transport"
)

// Server is a Modbus TCP server. Each accepted connection is served by
// its own goroutine; all of them dispatch through the same Router.
type Server struct {
	router *Router
	opts   *serverOptions

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   int32
	wg       sync.WaitGroup
	metrics  *ServerMetrics
}

// NewServer creates a new Modbus TCP server.
func NewServer(opts ...ServerOption) *Server {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}

	router := options.router
	if router == nil {
		router = NewRouter()
	}
	metrics := options.metrics
	if metrics == nil {
		metrics = NewServerMetrics()
	}

	return &Server{
		router:  router,
		opts:    options,
		conns:   make(map[net.Conn]struct{}),
		metrics: metrics,
	}
}

// Route registers ep on the server's router. See Router.Route.
func (s *Server) Route(ep Endpoint, units, functions, addresses Filter) {
	s.router.Route(ep, units, functions, addresses)
}

// Router returns the router requests are dispatched through.
func (s *Server) Router() *Router {
	return s.router
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *ServerMetrics {
	return s.metrics
}

// ListenAndServe starts the server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	return s.ListenAndServeContext(context.Background(), addr)
}

// ListenAndServeContext starts the server and closes it when ctx is done.
func (s *Server) ListenAndServeContext(ctx context.Context, addr string) error {
	listener, err := transport.Listen(ctx, addr)
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		s.Close()
	})
	defer stop()

	return s.Serve(listener)
}

// Serve accepts connections on listener until Close is called. It
// returns nil after Close and ErrServerClosed when called on a closed
// server.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if atomic.LoadInt32(&s.closed) == 1 {
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	s.listener = listener
	s.mu.Unlock()
	s.opts.logger.Info("server started",
		slog.String("addr", listener.Addr().String()),
		slog.Int("routes", s.router.Len()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return nil
			}
			s.opts.logger.Error("accept error", slog.String("error", err.Error()))
			time.Sleep(5 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if s.opts.maxConns > 0 && len(s.conns) >= s.opts.maxConns {
			s.mu.Unlock()
			s.metrics.RejectedConns.Add(1)
			s.opts.logger.Warn("max connections reached, rejecting",
				slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.metrics.ActiveConns.Add(1)
		s.metrics.TotalConns.Add(1)
		s.wg.Add(1)
		s.mu.Unlock()

		transport.ConfigureConn(conn, s.opts.keepAlivePeriod)

		go s.handleConn(conn)
	}
}

// Close shuts down the server gracefully.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.opts.logger.Info("server stopped")
	return err
}

// Addr returns the server's address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ActiveConnections returns the number of active connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ServeConn serves a single already accepted connection until the peer
// closes it. It does not count against the connection limit.
func (s *Server) ServeConn(conn net.Conn) {
	s.newConnHandler().serve(conn)
}

func (s *Server) newConnHandler() *connHandler {
	return &connHandler{
		router:      s.router,
		logger:      s.opts.logger,
		metrics:     s.metrics,
		readTimeout: s.opts.readTimeout,
		closing: func() bool {
			return atomic.LoadInt32(&s.closed) == 1
		},
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		// Recover from panic to prevent server crash
		if r := recover(); r != nil {
			s.opts.logger.Error("panic in connection handler",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}

		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.metrics.ActiveConns.Add(-1)
		s.mu.Unlock()
		s.wg.Done()
	}()

	s.opts.logger.Debug("connection accepted",
		slog.String("remote", conn.RemoteAddr().String()))

	s.newConnHandler().serve(conn)
}

// timeNow is a variable for testing
var timeNow = time.Now
