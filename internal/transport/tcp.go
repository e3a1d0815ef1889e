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

// Package transport holds the TCP plumbing shared by the server and the
// probing client: listener setup, socket options and a single-request
// client connection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	headerSize = 7
	maxLength  = 254 // unit id + 253 byte PDU
)

// Listen opens a TCP listener on addr.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen: %w", err)
	}
	return ln, nil
}

// ConfigureConn applies the socket options used for industrial links:
// keep-alive probes every keepAlive (disabled when zero) and Nagle off.
func ConfigureConn(conn net.Conn, keepAlive time.Duration) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if keepAlive > 0 {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(keepAlive)
	} else {
		tcpConn.SetKeepAlive(false)
	}
	tcpConn.SetNoDelay(true)
}

// TCPTransport is a client connection that performs one request/response
// exchange at a time.
type TCPTransport struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewTCPTransport creates a new TCP transport.
func NewTCPTransport(addr string, timeout time.Duration) *TCPTransport {
	return &TCPTransport{
		addr:    addr,
		timeout: timeout,
	}
}

// Connect establishes a TCP connection.
func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	dialer := &net.Dialer{
		Timeout:   t.timeout,
		KeepAlive: 30 * time.Second,
	}

	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("tcp connect: %w", err)
	}
	ConfigureConn(conn, 30*time.Second)

	t.conn = conn
	return nil
}

// Close closes the TCP connection.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}

	err := t.conn.Close()
	t.conn = nil
	return err
}

// IsConnected returns true if the transport is connected.
func (t *TCPTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Send writes a complete frame and returns the complete response frame.
// The connection is dropped on any I/O or framing error.
func (t *TCPTransport) Send(ctx context.Context, frame []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil, errors.New("not connected")
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.timeout)
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	if _, err := t.conn.Write(frame); err != nil {
		t.closeConnLocked()
		return nil, fmt.Errorf("write: %w", err)
	}

	response, err := ReadResponse(t.conn)
	if err != nil {
		t.closeConnLocked()
		return nil, err
	}
	return response, nil
}

// ReadResponse reads one MBAP framed message from r and returns it whole.
func ReadResponse(r io.Reader) ([]byte, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	if protocolID := int(header[2])<<8 | int(header[3]); protocolID != 0 {
		return nil, fmt.Errorf("invalid protocol ID: %d", protocolID)
	}

	length := int(header[4])<<8 | int(header[5])
	if length < 1 || length > maxLength {
		return nil, fmt.Errorf("invalid length: %d", length)
	}

	response := make([]byte, headerSize+length-1)
	copy(response, header)
	if _, err := io.ReadFull(r, response[headerSize:]); err != nil {
		return nil, fmt.Errorf("read pdu: %w", err)
	}
	return response, nil
}

// closeConnLocked closes the connection without acquiring the lock.
// Must be called with mu held.
func (t *TCPTransport) closeConnLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}
