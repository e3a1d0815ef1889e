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
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer returns a server with the even-coils route on unit 1,
// addresses 0-9, and a register bank on unit 1.
func newTestServer(opts ...ServerOption) (*Server, *bank) {
	b := newBank()
	s := NewServer(append([]ServerOption{WithServerLogger(quietLogger())}, opts...)...)
	s.Route(evenCoils(), Units(1), Functions(FuncReadCoils), AddressRange(0, 10))
	s.Route(b, Units(1), Functions(FuncReadHoldingRegisters, FuncWriteSingleRegister, FuncWriteMultipleRegisters), AddressRange(0, 100))
	return s, b
}

func startServer(t *testing.T, s *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()
	t.Cleanup(func() {
		s.Close()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return after Close")
		}
	})
	return ln.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, txID uint16, unitID UnitID, pdu []byte) *Frame {
	t.Helper()
	req := &Frame{Header: MBAPHeader{TransactionID: txID, UnitID: unitID}, PDU: pdu}
	_, err := conn.Write(req.Encode())
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	resp, err := ReadFrame(conn)
	require.NoError(t, err)
	return resp
}

// expectClosed asserts the peer closes conn without sending anything.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	assert.Equal(t, 0, n)
	assert.True(t, errors.Is(err, io.EOF) || isConnReset(err), "expected close, got %v", err)
}

func isConnReset(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && !opErr.Timeout()
}

func TestNewServer(t *testing.T) {
	s := NewServer()
	require.NotNil(t, s)
	assert.NotNil(t, s.Router())
	assert.NotNil(t, s.Metrics())
	assert.Equal(t, 0, s.Router().Len())

	r := NewRouter()
	m := NewServerMetrics()
	s = NewServer(WithRouter(r), WithServerMetrics(m))
	assert.Same(t, r, s.Router())
	assert.Same(t, m, s.Metrics())
}

func TestServer_ReadCoils(t *testing.T) {
	s, _ := newTestServer()
	conn := dial(t, startServer(t, s))

	resp := roundTrip(t, conn, 1, 1, []byte{0x01, 0x00, 0x00, 0x00, 0x0A})

	assert.Equal(t, uint16(1), resp.Header.TransactionID)
	assert.Equal(t, uint16(0), resp.Header.ProtocolID)
	assert.Equal(t, uint16(5), resp.Header.Length)
	assert.Equal(t, UnitID(1), resp.Header.UnitID)
	assert.Equal(t, []byte{0x01, 0x02, 0x55, 0x01}, resp.PDU)
}

func TestServer_Exceptions(t *testing.T) {
	s, _ := newTestServer()
	conn := dial(t, startServer(t, s))

	tests := []struct {
		name   string
		unitID UnitID
		pdu    []byte
		want   []byte
	}{
		{"unsupported function", 1, []byte{0x63, 0x00, 0x00, 0x00, 0x0A}, []byte{0xE3, 0x01}},
		{"unrouted unit", 2, []byte{0x01, 0x00, 0x00, 0x00, 0x0A}, []byte{0x81, 0x02}},
		{"partially routed range", 1, []byte{0x01, 0x00, 0x08, 0x00, 0x04}, []byte{0x81, 0x02}},
		{"illegal quantity", 1, []byte{0x03, 0x00, 0x00, 0x00, 0x7E}, []byte{0x83, 0x03}},
		{"illegal coil value", 1, []byte{0x05, 0x00, 0x00, 0x00, 0x01}, []byte{0x85, 0x03}},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txID := uint16(100 + i)
			resp := roundTrip(t, conn, txID, tt.unitID, tt.pdu)
			assert.Equal(t, txID, resp.Header.TransactionID)
			assert.Equal(t, tt.unitID, resp.Header.UnitID)
			assert.Equal(t, uint16(3), resp.Header.Length)
			assert.Equal(t, tt.want, resp.PDU)
		})
	}
}

func TestServer_DeviceFailure(t *testing.T) {
	s := NewServer(WithServerLogger(quietLogger()))
	s.Route(ReadFunc(func(UnitID, uint16) (uint16, error) {
		panic("sensor driver crashed")
	}), nil, Functions(FuncReadInputRegisters), nil)
	s.Route(ReadFunc(func(UnitID, uint16) (uint16, error) {
		return 0, errors.New("sensor offline")
	}), nil, Functions(FuncReadHoldingRegisters), nil)
	conn := dial(t, startServer(t, s))

	resp := roundTrip(t, conn, 1, 1, []byte{0x04, 0x00, 0x00, 0x00, 0x01})
	assert.Equal(t, []byte{0x84, 0x04}, resp.PDU)

	// The connection survives the failed request.
	resp = roundTrip(t, conn, 2, 1, []byte{0x03, 0x00, 0x00, 0x00, 0x01})
	assert.Equal(t, []byte{0x83, 0x04}, resp.PDU)
}

func TestServer_WriteThenRead(t *testing.T) {
	s, b := newTestServer()
	conn := dial(t, startServer(t, s))

	pdu, err := BuildWriteMultipleRegistersPDU(10, []uint16{0x1111, 0x2222, 0x3333})
	require.NoError(t, err)
	resp := roundTrip(t, conn, 1, 1, pdu)
	assert.Equal(t, []byte{0x10, 0x00, 0x0A, 0x00, 0x03}, resp.PDU)

	resp = roundTrip(t, conn, 2, 1, BuildWriteSingleRegisterPDU(11, 0xBEEF))
	assert.Equal(t, []byte{0x06, 0x00, 0x0B, 0xBE, 0xEF}, resp.PDU)

	read, err := BuildReadHoldingRegistersPDU(10, 3)
	require.NoError(t, err)
	resp = roundTrip(t, conn, 3, 1, read)
	values, err := ParseRegistersResponse(resp.PDU, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x1111, 0xBEEF, 0x3333}, values)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, []uint16{10, 11, 12, 11}, b.writes)
}

func TestServer_SequentialTransactions(t *testing.T) {
	s, _ := newTestServer()
	conn := dial(t, startServer(t, s))

	for tx := uint16(1); tx <= 20; tx++ {
		resp := roundTrip(t, conn, tx, 1, []byte{0x01, 0x00, 0x00, 0x00, 0x01})
		assert.Equal(t, tx, resp.Header.TransactionID)
		assert.Equal(t, []byte{0x01, 0x01, 0x01}, resp.PDU)
	}

	assert.Equal(t, int64(20), s.Metrics().RequestsTotal.Value())
	assert.Equal(t, int64(20), s.Metrics().RequestsSuccess.Value())
}

func TestServer_PipelinedRequests(t *testing.T) {
	s, _ := newTestServer()
	conn := dial(t, startServer(t, s))

	// Two requests in one write are answered in order.
	a := &Frame{Header: MBAPHeader{TransactionID: 7, UnitID: 1}, PDU: []byte{0x01, 0x00, 0x00, 0x00, 0x02}}
	b := &Frame{Header: MBAPHeader{TransactionID: 8, UnitID: 2}, PDU: []byte{0x01, 0x00, 0x00, 0x00, 0x02}}
	_, err := conn.Write(append(a.Encode(), b.Encode()...))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	first, err := ReadFrame(conn)
	require.NoError(t, err)
	second, err := ReadFrame(conn)
	require.NoError(t, err)

	assert.Equal(t, uint16(7), first.Header.TransactionID)
	assert.Equal(t, []byte{0x01, 0x01, 0x01}, first.PDU)
	assert.Equal(t, uint16(8), second.Header.TransactionID)
	assert.Equal(t, []byte{0x81, 0x02}, second.PDU)
}

func TestServer_ConcurrentConnections(t *testing.T) {
	s, _ := newTestServer()
	addr := startServer(t, s)

	var wg sync.WaitGroup
	for c := 0; c < 8; c++ {
		conn := dial(t, addr)
		wg.Add(1)
		go func(conn net.Conn, base uint16) {
			defer wg.Done()
			for i := uint16(0); i < 10; i++ {
				txID := base + i
				req := &Frame{Header: MBAPHeader{TransactionID: txID, UnitID: 1}, PDU: []byte{0x01, 0x00, 0x00, 0x00, 0x0A}}
				if _, err := conn.Write(req.Encode()); err != nil {
					t.Errorf("write: %v", err)
					return
				}
				conn.SetReadDeadline(time.Now().Add(2 * time.Second))
				resp, err := ReadFrame(conn)
				if err != nil {
					t.Errorf("read: %v", err)
					return
				}
				if resp.Header.TransactionID != txID {
					t.Errorf("tx id: expected %d, got %d", txID, resp.Header.TransactionID)
				}
			}
		}(conn, uint16(c*100))
	}
	wg.Wait()

	assert.Equal(t, int64(80), s.Metrics().RequestsSuccess.Value())
	assert.Equal(t, int64(8), s.Metrics().TotalConns.Value())
}

func TestServer_MalformedHeaderClosesConnection(t *testing.T) {
	s, _ := newTestServer()
	conn := dial(t, startServer(t, s))

	_, err := conn.Write([]byte{0x00, 0x01, 0x12, 0x34, 0x00, 0x06, 0x01, 0x01, 0x00, 0x00, 0x00, 0x01})
	require.NoError(t, err)
	expectClosed(t, conn)

	assert.Eventually(t, func() bool {
		return s.Metrics().RequestsErrors.Value() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestServer_OversizedLengthClosesConnection(t *testing.T) {
	s, _ := newTestServer()
	conn := dial(t, startServer(t, s))

	_, err := conn.Write([]byte{0x00, 0x01, 0x00, 0x00, 0x01, 0x00, 0x01})
	require.NoError(t, err)
	expectClosed(t, conn)
}

func TestServer_EmptyPDUClosesConnection(t *testing.T) {
	s, _ := newTestServer()
	conn := dial(t, startServer(t, s))

	_, err := conn.Write([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01})
	require.NoError(t, err)
	expectClosed(t, conn)
}

func TestServer_ServeConnPipe(t *testing.T) {
	s, _ := newTestServer()
	client, server := net.Pipe()

	done := make(chan struct{})
	go func() {
		s.ServeConn(server)
		close(done)
	}()

	resp := roundTrip(t, client, 1, 1, []byte{0x01, 0x00, 0x00, 0x00, 0x0A})
	assert.Equal(t, []byte{0x01, 0x02, 0x55, 0x01}, resp.PDU)

	// Closing the client ends the handler.
	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return on EOF")
	}
}

func TestServer_MaxConnections(t *testing.T) {
	s, _ := newTestServer(WithMaxConnections(1))
	addr := startServer(t, s)

	first := dial(t, addr)
	roundTrip(t, first, 1, 1, []byte{0x01, 0x00, 0x00, 0x00, 0x01})

	second := dial(t, addr)
	expectClosed(t, second)
	assert.Eventually(t, func() bool {
		return s.Metrics().RejectedConns.Value() == 1
	}, time.Second, 5*time.Millisecond)

	// The first connection is still served.
	resp := roundTrip(t, first, 2, 1, []byte{0x01, 0x00, 0x00, 0x00, 0x01})
	assert.Equal(t, uint16(2), resp.Header.TransactionID)
	assert.Equal(t, 1, s.ActiveConnections())
}

func TestServer_ReadTimeout(t *testing.T) {
	s, _ := newTestServer(WithReadTimeout(50 * time.Millisecond))
	conn := dial(t, startServer(t, s))

	roundTrip(t, conn, 1, 1, []byte{0x01, 0x00, 0x00, 0x00, 0x01})
	expectClosed(t, conn)
}

func TestServer_CloseDropsConnections(t *testing.T) {
	s, _ := newTestServer()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	conn := dial(t, ln.Addr().String())
	roundTrip(t, conn, 1, 1, []byte{0x01, 0x00, 0x00, 0x00, 0x01})
	assert.Equal(t, 1, s.ActiveConnections())

	require.NoError(t, s.Close())
	require.NoError(t, <-done)
	expectClosed(t, conn)
	assert.Equal(t, 0, s.ActiveConnections())
	assert.Equal(t, int64(0), s.Metrics().ActiveConns.Value())

	// A closed server does not serve again.
	ln2, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Serve(ln2), ErrServerClosed)
	assert.NoError(t, s.Close())
}

func TestServer_ListenAndServeContext(t *testing.T) {
	s, _ := newTestServer()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServeContext(ctx, "127.0.0.1:0") }()

	require.Eventually(t, func() bool { return s.Addr() != nil }, time.Second, 5*time.Millisecond)
	conn := dial(t, s.Addr().String())
	resp := roundTrip(t, conn, 1, 1, []byte{0x01, 0x00, 0x00, 0x00, 0x0A})
	assert.Equal(t, []byte{0x01, 0x02, 0x55, 0x01}, resp.PDU)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop on context cancellation")
	}
}

func TestServerAddr(t *testing.T) {
	server := NewServer(WithServerLogger(quietLogger()))

	// Before listening, Addr should be nil
	if server.Addr() != nil {
		t.Error("Addr should be nil before listening")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	expectedAddr := listener.Addr()

	go server.Serve(listener)
	defer server.Close()

	// Give server time to set up
	time.Sleep(10 * time.Millisecond)

	addr := server.Addr()
	if addr == nil {
		t.Error("Addr should not be nil after listening")
	} else if addr.String() != expectedAddr.String() {
		t.Errorf("Addr mismatch: expected %s, got %s", expectedAddr, addr)
	}
}

func TestServer_RouteWhileServing(t *testing.T) {
	s := NewServer(WithServerLogger(quietLogger()))
	conn := dial(t, startServer(t, s))

	resp := roundTrip(t, conn, 1, 3, []byte{0x04, 0x00, 0x05, 0x00, 0x01})
	assert.Equal(t, []byte{0x84, 0x02}, resp.PDU)

	s.Route(ReadFunc(func(UnitID, uint16) (uint16, error) { return 42, nil }), Units(3), nil, nil)

	resp = roundTrip(t, conn, 2, 3, []byte{0x04, 0x00, 0x05, 0x00, 0x01})
	assert.Equal(t, []byte{0x04, 0x02, 0x00, 0x2A}, resp.PDU)
}

func TestServer_LatencyObserved(t *testing.T) {
	base := time.Now()
	var ticks int64
	timeNow = func() time.Time {
		return base.Add(time.Duration(atomic.AddInt64(&ticks, 1)) * 30 * time.Millisecond)
	}
	defer func() { timeNow = time.Now }()

	s, _ := newTestServer()
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		s.ServeConn(server)
		close(done)
	}()

	roundTrip(t, client, 1, 1, []byte{0x01, 0x00, 0x00, 0x00, 0x01})
	client.Close()
	<-done

	stats := s.Metrics().Latency.Stats()
	assert.Equal(t, int64(1), stats.Count)
	assert.InDelta(t, 30.0, stats.Sum, 0.001)
	assert.Equal(t, int64(1), stats.Counts[4], "50ms bucket")
	assert.Equal(t, int64(1), s.Metrics().ForFunction(FuncReadCoils).Latency.Stats().Count)
}
