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
	"errors"
	"io"
	"log/slog"
	"net"
	"time"
)

// connHandler drives one connection: read a frame, dispatch it, write the
// answer, repeat until the peer goes away. Requests on a connection are
// answered strictly in order, one at a time.
type connHandler struct {
	router      *Router
	logger      *slog.Logger
	metrics     *ServerMetrics
	readTimeout time.Duration
	closing     func() bool
}

func (h *connHandler) serve(conn net.Conn) {
	remote := slog.String("remote", conn.RemoteAddr().String())

	for {
		if h.closing != nil && h.closing() {
			return
		}

		if h.readTimeout > 0 {
			conn.SetReadDeadline(timeNow().Add(h.readTimeout))
		}

		frame, err := ReadFrame(conn)
		if err != nil {
			h.readFailed(err, remote)
			return
		}
		h.metrics.RequestsTotal.Add(1)

		resp := h.process(frame)
		if resp == nil {
			h.metrics.RequestsErrors.Add(1)
			h.logger.Warn("unanswerable request, closing connection",
				remote,
				slog.Uint64("tx_id", uint64(frame.Header.TransactionID)))
			return
		}

		if _, err := conn.Write(resp.Encode()); err != nil {
			h.metrics.RequestsErrors.Add(1)
			h.logger.Debug("write error", remote, slog.String("error", err.Error()))
			return
		}
	}
}

func (h *connHandler) readFailed(err error, remote slog.Attr) {
	switch {
	case errors.Is(err, io.EOF):
		h.logger.Debug("connection closed by peer", remote)
	case errors.Is(err, ErrMalformedHeader), errors.Is(err, ErrInvalidFrame):
		h.metrics.RequestsErrors.Add(1)
		h.logger.Warn("framing error, closing connection", remote, slog.String("error", err.Error()))
	default:
		// Idle timeouts are expected, do not log them.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		if h.closing == nil || !h.closing() {
			h.logger.Debug("read error", remote, slog.String("error", err.Error()))
		}
	}
}

// process answers one request. It returns nil when the request carries
// no function code and therefore cannot be answered.
func (h *connHandler) process(req *Frame) *Frame {
	unitID := req.Header.UnitID
	start := timeNow()

	pdu, err := Dispatch(h.router, unitID, req.PDU)
	if pdu == nil {
		return nil
	}

	fc := FunctionCode(req.PDU[0])
	ec := ExceptionCodeOf(err)
	h.metrics.observe(fc, ec, err != nil, timeNow().Sub(start))

	switch {
	case err == nil:
		h.logger.Debug("request handled",
			slog.Uint64("tx_id", uint64(req.Header.TransactionID)),
			slog.Uint64("unit_id", uint64(unitID)),
			slog.String("func", fc.String()))
	case ec == ExceptionServerDeviceFailure:
		h.logger.Error("handler error",
			slog.Uint64("tx_id", uint64(req.Header.TransactionID)),
			slog.Uint64("unit_id", uint64(unitID)),
			slog.String("func", fc.String()),
			slog.String("error", err.Error()))
	default:
		h.logger.Debug("exception response",
			slog.Uint64("tx_id", uint64(req.Header.TransactionID)),
			slog.Uint64("unit_id", uint64(unitID)),
			slog.String("func", fc.String()),
			slog.String("exception", ec.String()))
	}

	return &Frame{
		Header: MBAPHeader{
			TransactionID: req.Header.TransactionID,
			ProtocolID:    req.Header.ProtocolID,
			UnitID:        unitID,
		},
		PDU: pdu,
	}
}
