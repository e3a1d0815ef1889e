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
	"encoding/binary"
	"fmt"
	"io"
)

// MBAPHeader represents the Modbus Application Protocol header for TCP.
type MBAPHeader struct {
	TransactionID uint16 // Transaction identifier
	ProtocolID    uint16 // Protocol identifier (always 0 for Modbus)
	Length        uint16 // Number of following bytes (Unit ID + PDU)
	UnitID        UnitID // Unit identifier (slave address)
}

// Encode encodes the MBAP header to bytes.
func (h *MBAPHeader) Encode() []byte {
	return EncodeHeader(h.TransactionID, h.ProtocolID, h.Length, h.UnitID)
}

// Decode decodes the MBAP header from bytes.
func (h *MBAPHeader) Decode(data []byte) error {
	decoded, err := DecodeHeader(data)
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}

// EncodeHeader serialises the MBAP header fields into 7 big-endian bytes.
func EncodeHeader(transactionID, protocolID, length uint16, unitID UnitID) []byte {
	buf := make([]byte, MBAPHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], transactionID)
	binary.BigEndian.PutUint16(buf[2:4], protocolID)
	binary.BigEndian.PutUint16(buf[4:6], length)
	buf[6] = byte(unitID)
	return buf
}

// DecodeHeader parses the first 7 bytes of data. A non-zero protocol
// identifier is rejected with ErrInvalidProtocol.
func DecodeHeader(data []byte) (MBAPHeader, error) {
	if len(data) < MBAPHeaderSize {
		return MBAPHeader{}, fmt.Errorf("%w: need %d bytes, got %d", ErrMalformedHeader, MBAPHeaderSize, len(data))
	}
	h := MBAPHeader{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        UnitID(data[6]),
	}
	if h.ProtocolID != ProtocolID {
		return h, fmt.Errorf("%w %d", ErrInvalidProtocol, h.ProtocolID)
	}
	return h, nil
}

// EncodeExceptionPDU builds the two byte payload of an exception response.
func EncodeExceptionPDU(fc FunctionCode, ec ExceptionCode) []byte {
	return []byte{byte(fc.AsException()), byte(ec)}
}

// FunctionCodeFromPDU returns the function code that starts pdu.
func FunctionCodeFromPDU(pdu []byte) (FunctionCode, error) {
	if len(pdu) == 0 {
		return 0, ErrEmptyPayload
	}
	return FunctionCode(pdu[0]), nil
}

// Frame represents a complete Modbus TCP frame (MBAP header + PDU).
type Frame struct {
	Header MBAPHeader
	PDU    []byte
}

// Encode encodes the frame to bytes. The header length is always
// recomputed from the PDU.
func (f *Frame) Encode() []byte {
	f.Header.Length = uint16(len(f.PDU) + 1) // PDU length + Unit ID
	buf := make([]byte, MBAPHeaderSize+len(f.PDU))
	copy(buf, f.Header.Encode())
	copy(buf[MBAPHeaderSize:], f.PDU)
	return buf
}

// Decode decodes a frame from bytes.
func (f *Frame) Decode(data []byte) error {
	if err := f.Header.Decode(data); err != nil {
		return err
	}
	pduLen := int(f.Header.Length) - 1 // Length includes Unit ID
	if pduLen < 0 {
		return fmt.Errorf("%w: invalid length field", ErrInvalidFrame)
	}
	if len(data) < MBAPHeaderSize+pduLen {
		return fmt.Errorf("%w: incomplete frame", ErrInvalidFrame)
	}
	f.PDU = make([]byte, pduLen)
	copy(f.PDU, data[MBAPHeaderSize:MBAPHeaderSize+pduLen])
	return nil
}

// ReadFrame reads a complete Modbus TCP frame from a reader. io.EOF is
// returned unchanged when the stream ends before the first header byte.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, MBAPHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	var f Frame
	if err := f.Header.Decode(header); err != nil {
		return nil, err
	}

	// The length covers the unit id, which is already part of the header.
	pduLen := int(f.Header.Length) - 1
	if pduLen < 0 || pduLen > MaxPDUSize {
		return nil, fmt.Errorf("%w: invalid PDU length %d", ErrInvalidFrame, pduLen)
	}

	f.PDU = make([]byte, pduLen)
	if _, err := io.ReadFull(r, f.PDU); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return &f, nil
}
