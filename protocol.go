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
	"sync/atomic"
)

// TransactionIDGenerator generates unique transaction IDs.
type TransactionIDGenerator struct {
	counter uint32
}

// Next returns the next transaction ID.
func (g *TransactionIDGenerator) Next() uint16 {
	return uint16(atomic.AddUint32(&g.counter, 1))
}

// Request PDU builders, used by probing clients and tests.

func checkRange(addr, qty, max uint16) error {
	if qty < 1 || qty > max {
		return fmt.Errorf("%w: quantity must be 1-%d", ErrInvalidQuantity, max)
	}
	if uint32(addr)+uint32(qty) > 65536 {
		return fmt.Errorf("%w: address range exceeds 65535", ErrInvalidAddress)
	}
	return nil
}

func buildAddrValuePDU(fc FunctionCode, addr, value uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = byte(fc)
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], value)
	return pdu
}

func buildRangePDU(fc FunctionCode, addr, qty, max uint16) ([]byte, error) {
	if err := checkRange(addr, qty, max); err != nil {
		return nil, err
	}
	return buildAddrValuePDU(fc, addr, qty), nil
}

// BuildReadCoilsPDU builds a PDU for reading coils (FC01).
func BuildReadCoilsPDU(addr, qty uint16) ([]byte, error) {
	return buildRangePDU(FuncReadCoils, addr, qty, MaxQuantityCoils)
}

// BuildReadDiscreteInputsPDU builds a PDU for reading discrete inputs (FC02).
func BuildReadDiscreteInputsPDU(addr, qty uint16) ([]byte, error) {
	return buildRangePDU(FuncReadDiscreteInputs, addr, qty, MaxQuantityDiscreteInputs)
}

// BuildReadHoldingRegistersPDU builds a PDU for reading holding registers (FC03).
func BuildReadHoldingRegistersPDU(addr, qty uint16) ([]byte, error) {
	return buildRangePDU(FuncReadHoldingRegisters, addr, qty, MaxQuantityRegisters)
}

// BuildReadInputRegistersPDU builds a PDU for reading input registers (FC04).
func BuildReadInputRegistersPDU(addr, qty uint16) ([]byte, error) {
	return buildRangePDU(FuncReadInputRegisters, addr, qty, MaxQuantityRegisters)
}

// BuildWriteSingleCoilPDU builds a PDU for writing a single coil (FC05).
func BuildWriteSingleCoilPDU(addr uint16, value bool) []byte {
	if value {
		return buildAddrValuePDU(FuncWriteSingleCoil, addr, CoilOn)
	}
	return buildAddrValuePDU(FuncWriteSingleCoil, addr, CoilOff)
}

// BuildWriteSingleRegisterPDU builds a PDU for writing a single register (FC06).
func BuildWriteSingleRegisterPDU(addr, value uint16) []byte {
	return buildAddrValuePDU(FuncWriteSingleRegister, addr, value)
}

// BuildWriteMultipleCoilsPDU builds a PDU for writing multiple coils (FC15).
func BuildWriteMultipleCoilsPDU(addr uint16, values []bool) ([]byte, error) {
	if len(values) > MaxQuantityWriteCoils {
		return nil, fmt.Errorf("%w: quantity must be 1-%d", ErrInvalidQuantity, MaxQuantityWriteCoils)
	}
	qty := uint16(len(values))
	if err := checkRange(addr, qty, MaxQuantityWriteCoils); err != nil {
		return nil, err
	}
	packed := packBits(values)
	pdu := make([]byte, 6+len(packed))
	copy(pdu, buildAddrValuePDU(FuncWriteMultipleCoils, addr, qty))
	pdu[5] = byte(len(packed))
	copy(pdu[6:], packed)
	return pdu, nil
}

// BuildWriteMultipleRegistersPDU builds a PDU for writing multiple registers (FC16).
func BuildWriteMultipleRegistersPDU(addr uint16, values []uint16) ([]byte, error) {
	if len(values) > MaxQuantityWriteRegisters {
		return nil, fmt.Errorf("%w: quantity must be 1-%d", ErrInvalidQuantity, MaxQuantityWriteRegisters)
	}
	qty := uint16(len(values))
	if err := checkRange(addr, qty, MaxQuantityWriteRegisters); err != nil {
		return nil, err
	}
	pdu := make([]byte, 6+2*len(values))
	copy(pdu, buildAddrValuePDU(FuncWriteMultipleRegisters, addr, qty))
	pdu[5] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(pdu[6+i*2:], v)
	}
	return pdu, nil
}

// packBits packs values LSB first, eight per byte.
func packBits(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// Response parsing helpers

// ParseCoilsResponse parses a coils response (FC01/FC02) and returns the values.
func ParseCoilsResponse(pdu []byte, qty uint16) ([]bool, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("%w: response too short", ErrInvalidResponse)
	}
	byteCount := int(pdu[1])
	expectedBytes := (int(qty) + 7) / 8
	if byteCount != expectedBytes || len(pdu) < 2+byteCount {
		return nil, fmt.Errorf("%w: invalid byte count", ErrInvalidResponse)
	}

	values := make([]bool, qty)
	for i := range values {
		values[i] = pdu[2+i/8]&(1<<(i%8)) != 0
	}
	return values, nil
}

// ParseRegistersResponse parses a registers response (FC03/FC04) and returns the values.
func ParseRegistersResponse(pdu []byte, qty uint16) ([]uint16, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("%w: response too short", ErrInvalidResponse)
	}
	byteCount := int(pdu[1])
	if byteCount != int(qty)*2 || len(pdu) < 2+byteCount {
		return nil, fmt.Errorf("%w: invalid byte count", ErrInvalidResponse)
	}

	values := make([]uint16, qty)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(pdu[2+i*2:])
	}
	return values, nil
}

// ParseWriteResponse checks an echoed write response (FC05/06/15/16):
// the two 16-bit words after the function code must equal want1 and want2.
func ParseWriteResponse(pdu []byte, want1, want2 uint16) error {
	if len(pdu) < 5 {
		return fmt.Errorf("%w: response too short", ErrInvalidResponse)
	}
	if got := binary.BigEndian.Uint16(pdu[1:3]); got != want1 {
		return fmt.Errorf("%w: address mismatch (got %d, want %d)", ErrInvalidResponse, got, want1)
	}
	if got := binary.BigEndian.Uint16(pdu[3:5]); got != want2 {
		return fmt.Errorf("%w: value mismatch (got %d, want %d)", ErrInvalidResponse, got, want2)
	}
	return nil
}

// IsExceptionResponse checks if the PDU is an exception response.
func IsExceptionResponse(pdu []byte) bool {
	return len(pdu) > 0 && FunctionCode(pdu[0]).IsException()
}

// ParseExceptionResponse parses an exception response.
func ParseExceptionResponse(pdu []byte) *ModbusError {
	if len(pdu) < 2 {
		return nil
	}
	return &ModbusError{
		FunctionCode:  FunctionCode(pdu[0]) &^ ExceptionFlag,
		ExceptionCode: ExceptionCode(pdu[1]),
	}
}
