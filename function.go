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
	"errors"
	"fmt"
)

type access int

const (
	accessRead access = iota
	accessWrite
)

// functionKind describes one supported function code. usesResult states
// whether the response payload is built from the values collected during
// execution; acknowledgement-only writes echo the request instead.
type functionKind struct {
	code       FunctionCode
	access     access
	bits       bool
	usesResult bool
	decode     func(k *functionKind, pdu []byte) (*FunctionRequest, error)
	encode     func(req *FunctionRequest, values []uint16) []byte
}

var functionKinds = map[FunctionCode]*functionKind{}

func init() {
	for _, k := range []*functionKind{
		{code: FuncReadCoils, access: accessRead, bits: true, usesResult: true, decode: decodeRead(MaxQuantityCoils), encode: encodeBits},
		{code: FuncReadDiscreteInputs, access: accessRead, bits: true, usesResult: true, decode: decodeRead(MaxQuantityDiscreteInputs), encode: encodeBits},
		{code: FuncReadHoldingRegisters, access: accessRead, usesResult: true, decode: decodeRead(MaxQuantityRegisters), encode: encodeRegisters},
		{code: FuncReadInputRegisters, access: accessRead, usesResult: true, decode: decodeRead(MaxQuantityRegisters), encode: encodeRegisters},
		{code: FuncWriteSingleCoil, access: accessWrite, bits: true, decode: decodeWriteSingleCoil, encode: encodeEchoSingle},
		{code: FuncWriteSingleRegister, access: accessWrite, decode: decodeWriteSingleRegister, encode: encodeEchoSingle},
		{code: FuncWriteMultipleCoils, access: accessWrite, bits: true, decode: decodeWriteMultipleCoils, encode: encodeEchoRange},
		{code: FuncWriteMultipleRegisters, access: accessWrite, decode: decodeWriteMultipleRegisters, encode: encodeEchoRange},
	} {
		functionKinds[k.code] = k
	}
}

// IsSupported reports whether the dispatcher implements fc.
func IsSupported(fc FunctionCode) bool {
	_, ok := functionKinds[fc]
	return ok
}

// FunctionRequest is a decoded request PDU.
type FunctionRequest struct {
	FunctionCode FunctionCode
	Address      uint16
	Quantity     uint16

	// Values holds the values to write, one per address. Coil values are
	// 0 or 1. Empty for reads.
	Values []uint16

	// raw is the on-wire value of a single write, echoed in the response.
	raw  uint16
	kind *functionKind
}

// IsWrite reports whether the request modifies data.
func (r *FunctionRequest) IsWrite() bool {
	return r.kind.access == accessWrite
}

// UsesResult reports whether EncodeResponse consumes the execution result.
func (r *FunctionRequest) UsesResult() bool {
	return r.kind.usesResult
}

// Result holds the values collected while executing a request, one per
// address in ascending address order.
type Result struct {
	Values []uint16
}

// DecodeRequest decodes a request PDU (function code included). Unknown
// function codes fail with an illegal function exception and malformed
// payloads with an illegal data value or illegal data address exception.
func DecodeRequest(pdu []byte) (*FunctionRequest, error) {
	fc, err := FunctionCodeFromPDU(pdu)
	if err != nil {
		return nil, err
	}
	kind, ok := functionKinds[fc]
	if !ok {
		return nil, NewModbusError(fc, ExceptionIllegalFunction)
	}
	return kind.decode(kind, pdu)
}

// Execute resolves an endpoint for every addressed coil or register and
// then invokes them in address order. Any failure aborts the request:
// an unresolved address yields an illegal data address exception, an
// endpoint error a server device failure unless the endpoint returned a
// *ModbusError of its own. Endpoint panics are reported as server device
// failures.
func (r *FunctionRequest) Execute(unitID UnitID, router *Router) (res *Result, err error) {
	endpoints := make([]Endpoint, r.Quantity)
	for i := range endpoints {
		ep, err := router.Resolve(unitID, r.FunctionCode, r.Address+uint16(i))
		if err != nil {
			return nil, wrapException(r.FunctionCode, ExceptionIllegalDataAddress, err)
		}
		endpoints[i] = ep
	}

	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = wrapException(r.FunctionCode, ExceptionServerDeviceFailure, fmt.Errorf("endpoint panic: %v", p))
		}
	}()

	if r.kind.access == accessWrite {
		for i, ep := range endpoints {
			if err := ep.Write(unitID, r.Address+uint16(i), r.Values[i]); err != nil {
				return nil, r.endpointError(err)
			}
		}
		return &Result{}, nil
	}

	values := make([]uint16, len(endpoints))
	for i, ep := range endpoints {
		v, err := ep.Read(unitID, r.Address+uint16(i))
		if err != nil {
			return nil, r.endpointError(err)
		}
		if r.kind.bits && v != 0 {
			v = 1
		}
		values[i] = v
	}
	return &Result{Values: values}, nil
}

func (r *FunctionRequest) endpointError(err error) error {
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return wrapException(r.FunctionCode, modbusErr.ExceptionCode, err)
	}
	return wrapException(r.FunctionCode, ExceptionServerDeviceFailure, err)
}

// EncodeResponse builds the response PDU for req. res may be nil, which
// is the same as an empty result; function kinds that do not use a result
// ignore it.
func EncodeResponse(req *FunctionRequest, res *Result) []byte {
	var values []uint16
	if req.kind.usesResult && res != nil {
		values = res.Values
	}
	return req.kind.encode(req, values)
}

// Dispatch runs one request PDU through decode, execute and encode. Every
// failure is folded into an exception PDU that is returned together with
// the error that caused it. Only an empty pdu, which carries no function
// code to answer with, yields a nil PDU.
func Dispatch(router *Router, unitID UnitID, pdu []byte) ([]byte, error) {
	fc, err := FunctionCodeFromPDU(pdu)
	if err != nil {
		return nil, err
	}

	req, err := DecodeRequest(pdu)
	if err == nil {
		var res *Result
		if res, err = req.Execute(unitID, router); err == nil {
			return EncodeResponse(req, res), nil
		}
	}
	return EncodeExceptionPDU(fc, ExceptionCodeOf(err)), err
}

func decodeRead(maxQty uint16) func(*functionKind, []byte) (*FunctionRequest, error) {
	return func(k *functionKind, pdu []byte) (*FunctionRequest, error) {
		if len(pdu) < 5 {
			return nil, NewModbusError(k.code, ExceptionIllegalDataValue)
		}
		addr := binary.BigEndian.Uint16(pdu[1:3])
		qty := binary.BigEndian.Uint16(pdu[3:5])
		if err := validateRange(k.code, addr, qty, maxQty); err != nil {
			return nil, err
		}
		return &FunctionRequest{FunctionCode: k.code, Address: addr, Quantity: qty, kind: k}, nil
	}
}

func decodeWriteSingleCoil(k *functionKind, pdu []byte) (*FunctionRequest, error) {
	if len(pdu) < 5 {
		return nil, NewModbusError(k.code, ExceptionIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	raw := binary.BigEndian.Uint16(pdu[3:5])

	var value uint16
	switch raw {
	case CoilOn:
		value = 1
	case CoilOff:
		value = 0
	default:
		return nil, NewModbusError(k.code, ExceptionIllegalDataValue)
	}
	return &FunctionRequest{FunctionCode: k.code, Address: addr, Quantity: 1, Values: []uint16{value}, raw: raw, kind: k}, nil
}

func decodeWriteSingleRegister(k *functionKind, pdu []byte) (*FunctionRequest, error) {
	if len(pdu) < 5 {
		return nil, NewModbusError(k.code, ExceptionIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])
	return &FunctionRequest{FunctionCode: k.code, Address: addr, Quantity: 1, Values: []uint16{value}, raw: value, kind: k}, nil
}

func decodeWriteMultipleCoils(k *functionKind, pdu []byte) (*FunctionRequest, error) {
	addr, qty, data, err := decodeWriteMultipleHeader(k, pdu, MaxQuantityWriteCoils, func(qty uint16) int {
		return (int(qty) + 7) / 8
	})
	if err != nil {
		return nil, err
	}
	values := make([]uint16, qty)
	for i := range values {
		if data[i/8]&(1<<(i%8)) != 0 {
			values[i] = 1
		}
	}
	return &FunctionRequest{FunctionCode: k.code, Address: addr, Quantity: qty, Values: values, kind: k}, nil
}

func decodeWriteMultipleRegisters(k *functionKind, pdu []byte) (*FunctionRequest, error) {
	addr, qty, data, err := decodeWriteMultipleHeader(k, pdu, MaxQuantityWriteRegisters, func(qty uint16) int {
		return int(qty) * 2
	})
	if err != nil {
		return nil, err
	}
	values := make([]uint16, qty)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return &FunctionRequest{FunctionCode: k.code, Address: addr, Quantity: qty, Values: values, kind: k}, nil
}

// decodeWriteMultipleHeader validates address, quantity and byte count of
// FC15/FC16 and returns the data section.
func decodeWriteMultipleHeader(k *functionKind, pdu []byte, maxQty uint16, byteCountFor func(uint16) int) (uint16, uint16, []byte, error) {
	if len(pdu) < 6 {
		return 0, 0, nil, NewModbusError(k.code, ExceptionIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])
	byteCount := int(pdu[5])

	if err := validateRange(k.code, addr, qty, maxQty); err != nil {
		return 0, 0, nil, err
	}
	if byteCount != byteCountFor(qty) || len(pdu) < 6+byteCount {
		return 0, 0, nil, NewModbusError(k.code, ExceptionIllegalDataValue)
	}
	return addr, qty, pdu[6 : 6+byteCount], nil
}

func validateRange(fc FunctionCode, addr, qty, maxQty uint16) error {
	if qty < 1 || qty > maxQty {
		return NewModbusError(fc, ExceptionIllegalDataValue)
	}
	if uint32(addr)+uint32(qty) > 65536 {
		return NewModbusError(fc, ExceptionIllegalDataAddress)
	}
	return nil
}

func encodeBits(req *FunctionRequest, values []uint16) []byte {
	byteCount := (len(values) + 7) / 8
	resp := make([]byte, 2+byteCount)
	resp[0] = byte(req.FunctionCode)
	resp[1] = byte(byteCount)
	for i, v := range values {
		if v != 0 {
			resp[2+i/8] |= 1 << (i % 8)
		}
	}
	return resp
}

func encodeRegisters(req *FunctionRequest, values []uint16) []byte {
	resp := make([]byte, 2+2*len(values))
	resp[0] = byte(req.FunctionCode)
	resp[1] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(resp[2+i*2:], v)
	}
	return resp
}

func encodeEchoSingle(req *FunctionRequest, _ []uint16) []byte {
	return buildAddrValuePDU(req.FunctionCode, req.Address, req.raw)
}

func encodeEchoRange(req *FunctionRequest, _ []uint16) []byte {
	return buildAddrValuePDU(req.FunctionCode, req.Address, req.Quantity)
}
