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

// Package modbus provides a Modbus TCP server that routes requests to
// application callbacks registered per unit, function code and address.
package modbus

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Function codes understood by the dispatcher.
const (
	FuncReadCoils              FunctionCode = 0x01
	FuncReadDiscreteInputs     FunctionCode = 0x02
	FuncReadHoldingRegisters   FunctionCode = 0x03
	FuncReadInputRegisters     FunctionCode = 0x04
	FuncWriteSingleCoil        FunctionCode = 0x05
	FuncWriteSingleRegister    FunctionCode = 0x06
	FuncWriteMultipleCoils     FunctionCode = 0x0F
	FuncWriteMultipleRegisters FunctionCode = 0x10
)

// ExceptionFlag is the bit set in the function code of an exception response.
const ExceptionFlag FunctionCode = 0x80

// Protocol constants.
const (
	// MaxQuantityCoils is the maximum number of coils that can be read/written.
	MaxQuantityCoils = 2000

	// MaxQuantityDiscreteInputs is the maximum number of discrete inputs that can be read.
	MaxQuantityDiscreteInputs = 2000

	// MaxQuantityRegisters is the maximum number of registers that can be read.
	MaxQuantityRegisters = 125

	// MaxQuantityWriteRegisters is the maximum number of registers that can be written.
	MaxQuantityWriteRegisters = 123

	// MaxQuantityWriteCoils is the maximum number of coils that can be written at once.
	MaxQuantityWriteCoils = 1968

	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// MaxPDUSize is the largest PDU a Modbus TCP frame may carry.
	MaxPDUSize = 253

	// MaxFrameSize is the largest complete Modbus TCP frame.
	MaxFrameSize = MBAPHeaderSize + MaxPDUSize

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// DefaultPort is the default Modbus TCP port.
	DefaultPort = 502
)

// Coil values for write operations.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// String returns a string representation of FunctionCode.
func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	default:
		return "Unknown"
	}
}

// IsException reports whether the exception flag is set.
func (fc FunctionCode) IsException() bool {
	return fc&ExceptionFlag != 0
}

// AsException returns the function code with the exception flag set.
func (fc FunctionCode) AsException() FunctionCode {
	return fc | ExceptionFlag
}

// Endpoint is the application side of a route. Read is called once per
// addressed coil or register of a read request, Write once per written
// address. Bit values are exchanged as 0 or 1; a non-zero value read
// from a bit endpoint is reported as ON.
//
// Returning a *ModbusError selects the exception code sent to the peer.
// Any other error is answered with a server device failure.
type Endpoint interface {
	Read(unitID UnitID, addr uint16) (uint16, error)
	Write(unitID UnitID, addr uint16, value uint16) error
}

// ReadFunc adapts a function to a read-only Endpoint.
type ReadFunc func(unitID UnitID, addr uint16) (uint16, error)

// Read calls f.
func (f ReadFunc) Read(unitID UnitID, addr uint16) (uint16, error) {
	return f(unitID, addr)
}

// Write always fails with ErrNotWritable.
func (f ReadFunc) Write(UnitID, uint16, uint16) error {
	return ErrNotWritable
}

// WriteFunc adapts a function to a write-only Endpoint.
type WriteFunc func(unitID UnitID, addr uint16, value uint16) error

// Read always fails with ErrNotReadable.
func (f WriteFunc) Read(UnitID, uint16) (uint16, error) {
	return 0, ErrNotReadable
}

// Write calls f.
func (f WriteFunc) Write(unitID UnitID, addr uint16, value uint16) error {
	return f(unitID, addr, value)
}

// EndpointFuncs combines a read and a write function into one Endpoint.
// A nil half behaves like the missing side of ReadFunc or WriteFunc.
type EndpointFuncs struct {
	ReadFn  ReadFunc
	WriteFn WriteFunc
}

// Read calls ReadFn.
func (e EndpointFuncs) Read(unitID UnitID, addr uint16) (uint16, error) {
	if e.ReadFn == nil {
		return 0, ErrNotReadable
	}
	return e.ReadFn(unitID, addr)
}

// Write calls WriteFn.
func (e EndpointFuncs) Write(unitID UnitID, addr uint16, value uint16) error {
	if e.WriteFn == nil {
		return ErrNotWritable
	}
	return e.WriteFn(unitID, addr, value)
}
