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
	"fmt"
)

// ExceptionCode represents a Modbus exception code.
type ExceptionCode uint8

// Modbus exception codes.
const (
	ExceptionIllegalFunction                    ExceptionCode = 0x01
	ExceptionIllegalDataAddress                 ExceptionCode = 0x02
	ExceptionIllegalDataValue                   ExceptionCode = 0x03
	ExceptionServerDeviceFailure                ExceptionCode = 0x04
	ExceptionAcknowledge                        ExceptionCode = 0x05
	ExceptionServerDeviceBusy                   ExceptionCode = 0x06
	ExceptionMemoryParityError                  ExceptionCode = 0x08
	ExceptionGatewayPathUnavailable             ExceptionCode = 0x0A
	ExceptionGatewayTargetDeviceFailedToRespond ExceptionCode = 0x0B
)

// String returns the string representation of the exception code.
func (e ExceptionCode) String() string {
	switch e {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionServerDeviceFailure:
		return "server device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionServerDeviceBusy:
		return "server device busy"
	case ExceptionMemoryParityError:
		return "memory parity error"
	case ExceptionGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExceptionGatewayTargetDeviceFailedToRespond:
		return "gateway target device failed to respond"
	default:
		return fmt.Sprintf("unknown exception (0x%02X)", uint8(e))
	}
}

// ModbusError is a failure that is answered with an exception response.
// Err, when set, is the underlying cause and is only used for logging.
type ModbusError struct {
	FunctionCode  FunctionCode
	ExceptionCode ExceptionCode
	Err           error
}

// Error implements the error interface.
func (e *ModbusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("modbus: exception %s (FC=%02X): %v", e.ExceptionCode, uint8(e.FunctionCode), e.Err)
	}
	return fmt.Sprintf("modbus: exception %s (FC=%02X)", e.ExceptionCode, uint8(e.FunctionCode))
}

// Is checks if the error matches the target.
func (e *ModbusError) Is(target error) bool {
	t, ok := target.(*ModbusError)
	if !ok {
		return false
	}
	return e.ExceptionCode == t.ExceptionCode
}

// Unwrap returns the underlying cause.
func (e *ModbusError) Unwrap() error {
	return e.Err
}

// Common errors.
var (
	// ErrMalformedHeader indicates an MBAP header that cannot be decoded.
	ErrMalformedHeader = errors.New("modbus: malformed MBAP header")

	// ErrInvalidProtocol indicates a non-zero protocol identifier.
	ErrInvalidProtocol = fmt.Errorf("%w: invalid protocol ID", ErrMalformedHeader)

	// ErrInvalidFrame indicates a frame whose length field cannot be honoured.
	ErrInvalidFrame = errors.New("modbus: invalid frame")

	// ErrEmptyPayload indicates a frame without a function code.
	ErrEmptyPayload = errors.New("modbus: empty payload")

	// ErrNoRoute indicates that no route matches a request.
	ErrNoRoute = errors.New("modbus: no route")

	// ErrNotReadable is returned by endpoints that only accept writes.
	ErrNotReadable = errors.New("modbus: endpoint is not readable")

	// ErrNotWritable is returned by endpoints that only serve reads.
	ErrNotWritable = errors.New("modbus: endpoint is not writable")

	// ErrInvalidResponse indicates the response was malformed or unexpected.
	ErrInvalidResponse = errors.New("modbus: invalid response")

	// ErrInvalidQuantity indicates an invalid quantity was specified.
	ErrInvalidQuantity = errors.New("modbus: invalid quantity")

	// ErrInvalidAddress indicates an invalid address was specified.
	ErrInvalidAddress = errors.New("modbus: invalid address")

	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("modbus: server closed")
)

// RouteError reports a lookup that matched no route.
type RouteError struct {
	UnitID       UnitID
	FunctionCode FunctionCode
	Address      uint16
}

// Error implements the error interface.
func (e *RouteError) Error() string {
	return fmt.Sprintf("modbus: no route for unit %d, %s, address %d", e.UnitID, e.FunctionCode, e.Address)
}

// Is matches ErrNoRoute.
func (e *RouteError) Is(target error) bool {
	return target == ErrNoRoute
}

// NewModbusError creates a new Modbus exception error.
func NewModbusError(fc FunctionCode, ec ExceptionCode) *ModbusError {
	return &ModbusError{
		FunctionCode:  fc,
		ExceptionCode: ec,
	}
}

// wrapException builds a ModbusError carrying cause.
func wrapException(fc FunctionCode, ec ExceptionCode, cause error) *ModbusError {
	return &ModbusError{
		FunctionCode:  fc,
		ExceptionCode: ec,
		Err:           cause,
	}
}

// ExceptionCodeOf maps an error to the exception code sent for it.
// Explicit ModbusErrors keep their code, routing failures become an
// illegal data address and everything else a server device failure.
func ExceptionCodeOf(err error) ExceptionCode {
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return modbusErr.ExceptionCode
	}
	if errors.Is(err, ErrNoRoute) {
		return ExceptionIllegalDataAddress
	}
	return ExceptionServerDeviceFailure
}

// IsException checks if an error is a specific Modbus exception.
func IsException(err error, code ExceptionCode) bool {
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return modbusErr.ExceptionCode == code
	}
	return false
}

// IsIllegalFunction checks if the error is an illegal function exception.
func IsIllegalFunction(err error) bool {
	return IsException(err, ExceptionIllegalFunction)
}

// IsIllegalDataAddress checks if the error is an illegal data address exception.
func IsIllegalDataAddress(err error) bool {
	return IsException(err, ExceptionIllegalDataAddress)
}

// IsIllegalDataValue checks if the error is an illegal data value exception.
func IsIllegalDataValue(err error) bool {
	return IsException(err, ExceptionIllegalDataValue)
}

// IsServerDeviceFailure checks if the error is a server device failure exception.
func IsServerDeviceFailure(err error) bool {
	return IsException(err, ExceptionServerDeviceFailure)
}
