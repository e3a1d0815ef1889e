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
	"bytes"
	"errors"
	"testing"
)

func TestBuildReadCoilsPDU(t *testing.T) {
	pdu, err := BuildReadCoilsPDU(0x0013, 0x0025)
	if err != nil {
		t.Fatalf("BuildReadCoilsPDU failed: %v", err)
	}

	expected := []byte{0x01, 0x00, 0x13, 0x00, 0x25}
	if !bytes.Equal(pdu, expected) {
		t.Errorf("Expected %x, got %x", expected, pdu)
	}
}

func TestBuildReadCoilsPDU_InvalidQuantity(t *testing.T) {
	_, err := BuildReadCoilsPDU(0, 0)
	if err == nil {
		t.Error("Expected error for quantity 0")
	}

	_, err = BuildReadCoilsPDU(0, MaxQuantityCoils+1)
	if err == nil {
		t.Error("Expected error for quantity > max")
	}
}

func TestBuildReadHoldingRegistersPDU(t *testing.T) {
	pdu, err := BuildReadHoldingRegistersPDU(0x006B, 0x0003)
	if err != nil {
		t.Fatalf("BuildReadHoldingRegistersPDU failed: %v", err)
	}

	expected := []byte{0x03, 0x00, 0x6B, 0x00, 0x03}
	if !bytes.Equal(pdu, expected) {
		t.Errorf("Expected %x, got %x", expected, pdu)
	}
}

func TestBuildWriteSingleCoilPDU(t *testing.T) {
	// Test ON
	pduOn := BuildWriteSingleCoilPDU(0x00AC, true)
	expectedOn := []byte{0x05, 0x00, 0xAC, 0xFF, 0x00}
	if !bytes.Equal(pduOn, expectedOn) {
		t.Errorf("ON: expected %x, got %x", expectedOn, pduOn)
	}

	// Test OFF
	pduOff := BuildWriteSingleCoilPDU(0x00AC, false)
	expectedOff := []byte{0x05, 0x00, 0xAC, 0x00, 0x00}
	if !bytes.Equal(pduOff, expectedOff) {
		t.Errorf("OFF: expected %x, got %x", expectedOff, pduOff)
	}
}

func TestBuildWriteSingleRegisterPDU(t *testing.T) {
	pdu := BuildWriteSingleRegisterPDU(0x0001, 0x0003)
	expected := []byte{0x06, 0x00, 0x01, 0x00, 0x03}
	if !bytes.Equal(pdu, expected) {
		t.Errorf("Expected %x, got %x", expected, pdu)
	}
}

func TestBuildWriteMultipleCoilsPDU(t *testing.T) {
	values := []bool{true, false, true, true, false, false, true, true, true, false}
	pdu, err := BuildWriteMultipleCoilsPDU(0x0013, values)
	if err != nil {
		t.Fatalf("BuildWriteMultipleCoilsPDU failed: %v", err)
	}

	expected := []byte{0x0F, 0x00, 0x13, 0x00, 0x0A, 0x02, 0xCD, 0x01}
	if !bytes.Equal(pdu, expected) {
		t.Errorf("Expected %x, got %x", expected, pdu)
	}
}

func TestBuildWriteMultipleRegistersPDU(t *testing.T) {
	values := []uint16{0x000A, 0x0102}
	pdu, err := BuildWriteMultipleRegistersPDU(0x0001, values)
	if err != nil {
		t.Fatalf("BuildWriteMultipleRegistersPDU failed: %v", err)
	}

	expected := []byte{0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02}
	if !bytes.Equal(pdu, expected) {
		t.Errorf("Expected %x, got %x", expected, pdu)
	}
}

func TestParseCoilsResponse(t *testing.T) {
	// Response for reading 19 coils
	pdu := []byte{0x01, 0x03, 0xCD, 0x6B, 0x05}
	values, err := ParseCoilsResponse(pdu, 19)
	if err != nil {
		t.Fatalf("ParseCoilsResponse failed: %v", err)
	}

	if len(values) != 19 {
		t.Errorf("Expected 19 values, got %d", len(values))
	}

	// Check first byte: 0xCD = 11001101
	expectedFirst := []bool{true, false, true, true, false, false, true, true}
	for i, v := range expectedFirst {
		if values[i] != v {
			t.Errorf("values[%d]: expected %v, got %v", i, v, values[i])
		}
	}
}

func TestParseRegistersResponse(t *testing.T) {
	pdu := []byte{0x03, 0x06, 0x00, 0x6B, 0x00, 0x02, 0x00, 0x64}
	values, err := ParseRegistersResponse(pdu, 3)
	if err != nil {
		t.Fatalf("ParseRegistersResponse failed: %v", err)
	}

	expected := []uint16{0x006B, 0x0002, 0x0064}
	for i, v := range expected {
		if values[i] != v {
			t.Errorf("values[%d]: expected 0x%04X, got 0x%04X", i, v, values[i])
		}
	}
}

func TestIsExceptionResponse(t *testing.T) {
	// Normal response
	normalPDU := []byte{0x03, 0x02, 0x00, 0x01}
	if IsExceptionResponse(normalPDU) {
		t.Error("Normal response should not be exception")
	}

	// Exception response (FC 0x83 = 0x03 | 0x80)
	exceptionPDU := []byte{0x83, 0x02}
	if !IsExceptionResponse(exceptionPDU) {
		t.Error("Exception response should be detected")
	}
}

func TestParseExceptionResponse(t *testing.T) {
	pdu := []byte{0x83, 0x02}
	err := ParseExceptionResponse(pdu)

	if err == nil {
		t.Fatal("Expected error")
	}
	if err.FunctionCode != FuncReadHoldingRegisters {
		t.Errorf("FunctionCode: expected %d, got %d", FuncReadHoldingRegisters, err.FunctionCode)
	}
	if err.ExceptionCode != ExceptionIllegalDataAddress {
		t.Errorf("ExceptionCode: expected %d, got %d", ExceptionIllegalDataAddress, err.ExceptionCode)
	}
}

func TestTransactionIDGenerator(t *testing.T) {
	var gen TransactionIDGenerator

	id1 := gen.Next()
	id2 := gen.Next()
	id3 := gen.Next()

	if id1 != 1 {
		t.Errorf("First ID should be 1, got %d", id1)
	}
	if id2 != 2 {
		t.Errorf("Second ID should be 2, got %d", id2)
	}
	if id3 != 3 {
		t.Errorf("Third ID should be 3, got %d", id3)
	}
}

func TestBuildReadPDU_AddressOverflow(t *testing.T) {
	_, err := BuildReadHoldingRegistersPDU(0xFFFF, 2)
	if !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Expected ErrInvalidAddress, got %v", err)
	}

	if _, err := BuildReadHoldingRegistersPDU(0xFFFF, 1); err != nil {
		t.Errorf("Last register should be addressable: %v", err)
	}
}

func TestBuildWriteMultipleRegistersPDU_TooMany(t *testing.T) {
	_, err := BuildWriteMultipleRegistersPDU(0, make([]uint16, MaxQuantityWriteRegisters+1))
	if !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("Expected ErrInvalidQuantity, got %v", err)
	}
}

func TestParseCoilsResponse_BadByteCount(t *testing.T) {
	_, err := ParseCoilsResponse([]byte{0x01, 0x01, 0xFF}, 9)
	if !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("Expected ErrInvalidResponse, got %v", err)
	}
}

func TestParseWriteResponse(t *testing.T) {
	pdu := []byte{0x06, 0x00, 0x01, 0x00, 0x03}
	if err := ParseWriteResponse(pdu, 0x0001, 0x0003); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if err := ParseWriteResponse(pdu, 0x0002, 0x0003); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("Expected address mismatch, got %v", err)
	}
	if err := ParseWriteResponse(pdu, 0x0001, 0x0004); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("Expected value mismatch, got %v", err)
	}
	if err := ParseWriteResponse(pdu[:3], 0x0001, 0x0003); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("Expected short response error, got %v", err)
	}
}

func TestParseExceptionResponse_TooShort(t *testing.T) {
	if err := ParseExceptionResponse([]byte{0x83}); err != nil {
		t.Errorf("Expected nil for truncated exception, got %v", err)
	}
}
