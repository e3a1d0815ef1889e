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
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMBAPHeader_Encode(t *testing.T) {
	header := MBAPHeader{
		TransactionID: 0x0001,
		ProtocolID:    0x0000,
		Length:        0x0006,
		UnitID:        0x01,
	}

	expected := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01}
	assert.Equal(t, expected, header.Encode())
}

func TestMBAPHeader_Decode(t *testing.T) {
	data := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01}

	var header MBAPHeader
	require.NoError(t, header.Decode(data))

	assert.Equal(t, uint16(0x0001), header.TransactionID)
	assert.Equal(t, uint16(0x0000), header.ProtocolID)
	assert.Equal(t, uint16(0x0006), header.Length)
	assert.Equal(t, UnitID(0x01), header.UnitID)
}

func TestDecodeHeader_TooShort(t *testing.T) {
	for n := 0; n < MBAPHeaderSize; n++ {
		_, err := DecodeHeader(make([]byte, n))
		assert.ErrorIs(t, err, ErrMalformedHeader, "length %d", n)
	}
}

func TestDecodeHeader_InvalidProtocol(t *testing.T) {
	_, err := DecodeHeader([]byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x02, 0x01})
	assert.ErrorIs(t, err, ErrInvalidProtocol)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestDecodeHeader_IgnoresTrailingBytes(t *testing.T) {
	h, err := DecodeHeader([]byte{0x12, 0x34, 0x00, 0x00, 0x00, 0x03, 0x11, 0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, MBAPHeader{TransactionID: 0x1234, Length: 3, UnitID: 0x11}, h)
}

func TestHeader_RoundTrip(t *testing.T) {
	cases := []MBAPHeader{
		{TransactionID: 0, Length: 2, UnitID: 0},
		{TransactionID: 0xFFFF, Length: 254, UnitID: 0xFF},
		{TransactionID: 0x0102, Length: 6, UnitID: 0x11},
	}
	for _, h := range cases {
		encoded := EncodeHeader(h.TransactionID, h.ProtocolID, h.Length, h.UnitID)
		require.Len(t, encoded, MBAPHeaderSize)

		decoded, err := DecodeHeader(encoded)
		require.NoError(t, err)
		assert.Equal(t, h, decoded)
	}
}

func TestEncodeExceptionPDU(t *testing.T) {
	for fc := 0; fc < 0x80; fc++ {
		for ec := 0; ec < 0x100; ec++ {
			pdu := EncodeExceptionPDU(FunctionCode(fc), ExceptionCode(ec))
			if len(pdu) != 2 || pdu[0] != byte(fc)|0x80 || pdu[1] != byte(ec) {
				t.Fatalf("fc=%d ec=%d: got %x", fc, ec, pdu)
			}
		}
	}
}

func TestFunctionCodeFromPDU(t *testing.T) {
	fc, err := FunctionCodeFromPDU([]byte{0x03, 0x00})
	require.NoError(t, err)
	assert.Equal(t, FuncReadHoldingRegisters, fc)

	_, err = FunctionCodeFromPDU(nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestFrame_Encode(t *testing.T) {
	frame := Frame{
		Header: MBAPHeader{
			TransactionID: 0x0001,
			UnitID:        0x01,
			Length:        0x00FF, // recomputed
		},
		PDU: []byte{0x03, 0x00, 0x00, 0x00, 0x0A},
	}

	result := frame.Encode()

	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01}, result[:7])
	assert.Equal(t, frame.PDU, result[7:])
	assert.Equal(t, uint16(6), frame.Header.Length)
}

func TestFrame_Decode(t *testing.T) {
	data := []byte{
		0x00, 0x01, // Transaction ID
		0x00, 0x00, // Protocol ID
		0x00, 0x06, // Length
		0x01,                         // Unit ID
		0x03, 0x00, 0x00, 0x00, 0x0A, // PDU
	}

	var frame Frame
	require.NoError(t, frame.Decode(data))

	assert.Equal(t, uint16(0x0001), frame.Header.TransactionID)
	assert.Equal(t, []byte{0x03, 0x00, 0x00, 0x00, 0x0A}, frame.PDU)
}

func TestFrame_Decode_Incomplete(t *testing.T) {
	var frame Frame
	err := frame.Decode([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03})
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestReadFrame(t *testing.T) {
	data := []byte{
		0x00, 0x01, // Transaction ID
		0x00, 0x00, // Protocol ID
		0x00, 0x05, // Length
		0x01,                   // Unit ID
		0x03, 0x02, 0x00, 0x0A, // PDU
	}

	frame, err := ReadFrame(bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, uint16(0x0001), frame.Header.TransactionID)
	assert.Equal(t, UnitID(0x01), frame.Header.UnitID)
	assert.Equal(t, []byte{0x03, 0x02, 0x00, 0x0A}, frame.PDU)
}

func TestReadFrame_Sequence(t *testing.T) {
	var buf bytes.Buffer
	for i := uint16(1); i <= 3; i++ {
		f := Frame{Header: MBAPHeader{TransactionID: i, UnitID: 1}, PDU: []byte{0x03, 0x00, byte(i), 0x00, 0x01}}
		buf.Write(f.Encode())
	}

	for i := uint16(1); i <= 3; i++ {
		frame, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, i, frame.Header.TransactionID)
		assert.Equal(t, byte(i), frame.PDU[2])
	}

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrame_EmptyPDU(t *testing.T) {
	frame, err := ReadFrame(bytes.NewReader([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01}))
	require.NoError(t, err)
	assert.Empty(t, frame.PDU)
}

func TestReadFrame_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short header", []byte{0x00, 0x01, 0x00}, io.ErrUnexpectedEOF},
		{"bad protocol", []byte{0x00, 0x01, 0x00, 0x07, 0x00, 0x02, 0x01, 0x03}, ErrInvalidProtocol},
		{"zero length", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x01}, ErrInvalidFrame},
		{"oversized length", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0xFF, 0x01}, ErrInvalidFrame},
		{"truncated pdu", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00}, io.ErrUnexpectedEOF},
		{"missing pdu", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01}, io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}

func TestReadFrame_MaxPDU(t *testing.T) {
	f := Frame{Header: MBAPHeader{TransactionID: 9, UnitID: 1}, PDU: make([]byte, MaxPDUSize)}
	encoded := f.Encode()
	require.Len(t, encoded, MaxFrameSize)

	frame, err := ReadFrame(bytes.NewReader(encoded))
	require.NoError(t, err)
	assert.Len(t, frame.PDU, MaxPDUSize)
}
