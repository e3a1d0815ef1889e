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

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	modbus "github.com/edgeo-scada/modbus-router"
	"github.com/edgeo-scada/modbus-router/internal/config"
	"github.com/edgeo-scada/modbus-router/internal/transport"
)

var (
	probeAddr   uint16
	probeCount  uint16
	probeValues []string
	probePDU    string
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Send single requests to a Modbus TCP server",
	Long: `Send single requests to a Modbus TCP server and print the answer.

Connection flags can also be set through MBROUTER_PROBE_HOST,
MBROUTER_PROBE_PORT, MBROUTER_PROBE_UNIT, MBROUTER_PROBE_TIMEOUT and
MBROUTER_PROBE_OUTPUT.`,
}

var probeReadCoilsCmd = &cobra.Command{
	Use:     "read-coils",
	Aliases: []string{"rc"},
	Short:   "Read coils (FC01)",
	Example: `  mbrouter probe read-coils -a 0 -c 10 -H 192.168.1.100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProbeReadBits(cmd, modbus.BuildReadCoilsPDU, "Coils")
	},
}

var probeReadDiscreteInputsCmd = &cobra.Command{
	Use:     "read-discrete-inputs",
	Aliases: []string{"rdi"},
	Short:   "Read discrete inputs (FC02)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProbeReadBits(cmd, modbus.BuildReadDiscreteInputsPDU, "Discrete Inputs")
	},
}

var probeReadHoldingCmd = &cobra.Command{
	Use:     "read-holding",
	Aliases: []string{"rhr"},
	Short:   "Read holding registers (FC03)",
	Example: `  mbrouter probe read-holding -a 100 -c 4 -o hex`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProbeReadRegisters(cmd, modbus.BuildReadHoldingRegistersPDU, "Holding Registers")
	},
}

var probeReadInputCmd = &cobra.Command{
	Use:     "read-input",
	Aliases: []string{"rir"},
	Short:   "Read input registers (FC04)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProbeReadRegisters(cmd, modbus.BuildReadInputRegistersPDU, "Input Registers")
	},
}

var probeWriteCoilCmd = &cobra.Command{
	Use:     "write-coil",
	Aliases: []string{"wc"},
	Short:   "Write coils (FC05, FC15 for more than one value)",
	Example: `  mbrouter probe write-coil -a 3 -V on
  mbrouter probe write-coil -a 0 -V 1,0,1,1`,
	RunE: runProbeWriteCoil,
}

var probeWriteRegisterCmd = &cobra.Command{
	Use:     "write-register",
	Aliases: []string{"wr"},
	Short:   "Write holding registers (FC06, FC16 for more than one value)",
	Example: `  mbrouter probe write-register -a 100 -V 1234
  mbrouter probe write-register -a 100 -V 0x0001,0x0002`,
	RunE: runProbeWriteRegister,
}

var probeRawCmd = &cobra.Command{
	Use:     "raw",
	Short:   "Send a raw PDU and print the response PDU",
	Example: `  mbrouter probe raw --pdu "01 00 00 00 0A"`,
	RunE:    runProbeRaw,
}

func init() {
	pf := probeCmd.PersistentFlags()
	pf.StringP("host", "H", "localhost", "Modbus server host")
	pf.IntP("port", "p", modbus.DefaultPort, "Modbus server port")
	pf.Uint8P("unit", "u", 1, "Modbus unit ID")
	pf.DurationP("timeout", "t", 5*time.Second, "Request timeout")
	pf.StringP("output", "o", "table", "Output format: table, json, hex")

	for _, name := range []string{"host", "port", "unit", "timeout", "output"} {
		viper.BindPFlag(name, pf.Lookup(name))
	}
	viper.SetEnvPrefix(config.EnvPrefix + "_PROBE")
	viper.AutomaticEnv()

	for _, cmd := range []*cobra.Command{probeReadCoilsCmd, probeReadDiscreteInputsCmd, probeReadHoldingCmd, probeReadInputCmd} {
		cmd.Flags().Uint16VarP(&probeAddr, "address", "a", 0, "Starting address")
		cmd.Flags().Uint16VarP(&probeCount, "count", "c", 1, "Number of items to read")
		probeCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{probeWriteCoilCmd, probeWriteRegisterCmd} {
		cmd.Flags().Uint16VarP(&probeAddr, "address", "a", 0, "Starting address")
		cmd.Flags().StringSliceVarP(&probeValues, "values", "V", nil, "Values to write")
		cmd.MarkFlagRequired("values")
		probeCmd.AddCommand(cmd)
	}
	probeRawCmd.Flags().StringVar(&probePDU, "pdu", "", "Request PDU as hex, function code first")
	probeRawCmd.MarkFlagRequired("pdu")
	probeCmd.AddCommand(probeRawCmd)
	probeCmd.AddCommand(probeScanCmd)
}

// prober performs one request/response exchange at a time.
type prober struct {
	transport *transport.TCPTransport
	ids       modbus.TransactionIDGenerator
	unitID    modbus.UnitID
}

func newProber(ctx context.Context) (*prober, error) {
	return dialProber(ctx, probeTarget(), viper.GetDuration("timeout"), modbus.UnitID(viper.GetUint("unit")))
}

func probeTarget() string {
	return net.JoinHostPort(viper.GetString("host"), strconv.Itoa(viper.GetInt("port")))
}

func dialProber(ctx context.Context, addr string, timeout time.Duration, unitID modbus.UnitID) (*prober, error) {
	t := transport.NewTCPTransport(addr, timeout)
	if err := t.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	return &prober{transport: t, unitID: unitID}, nil
}

// exchange sends pdu and returns the response PDU. Exception responses
// are returned as *modbus.ModbusError.
func (p *prober) exchange(ctx context.Context, pdu []byte) ([]byte, error) {
	req := &modbus.Frame{
		Header: modbus.MBAPHeader{
			TransactionID: p.ids.Next(),
			ProtocolID:    modbus.ProtocolID,
			UnitID:        p.unitID,
		},
		PDU: pdu,
	}

	raw, err := p.transport.Send(ctx, req.Encode())
	if err != nil {
		return nil, err
	}

	var resp modbus.Frame
	if err := resp.Decode(raw); err != nil {
		return nil, err
	}
	if resp.Header.TransactionID != req.Header.TransactionID {
		return nil, fmt.Errorf("%w: transaction id %d, want %d",
			modbus.ErrInvalidResponse, resp.Header.TransactionID, req.Header.TransactionID)
	}
	if modbus.IsExceptionResponse(resp.PDU) {
		if merr := modbus.ParseExceptionResponse(resp.PDU); merr != nil {
			return nil, merr
		}
		return nil, fmt.Errorf("%w: truncated exception", modbus.ErrInvalidResponse)
	}
	if len(resp.PDU) == 0 || resp.PDU[0] != pdu[0] {
		return nil, fmt.Errorf("%w: unexpected function code", modbus.ErrInvalidResponse)
	}
	return resp.PDU, nil
}

func (p *prober) Close() error {
	return p.transport.Close()
}

// withProber connects, runs fn and disconnects.
func withProber(fn func(ctx context.Context, p *prober) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("timeout"))
	defer cancel()

	p, err := newProber(ctx)
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(ctx, p)
}

func runProbeReadBits(cmd *cobra.Command, build func(addr, qty uint16) ([]byte, error), title string) error {
	pdu, err := build(probeAddr, probeCount)
	if err != nil {
		return err
	}
	return withProber(func(ctx context.Context, p *prober) error {
		resp, err := p.exchange(ctx, pdu)
		if err != nil {
			return fmt.Errorf("read %s failed: %w", strings.ToLower(title), err)
		}
		values, err := modbus.ParseCoilsResponse(resp, probeCount)
		if err != nil {
			return err
		}
		return outputBoolValues(cmd.OutOrStdout(), title, probeAddr, values)
	})
}

func runProbeReadRegisters(cmd *cobra.Command, build func(addr, qty uint16) ([]byte, error), title string) error {
	pdu, err := build(probeAddr, probeCount)
	if err != nil {
		return err
	}
	return withProber(func(ctx context.Context, p *prober) error {
		resp, err := p.exchange(ctx, pdu)
		if err != nil {
			return fmt.Errorf("read %s failed: %w", strings.ToLower(title), err)
		}
		values, err := modbus.ParseRegistersResponse(resp, probeCount)
		if err != nil {
			return err
		}
		return outputRegisterValues(cmd.OutOrStdout(), title, probeAddr, values)
	})
}

func runProbeWriteCoil(cmd *cobra.Command, args []string) error {
	values, err := parseBoolValues(probeValues)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return fmt.Errorf("no values given")
	}

	var pdu []byte
	var want uint16
	if len(values) == 1 {
		pdu = modbus.BuildWriteSingleCoilPDU(probeAddr, values[0])
		want = modbus.CoilOff
		if values[0] {
			want = modbus.CoilOn
		}
	} else {
		if pdu, err = modbus.BuildWriteMultipleCoilsPDU(probeAddr, values); err != nil {
			return err
		}
		want = uint16(len(values))
	}

	return withProber(func(ctx context.Context, p *prober) error {
		resp, err := p.exchange(ctx, pdu)
		if err != nil {
			return fmt.Errorf("write coils failed: %w", err)
		}
		if err := modbus.ParseWriteResponse(resp, probeAddr, want); err != nil {
			return err
		}
		outputSuccess(cmd.OutOrStdout(), "Wrote %d coil(s) starting at address %d", len(values), probeAddr)
		return nil
	})
}

func runProbeWriteRegister(cmd *cobra.Command, args []string) error {
	values, err := parseUint16Values(probeValues)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return fmt.Errorf("no values given")
	}

	var pdu []byte
	var want uint16
	if len(values) == 1 {
		pdu = modbus.BuildWriteSingleRegisterPDU(probeAddr, values[0])
		want = values[0]
	} else {
		if pdu, err = modbus.BuildWriteMultipleRegistersPDU(probeAddr, values); err != nil {
			return err
		}
		want = uint16(len(values))
	}

	return withProber(func(ctx context.Context, p *prober) error {
		resp, err := p.exchange(ctx, pdu)
		if err != nil {
			return fmt.Errorf("write registers failed: %w", err)
		}
		if err := modbus.ParseWriteResponse(resp, probeAddr, want); err != nil {
			return err
		}
		outputSuccess(cmd.OutOrStdout(), "Wrote %d register(s) starting at address %d", len(values), probeAddr)
		return nil
	})
}

func runProbeRaw(cmd *cobra.Command, args []string) error {
	pdu, err := parseHexPDU(probePDU)
	if err != nil {
		return err
	}
	return withProber(func(ctx context.Context, p *prober) error {
		resp, err := p.exchange(ctx, pdu)
		if err != nil {
			return err
		}
		return outputRawPDU(cmd.OutOrStdout(), resp)
	})
}

// parseHexPDU accepts hex bytes with optional spaces, colons or a 0x prefix.
func parseHexPDU(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	s = strings.NewReplacer(" ", "", ":", "", ",", "").Replace(s)
	pdu, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid pdu: %w", err)
	}
	if len(pdu) == 0 || len(pdu) > modbus.MaxPDUSize {
		return nil, fmt.Errorf("invalid pdu: length must be 1-%d bytes", modbus.MaxPDUSize)
	}
	return pdu, nil
}

func parseBoolValue(s string) (bool, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "1", "true", "on", "yes":
		return true, nil
	case "0", "false", "off", "no":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value: %s", s)
	}
}

func parseBoolValues(values []string) ([]bool, error) {
	var result []bool
	for _, p := range splitValues(values) {
		b, err := parseBoolValue(p)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, nil
}

func parseUint16Value(s string) (uint16, error) {
	s = strings.TrimSpace(s)

	var value uint64
	var err error
	switch {
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		value, err = strconv.ParseUint(s[2:], 16, 16)
	case strings.HasPrefix(s, "0b") || strings.HasPrefix(s, "0B"):
		value, err = strconv.ParseUint(s[2:], 2, 16)
	default:
		value, err = strconv.ParseUint(s, 10, 16)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid uint16 value: %s", s)
	}
	return uint16(value), nil
}

func parseUint16Values(values []string) ([]uint16, error) {
	var result []uint16
	for _, p := range splitValues(values) {
		u, err := parseUint16Value(p)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, nil
}

// splitValues splits every value on commas and spaces.
func splitValues(values []string) []string {
	var parts []string
	for _, v := range values {
		parts = append(parts, strings.FieldsFunc(v, func(r rune) bool {
			return r == ',' || r == ' '
		})...)
	}
	return parts
}
