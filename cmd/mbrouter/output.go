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
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/viper"
)

// Color codes
const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorBold  = "\033[1m"
)

func color(c, s string) string {
	if noColor {
		return s
	}
	return c + s + colorReset
}

func outputSuccess(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintln(w, color(colorGreen, "OK")+" "+fmt.Sprintf(format, args...))
}

type BoolResult struct {
	Address uint16 `json:"address"`
	Value   bool   `json:"value"`
}

type RegisterResult struct {
	Address uint16 `json:"address"`
	Value   uint16 `json:"value"`
	Hex     string `json:"hex"`
}

func outputBoolValues(w io.Writer, title string, startAddr uint16, values []bool) error {
	switch viper.GetString("output") {
	case "json":
		results := make([]BoolResult, len(values))
		for i, v := range values {
			results[i] = BoolResult{Address: startAddr + uint16(i), Value: v}
		}
		return writeJSON(w, results)
	case "hex":
		packed := make([]byte, (len(values)+7)/8)
		for i, v := range values {
			if v {
				packed[i/8] |= 1 << (i % 8)
			}
		}
		return writeHexBytes(w, packed)
	default:
		return outputBoolTable(w, title, startAddr, values)
	}
}

func outputBoolTable(out io.Writer, title string, startAddr uint16, values []bool) error {
	fmt.Fprintf(out, "\n%s (Address %d-%d, Count: %d)\n",
		color(colorBold, title),
		startAddr,
		startAddr+uint16(len(values))-1,
		len(values))
	fmt.Fprintln(out, strings.Repeat("-", 40))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tVALUE\tSTATUS")
	fmt.Fprintln(w, "-------\t-----\t------")
	for i, v := range values {
		valStr, statusStr := "0", color(colorRed, "OFF")
		if v {
			valStr, statusStr = "1", color(colorGreen, "ON")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", startAddr+uint16(i), valStr, statusStr)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(out)
	return nil
}

func outputRegisterValues(w io.Writer, title string, startAddr uint16, values []uint16) error {
	switch viper.GetString("output") {
	case "json":
		results := make([]RegisterResult, len(values))
		for i, v := range values {
			results[i] = RegisterResult{
				Address: startAddr + uint16(i),
				Value:   v,
				Hex:     fmt.Sprintf("0x%04X", v),
			}
		}
		return writeJSON(w, results)
	case "hex":
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = fmt.Sprintf("%04X", v)
		}
		_, err := fmt.Fprintln(w, strings.Join(parts, " "))
		return err
	default:
		return outputRegisterTable(w, title, startAddr, values)
	}
}

func outputRegisterTable(out io.Writer, title string, startAddr uint16, values []uint16) error {
	fmt.Fprintf(out, "\n%s (Address %d-%d, Count: %d)\n",
		color(colorBold, title),
		startAddr,
		startAddr+uint16(len(values))-1,
		len(values))
	fmt.Fprintln(out, strings.Repeat("-", 60))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tDECIMAL\tHEX\tBINARY")
	fmt.Fprintln(w, "-------\t-------\t---\t------")
	for i, v := range values {
		fmt.Fprintf(w, "%d\t%d\t0x%04X\t%016b\n", startAddr+uint16(i), v, v, v)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(out)
	return nil
}

// outputRawPDU prints a response PDU. Table output is hex as well.
func outputRawPDU(w io.Writer, pdu []byte) error {
	if viper.GetString("output") == "json" {
		return writeJSON(w, map[string]interface{}{
			"function_code": pdu[0],
			"data":          fmt.Sprintf("%X", pdu[1:]),
		})
	}
	return writeHexBytes(w, pdu)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeHexBytes(w io.Writer, data []byte) error {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	_, err := fmt.Fprintln(w, strings.Join(parts, " "))
	return err
}
