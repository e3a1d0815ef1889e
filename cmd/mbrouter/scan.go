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
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	modbus "github.com/edgeo-scada/modbus-router"
)

var (
	scanStartUnit uint8
	scanEndUnit   uint8
	scanStartAddr uint16
	scanEndAddr   uint16
	scanTable     string
	scanWorkers   int
)

var probeScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover routed address blocks",
	Long: `Read every address of one table, one at a time, for a range of unit IDs
and report the contiguous blocks the server answers.

An illegal data address exception marks an address as unrouted. Any
other answer, exceptions included, marks it as routed.`,
	Example: `  # Holding registers 0-99 of unit 1
  mbrouter probe scan -H 192.168.1.100

  # Coils 0-499 of units 1-10
  mbrouter probe scan --table coils --start-unit 1 --end-unit 10 -e 499`,
	RunE: runProbeScan,
}

func init() {
	f := probeScanCmd.Flags()
	f.Uint8Var(&scanStartUnit, "start-unit", 1, "First unit ID to scan")
	f.Uint8Var(&scanEndUnit, "end-unit", 1, "Last unit ID to scan")
	f.Uint16VarP(&scanStartAddr, "start-addr", "a", 0, "First address to scan")
	f.Uint16VarP(&scanEndAddr, "end-addr", "e", 99, "Last address to scan")
	f.StringVar(&scanTable, "table", "holding", "Table to scan: coils, discrete, holding, input")
	f.IntVar(&scanWorkers, "workers", 4, "Units scanned concurrently, one connection each")
}

var scanReaders = map[string]func(addr, qty uint16) ([]byte, error){
	"coils":    modbus.BuildReadCoilsPDU,
	"discrete": modbus.BuildReadDiscreteInputsPDU,
	"holding":  modbus.BuildReadHoldingRegistersPDU,
	"input":    modbus.BuildReadInputRegistersPDU,
}

// ScanBlock is a contiguous run of routed addresses.
type ScanBlock struct {
	Start uint16 `json:"start"`
	End   uint16 `json:"end"`
}

// ScanResult lists the routed blocks of one unit.
type ScanResult struct {
	UnitID uint8       `json:"unit_id"`
	Blocks []ScanBlock `json:"blocks,omitempty"`
	Error  string      `json:"error,omitempty"`
}

type scanOptions struct {
	target    string
	timeout   time.Duration
	build     func(addr, qty uint16) ([]byte, error)
	startUnit uint8
	endUnit   uint8
	startAddr uint16
	endAddr   uint16
	workers   int
}

func runProbeScan(cmd *cobra.Command, args []string) error {
	build, ok := scanReaders[scanTable]
	if !ok {
		return fmt.Errorf("unknown table: %s", scanTable)
	}
	if scanEndUnit < scanStartUnit || scanEndAddr < scanStartAddr {
		return errors.New("scan range end is before its start")
	}

	opts := scanOptions{
		target:    probeTarget(),
		timeout:   viper.GetDuration("timeout"),
		build:     build,
		startUnit: scanStartUnit,
		endUnit:   scanEndUnit,
		startAddr: scanStartAddr,
		endAddr:   scanEndAddr,
		workers:   scanWorkers,
	}
	logger.Debug("scanning", "target", opts.target, "table", scanTable,
		"units", fmt.Sprintf("%d-%d", opts.startUnit, opts.endUnit))

	results := scanUnits(cmd.Context(), opts)
	return outputScanResults(cmd.OutOrStdout(), results)
}

// scanUnits scans every unit of opts on its own connection, at most
// opts.workers at a time. Units with nothing routed are left out.
func scanUnits(ctx context.Context, opts scanOptions) []ScanResult {
	if ctx == nil {
		ctx = context.Background()
	}
	workers := opts.workers
	if workers < 1 {
		workers = 1
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []ScanResult
	)
	semaphore := make(chan struct{}, workers)

	for uid := int(opts.startUnit); uid <= int(opts.endUnit); uid++ {
		wg.Add(1)
		go func(unitID uint8) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			result := scanUnit(ctx, opts, unitID)
			if len(result.Blocks) == 0 && result.Error == "" {
				return
			}
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}(uint8(uid))
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].UnitID < results[j].UnitID
	})
	return results
}

func scanUnit(ctx context.Context, opts scanOptions, unitID uint8) ScanResult {
	result := ScanResult{UnitID: unitID}

	p, err := dialProber(ctx, opts.target, opts.timeout, modbus.UnitID(unitID))
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer p.Close()

	var open *ScanBlock
	for addr := int(opts.startAddr); addr <= int(opts.endAddr); addr++ {
		pdu, err := opts.build(uint16(addr), 1)
		if err != nil {
			result.Error = err.Error()
			break
		}

		reqCtx, cancel := context.WithTimeout(ctx, opts.timeout)
		_, err = p.exchange(reqCtx, pdu)
		cancel()

		var merr *modbus.ModbusError
		routed := err == nil || (errors.As(err, &merr) && !modbus.IsIllegalDataAddress(err))
		if err != nil && merr == nil {
			result.Error = err.Error()
			break
		}

		switch {
		case routed && open == nil:
			open = &ScanBlock{Start: uint16(addr), End: uint16(addr)}
		case routed:
			open.End = uint16(addr)
		case open != nil:
			result.Blocks = append(result.Blocks, *open)
			open = nil
		}
	}
	if open != nil {
		result.Blocks = append(result.Blocks, *open)
	}
	return result
}

func outputScanResults(out io.Writer, results []ScanResult) error {
	if viper.GetString("output") == "json" {
		if results == nil {
			results = []ScanResult{}
		}
		return writeJSON(out, results)
	}

	if len(results) == 0 {
		fmt.Fprintln(out, "No routed addresses found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tBLOCKS\tSTATUS")
	fmt.Fprintln(w, "----\t------\t------")
	for _, r := range results {
		blocks := make([]string, len(r.Blocks))
		for i, b := range r.Blocks {
			blocks[i] = fmt.Sprintf("%d-%d", b.Start, b.End)
		}
		status := color(colorGreen, "OK")
		if r.Error != "" {
			status = color(colorRed, r.Error)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", r.UnitID, strings.Join(blocks, ","), status)
	}
	return w.Flush()
}
