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

// Package store keeps the coil and register values served by the routes
// of the mbrouter binary. Every unit has four tables of 65536 entries;
// entries that were never written read as zero.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mitchellh/mapstructure"

	modbus "github.com/edgeo-scada/modbus-router"
)

// Table names one of the four Modbus data tables.
type Table string

// Data tables.
const (
	Coils            Table = "coils"
	DiscreteInputs   Table = "discrete_inputs"
	HoldingRegisters Table = "holding_registers"
	InputRegisters   Table = "input_registers"
)

// Tables lists every table in key order.
var Tables = []Table{Coils, DiscreteInputs, HoldingRegisters, InputRegisters}

// ParseTable converts a configuration name into a Table.
func ParseTable(s string) (Table, error) {
	for _, t := range Tables {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("store: unknown table %q", s)
}

// IsBit reports whether the table holds single-bit values.
func (t Table) IsBit() bool {
	return t == Coils || t == DiscreteInputs
}

// ReadFunction is the function code that reads the table.
func (t Table) ReadFunction() modbus.FunctionCode {
	switch t {
	case Coils:
		return modbus.FuncReadCoils
	case DiscreteInputs:
		return modbus.FuncReadDiscreteInputs
	case HoldingRegisters:
		return modbus.FuncReadHoldingRegisters
	default:
		return modbus.FuncReadInputRegisters
	}
}

// WriteFunctions are the function codes that write the table. Discrete
// inputs and input registers are read-only on the wire.
func (t Table) WriteFunctions() []modbus.FunctionCode {
	switch t {
	case Coils:
		return []modbus.FunctionCode{modbus.FuncWriteSingleCoil, modbus.FuncWriteMultipleCoils}
	case HoldingRegisters:
		return []modbus.FunctionCode{modbus.FuncWriteSingleRegister, modbus.FuncWriteMultipleRegisters}
	default:
		return nil
	}
}

func (t Table) index() byte {
	for i, tt := range Tables {
		if tt == t {
			return byte(i)
		}
	}
	return 0xFF
}

// Store holds values per unit, table and address.
type Store interface {
	Get(unitID modbus.UnitID, table Table, addr uint16) (uint16, error)
	Set(unitID modbus.UnitID, table Table, addr, value uint16) error
	Close() error
}

// Endpoint exposes one table of s as a modbus.Endpoint. Bit tables
// store 0 or 1.
func Endpoint(s Store, table Table) modbus.Endpoint {
	return &tableEndpoint{store: s, table: table}
}

type tableEndpoint struct {
	store Store
	table Table
}

func (e *tableEndpoint) Read(unitID modbus.UnitID, addr uint16) (uint16, error) {
	return e.store.Get(unitID, e.table, addr)
}

func (e *tableEndpoint) Write(unitID modbus.UnitID, addr uint16, value uint16) error {
	if e.table.IsBit() && value != 0 {
		value = 1
	}
	return e.store.Set(unitID, e.table, addr, value)
}

// New creates a store of the given type ("memory" or "badger") from its
// type-specific option map.
func New(ctx context.Context, typ string, options map[string]any, logger *slog.Logger) (Store, error) {
	switch typ {
	case "memory", "":
		return NewMemoryStore(), nil
	case "badger":
		var cfg BadgerConfig
		if err := mapstructure.Decode(options, &cfg); err != nil {
			return nil, fmt.Errorf("invalid badger config: %w", err)
		}
		return NewBadgerStore(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("store: unknown type %q", typ)
	}
}
