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

// Package pointmap loads static route tables from TOML files. Each point
// maps a block of addresses of one data table onto a store:
//
//	[[point]]
//	name    = "pump states"
//	units   = [1, 2]
//	table   = "coils"
//	address = 0
//	count   = 16
//	initial = [1, 0, 1]
//
// Points are registered in file order, so an earlier point shadows a
// later one that covers the same addresses.
package pointmap

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	modbus "github.com/edgeo-scada/modbus-router"
	"github.com/edgeo-scada/modbus-router/internal/store"
)

var validate = validator.New()

// File is a decoded point map.
type File struct {
	Points []Point `toml:"point" validate:"dive"`
}

// Point is one block of addresses served from a store table.
type Point struct {
	Name string `toml:"name"`

	// Units lists the unit ids served. Empty means every unit.
	Units []uint8 `toml:"units"`

	Table   string `toml:"table" validate:"required,oneof=coils discrete_inputs holding_registers input_registers"`
	Address uint16 `toml:"address"`
	Count   uint16 `toml:"count" validate:"required,min=1"`

	// ReadOnly withholds the write function codes of coils and holding
	// registers.
	ReadOnly bool `toml:"read_only"`

	// Initial seeds the first len(Initial) addresses of every listed unit.
	Initial []uint16 `toml:"initial"`
}

// Load reads and validates the point map at path.
func Load(path string) (*File, error) {
	var f File
	meta, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("load point map: %w", err)
	}
	if err := checkUndecoded(meta); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Parse decodes and validates a point map held in memory.
func Parse(data string) (*File, error) {
	var f File
	meta, err := toml.Decode(data, &f)
	if err != nil {
		return nil, fmt.Errorf("parse point map: %w", err)
	}
	if err := checkUndecoded(meta); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func checkUndecoded(meta toml.MetaData) error {
	undecoded := meta.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, len(undecoded))
	for i, k := range undecoded {
		keys[i] = k.String()
	}
	sort.Strings(keys)
	return fmt.Errorf("point map: unknown keys %s", strings.Join(keys, ", "))
}

// Validate checks struct tags and the rules tags cannot express.
func (f *File) Validate() error {
	if err := validate.Struct(f); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("point map: %s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
		}
		return fmt.Errorf("point map: %w", err)
	}
	for i, p := range f.Points {
		if uint32(p.Address)+uint32(p.Count) > 65536 {
			return fmt.Errorf("point[%d] %q: address range exceeds 65535", i, p.Name)
		}
		if len(p.Initial) > int(p.Count) {
			return fmt.Errorf("point[%d] %q: %d initial values for %d addresses", i, p.Name, len(p.Initial), p.Count)
		}
		if len(p.Initial) > 0 && len(p.Units) == 0 {
			return fmt.Errorf("point[%d] %q: initial values need explicit units", i, p.Name)
		}
	}
	return nil
}

// Functions returns the function codes the point answers.
func (p *Point) Functions() []modbus.FunctionCode {
	table := store.Table(p.Table)
	fcs := []modbus.FunctionCode{table.ReadFunction()}
	if !p.ReadOnly {
		fcs = append(fcs, table.WriteFunctions()...)
	}
	return fcs
}

// Apply seeds the initial values into s and registers one route per
// point on router, in file order.
func (f *File) Apply(router *modbus.Router, s store.Store) error {
	for i := range f.Points {
		p := &f.Points[i]
		table, err := store.ParseTable(p.Table)
		if err != nil {
			return err
		}

		var units modbus.Filter
		if len(p.Units) > 0 {
			ids := make([]modbus.UnitID, len(p.Units))
			for j, u := range p.Units {
				ids[j] = modbus.UnitID(u)
			}
			units = modbus.Units(ids...)

			for _, id := range ids {
				for j, v := range p.Initial {
					if table.IsBit() && v != 0 {
						v = 1
					}
					if err := s.Set(id, table, p.Address+uint16(j), v); err != nil {
						return fmt.Errorf("seed point %q: %w", p.Name, err)
					}
				}
			}
		}

		router.Route(store.Endpoint(s, table),
			units,
			modbus.Functions(p.Functions()...),
			modbus.AddressRange(p.Address, p.Count))
	}
	return nil
}
