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

package store

import (
	"fmt"
	"sync"

	modbus "github.com/edgeo-scada/modbus-router"
)

type tableKey struct {
	unitID modbus.UnitID
	table  Table
}

// MemoryStore is an in-memory Store. It is thread-safe; tables are
// allocated on first write.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[tableKey][]uint16
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[tableKey][]uint16),
	}
}

// Get returns the value at addr, zero if it was never written.
func (m *MemoryStore) Get(unitID modbus.UnitID, table Table, addr uint16) (uint16, error) {
	if table.index() == 0xFF {
		return 0, fmt.Errorf("store: unknown table %q", table)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	values, ok := m.tables[tableKey{unitID, table}]
	if !ok {
		return 0, nil
	}
	return values[addr], nil
}

// Set stores value at addr.
func (m *MemoryStore) Set(unitID modbus.UnitID, table Table, addr, value uint16) error {
	if table.index() == 0xFF {
		return fmt.Errorf("store: unknown table %q", table)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := tableKey{unitID, table}
	values, ok := m.tables[key]
	if !ok {
		values = make([]uint16, 65536)
		m.tables[key] = values
	}
	values[addr] = value
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
