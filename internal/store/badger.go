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
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	modbus "github.com/edgeo-scada/modbus-router"
)

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string `mapstructure:"path"`

	// InMemory keeps the database in memory only.
	InMemory bool `mapstructure:"in_memory"`

	// SyncWrites fsyncs every write before acknowledging it.
	SyncWrites bool `mapstructure:"sync_writes"`
}

// BadgerStore persists values in a BadgerDB database, so written
// registers survive a restart.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the database described by cfg.
func NewBadgerStore(ctx context.Context, cfg BadgerConfig, logger *slog.Logger) (*BadgerStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Path == "" && !cfg.InMemory {
		return nil, errors.New("store: badger path is required")
	}

	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLoggingLevel(badger.WARNING)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}
	if logger != nil {
		opts = opts.WithLogger(badgerLogger{logger.With(slog.String("component", "badger"))})
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.Path, err)
	}
	return &BadgerStore{db: db}, nil
}

// key layout: unit id, table index, big-endian address.
func badgerKey(unitID modbus.UnitID, table Table, addr uint16) ([]byte, error) {
	idx := table.index()
	if idx == 0xFF {
		return nil, fmt.Errorf("store: unknown table %q", table)
	}
	key := make([]byte, 4)
	key[0] = byte(unitID)
	key[1] = idx
	binary.BigEndian.PutUint16(key[2:], addr)
	return key, nil
}

// Get returns the value at addr, zero if it was never written.
func (b *BadgerStore) Get(unitID modbus.UnitID, table Table, addr uint16) (uint16, error) {
	key, err := badgerKey(unitID, table, addr)
	if err != nil {
		return 0, err
	}

	var value uint16
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 2 {
				return fmt.Errorf("store: corrupt value for %x", key)
			}
			value = binary.BigEndian.Uint16(val)
			return nil
		})
	})
	return value, err
}

// Set stores value at addr.
func (b *BadgerStore) Set(unitID modbus.UnitID, table Table, addr, value uint16) error {
	key, err := badgerKey(unitID, table, addr)
	if err != nil {
		return err
	}
	val := make([]byte, 2)
	binary.BigEndian.PutUint16(val, value)
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// Close closes the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's log output to slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

// Infof is demoted to debug: badger reports routine compactions at info.
func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
