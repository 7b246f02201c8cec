// Copyright 2021 FerretDB Inc.
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

package pool

import (
	"context"
	"fmt"
	"net/url"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/chefmind/recipestore/internal/util/fsql"
)

// Defaults for Config fields.
const (
	DefaultMaxConnections = 5
	DefaultBusyTimeout    = 10 * time.Second
	DefaultCacheSizeKiB   = 20000
	DefaultMmapSize       = 256 << 20
	DefaultProbeTimeout   = 5 * time.Second
)

// Config represents Pool configuration.
type Config struct {
	// Path is the database file path. The file is created if it does not exist.
	Path string

	// MaxConnections is the fixed number of connections; it is never changed after New.
	MaxConnections int

	// AcquireTimeout bounds the time Acquire waits for a free connection.
	// Zero means waiting until the context is canceled.
	AcquireTimeout time.Duration

	// BusyTimeout is the engine's own lock wait before it reports SQLITE_BUSY.
	BusyTimeout time.Duration

	// CacheSizeKiB is the per-connection page cache budget.
	CacheSizeKiB int

	// MmapSize is the per-connection memory-mapped I/O budget in bytes.
	MmapSize int64

	// ProbeTimeout bounds the validation probe on acquire.
	ProbeTimeout time.Duration

	// Probe validates a connection before it is leased.
	// If nil, [fsql.DB.Probe] is used.
	Probe func(ctx context.Context, db *fsql.DB) error
}

// DefaultConfig returns configuration with default values for the given database file.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		MaxConnections: DefaultMaxConnections,
		BusyTimeout:    DefaultBusyTimeout,
		CacheSizeKiB:   DefaultCacheSizeKiB,
		MmapSize:       DefaultMmapSize,
		ProbeTimeout:   DefaultProbeTimeout,
	}
}

// Validate checks configuration.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.MaxConnections, validation.Required, validation.Min(1)),
		validation.Field(&c.AcquireTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.BusyTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.CacheSizeKiB, validation.Min(0)),
		validation.Field(&c.MmapSize, validation.Min(int64(0))),
		validation.Field(&c.ProbeTimeout, validation.Required, validation.Min(time.Millisecond)),
	)
}

// pragmas returns per-connection pragmas in the order they are applied.
//
// busy_timeout goes first so that concurrently opened connections
// wait for each other while switching the journal mode.
func (c Config) pragmas() []string {
	return []string{
		fmt.Sprintf("busy_timeout(%d)", c.BusyTimeout.Milliseconds()),
		"foreign_keys(ON)",
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		fmt.Sprintf("cache_size(%d)", -c.CacheSizeKiB),
		"temp_store(MEMORY)",
		fmt.Sprintf("mmap_size(%d)", c.MmapSize),
	}
}

// DSN returns the data source name for the modernc.org/sqlite driver.
//
// Pragmas are passed as DSN parameters, so the driver applies them
// to every physical connection, including reconnects done by database/sql.
// Transactions start with BEGIN IMMEDIATE to take the write lock upfront.
func (c Config) DSN() string {
	q := url.Values{}
	for _, p := range c.pragmas() {
		q.Add("_pragma", p)
	}

	q.Set("_txlock", "immediate")

	return "file:" + c.Path + "?" + q.Encode()
}
