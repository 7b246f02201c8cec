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

// Package health provides database health checking.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/chefmind/recipestore/internal/storage/pool"
	"github.com/chefmind/recipestore/internal/storage/retry"
	"github.com/chefmind/recipestore/internal/util/ctxutil"
	"github.com/chefmind/recipestore/internal/util/fsql"
	"github.com/chefmind/recipestore/internal/util/lazyerrors"
	"github.com/chefmind/recipestore/internal/util/observability"
)

// DefaultTimeout is the default time limit for a single check.
const DefaultTimeout = 5 * time.Second

// ConnectionStatus represents the state of the monitoring connection.
type ConnectionStatus string

// Connection statuses.
const (
	Connected    ConnectionStatus = "connected"
	Disconnected ConnectionStatus = "disconnected"
	Error        ConnectionStatus = "error"
)

// Details represents results of individual checks.
type Details struct {
	CanExecute     bool   `json:"canExecute"`
	CanRead        bool   `json:"canRead"`
	CanWrite       bool   `json:"canWrite"`
	PageCount      int64  `json:"pageCount,omitempty"`
	PageSize       int64  `json:"pageSize,omitempty"`
	FileSize       int64  `json:"fileSize,omitempty"`
	IntegrityCheck string `json:"integrityCheck,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Status represents the result of a health check.
type Status struct {
	IsHealthy        bool             `json:"isHealthy"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
	LastCheckedAt    time.Time        `json:"lastCheckedAt"`
	ResponseTime     time.Duration    `json:"responseTime"`
	Details          Details          `json:"details"`
	Pool             pool.Status      `json:"pool"`
}

// Summary returns a one-line description of the status.
func (s *Status) Summary() string {
	if s == nil {
		return "No health check performed"
	}

	if !s.IsHealthy {
		msg := s.Details.Error
		if msg == "" {
			msg = "unknown error"
		}

		return fmt.Sprintf("Unhealthy (%s): %s", s.ConnectionStatus, msg)
	}

	return fmt.Sprintf(
		"Healthy (%s): %s response time, %s on disk, %d/%d connections available",
		s.ConnectionStatus, s.ResponseTime.Round(time.Microsecond),
		humanize.IBytes(uint64(s.Details.FileSize)), s.Pool.Available, s.Pool.Total,
	)
}

// Probe executes a trivial read statement on the given connection.
//
// It never returns an error; all failures are reported as unhealthy.
func Probe(ctx context.Context, conn *fsql.DB) bool {
	if conn == nil {
		return false
	}

	return conn.Probe(ctx) == nil
}

// NewCheckerParams represents parameters for NewChecker.
//
//nolint:vet // for readability
type NewCheckerParams struct {
	Pool *pool.Pool

	// Retrier retries individual checks on transient errors. It may be nil.
	Retrier *retry.Retrier

	L *zap.Logger

	// Timeout limits a single Check. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Checker checks database health using a dedicated monitoring connection,
// so that checks never take a connection from application traffic.
//
// It is safe for concurrent use; concurrent checks are serialized.
type Checker struct {
	p       *pool.Pool
	r       *retry.Retrier
	l       *zap.Logger
	timeout time.Duration

	// protects conn and checks
	checkM sync.Mutex
	conn   *fsql.DB

	lastM sync.RWMutex
	last  *Status

	checks       *prometheus.CounterVec
	healthy      prometheus.Gauge
	responseTime prometheus.Histogram
}

// NewChecker creates a new Checker.
//
// The monitoring connection is opened lazily by the first check.
func NewChecker(params *NewCheckerParams) *Checker {
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Checker{
		p:       params.Pool,
		r:       params.Retrier,
		l:       params.L,
		timeout: timeout,
		checks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "recipestore",
				Subsystem: "health",
				Name:      "checks_total",
				Help:      "The total number of health checks.",
			},
			[]string{"connection_status"},
		),
		healthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "recipestore",
			Subsystem: "health",
			Name:      "healthy",
			Help:      "1 if the last health check succeeded, 0 otherwise.",
		}),
		responseTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "recipestore",
			Subsystem: "health",
			Name:      "response_time_seconds",
			Help:      "Health check duration.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
}

// Check runs all checks and returns their results.
//
// It never returns an error; failures are reported in the returned status.
func (c *Checker) Check(ctx context.Context) *Status {
	defer observability.FuncCall(ctx)()

	c.checkM.Lock()
	defer c.checkM.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()

	res := &Status{
		ConnectionStatus: Connected,
		Pool:             c.p.Status(),
	}

	if err := c.check(ctx, res); err != nil {
		res.Details.Error = err.Error()
		res.ConnectionStatus = Error

		if res.Pool.Total == 0 || c.conn == nil {
			res.ConnectionStatus = Disconnected
		}

		c.l.Warn("Health check failed", zap.String("status", string(res.ConnectionStatus)), zap.Error(err))
	} else {
		res.IsHealthy = true
	}

	res.ResponseTime = time.Since(start)
	res.LastCheckedAt = time.Now()

	c.checks.WithLabelValues(string(res.ConnectionStatus)).Inc()
	c.responseTime.Observe(res.ResponseTime.Seconds())

	if res.IsHealthy {
		c.healthy.Set(1)
	} else {
		c.healthy.Set(0)
	}

	c.lastM.Lock()
	prev := c.last
	c.last = res
	c.lastM.Unlock()

	if prev != nil && !prev.IsHealthy && res.IsHealthy {
		c.l.Info("Database is healthy again", zap.Duration("responseTime", res.ResponseTime))
	}

	return res
}

// check fills res.Details. It must be called with checkM held.
func (c *Checker) check(ctx context.Context, res *Status) error {
	if res.Pool.Total == 0 {
		return errors.New("connection pool is closed")
	}

	if c.conn == nil {
		conn, err := c.p.OpenConnection(ctx, "monitor")
		if err != nil {
			return err
		}

		c.conn = conn
	}

	d := &res.Details

	if err := c.retry(ctx, c.conn.Probe); err != nil {
		// the connection may be broken; reopen it next time
		_ = c.conn.Close()
		c.conn = nil

		return err
	}

	d.CanExecute = true

	err := c.retry(ctx, func(ctx context.Context) error {
		var n int64
		return c.conn.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master").Scan(&n)
	})
	if err != nil {
		return lazyerrors.Error(err)
	}

	d.CanRead = true

	if err = c.retry(ctx, c.checkWrite); err != nil {
		return lazyerrors.Error(err)
	}

	d.CanWrite = true

	// statistics are informational
	if err = c.conn.QueryRowContext(ctx, "PRAGMA page_count").Scan(&d.PageCount); err != nil {
		c.l.Warn("Failed to get page count", zap.Error(err))
	}

	if err = c.conn.QueryRowContext(ctx, "PRAGMA page_size").Scan(&d.PageSize); err != nil {
		c.l.Warn("Failed to get page size", zap.Error(err))
	}

	d.FileSize = d.PageCount * d.PageSize

	if err = c.conn.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&d.IntegrityCheck); err != nil {
		return lazyerrors.Error(err)
	}

	if d.IntegrityCheck != "ok" {
		return fmt.Errorf("integrity check failed: %s", d.IntegrityCheck)
	}

	return nil
}

// errWriteChecked is returned by the write check to roll back its transaction.
var errWriteChecked = errors.New("write checked")

// checkWrite writes the database header inside a transaction that is rolled back.
func (c *Checker) checkWrite(ctx context.Context) error {
	err := c.conn.InTransaction(ctx, func(tx *fsql.Tx) error {
		var v int64
		if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
			return err
		}

		return errWriteChecked
	})

	if errors.Is(err, errWriteChecked) {
		return nil
	}

	return err
}

// retry calls f with the retrier, if any.
func (c *Checker) retry(ctx context.Context, f func(context.Context) error) error {
	if c.r == nil {
		return f(ctx)
	}

	return c.r.Do(ctx, f)
}

// Last returns the result of the last check, or nil if there were no checks.
func (c *Checker) Last() *Status {
	c.lastM.RLock()
	defer c.lastM.RUnlock()

	return c.last
}

// Summary returns a one-line description of the last check.
func (c *Checker) Summary() string {
	return c.Last().Summary()
}

// Run checks health every interval until ctx is canceled.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	c.l.Info("Periodic health checks started", zap.Duration("interval", interval))
	defer c.l.Info("Periodic health checks stopped")

	for {
		c.Check(ctx)

		if !ctxutil.Sleep(ctx, interval) {
			return
		}
	}
}

// WaitForHealthy checks health until it succeeds or timeout passes.
// It returns the last status.
func (c *Checker) WaitForHealthy(ctx context.Context, timeout, interval time.Duration) *Status {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		s := c.Check(ctx)
		if s.IsHealthy {
			return s
		}

		if !ctxutil.Sleep(ctx, interval) {
			return s
		}
	}
}

// Close closes the monitoring connection.
func (c *Checker) Close() {
	c.checkM.Lock()
	defer c.checkM.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Describe implements prometheus.Collector.
func (c *Checker) Describe(ch chan<- *prometheus.Desc) {
	c.checks.Describe(ch)
	c.healthy.Describe(ch)
	c.responseTime.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Checker) Collect(ch chan<- prometheus.Metric) {
	c.checks.Collect(ch)
	c.healthy.Collect(ch)
	c.responseTime.Collect(ch)
}

// check interfaces
var (
	_ prometheus.Collector = (*Checker)(nil)
)
