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

// Package retry retries storage operations that fail because of transient lock contention.
package retry

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/chefmind/recipestore/internal/storage/dberr"
	"github.com/chefmind/recipestore/internal/util/ctxutil"
)

// Backoff represents a delay strategy between attempts.
type Backoff int

const (
	// Linear waits BaseDelay multiplied by the attempt number.
	Linear Backoff = iota

	// Exponential waits a jittered exponentially growing delay capped by MaxDelay.
	Exponential
)

// Policy represents retry configuration.
//
// It is a value type; the zero value is not valid, use DefaultPolicy.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first one.
	MaxAttempts uint

	BaseDelay time.Duration

	// MaxDelay caps a single delay. Zero means no cap.
	MaxDelay time.Duration

	Backoff Backoff

	// Classifier returns true for errors that should be retried.
	// If nil, [dberr.IsTransient] is used.
	Classifier func(error) bool

	// OnRetry, if set, is called after each failed attempt that will be retried.
	OnRetry func(attempt uint, err error)
}

// DefaultPolicy returns the default policy: 3 attempts with 100ms linear backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Backoff:     Linear,
	}
}

// Validate checks policy.
func (p Policy) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.MaxAttempts, validation.Required, validation.Min(uint(1))),
		validation.Field(&p.BaseDelay, validation.Min(time.Duration(0))),
		validation.Field(&p.MaxDelay, validation.Min(time.Duration(0))),
		validation.Field(&p.Backoff, validation.In(Linear, Exponential)),
	)
}

// delay returns the delay before the retry that follows the given failed attempt (starting from 1).
func (p Policy) delay(attempt uint) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}

	var d time.Duration

	switch p.Backoff {
	case Exponential:
		maxDelay := p.MaxDelay
		if maxDelay <= 0 {
			maxDelay = p.BaseDelay << 10
		}

		return ctxutil.DurationWithJitter(p.BaseDelay, maxDelay, attempt)

	default:
		d = p.BaseDelay * time.Duration(attempt)
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	return d
}

// Retrier runs operations with a Policy.
//
// It keeps no per-call state, so it may be shared by concurrent callers.
type Retrier struct {
	p Policy
	l *zap.Logger

	retries   prometheus.Counter
	exhausted prometheus.Counter
}

// New creates a new Retrier.
func New(p Policy, l *zap.Logger) (*Retrier, error) {
	if err := p.Validate(); err != nil {
		return nil, dberr.NewError(dberr.ErrorCodeInvalidArgument, err)
	}

	if p.Classifier == nil {
		p.Classifier = dberr.IsTransient
	}

	return &Retrier{
		p: p,
		l: l,
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "recipestore",
			Subsystem: "retry",
			Name:      "retries_total",
			Help:      "The total number of retried attempts.",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "recipestore",
			Subsystem: "retry",
			Name:      "exhausted_total",
			Help:      "The total number of operations that failed with a transient error after all attempts.",
		}),
	}, nil
}

// Policy returns retrier's policy.
func (r *Retrier) Policy() Policy {
	return r.p
}

// Do calls op until it succeeds, fails with an error that the classifier rejects,
// or MaxAttempts tries were made.
//
// The last error is returned unchanged.
// If ctx is canceled while waiting between attempts, ctx.Err() is returned.
func (r *Retrier) Do(ctx context.Context, op func(context.Context) error) error {
	var attempts uint

	err := retry.Do(
		func() error {
			attempts++
			return op(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(r.p.MaxAttempts),
		retry.RetryIf(r.p.Classifier),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if r.p.OnRetry != nil && n+1 < r.p.MaxAttempts {
				r.p.OnRetry(n+1, err)
			}
		}),
		retry.DelayType(func(n uint, err error, _ *retry.Config) time.Duration {
			d := r.p.delay(n + 1)

			r.l.Warn(
				"Transient error, retrying",
				zap.Uint("attempt", n+1), zap.Uint("maxAttempts", r.p.MaxAttempts),
				zap.Duration("delay", d), zap.Error(err),
			)

			return d
		}),
	)

	if attempts > 1 {
		r.retries.Add(float64(attempts - 1))
	}

	if err != nil && attempts == r.p.MaxAttempts && r.p.Classifier(err) {
		r.exhausted.Inc()
	}

	return err
}

// Do is a generic version of [Retrier.Do] for operations returning a value.
func Do[T any](ctx context.Context, r *Retrier, op func(context.Context) (T, error)) (T, error) {
	var res T

	err := r.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = op(ctx)

		return err
	})

	return res, err
}

// Describe implements prometheus.Collector.
func (r *Retrier) Describe(ch chan<- *prometheus.Desc) {
	r.retries.Describe(ch)
	r.exhausted.Describe(ch)
}

// Collect implements prometheus.Collector.
func (r *Retrier) Collect(ch chan<- prometheus.Metric) {
	r.retries.Collect(ch)
	r.exhausted.Collect(ch)
}

// check interfaces
var (
	_ prometheus.Collector = (*Retrier)(nil)
)
