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

// Package ctxutil provides context helpers.
package ctxutil

import (
	"context"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// SigTerm returns a copy of the parent context that is marked done
// when SIGTERM or SIGINT is received, or when the returned stop function is called.
func SigTerm(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Sleep pauses the current goroutine until d has passed or ctx is canceled.
//
// It returns false if ctx was canceled before d passed.
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// DurationWithJitter returns an exponential backoff duration for the given attempt (starting from 1)
// with full jitter.
//
// The result is in [base, cap] range.
func DurationWithJitter(base, cap time.Duration, attempt uint) time.Duration {
	if base <= 0 {
		panic("base must be positive")
	}

	if cap < base {
		cap = base
	}

	if attempt < 1 {
		attempt = 1
	}

	upper := cap
	if attempt < 32 {
		if d := base << (attempt - 1); d > 0 && d < cap {
			upper = d
		}
	}

	if upper == base {
		return base
	}

	return base + rand.N(upper-base+1)
}
