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
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// SigTerm returns a copy of the parent context that is marked done
// (its Done channel is closed) when termination signal arrives,
// when the returned stop function is called, or when the parent context's
// Done channel is closed, whichever happens first.
func SigTerm(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// WithTimeout returns a copy of the parent context with the given timeout.
//
// Zero or negative timeout means no deadline; the parent is still wrapped so that
// the returned cancel function is always valid.
func WithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}

	return context.WithTimeout(parent, timeout)
}

// Sleep pauses the current goroutine until d has passed or ctx is canceled.
func Sleep(ctx context.Context, d time.Duration) {
	sleepCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	<-sleepCtx.Done()
}

// DurationWithJitter returns an exponential backoff duration with full jitter for the given attempt.
//
// The result is at least 1ms and at most limit. Attempts less than 1 are treated as 1.
func DurationWithJitter(limit time.Duration, attempt int64) time.Duration {
	const base = 100 * time.Millisecond

	if limit < time.Millisecond {
		return time.Millisecond
	}

	attempt = max(attempt, 1)

	upper := limit
	if attempt < 20 {
		upper = min(base<<attempt, limit)
	}

	return max(time.Duration(rand.Int63n(int64(upper))), time.Millisecond)
}

// SleepWithJitter pauses the current goroutine for DurationWithJitter or until ctx is canceled.
func SleepWithJitter(ctx context.Context, limit time.Duration, attempt int64) {
	Sleep(ctx, DurationWithJitter(limit, attempt))
}
