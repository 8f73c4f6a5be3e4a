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

// Package testutil provides testing helpers.
package testutil

import (
	"context"
	"os"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/FerretDB/docstore/internal/util/ctxutil"
)

// Ctx returns test context.
// It is canceled when test is finished or interrupted.
func Ctx(tb testing.TB) context.Context {
	tb.Helper()

	ctx, stop := ctxutil.SigTerm(context.Background())
	tb.Cleanup(stop)

	return ctx
}

// Logger returns zap test logger with valid configuration.
func Logger(tb testing.TB) *zap.Logger {
	return LevelLogger(tb, zap.NewAtomicLevelAt(zap.DebugLevel))
}

// LevelLogger returns zap test logger with given level and valid configuration.
func LevelLogger(tb testing.TB, level zap.AtomicLevel) *zap.Logger {
	opts := []zaptest.LoggerOption{
		zaptest.Level(level),
		zaptest.WrapOptions(zap.AddCaller(), zap.Development()),
	}

	return zaptest.NewLogger(tb, opts...)
}

// URI returns the value of the given environment variable,
// skipping the test if it is not set.
func URI(tb testing.TB, env string) string {
	tb.Helper()

	uri := os.Getenv(env)
	if uri == "" {
		tb.Skipf("%s is not set", env)
	}

	return uri
}
