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

package observability

import (
	"context"
	"runtime"
	"runtime/trace"
)

// FuncCall adds observability to a function call.
//
// It should be called at the very beginning of the function,
// and returned function should be called at exit.
// The only valid way to use FuncCall is:
//
//	func foo(ctx context.Context) {
//	    defer FuncCall(ctx)()
//	    // ...
//
// For the Go execution tracer, FuncCall creates a new region for the function call
// and attaches it to the task in the context (or background task).
func FuncCall(ctx context.Context) func() {
	if !trace.IsEnabled() {
		return func() {}
	}

	pc := make([]uintptr, 1)
	runtime.Callers(2, pc)
	f, _ := runtime.CallersFrames(pc).Next()

	region := trace.StartRegion(ctx, f.Function)

	return region.End
}
