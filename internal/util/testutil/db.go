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

package testutil

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"testing"
)

var (
	databaseNamesM sync.Mutex
	databaseNames  = make(map[string]string)
)

// DatabaseName returns a stable database name for that test.
//
// The name is valid for all supported vendors.
// It panics if two different tests would get the same name.
func DatabaseName(tb testing.TB) string {
	tb.Helper()

	name := strings.ToLower(tb.Name())
	name = strings.NewReplacer("/", "_", " ", "_", "$", "_", "#", "_", ".", "_").Replace(name)

	// MongoDB limits database names to 63 bytes
	if len(name) > 63 {
		h := fnv.New32a()
		_, _ = h.Write([]byte(name))
		name = fmt.Sprintf("%s_%08x", name[:54], h.Sum32())
	}

	databaseNamesM.Lock()
	defer databaseNamesM.Unlock()

	if another, ok := databaseNames[name]; ok && another != tb.Name() {
		panic(fmt.Sprintf("database name %q already used by test %q", name, another))
	}

	databaseNames[name] = tb.Name()

	return name
}

// CollectionName returns a stable collection name for that test.
func CollectionName(tb testing.TB) string {
	tb.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "$", "_").Replace(tb.Name())

	if len(name) > 100 {
		h := fnv.New32a()
		_, _ = h.Write([]byte(name))
		name = fmt.Sprintf("%s_%08x", name[:91], h.Sum32())
	}

	return name
}
