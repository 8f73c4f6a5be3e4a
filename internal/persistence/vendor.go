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

package persistence

import (
	"fmt"
	"strings"

	"github.com/FerretDB/docstore/internal/docerrors"
)

// Vendor represents a native document-store technology.
type Vendor int

// Vendors.
const (
	_ Vendor = iota

	// MongoLike is MongoDB and compatible stores.
	MongoLike

	// SqlLike is JSON documents stored in SQL tables (SQLite, PostgreSQL, MySQL).
	SqlLike

	// InMemory is a process-local store.
	InMemory
)

// String implements fmt.Stringer.
func (v Vendor) String() string {
	switch v {
	case MongoLike:
		return "MongoLike"
	case SqlLike:
		return "SqlLike"
	case InMemory:
		return "InMemory"
	default:
		return fmt.Sprintf("Vendor(%d)", int(v))
	}
}

// ParseVendor returns the vendor for the given name.
//
// Both vendor names and common aliases ("mongodb", "sql", "memory") are accepted.
func ParseVendor(s string) (Vendor, error) {
	switch strings.ToLower(s) {
	case "mongolike", "mongo", "mongodb":
		return MongoLike, nil
	case "sqllike", "sql":
		return SqlLike, nil
	case "inmemory", "memory":
		return InMemory, nil
	default:
		return 0, docerrors.Newf(docerrors.ErrorCodeInvalidConfiguration, "unknown vendor %q", s)
	}
}
