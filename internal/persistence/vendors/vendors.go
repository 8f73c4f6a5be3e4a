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

// Package vendors creates drivers for all supported vendors.
package vendors

import (
	"go.uber.org/zap"

	"github.com/FerretDB/docstore/internal/docerrors"
	"github.com/FerretDB/docstore/internal/persistence"
	"github.com/FerretDB/docstore/internal/persistence/memory"
	"github.com/FerretDB/docstore/internal/persistence/mongodb"
	"github.com/FerretDB/docstore/internal/persistence/sqldb"
)

// NewBackend returns a new backend of the given vendor.
func NewBackend(vendor persistence.Vendor, config *persistence.Config, l *zap.Logger) (persistence.Backend, error) {
	switch vendor {
	case persistence.MongoLike:
		return mongodb.NewBackend(config, l)
	case persistence.SqlLike:
		return sqldb.NewBackend(config, l)
	case persistence.InMemory:
		return memory.NewBackend(config, l)
	default:
		return nil, docerrors.Newf(docerrors.ErrorCodeInvalidConfiguration, "unknown vendor %s", vendor)
	}
}

// NewDriver returns a new disconnected driver of the given vendor.
//
// The logger is named after the vendor.
func NewDriver(vendor persistence.Vendor, config *persistence.Config, l *zap.Logger) (*persistence.Driver, error) {
	if config == nil {
		config = new(persistence.Config)
	}

	l = l.Named(vendor.String())

	b, err := NewBackend(vendor, config, l)
	if err != nil {
		return nil, err
	}

	return persistence.NewDriver(b, config, l), nil
}
