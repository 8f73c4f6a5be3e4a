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

package sqldb

import (
	"database/sql"
	"net/url"

	"go.uber.org/zap"

	"github.com/FerretDB/docstore/internal/docerrors"
	"github.com/FerretDB/docstore/internal/persistence"
	"github.com/FerretDB/docstore/internal/persistence/docpath"
)

// dialect hides differences between SQL databases.
//
// Methods returning fragments operate on JSON value expressions:
// SQL NULL represents a missing value, JSON null is a present value.
type dialect interface {
	// name returns the short dialect name used for logging and metrics.
	name() string

	// validate checks the connection string without connecting.
	validate(uri string) error

	// open creates a connection pool for the valid connection string.
	open(uri string, config *persistence.Config, l *zap.Logger) (*sql.DB, error)

	// placeholder returns the n-th (starting from 1) parameter placeholder.
	placeholder(n int) string

	// ident quotes the identifier.
	ident(name string) string

	// textType returns the column type for names and IDs.
	textType() string

	// docType returns the column type for documents.
	docType() string

	// tableOptions returns the suffix of CREATE TABLE statements.
	tableOptions() string

	// doc converts the document parameter to the document column type.
	doc(p frag) frag

	// upsert returns the statement that inserts or replaces the document.
	upsert(table string, id, doc frag) frag

	// insertIgnore returns the INSERT statement that skips conflicting rows.
	insertIgnore(table, columns string, values frag) frag

	// forUpdate returns the suffix of SELECT statements locking selected rows.
	forUpdate() string

	// isMissingTable returns true if the error is caused by a missing table.
	isMissingTable(err error) bool

	// key returns the value of the object field.
	key(x frag, key string) frag

	// index returns the value of the array element.
	index(x frag, i int) frag

	// isArray returns the condition that the value is an array.
	isArray(x frag) frag

	// elements returns the FROM item listing array elements and the element value expression.
	// Non-array values have no elements.
	elements(x frag, alias string) (from, elem frag)

	// compare returns the condition comparing the value with a number, string, or boolean
	// of the given class; values of other classes do not match.
	compare(x frag, op string, class docpath.Class, v any) frag

	// isNull returns the condition that the value is JSON null.
	isNull(x frag) frag

	// substring returns the condition that the value is a string containing s.
	substring(x frag, s string) frag
}

// dialectFor returns the dialect for the connection string scheme.
//
// Empty string selects SQLite.
func dialectFor(uri string) (dialect, error) {
	if uri == "" {
		return new(sqliteDialect), nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, docerrors.Newf(docerrors.ErrorCodeInvalidConfiguration, "invalid connection string: %w", err)
	}

	switch u.Scheme {
	case "file":
		return new(sqliteDialect), nil
	case "postgres", "postgresql":
		return new(postgresqlDialect), nil
	case "mysql":
		return new(mysqlDialect), nil
	default:
		return nil, docerrors.Newf(
			docerrors.ErrorCodeInvalidConfiguration,
			"unsupported connection string scheme %q", u.Scheme,
		)
	}
}

// invalidURI returns InvalidConfiguration error for the connection string.
func invalidURI(err error) error {
	return docerrors.Newf(docerrors.ErrorCodeInvalidConfiguration, "invalid connection string: %w", err)
}
