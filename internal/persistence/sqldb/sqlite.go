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
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/FerretDB/docstore/internal/persistence"
	"github.com/FerretDB/docstore/internal/persistence/docpath"
	"github.com/FerretDB/docstore/internal/util/lazyerrors"
)

// sqliteDialect stores documents as JSON text in STRICT tables.
//
// Connection strings are SQLite URIs like file:data.db or file:test?mode=memory.
type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

// parseSQLiteURI parses and checks the connection string.
func parseSQLiteURI(uri string) (*url.URL, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}

	if u.Scheme != "file" {
		return nil, fmt.Errorf("expected file: URI, got %q", u.Scheme)
	}

	if u.Opaque == "" && u.Path == "" {
		return nil, errors.New("database file name is empty")
	}

	return u, nil
}

func (sqliteDialect) validate(uri string) error {
	if _, err := parseSQLiteURI(uri); err != nil {
		return invalidURI(err)
	}

	return nil
}

// open implements dialect.
//
// In-memory databases are limited to a single connection,
// so all connections see the same data.
func (sqliteDialect) open(uri string, config *persistence.Config, l *zap.Logger) (*sql.DB, error) {
	u, err := parseSQLiteURI(uri)
	if err != nil {
		return nil, invalidURI(err)
	}

	q := u.Query()
	memory := q.Get("mode") == "memory"

	q.Add("_pragma", "busy_timeout(5000)")

	if config.Flag(FlagWALJournal) && !memory {
		q.Add("_pragma", "journal_mode(wal)")
	}

	u.RawQuery = q.Encode()

	l.Debug("Opening SQLite database", zap.String("uri", u.String()), zap.Bool("memory", memory))

	db, err := sql.Open("sqlite", u.String())
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)

	if memory {
		db.SetMaxIdleConns(1)
		db.SetMaxOpenConns(1)
	}

	return db, nil
}

func (sqliteDialect) placeholder(int) string { return "?" }

func (sqliteDialect) ident(name string) string { return fmt.Sprintf("%q", name) }

func (sqliteDialect) textType() string { return "TEXT" }

func (sqliteDialect) docType() string { return "TEXT" }

func (sqliteDialect) tableOptions() string { return " STRICT" }

func (sqliteDialect) doc(p frag) frag { return join("json(%s)", p) }

func (d sqliteDialect) upsert(table string, id, doc frag) frag {
	return join(
		"INSERT INTO "+d.ident(table)+" (id, doc) VALUES (%s, %s) ON CONFLICT (id) DO UPDATE SET doc = excluded.doc",
		id, d.doc(doc),
	)
}

func (d sqliteDialect) insertIgnore(table, columns string, values frag) frag {
	return join("INSERT INTO "+d.ident(table)+" ("+columns+") VALUES (%s) ON CONFLICT DO NOTHING", values)
}

// forUpdate implements dialect.
//
// SQLite locks the whole database on write.
func (sqliteDialect) forUpdate() string { return "" }

func (sqliteDialect) isMissingTable(err error) bool {
	var e *sqlite.Error
	if !errors.As(err, &e) || e.Code() != sqlitelib.SQLITE_ERROR {
		return false
	}

	return strings.Contains(e.Error(), "no such table")
}

func (sqliteDialect) key(x frag, key string) frag {
	return join("(%s -> %s)", x, arg(`$."`+key+`"`))
}

func (sqliteDialect) index(x frag, i int) frag {
	return join("(%s -> %s)", x, arg(fmt.Sprintf("$[%d]", i)))
}

func (sqliteDialect) isArray(x frag) frag {
	return join("(json_type(%s) = 'array')", x)
}

func (sqliteDialect) elements(x frag, alias string) (frag, frag) {
	from := join("json_each(CASE WHEN json_type(%s) = 'array' THEN %s ELSE '[]' END) AS "+alias, x, x)
	elem := join("(%s -> "+alias+".fullkey)", x)

	return from, elem
}

func (sqliteDialect) compare(x frag, op string, class docpath.Class, v any) frag {
	var types string

	switch class {
	case docpath.ClassNumber:
		types = "'integer', 'real'"
	case docpath.ClassString:
		types = "'text'"
	case docpath.ClassBool:
		types = "'true', 'false'"

		// ->> returns 1 and 0 for JSON booleans
		if v.(bool) {
			v = 1
		} else {
			v = 0
		}
	default:
		return lit("FALSE")
	}

	return join("(json_type(%s) IN ("+types+") AND (%s ->> '$') "+op+" %s)", x, x, arg(v))
}

func (sqliteDialect) isNull(x frag) frag {
	return join("(json_type(%s) = 'null')", x)
}

func (sqliteDialect) substring(x frag, s string) frag {
	return join("(json_type(%s) = 'text' AND instr(%s ->> '$', %s) > 0)", x, x, arg(s))
}

// check interfaces
var (
	_ dialect = sqliteDialect{}
)
