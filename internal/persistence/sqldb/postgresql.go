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
	"strconv"

	"github.com/jackc/pgerrcode"
	zapadapter "github.com/jackc/pgx-zap"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/tracelog"
	"go.uber.org/zap"

	"github.com/FerretDB/docstore/internal/persistence"
	"github.com/FerretDB/docstore/internal/persistence/docpath"
)

// postgresqlDialect stores documents in jsonb columns.
//
// All logical databases share the schema of the connection.
// String comparisons use the database collation.
type postgresqlDialect struct{}

func (postgresqlDialect) name() string { return "postgresql" }

func (postgresqlDialect) validate(uri string) error {
	if _, err := pgx.ParseConfig(uri); err != nil {
		return invalidURI(err)
	}

	return nil
}

// open implements dialect.
//
// With the logQueries flag, pgx traces every query to the logger.
func (postgresqlDialect) open(uri string, config *persistence.Config, l *zap.Logger) (*sql.DB, error) {
	cfg, err := pgx.ParseConfig(uri)
	if err != nil {
		return nil, invalidURI(err)
	}

	if config.Flag("logQueries") {
		cfg.Tracer = &tracelog.TraceLog{
			Logger:   zapadapter.NewLogger(l.Named("pgx")),
			LogLevel: tracelog.LogLevelTrace,
		}
	}

	l.Debug("Opening PostgreSQL database", zap.String("host", cfg.Host), zap.String("database", cfg.Database))

	return stdlib.OpenDB(*cfg), nil
}

func (postgresqlDialect) placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (postgresqlDialect) ident(name string) string { return pgx.Identifier{name}.Sanitize() }

func (postgresqlDialect) textType() string { return `VARCHAR(255) COLLATE "C"` }

func (postgresqlDialect) docType() string { return "jsonb" }

func (postgresqlDialect) tableOptions() string { return "" }

func (postgresqlDialect) doc(p frag) frag { return join("CAST(%s AS jsonb)", p) }

func (d postgresqlDialect) upsert(table string, id, doc frag) frag {
	return join(
		"INSERT INTO "+d.ident(table)+" (id, doc) VALUES (%s, %s) ON CONFLICT (id) DO UPDATE SET doc = excluded.doc",
		id, d.doc(doc),
	)
}

func (d postgresqlDialect) insertIgnore(table, columns string, values frag) frag {
	return join("INSERT INTO "+d.ident(table)+" ("+columns+") VALUES (%s) ON CONFLICT DO NOTHING", values)
}

func (postgresqlDialect) forUpdate() string { return " FOR UPDATE" }

func (postgresqlDialect) isMissingTable(err error) bool {
	var e *pgconn.PgError
	return errors.As(err, &e) && e.Code == pgerrcode.UndefinedTable
}

func (postgresqlDialect) key(x frag, key string) frag {
	return join("(%s -> CAST(%s AS text))", x, arg(key))
}

func (postgresqlDialect) index(x frag, i int) frag {
	return join("(%s -> CAST(%s AS integer))", x, arg(i))
}

func (postgresqlDialect) isArray(x frag) frag {
	return join("(jsonb_typeof(%s) = 'array')", x)
}

func (postgresqlDialect) elements(x frag, alias string) (frag, frag) {
	from := join(
		"jsonb_array_elements(CASE WHEN jsonb_typeof(%s) = 'array' THEN %s ELSE '[]'::jsonb END) AS "+alias+"(value)",
		x, x,
	)

	return from, lit(alias + ".value")
}

// compare implements dialect.
//
// jsonb values of the same type compare as their underlying PostgreSQL types.
func (postgresqlDialect) compare(x frag, op string, class docpath.Class, v any) frag {
	var typ, sqlType string

	switch class {
	case docpath.ClassNumber:
		typ, sqlType = "number", "numeric"
	case docpath.ClassString:
		typ, sqlType = "string", "text"
	case docpath.ClassBool:
		typ, sqlType = "boolean", "boolean"
	default:
		return lit("FALSE")
	}

	return join(
		fmt.Sprintf("(jsonb_typeof(%%s) = '%s' AND %%s %s to_jsonb(CAST(%%s AS %s)))", typ, op, sqlType),
		x, x, arg(v),
	)
}

func (postgresqlDialect) isNull(x frag) frag {
	return join("(jsonb_typeof(%s) = 'null')", x)
}

func (postgresqlDialect) substring(x frag, s string) frag {
	return join("(jsonb_typeof(%s) = 'string' AND strpos(%s #>> '{}', CAST(%s AS text)) > 0)", x, x, arg(s))
}

// check interfaces
var (
	_ dialect = postgresqlDialect{}
)
