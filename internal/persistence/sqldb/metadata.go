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
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/FerretDB/docstore/internal/util/fsql"
	"github.com/FerretDB/docstore/internal/util/lazyerrors"
	"github.com/FerretDB/docstore/internal/util/must"
	"github.com/FerretDB/docstore/internal/util/observability"
)

const (
	// Table listing logical databases.
	databasesTable = "_docstore_databases"

	// Table mapping collections to their tables.
	collectionsTable = "_docstore_collections"

	// Maximum table name length supported by all dialects.
	maxTableName = 63
)

// Parts of Prometheus metric names.
const (
	namespace = "docstore"
	subsystem = "sqldb_metadata"
)

// Namespace is the native database and collection handle of the SqlLike vendor.
type Namespace struct {
	Database   string
	Collection string

	// Table holding collection documents; empty for databases.
	Table string
}

// registry caches database and collection metadata stored in metadata tables.
//
// The cache is loaded on open; changes made by other processes are not seen.
//
// Exported methods are safe for concurrent use. Unexported methods are not.
type registry struct {
	db *fsql.DB
	d  dialect
	l  *zap.Logger

	// rw protects colls but also serializes metadata changes.
	rw    sync.RWMutex
	colls map[string]map[string]*Namespace // database name -> collection name -> collection
}

// newRegistry creates metadata tables if needed and loads them.
func newRegistry(ctx context.Context, db *fsql.DB, d dialect, l *zap.Logger) (*registry, error) {
	r := &registry{
		db:    db,
		d:     d,
		l:     l,
		colls: map[string]map[string]*Namespace{},
	}

	text := d.textType()

	for _, q := range []string{
		fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (name %s NOT NULL PRIMARY KEY)%s",
			d.ident(databasesTable), text, d.tableOptions(),
		),
		fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (db %[2]s NOT NULL, name %[2]s NOT NULL, table_name %[2]s NOT NULL, "+
				"PRIMARY KEY (db, name))%[3]s",
			d.ident(collectionsTable), text, d.tableOptions(),
		),
	} {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return nil, lazyerrors.Error(err)
		}
	}

	if err := r.load(ctx); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return r, nil
}

// load reads metadata tables into the cache.
func (r *registry) load(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, "SELECT name FROM "+r.d.ident(databasesTable))
	if err != nil {
		return lazyerrors.Error(err)
	}

	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			rows.Close()
			return lazyerrors.Error(err)
		}

		r.colls[name] = map[string]*Namespace{}
	}

	rows.Close()

	if err = rows.Err(); err != nil {
		return lazyerrors.Error(err)
	}

	rows, err = r.db.QueryContext(ctx, "SELECT db, name, table_name FROM "+r.d.ident(collectionsTable))
	if err != nil {
		return lazyerrors.Error(err)
	}
	defer rows.Close()

	for rows.Next() {
		var ns Namespace
		if err = rows.Scan(&ns.Database, &ns.Collection, &ns.Table); err != nil {
			return lazyerrors.Error(err)
		}

		if r.colls[ns.Database] == nil {
			r.colls[ns.Database] = map[string]*Namespace{}
		}

		r.colls[ns.Database][ns.Collection] = &ns
	}

	if err = rows.Err(); err != nil {
		return lazyerrors.Error(err)
	}

	r.l.Debug("Metadata loaded", zap.Int("databases", len(r.colls)))

	return nil
}

// DatabaseList returns a sorted list of databases.
func (r *registry) DatabaseList() []string {
	r.rw.RLock()
	defer r.rw.RUnlock()

	res := maps.Keys(r.colls)
	slices.Sort(res)

	return res
}

// DatabaseGet returns the database handle or nil if it does not exist.
func (r *registry) DatabaseGet(name string) *Namespace {
	r.rw.RLock()
	defer r.rw.RUnlock()

	if r.colls[name] == nil {
		return nil
	}

	return &Namespace{Database: name}
}

// databaseCreate creates the database if needed.
//
// It does not hold the lock.
func (r *registry) databaseCreate(ctx context.Context, name string) (bool, error) {
	if r.colls[name] != nil {
		return false, nil
	}

	q, args := r.render(r.d.insertIgnore(databasesTable, "name", arg(name)))

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, lazyerrors.Error(err)
	}

	r.colls[name] = map[string]*Namespace{}

	// another process created it
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	return true, nil
}

// DatabaseCreate creates the database.
//
// Returned boolean value indicates whether the database was created.
func (r *registry) DatabaseCreate(ctx context.Context, name string) (bool, error) {
	defer observability.FuncCall(ctx)()

	r.rw.Lock()
	defer r.rw.Unlock()

	return r.databaseCreate(ctx, name)
}

// DatabaseDrop drops the database with all collection tables.
//
// Tables listed in metadata by other processes are dropped too.
// All statements run in a single transaction; MySQL commits DDL implicitly,
// so there only metadata rows are removed atomically.
func (r *registry) DatabaseDrop(ctx context.Context, name string) error {
	defer observability.FuncCall(ctx)()

	r.rw.Lock()
	defer r.rw.Unlock()

	err := r.db.InTransaction(ctx, func(tx *fsql.Tx) error {
		q, args := r.render(join("SELECT table_name FROM "+r.d.ident(collectionsTable)+" WHERE db = %s", arg(name)))

		rows, err := tx.QueryContext(ctx, q, args...)
		if err != nil {
			return lazyerrors.Error(err)
		}

		var tables []string

		for rows.Next() {
			var t string
			if err = rows.Scan(&t); err != nil {
				rows.Close()
				return lazyerrors.Error(err)
			}

			tables = append(tables, t)
		}

		rows.Close()

		if err = rows.Err(); err != nil {
			return lazyerrors.Error(err)
		}

		for _, t := range tables {
			if _, err = tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+r.d.ident(t)); err != nil {
				return lazyerrors.Error(err)
			}
		}

		for _, f := range []frag{
			join("DELETE FROM "+r.d.ident(collectionsTable)+" WHERE db = %s", arg(name)),
			join("DELETE FROM "+r.d.ident(databasesTable)+" WHERE name = %s", arg(name)),
		} {
			q, args = r.render(f)
			if _, err = tx.ExecContext(ctx, q, args...); err != nil {
				return lazyerrors.Error(err)
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	// cache is updated only after commit
	delete(r.colls, name)

	return nil
}

// CollectionList returns a sorted list of collections in the database.
func (r *registry) CollectionList(db string) []string {
	r.rw.RLock()
	defer r.rw.RUnlock()

	res := maps.Keys(r.colls[db])
	slices.Sort(res)

	return res
}

// CollectionGet returns the collection handle or nil if it does not exist.
func (r *registry) CollectionGet(db, name string) *Namespace {
	r.rw.RLock()
	defer r.rw.RUnlock()

	return r.colls[db][name]
}

// CollectionCreate creates the collection table, creating the database if needed.
//
// Returned boolean value indicates whether the collection was created.
func (r *registry) CollectionCreate(ctx context.Context, db, name string) (*Namespace, bool, error) {
	defer observability.FuncCall(ctx)()

	r.rw.Lock()
	defer r.rw.Unlock()

	if _, err := r.databaseCreate(ctx, db); err != nil {
		return nil, false, lazyerrors.Error(err)
	}

	if ns := r.colls[db][name]; ns != nil {
		return ns, false, nil
	}

	ns := &Namespace{Database: db, Collection: name, Table: tableName(db, name)}

	q := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (id %s NOT NULL PRIMARY KEY, doc %s NOT NULL)%s",
		r.d.ident(ns.Table), r.d.textType(), r.d.docType(), r.d.tableOptions(),
	)
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		return nil, false, lazyerrors.Error(err)
	}

	q, args := r.render(r.d.insertIgnore(
		collectionsTable, "db, name, table_name",
		joinSep(", ", []frag{arg(db), arg(name), arg(ns.Table)}),
	))

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, false, lazyerrors.Error(err)
	}

	r.colls[db][name] = ns

	n, _ := res.RowsAffected()

	return ns, n > 0, nil
}

// CollectionDrop drops the collection table.
//
// It is a no-op for absent collections.
func (r *registry) CollectionDrop(ctx context.Context, db, name string) error {
	defer observability.FuncCall(ctx)()

	r.rw.Lock()
	defer r.rw.Unlock()

	ns := r.colls[db][name]
	if ns == nil {
		return nil
	}

	q, args := r.render(join(
		"DELETE FROM "+r.d.ident(collectionsTable)+" WHERE db = %s AND name = %s",
		arg(db), arg(name),
	))
	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		return lazyerrors.Error(err)
	}

	if _, err := r.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+r.d.ident(ns.Table)); err != nil {
		return lazyerrors.Error(err)
	}

	delete(r.colls[db], name)

	return nil
}

// render renders the statement for the dialect.
func (r *registry) render(f frag) (string, []any) {
	return f.render(r.d.placeholder)
}

// tableName returns the table name for the collection.
//
// Names are lowercased and sanitized; the hash of the original names keeps them unique.
func tableName(db, coll string) string {
	h := fnv.New32a()
	must.NotFail(h.Write([]byte(db)))
	must.NotFail(h.Write([]byte{0}))
	must.NotFail(h.Write([]byte(coll)))

	sanitize := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
				return r
			case r >= 'A' && r <= 'Z':
				return r - 'A' + 'a'
			default:
				return '_'
			}
		}, s)
	}

	name := "d_" + sanitize(db) + "_" + sanitize(coll)

	// room for the hash suffix
	if limit := maxTableName - 9; len(name) > limit {
		name = name[:limit]
	}

	return fmt.Sprintf("%s_%08x", name, h.Sum32())
}

// Describe implements prometheus.Collector.
func (r *registry) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(r, ch)
}

// Collect implements prometheus.Collector.
func (r *registry) Collect(ch chan<- prometheus.Metric) {
	r.rw.RLock()
	defer r.rw.RUnlock()

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "databases"),
			"The current number of databases in the registry.",
			nil, nil,
		),
		prometheus.GaugeValue,
		float64(len(r.colls)),
	)

	for db, colls := range r.colls {
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc(
				prometheus.BuildFQName(namespace, subsystem, "collections"),
				"The current number of collections in the registry.",
				[]string{"db"}, nil,
			),
			prometheus.GaugeValue,
			float64(len(colls)),
			db,
		)
	}
}

// check interfaces
var (
	_ prometheus.Collector = (*registry)(nil)
)
