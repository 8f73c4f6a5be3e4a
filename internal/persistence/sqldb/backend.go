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

// Package sqldb provides the SqlLike vendor backend.
//
// # Design principles
//
//  1. Every collection is a table with the id primary key and the doc JSON column.
//  2. Logical databases and collections are listed in metadata tables;
//     the metadata is cached by the registry.
//  3. Documents are stored as relaxed Extended JSON, so filters can use native JSON functions.
//  4. Partial updates read, modify, and write the document in a transaction.
//  5. Queries are paginated by ID so iterators do not pin connections.
//
// SQLite, PostgreSQL, and MySQL dialects are supported.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/FerretDB/docstore/internal/docerrors"
	"github.com/FerretDB/docstore/internal/filter"
	"github.com/FerretDB/docstore/internal/persistence"
	"github.com/FerretDB/docstore/internal/persistence/codec"
	"github.com/FerretDB/docstore/internal/util/fsql"
	"github.com/FerretDB/docstore/internal/util/iterator"
	"github.com/FerretDB/docstore/internal/util/lazyerrors"
)

// Feature flags.
const (
	// Use the write-ahead log journal for SQLite database files.
	FlagWALJournal = "walJournal"

	// Log queries at info level (and trace them with pgx for PostgreSQL).
	FlagLogQueries = "logQueries"
)

// querier is implemented by *fsql.DB and *fsql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Backend implements persistence.Backend for the SqlLike vendor.
type Backend struct {
	config *persistence.Config
	codec  *codec.Registry
	d      dialect
	l      *zap.Logger

	rw sync.RWMutex
	db *fsql.DB
	r  *registry
}

// NewBackend creates a new SqlLike backend.
//
// The dialect is selected by the configured connection string; empty string selects SQLite.
// Connection strings passed to Connect must use the same dialect.
func NewBackend(config *persistence.Config, l *zap.Logger) (*Backend, error) {
	if err := config.CheckFlags(persistence.SqlLike, FlagWALJournal, FlagLogQueries); err != nil {
		return nil, err
	}

	d, err := dialectFor(config.ConnectionString)
	if err != nil {
		return nil, err
	}

	if _, ok := d.(*sqliteDialect); !ok && config.Flag(FlagWALJournal) {
		l.Warn("Feature flag is ignored by the dialect", zap.String("flag", FlagWALJournal), zap.String("dialect", d.name()))
	}

	return &Backend{
		config: config,
		codec:  codec.NewRegistry(),
		d:      d,
		l:      l,
	}, nil
}

// Vendor implements persistence.Backend.
func (b *Backend) Vendor() persistence.Vendor {
	return persistence.SqlLike
}

// Dialect returns the name of the SQL dialect.
func (b *Backend) Dialect() string {
	return b.d.name()
}

// Validate implements connmgr.Connector.
func (b *Backend) Validate(uri string) error {
	if uri == "" {
		return docerrors.New(docerrors.ErrorCodeInvalidConfiguration, "connection string is required")
	}

	d, err := dialectFor(uri)
	if err != nil {
		return err
	}

	if d.name() != b.d.name() {
		return docerrors.Newf(
			docerrors.ErrorCodeInvalidConfiguration,
			"connection string is for %s, but the driver is configured for %s", d.name(), b.d.name(),
		)
	}

	return b.d.validate(uri)
}

// Open implements connmgr.Connector.
func (b *Backend) Open(ctx context.Context, uri string) error {
	sqlDB, err := b.d.open(uri, b.config, b.l)
	if err != nil {
		return err
	}

	if b.config.PoolSize > 0 {
		sqlDB.SetMaxOpenConns(b.config.PoolSize)
	}

	db := fsql.WrapDB(sqlDB, b.d.name(), b.l, b.config.Flag(FlagLogQueries))

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return lazyerrors.Error(err)
	}

	r, err := newRegistry(ctx, db, b.d, b.l.Named("metadata"))
	if err != nil {
		_ = db.Close()
		return lazyerrors.Error(err)
	}

	b.rw.Lock()
	b.db, b.r = db, r
	b.rw.Unlock()

	return nil
}

// Close implements connmgr.Connector.
func (b *Backend) Close(context.Context) error {
	b.rw.Lock()
	db := b.db
	b.db, b.r = nil, nil
	b.rw.Unlock()

	if db == nil {
		return nil
	}

	return db.Close()
}

// conn returns the current connection pool and registry.
func (b *Backend) conn() (*fsql.DB, *registry, error) {
	b.rw.RLock()
	defer b.rw.RUnlock()

	if b.db == nil {
		return nil, nil, docerrors.New(docerrors.ErrorCodeNotConnected, "backend is closed")
	}

	return b.db, b.r, nil
}

// NewID implements persistence.Backend.
func (b *Backend) NewID() string {
	return uuid.NewString()
}

// Ping implements persistence.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	db, _, err := b.conn()
	if err != nil {
		return err
	}

	return db.PingContext(ctx)
}

// CompileFilter implements persistence.Backend.
func (b *Backend) CompileFilter(c *filter.Condition) (any, error) {
	return compile(b.d, c)
}

// CompileRaw implements persistence.Backend.
//
// Raw queries are SQL boolean expressions over the doc column without parameters.
func (b *Backend) CompileRaw(raw string) (any, error) {
	return compileRaw(b.d, raw)
}

// CreateDatabase implements persistence.Backend.
func (b *Backend) CreateDatabase(ctx context.Context, name string) (any, bool, error) {
	_, r, err := b.conn()
	if err != nil {
		return nil, false, err
	}

	created, err := r.DatabaseCreate(ctx, name)
	if err != nil {
		return nil, false, err
	}

	return &Namespace{Database: name}, created, nil
}

// GetDatabase implements persistence.Backend.
func (b *Backend) GetDatabase(_ context.Context, name string) (any, bool, error) {
	_, r, err := b.conn()
	if err != nil {
		return nil, false, err
	}

	ns := r.DatabaseGet(name)
	if ns == nil {
		return nil, false, nil
	}

	return ns, true, nil
}

// ListDatabases implements persistence.Backend.
func (b *Backend) ListDatabases(context.Context) ([]string, error) {
	_, r, err := b.conn()
	if err != nil {
		return nil, err
	}

	return r.DatabaseList(), nil
}

// DropDatabase implements persistence.Backend.
func (b *Backend) DropDatabase(ctx context.Context, name string) error {
	_, r, err := b.conn()
	if err != nil {
		return err
	}

	return r.DatabaseDrop(ctx, name)
}

// CreateCollection implements persistence.Backend.
func (b *Backend) CreateCollection(ctx context.Context, db, name string) (any, bool, error) {
	_, r, err := b.conn()
	if err != nil {
		return nil, false, err
	}

	return r.CollectionCreate(ctx, db, name)
}

// GetCollection implements persistence.Backend.
func (b *Backend) GetCollection(_ context.Context, db, name string) (any, bool, error) {
	_, r, err := b.conn()
	if err != nil {
		return nil, false, err
	}

	ns := r.CollectionGet(db, name)
	if ns == nil {
		return nil, false, nil
	}

	return ns, true, nil
}

// ListCollections implements persistence.Backend.
func (b *Backend) ListCollections(_ context.Context, db string) ([]string, error) {
	_, r, err := b.conn()
	if err != nil {
		return nil, err
	}

	return r.CollectionList(db), nil
}

// DropCollection implements persistence.Backend.
func (b *Backend) DropCollection(ctx context.Context, db, name string) error {
	_, r, err := b.conn()
	if err != nil {
		return err
	}

	return r.CollectionDrop(ctx, db, name)
}

// ClearCollection implements persistence.Backend.
func (b *Backend) ClearCollection(ctx context.Context, db, name string) error {
	sqlDB, r, err := b.conn()
	if err != nil {
		return err
	}

	ns := r.CollectionGet(db, name)
	if ns == nil {
		return nil
	}

	_, err = sqlDB.ExecContext(ctx, "DELETE FROM "+b.d.ident(ns.Table))
	if b.d.isMissingTable(err) {
		return nil
	}

	return err
}

// Find implements persistence.Backend.
//
// Documents are returned in ID order.
func (b *Backend) Find(ctx context.Context, params *persistence.FindParams) (iterator.Interface[string, *persistence.Record], error) {
	db, r, err := b.conn()
	if err != nil {
		return nil, err
	}

	where, err := b.where(params.Filter)
	if err != nil {
		return nil, err
	}

	ns := r.CollectionGet(params.Database, params.Collection)
	if ns == nil {
		return newQueryIterator(ctx, func(context.Context, string) ([]*persistence.Record, error) {
			return nil, nil
		}), nil
	}

	fetch := func(ctx context.Context, after string) ([]*persistence.Record, error) {
		q, args := join(
			"SELECT id, doc FROM "+b.d.ident(ns.Table)+" WHERE id > %s AND %s ORDER BY id LIMIT %s",
			arg(after), where, arg(batchSize),
		).render(b.d.placeholder)

		rows, err := db.QueryContext(ctx, q, args...)
		if err != nil {
			if b.d.isMissingTable(err) {
				return nil, nil
			}

			return nil, lazyerrors.Error(err)
		}
		defer rows.Close()

		res := make([]*persistence.Record, 0, batchSize)

		for rows.Next() {
			var id string
			var data []byte

			if err = rows.Scan(&id, &data); err != nil {
				return nil, lazyerrors.Error(err)
			}

			rec, err := b.record(id, data)
			if err != nil {
				return nil, err
			}

			res = append(res, rec)
		}

		if err = rows.Err(); err != nil {
			return nil, lazyerrors.Error(err)
		}

		return res, nil
	}

	return newQueryIterator(ctx, fetch), nil
}

// Count implements persistence.Backend.
func (b *Backend) Count(ctx context.Context, params *persistence.FindParams) (int64, error) {
	db, r, err := b.conn()
	if err != nil {
		return 0, err
	}

	where, err := b.where(params.Filter)
	if err != nil {
		return 0, err
	}

	ns := r.CollectionGet(params.Database, params.Collection)
	if ns == nil {
		return 0, nil
	}

	q, args := join("SELECT COUNT(*) FROM "+b.d.ident(ns.Table)+" WHERE %s", where).render(b.d.placeholder)

	var res int64
	if err = db.QueryRowContext(ctx, q, args...).Scan(&res); err != nil {
		if b.d.isMissingTable(err) {
			return 0, nil
		}

		return 0, lazyerrors.Error(err)
	}

	return res, nil
}

// where returns the WHERE condition for the native filter.
func (b *Backend) where(native any) (frag, error) {
	switch f := native.(type) {
	case nil:
		return lit("TRUE"), nil
	case *Predicate:
		return f.f, nil
	default:
		return frag{}, docerrors.Newf(docerrors.ErrorCodeInvalidFilter, "unexpected native filter type %T", native)
	}
}

// FindOne implements persistence.Backend.
func (b *Backend) FindOne(ctx context.Context, ref *persistence.DocumentRef) (*persistence.Record, error) {
	db, r, err := b.conn()
	if err != nil {
		return nil, err
	}

	ns := r.CollectionGet(ref.Database, ref.Collection)
	if ns == nil {
		return nil, nil
	}

	data, err := b.selectDoc(ctx, db, ns, ref.ID, false)
	if err != nil || data == nil {
		return nil, err
	}

	return b.record(ref.ID, data)
}

// Exists implements persistence.Backend.
func (b *Backend) Exists(ctx context.Context, ref *persistence.DocumentRef) (bool, error) {
	db, r, err := b.conn()
	if err != nil {
		return false, err
	}

	ns := r.CollectionGet(ref.Database, ref.Collection)
	if ns == nil {
		return false, nil
	}

	q, args := join("SELECT COUNT(*) FROM "+b.d.ident(ns.Table)+" WHERE id = %s", arg(ref.ID)).render(b.d.placeholder)

	var n int64
	if err = db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		if b.d.isMissingTable(err) {
			return false, nil
		}

		return false, lazyerrors.Error(err)
	}

	return n > 0, nil
}

// Upsert implements persistence.Backend.
//
// The collection is created if needed.
func (b *Backend) Upsert(ctx context.Context, ref *persistence.DocumentRef, doc bson.Raw) (*persistence.Record, error) {
	db, r, err := b.conn()
	if err != nil {
		return nil, err
	}

	ns, _, err := r.CollectionCreate(ctx, ref.Database, ref.Collection)
	if err != nil {
		return nil, err
	}

	data, err := b.codec.ToExtJSON(doc)
	if err != nil {
		return nil, err
	}

	q, args := b.d.upsert(ns.Table, arg(ref.ID), arg(string(data))).render(b.d.placeholder)
	if _, err = db.ExecContext(ctx, q, args...); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return &persistence.Record{Native: data, Doc: doc, ID: ref.ID}, nil
}

// Replace implements persistence.Backend.
func (b *Backend) Replace(ctx context.Context, ref *persistence.DocumentRef, doc bson.Raw) (*persistence.Record, error) {
	db, r, err := b.conn()
	if err != nil {
		return nil, err
	}

	ns := r.CollectionGet(ref.Database, ref.Collection)
	if ns == nil {
		return nil, nil
	}

	data, err := b.codec.ToExtJSON(doc)
	if err != nil {
		return nil, err
	}

	updated, err := b.updateDoc(ctx, db, ns, ref.ID, data)
	if err != nil || !updated {
		return nil, err
	}

	return &persistence.Record{Native: data, Doc: doc, ID: ref.ID}, nil
}

// Delete implements persistence.Backend.
func (b *Backend) Delete(ctx context.Context, ref *persistence.DocumentRef) error {
	db, r, err := b.conn()
	if err != nil {
		return err
	}

	ns := r.CollectionGet(ref.Database, ref.Collection)
	if ns == nil {
		return nil
	}

	q, args := join("DELETE FROM "+b.d.ident(ns.Table)+" WHERE id = %s", arg(ref.ID)).render(b.d.placeholder)
	if _, err = db.ExecContext(ctx, q, args...); err != nil && !b.d.isMissingTable(err) {
		return lazyerrors.Error(err)
	}

	return nil
}

// UpdateProperties implements persistence.Backend.
//
// The document is read and written back in a transaction.
func (b *Backend) UpdateProperties(ctx context.Context, params *persistence.PatchBackendParams) (*persistence.PatchBackendResult, error) {
	db, r, err := b.conn()
	if err != nil {
		return nil, err
	}

	var res persistence.PatchBackendResult

	ns := r.CollectionGet(params.Database, params.Collection)
	if ns == nil {
		if !params.Upsert {
			return &res, nil
		}

		// outside of the transaction: SQLite in-memory databases have a single connection
		if ns, _, err = r.CollectionCreate(ctx, params.Database, params.Collection); err != nil {
			return nil, err
		}
	}

	err = db.InTransaction(ctx, func(tx *fsql.Tx) error {
		res = persistence.PatchBackendResult{}

		data, err := b.selectDoc(ctx, tx, ns, params.ID, true)
		if err != nil {
			return err
		}

		var doc bson.D

		switch {
		case data != nil:
			if doc, err = b.decode(data); err != nil {
				return err
			}

			res.Matched = true

		case params.Upsert:
			doc = bson.D{{Key: codec.IDKey, Value: params.ID}}
			res.Upserted = true

		default:
			return nil
		}

		if doc, err = params.Apply(doc); err != nil {
			return err
		}

		if data, err = b.encode(doc); err != nil {
			return err
		}

		if res.Upserted {
			q, args := b.d.upsert(ns.Table, arg(params.ID), arg(string(data))).render(b.d.placeholder)
			if _, err = tx.ExecContext(ctx, q, args...); err != nil {
				return lazyerrors.Error(err)
			}

			return nil
		}

		_, err = b.updateDoc(ctx, tx, ns, params.ID, data)

		return err
	})
	if err != nil {
		return nil, err
	}

	return &res, nil
}

// UpdateArrayElement implements persistence.Backend.
//
// The document is read and written back in a transaction.
func (b *Backend) UpdateArrayElement(ctx context.Context, params *persistence.ArrayBackendParams) (*persistence.ArrayBackendResult, error) {
	db, r, err := b.conn()
	if err != nil {
		return nil, err
	}

	var res persistence.ArrayBackendResult

	ns := r.CollectionGet(params.Database, params.Collection)
	if ns == nil {
		return &res, nil
	}

	err = db.InTransaction(ctx, func(tx *fsql.Tx) error {
		res = persistence.ArrayBackendResult{}

		data, err := b.selectDoc(ctx, tx, ns, params.ID, true)
		if err != nil || data == nil {
			return err
		}

		res.Matched = true

		doc, err := b.decode(data)
		if err != nil {
			return err
		}

		doc, updated, inserted, err := params.Apply(doc)
		if err != nil {
			return err
		}

		if !updated && !inserted {
			return nil
		}

		if data, err = b.encode(doc); err != nil {
			return err
		}

		if _, err = b.updateDoc(ctx, tx, ns, params.ID, data); err != nil {
			return err
		}

		res.Updated, res.Inserted = updated, inserted

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &res, nil
}

// selectDoc returns the JSON document with the given ID, or nil if it does not exist.
func (b *Backend) selectDoc(ctx context.Context, q querier, ns *Namespace, id string, lock bool) ([]byte, error) {
	f := join("SELECT doc FROM "+b.d.ident(ns.Table)+" WHERE id = %s", arg(id))
	if lock {
		f.sql += b.d.forUpdate()
	}

	query, args := f.render(b.d.placeholder)

	var data []byte

	err := q.QueryRowContext(ctx, query, args...).Scan(&data)

	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, sql.ErrNoRows), b.d.isMissingTable(err):
		return nil, nil
	default:
		return nil, lazyerrors.Error(err)
	}
}

// updateDoc replaces the JSON document; it returns false if the document does not exist.
func (b *Backend) updateDoc(ctx context.Context, q querier, ns *Namespace, id string, data []byte) (bool, error) {
	query, args := join(
		"UPDATE "+b.d.ident(ns.Table)+" SET doc = %s WHERE id = %s",
		b.d.doc(arg(string(data))), arg(id),
	).render(b.d.placeholder)

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		if b.d.isMissingTable(err) {
			return false, nil
		}

		return false, lazyerrors.Error(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, lazyerrors.Error(err)
	}

	return n > 0, nil
}

// decode converts the stored JSON document to bson.D.
func (b *Backend) decode(data []byte) (bson.D, error) {
	raw, err := b.codec.FromExtJSON(data)
	if err != nil {
		return nil, err
	}

	var doc bson.D
	if err = bson.Unmarshal(raw, &doc); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return doc, nil
}

// encode converts bson.D to the JSON document.
func (b *Backend) encode(doc bson.D) ([]byte, error) {
	raw, err := b.codec.Marshal(doc)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return b.codec.ToExtJSON(raw)
}

// record returns a new record for the stored JSON document.
//
// Some dialects do not preserve key order, so the ID is moved to the first field.
func (b *Backend) record(id string, data []byte) (*persistence.Record, error) {
	raw, err := b.codec.FromExtJSON(data)
	if err != nil {
		return nil, err
	}

	if raw, err = codec.WithID(raw, id); err != nil {
		return nil, err
	}

	return &persistence.Record{Native: data, Doc: raw, ID: id}, nil
}

// Describe implements prometheus.Collector.
func (b *Backend) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(b, ch)
}

// Collect implements prometheus.Collector.
func (b *Backend) Collect(ch chan<- prometheus.Metric) {
	b.rw.RLock()
	defer b.rw.RUnlock()

	if b.db == nil {
		return
	}

	b.db.Collect(ch)
	b.r.Collect(ch)
}

// check interfaces
var (
	_ persistence.Backend  = (*Backend)(nil)
	_ prometheus.Collector = (*Backend)(nil)
)
