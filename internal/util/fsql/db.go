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

// Package fsql provides [database/sql] utilities.
package fsql

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/FerretDB/docstore/internal/util/lazyerrors"
	"github.com/FerretDB/docstore/internal/util/observability"
	"github.com/FerretDB/docstore/internal/util/resource"
)

// DB wraps [*database/sql.DB] with tracing, metrics, logging, and resource tracking.
//
// It exposes the subset of *sql.DB methods we use.
type DB struct {
	*metricsCollector

	sqlDB      *sql.DB
	l          *zap.Logger
	logQueries bool
	token      *resource.Token
}

// WrapDB creates a new DB.
//
// Name is used for metric label values, etc.
// Logger (that will be named) is used for query logging at debug level;
// if logQueries is true, queries are logged at info level instead.
func WrapDB(db *sql.DB, name string, l *zap.Logger, logQueries bool) *DB {
	if db == nil {
		return nil
	}

	res := &DB{
		metricsCollector: newMetricsCollector(name, db.Stats),
		sqlDB:            db,
		l:                l.Named(name),
		logQueries:       logQueries,
		token:            resource.NewToken(),
	}

	resource.Track(res, res.token)

	return res
}

// Close calls [*sql.DB.Close].
func (db *DB) Close() error {
	resource.Untrack(db, db.token)
	return db.sqlDB.Close()
}

// PingContext calls [*sql.DB.PingContext].
func (db *DB) PingContext(ctx context.Context) error {
	defer observability.FuncCall(ctx)()

	return db.sqlDB.PingContext(ctx)
}

// QueryContext calls [*sql.DB.QueryContext].
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	defer observability.FuncCall(ctx)()

	start := time.Now()
	db.logBefore(query, args)

	rows, err := db.sqlDB.QueryContext(ctx, query, args...)

	db.logAfter(query, args, nil, time.Since(start), err)

	return rows, err
}

// QueryRowContext calls [*sql.DB.QueryRowContext].
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	defer observability.FuncCall(ctx)()

	start := time.Now()
	db.logBefore(query, args)

	row := db.sqlDB.QueryRowContext(ctx, query, args...)

	db.logAfter(query, args, nil, time.Since(start), row.Err())

	return row
}

// ExecContext calls [*sql.DB.ExecContext].
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer observability.FuncCall(ctx)()

	start := time.Now()
	db.logBefore(query, args)

	res, err := db.sqlDB.ExecContext(ctx, query, args...)

	// to differentiate between 0 and nil
	var ra *int64

	if res != nil {
		rav, _ := res.RowsAffected()
		ra = &rav
	}

	db.logAfter(query, args, ra, time.Since(start), err)

	return res, err
}

// InTransaction wraps the given function f in a transaction.
//
// If f returns an error or context is canceled, the transaction is rolled back.
func (db *DB) InTransaction(ctx context.Context, f func(*Tx) error) (err error) {
	defer observability.FuncCall(ctx)()

	var sqlTx *sql.Tx

	if sqlTx, err = db.sqlDB.BeginTx(ctx, nil); err != nil {
		err = lazyerrors.Error(err)
		return
	}

	tx := wrapTx(sqlTx, db)

	var done bool

	defer func() {
		// It is not enough to check `err == nil` there,
		// because in tests `f` could contain testify/require.XXX or `testing.TB.FailNow()` calls
		// that call `runtime.Goexit()`, leaving `err` unset in `err = f(tx)` below.
		// This situation would hang a test.
		if done {
			return
		}

		if err == nil {
			err = lazyerrors.Errorf("transaction was not committed")
		}

		_ = tx.Rollback()
	}()

	if err = f(tx); err != nil {
		// do not wrap f's error because the caller depends on it
		return
	}

	if err = tx.Commit(); err != nil {
		err = lazyerrors.Error(err)
		return
	}

	done = true

	return
}

// logBefore logs the query before execution.
func (db *DB) logBefore(query string, args []any) {
	db.log(">>> "+query, zap.Any("args", args))
}

// logAfter logs the query after execution.
func (db *DB) logAfter(query string, args []any, rows *int64, d time.Duration, err error) {
	db.log(
		"<<< "+query,
		zap.Any("args", args), zap.Int64p("rows", rows), zap.Duration("time", d), zap.Error(err),
	)
}

// log logs a query message at the configured level.
func (db *DB) log(msg string, fields ...zap.Field) {
	if db.logQueries {
		db.l.Info(msg, fields...)
		return
	}

	db.l.Debug(msg, fields...)
}

// check interfaces
var (
	_ prometheus.Collector = (*DB)(nil)
)
