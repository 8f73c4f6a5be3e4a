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

package fsql

import (
	"context"
	"database/sql"
	"time"

	"github.com/FerretDB/docstore/internal/util/observability"
	"github.com/FerretDB/docstore/internal/util/resource"
)

// Tx wraps [*database/sql.Tx] with logging and resource tracking.
//
// It exposes the subset of *sql.Tx methods we use.
type Tx struct {
	sqlTx *sql.Tx
	db    *DB
	token *resource.Token
}

// wrapTx creates new Tx.
func wrapTx(tx *sql.Tx, db *DB) *Tx {
	if tx == nil {
		return nil
	}

	res := &Tx{
		sqlTx: tx,
		db:    db,
		token: resource.NewToken(),
	}

	resource.Track(res, res.token)

	return res
}

// Commit calls [*sql.Tx.Commit].
func (tx *Tx) Commit() error {
	resource.Untrack(tx, tx.token)
	return tx.sqlTx.Commit()
}

// Rollback calls [*sql.Tx.Rollback].
func (tx *Tx) Rollback() error {
	resource.Untrack(tx, tx.token)
	return tx.sqlTx.Rollback()
}

// QueryContext calls [*sql.Tx.QueryContext].
func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	defer observability.FuncCall(ctx)()

	start := time.Now()
	tx.db.logBefore(query, args)

	rows, err := tx.sqlTx.QueryContext(ctx, query, args...)

	tx.db.logAfter(query, args, nil, time.Since(start), err)

	return rows, err
}

// QueryRowContext calls [*sql.Tx.QueryRowContext].
func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	defer observability.FuncCall(ctx)()

	start := time.Now()
	tx.db.logBefore(query, args)

	row := tx.sqlTx.QueryRowContext(ctx, query, args...)

	tx.db.logAfter(query, args, nil, time.Since(start), row.Err())

	return row
}

// ExecContext calls [*sql.Tx.ExecContext].
func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer observability.FuncCall(ctx)()

	start := time.Now()
	tx.db.logBefore(query, args)

	res, err := tx.sqlTx.ExecContext(ctx, query, args...)

	var ra *int64

	if res != nil {
		rav, _ := res.RowsAffected()
		ra = &rav
	}

	tx.db.logAfter(query, args, ra, time.Since(start), err)

	return res, err
}
