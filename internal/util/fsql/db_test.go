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
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *DB {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)

	sqlDB.SetMaxOpenConns(1)

	db := WrapDB(sqlDB, "test", zaptest.NewLogger(t), false)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

func TestInTransaction(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)

	_, err := db.ExecContext(ctx, `CREATE TABLE t (v INTEGER)`)
	require.NoError(t, err)

	boom := errors.New("boom")

	err = db.InTransaction(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO t (v) VALUES (?)`, 1); err != nil {
			return err
		}

		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM t`).Scan(&n))
	assert.Equal(t, 0, n)

	err = db.InTransaction(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO t (v) VALUES (?)`, 2)
		return err
	})
	require.NoError(t, err)

	rows, err := db.QueryContext(ctx, `SELECT v FROM t`)
	require.NoError(t, err)

	defer rows.Close()

	require.True(t, rows.Next())
	require.NoError(t, rows.Scan(&n))
	assert.Equal(t, 2, n)
	assert.False(t, rows.Next())
	require.NoError(t, rows.Err())
}

func TestMetrics(t *testing.T) {
	db := setupDB(t)

	require.NoError(t, db.PingContext(context.Background()))

	assert.Equal(t, 3, testutil.CollectAndCount(db))
}
