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

package vendors

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/AlekSi/pointer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/FerretDB/docstore/internal/docerrors"
	"github.com/FerretDB/docstore/internal/filter"
	"github.com/FerretDB/docstore/internal/persistence"
	"github.com/FerretDB/docstore/internal/persistence/codec"
	"github.com/FerretDB/docstore/internal/util/iterator"
	"github.com/FerretDB/docstore/internal/util/testutil"
)

type item struct {
	ID  string `bson:"id"`
	Qty int32  `bson:"qty"`
}

type order struct {
	ID       string   `bson:"_id,omitempty"`
	Name     string   `bson:"name"`
	Items    []item   `bson:"items"`
	Tags     []string `bson:"tags,omitempty"`
	Priority *int32   `bson:"priority,omitempty"`
}

func (o *order) GetID() string   { return o.ID }
func (o *order) SetID(id string) { o.ID = id }

type shape interface {
	area() float64
}

type square struct {
	Side float64 `bson:"side"`
}

func (s *square) area() float64 { return s.Side * s.Side }

type circle struct {
	R float64 `bson:"r"`
}

func (c *circle) area() float64 { return 3 * c.R * c.R }

type drawing struct {
	ID     string  `bson:"_id,omitempty"`
	Shapes []shape `bson:"shapes"`
}

func (d *drawing) GetID() string   { return d.ID }
func (d *drawing) SetID(id string) { d.ID = id }

// target describes a vendor configuration under test.
type target struct {
	vendor persistence.Vendor
	uri    func(t *testing.T) string
}

// targets returns all vendor configurations; unavailable ones skip their tests.
func targets() map[string]target {
	env := func(name string) func(t *testing.T) string {
		return func(t *testing.T) string { return testutil.URI(t, name) }
	}

	return map[string]target{
		"InMemory": {
			vendor: persistence.InMemory,
			uri:    func(*testing.T) string { return "memory://" },
		},
		"SQLite": {
			vendor: persistence.SqlLike,
			uri: func(t *testing.T) string {
				return "file:" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory"
			},
		},
		"MongoDB":    {vendor: persistence.MongoLike, uri: env("DOCSTORE_TEST_MONGODB_URI")},
		"PostgreSQL": {vendor: persistence.SqlLike, uri: env("DOCSTORE_TEST_POSTGRESQL_URI")},
		"MySQL":      {vendor: persistence.SqlLike, uri: env("DOCSTORE_TEST_MYSQL_URI")},
	}
}

// forEach runs the scenario against every vendor configuration with a fresh empty collection.
func forEach(t *testing.T, scenario func(t *testing.T, ctx context.Context, d *persistence.Driver, coll *persistence.Collection)) {
	t.Helper()

	for name, tc := range targets() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			uri := tc.uri(t)

			ctx := testutil.Ctx(t)
			l := testutil.Logger(t)

			config := &persistence.Config{ConnectionString: uri}
			if os.Getenv("DOCSTORE_TEST_LOG_QUERIES") != "" && tc.vendor == persistence.SqlLike {
				config.FeatureFlags = map[string]bool{"logQueries": true}
			}

			d, err := NewDriver(tc.vendor, config, l)
			require.NoError(t, err)

			connected, err := d.Connect(ctx, "")
			require.NoError(t, err)
			require.True(t, connected)

			dbName := testutil.DatabaseName(t)

			db, err := d.CreateDatabase(ctx, dbName, true)
			require.NoError(t, err)

			t.Cleanup(func() {
				defer d.Disconnect(ctx)

				// the scenario may reconnect, invalidating db
				if !d.IsConnected() {
					return
				}

				current, err := d.GetDatabase(ctx, dbName)
				require.NoError(t, err)

				if current != nil {
					_, err = d.DropDatabase(ctx, current)
					assert.NoError(t, err)
				}
			})

			coll, err := d.CreateCollection(ctx, db, "orders")
			require.NoError(t, err)

			scenario(t, ctx, d, coll)
		})
	}
}

func TestNewDriver(t *testing.T) {
	t.Parallel()

	l := testutil.Logger(t)

	for _, v := range []persistence.Vendor{persistence.MongoLike, persistence.SqlLike, persistence.InMemory} {
		d, err := NewDriver(v, nil, l)
		require.NoError(t, err)
		assert.Equal(t, v, d.Vendor())
	}

	_, err := NewDriver(persistence.Vendor(42), nil, l)
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeInvalidConfiguration), "%v", err)

	_, err = NewDriver(persistence.InMemory, &persistence.Config{FeatureFlags: map[string]bool{"retryWrites": true}}, l)
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeInvalidConfiguration), "%v", err)
}

func TestConformanceCRUD(t *testing.T) {
	t.Parallel()

	forEach(t, func(t *testing.T, ctx context.Context, d *persistence.Driver, coll *persistence.Collection) {
		o := &order{Name: "first", Items: []item{{ID: "a", Qty: 1}}, Priority: pointer.ToInt32(3)}

		saved, err := persistence.Save(ctx, d, coll, o)
		require.NoError(t, err)
		require.NotEmpty(t, o.ID)

		got, err := persistence.GetByID[order](ctx, d, coll, o.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, o, got.Value)

		id, ok := codec.ID(got.Document.Raw())
		require.True(t, ok)
		assert.Equal(t, o.ID, id)

		o.Name = "replaced"
		_, err = persistence.Save(ctx, d, coll, o)
		require.NoError(t, err)

		count, err := d.Count(ctx, coll, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		updated, err := persistence.Update(ctx, d, saved.Document, &order{Name: "updated"})
		require.NoError(t, err)
		require.NotNil(t, updated)
		assert.Equal(t, o.ID, updated.Value.ID)

		ok, err = d.Delete(ctx, saved.Document)
		require.NoError(t, err)
		assert.True(t, ok)

		exists, err := d.Exists(ctx, coll, o.ID)
		require.NoError(t, err)
		assert.False(t, exists)

		updated, err = persistence.Update(ctx, d, saved.Document, &order{Name: "gone"})
		require.NoError(t, err)
		assert.Nil(t, updated)

		missing, err := d.GetByID(ctx, coll, "missing")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestConformanceQuery(t *testing.T) {
	t.Parallel()

	forEach(t, func(t *testing.T, ctx context.Context, d *persistence.Driver, coll *persistence.Collection) {
		for _, o := range []*order{
			{ID: "1", Name: "a", Tags: []string{"new", "sale"}},
			{ID: "2", Name: "b", Tags: []string{"old"}, Priority: pointer.ToInt32(1)},
			{ID: "3", Name: "c", Priority: pointer.ToInt32(5)},
			{ID: "4", Name: "abc", Items: []item{{ID: "x", Qty: 7}}},
		} {
			_, err := persistence.Save(ctx, d, coll, o)
			require.NoError(t, err)
		}

		ids := func(t *testing.T, c *filter.Condition) []string {
			t.Helper()

			q, err := d.Get(ctx, coll, &persistence.QueryParams{Condition: c})
			require.NoError(t, err)

			docs, err := q.All(ctx)
			require.NoError(t, err)

			res := make([]string, len(docs))
			for i, doc := range docs {
				res[i] = doc.ID
			}

			return res
		}

		for name, tc := range map[string]struct {
			c        *filter.Condition
			expected []string
		}{
			"All":         {expected: []string{"1", "2", "3", "4"}},
			"Eq":          {c: filter.Eq("name", "b"), expected: []string{"2"}},
			"EqElement":   {c: filter.Eq("tags", "sale"), expected: []string{"1"}},
			"EqNil":       {c: filter.Eq("priority", nil), expected: []string{"1", "4"}},
			"Ne":          {c: filter.Ne("tags", "new"), expected: []string{"2", "3", "4"}},
			"Gte":         {c: filter.Gte("priority", 1), expected: []string{"2", "3"}},
			"LtString":    {c: filter.Lt("name", "b"), expected: []string{"1", "4"}},
			"In":          {c: filter.InValues("name", "a", "c"), expected: []string{"1", "3"}},
			"InEmpty":     {c: filter.InValues("name"), expected: []string{}},
			"Contains":    {c: filter.ContainsValue("tags", "old"), expected: []string{"2"}},
			"ContainsSub": {c: filter.ContainsValue("name", "bc"), expected: []string{"4"}},
			"Exists":      {c: filter.FieldExists("items.qty", true), expected: []string{"4"}},
			"NotExists":   {c: filter.FieldExists("tags", false), expected: []string{"3", "4"}},
			"Nested":      {c: filter.Eq("items.qty", 7), expected: []string{"4"}},
			"Grouping": {
				c:        filter.Or(filter.And(filter.Gt("priority", 2), filter.FieldExists("tags", false)), filter.Eq("name", "a")),
				expected: []string{"1", "3"},
			},
			"Not": {c: filter.Not(filter.FieldExists("priority", true)), expected: []string{"1", "4"}},
		} {
			t.Run(name, func(t *testing.T) {
				assert.Equal(t, tc.expected, ids(t, tc.c))
			})
		}

		count, err := d.Count(ctx, coll, &persistence.QueryParams{Condition: filter.FieldExists("priority", true)})
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})
}

func TestConformanceUpdates(t *testing.T) {
	t.Parallel()

	forEach(t, func(t *testing.T, ctx context.Context, d *persistence.Driver, coll *persistence.Collection) {
		saved, err := persistence.Save(ctx, d, coll, &order{
			Name:  "order",
			Items: []item{{ID: "a", Qty: 1}, {ID: "b", Qty: 2}},
		})
		require.NoError(t, err)

		res, err := d.UpdateProperties(ctx, coll, &persistence.PatchParams{
			ID:         saved.ID,
			Properties: map[string]any{"name": "patched", "address.city": "Berlin"},
		}, &persistence.UpdateOptions{ReturnDocument: true})
		require.NoError(t, err)
		assert.True(t, res.Matched)
		require.NotNil(t, res.Document)

		city, err := res.Document.Raw().LookupErr("address", "city")
		require.NoError(t, err)
		assert.Equal(t, "Berlin", city.StringValue())

		res, err = d.UpdateProperties(ctx, coll, &persistence.PatchParams{
			ID:         "upserted",
			Properties: map[string]any{"name": "new"},
		}, &persistence.UpdateOptions{Upsert: true})
		require.NoError(t, err)
		assert.True(t, res.Upserted)

		res, err = d.UpdateArrayElement(ctx, coll, &persistence.ArrayElementParams{
			ID:             saved.ID,
			ArrayField:     "items",
			ElementIDField: "id",
			ElementID:      "b",
			Properties:     map[string]any{"qty": 5},
		}, nil)
		require.NoError(t, err)
		assert.True(t, res.Matched)

		_, err = d.UpdateArrayElement(ctx, coll, &persistence.ArrayElementParams{
			ID:             saved.ID,
			ArrayField:     "items",
			ElementIDField: "id",
			ElementID:      "z",
			Properties:     map[string]any{"qty": 5},
		}, nil)
		assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeElementNotFound), "%v", err)

		res, err = d.UpdateArrayElement(ctx, coll, &persistence.ArrayElementParams{
			ID:             saved.ID,
			ArrayField:     "items",
			ElementIDField: "id",
			ElementID:      "z",
			Element:        item{ID: "z", Qty: 9},
		}, &persistence.UpdateOptions{InsertIfMissing: true})
		require.NoError(t, err)
		assert.True(t, res.Inserted)

		res, err = d.UpdateArrayElement(ctx, coll, &persistence.ArrayElementParams{
			ID:             "upserted",
			ArrayField:     "items",
			ElementIDField: "id",
			ElementID:      "a",
			Element:        item{ID: "a", Qty: 1},
		}, &persistence.UpdateOptions{InsertIfMissing: true})
		require.NoError(t, err)
		assert.True(t, res.Inserted, "missing array is created")

		got, err := persistence.GetByID[order](ctx, d, coll, saved.ID)
		require.NoError(t, err)
		assert.Equal(t, "patched", got.Value.Name)
		assert.Equal(t, []item{{ID: "a", Qty: 1}, {ID: "b", Qty: 5}, {ID: "z", Qty: 9}}, got.Value.Items)

		res, err = d.UpdateArrayElement(ctx, coll, &persistence.ArrayElementParams{
			ID:             "missing",
			ArrayField:     "items",
			ElementIDField: "id",
			ElementID:      "a",
			Element:        item{ID: "a"},
		}, nil)
		require.NoError(t, err)
		assert.False(t, res.Matched)
	})
}

func TestConformancePolymorphic(t *testing.T) {
	t.Parallel()

	forEach(t, func(t *testing.T, ctx context.Context, d *persistence.Driver, coll *persistence.Collection) {
		require.NoError(t, codec.RegisterVariant[shape, *square](d.Codec(), "square"))
		require.NoError(t, codec.RegisterVariant[shape, *circle](d.Codec(), "circle"))
		require.NoError(t, d.Initialize(new(drawing)))

		dr := &drawing{Shapes: []shape{&square{Side: 2}, &circle{R: 1}}}

		_, err := persistence.Save(ctx, d, coll, dr)
		require.NoError(t, err)

		got, err := persistence.GetByID[drawing](ctx, d, coll, dr.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, dr, got.Value)

		var raw bson.D
		require.NoError(t, bson.Unmarshal(got.Document.Raw(), &raw))
		assert.Equal(t, "_id", raw[0].Key)
	})
}

func TestConformanceCollections(t *testing.T) {
	t.Parallel()

	forEach(t, func(t *testing.T, ctx context.Context, d *persistence.Driver, coll *persistence.Collection) {
		db := coll.Database

		_, err := d.CreateCollection(ctx, db, "orders")
		assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeCollectionAlreadyExists), "%v", err)

		customers, err := d.CreateCollection(ctx, db, "customers")
		require.NoError(t, err)

		colls, err := d.GetAllCollections(ctx, db)
		require.NoError(t, err)
		require.Len(t, colls, 2)
		assert.Equal(t, "customers", colls[0].Name)
		assert.Equal(t, "orders", colls[1].Name)

		_, err = d.Save(ctx, coll, bson.D{{Key: "_id", Value: "1"}}, false)
		require.NoError(t, err)

		cleared, err := d.ClearCollection(ctx, coll)
		require.NoError(t, err)
		assert.True(t, cleared)

		count, err := d.Count(ctx, coll, nil)
		require.NoError(t, err)
		assert.Zero(t, count)

		dropped, err := d.DropCollection(ctx, customers)
		require.NoError(t, err)
		assert.True(t, dropped)

		exists, err := d.CollectionExists(ctx, db, "customers")
		require.NoError(t, err)
		assert.False(t, exists)

		got, err := d.GetDatabase(ctx, db.Name)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.Equal(db))
	})
}

func TestConformanceIteratorDisconnect(t *testing.T) {
	t.Parallel()

	forEach(t, func(t *testing.T, ctx context.Context, d *persistence.Driver, coll *persistence.Collection) {
		for i := range 300 {
			_, err := d.Save(ctx, coll, bson.D{{Key: "_id", Value: fmt.Sprintf("%03d", i)}}, false)
			require.NoError(t, err)
		}

		q, err := d.Get(ctx, coll, nil)
		require.NoError(t, err)

		iter, err := q.Iterator(ctx)
		require.NoError(t, err)

		defer iter.Close()

		_, doc, err := iter.Next()
		require.NoError(t, err)
		doc.Close()

		assert.True(t, d.Disconnect(ctx))

		_, _, err = iter.Next()
		assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeNotConnected), "%v", err)

		_, _, err = iter.Next()
		assert.Equal(t, iterator.ErrIteratorDone, err)

		connected, err := d.Connect(ctx, "")
		require.NoError(t, err)
		require.True(t, connected)

		// handles and iterators of the previous session stay unusable
		iter2, err := q.Iterator(ctx)
		assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeNotConnected), "%v", err)
		assert.Nil(t, iter2)

		_, err = d.Count(ctx, coll, nil)
		assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeNotConnected), "%v", err)
	})
}
