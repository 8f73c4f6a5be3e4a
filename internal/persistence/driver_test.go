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

package persistence_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AlekSi/pointer"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/FerretDB/docstore/internal/docerrors"
	"github.com/FerretDB/docstore/internal/filter"
	"github.com/FerretDB/docstore/internal/persistence"
	"github.com/FerretDB/docstore/internal/persistence/codec"
	"github.com/FerretDB/docstore/internal/persistence/connmgr"
	"github.com/FerretDB/docstore/internal/persistence/memory"
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

// setup returns a connected driver with the InMemory backend and an empty collection.
func setup(t *testing.T) (context.Context, *persistence.Driver, *persistence.Collection) {
	t.Helper()

	ctx := testutil.Ctx(t)
	l := testutil.Logger(t)
	config := &persistence.Config{ConnectionString: "memory://"}

	b, err := memory.NewBackend(config, l)
	require.NoError(t, err)

	d := persistence.NewDriver(b, config, l)

	connected, err := d.Connect(ctx, "")
	require.NoError(t, err)
	require.True(t, connected)

	db, err := d.CreateDatabase(ctx, "shop", false)
	require.NoError(t, err)

	coll, err := d.CreateCollection(ctx, db, "orders")
	require.NoError(t, err)

	return ctx, d, coll
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	l := testutil.Logger(t)

	b, err := memory.NewBackend(new(persistence.Config), l)
	require.NoError(t, err)

	d := persistence.NewDriver(b, nil, l)
	assert.Equal(t, persistence.InMemory, d.Vendor())
	assert.Equal(t, connmgr.Disconnected, d.State())

	var transitions []connmgr.Transition
	unsubscribe := d.Subscribe(func(tr connmgr.Transition) { transitions = append(transitions, tr) })

	_, err = d.GetDatabase(ctx, "shop")
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeNotConnected), "%v", err)

	connected, err := d.Connect(ctx, "mongodb://localhost")
	assert.False(t, connected)
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeInvalidConfiguration), "%v", err)
	assert.Empty(t, transitions)

	connected, err = d.Connect(ctx, "memory://")
	require.NoError(t, err)
	assert.True(t, connected)
	assert.True(t, d.IsConnected())
	require.NoError(t, d.Ping(ctx))

	db, err := d.CreateDatabase(ctx, "shop", false)
	require.NoError(t, err)

	connected, err = d.Connect(ctx, "")
	require.NoError(t, err)
	assert.True(t, connected, "already connected")

	assert.True(t, d.Disconnect(ctx))
	assert.True(t, d.Disconnect(ctx), "already disconnected")

	_, err = d.CreateCollection(ctx, db, "orders")
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeNotConnected), "%v", err)

	connected, err = d.Connect(ctx, "memory://")
	require.NoError(t, err)
	require.True(t, connected)

	_, err = d.CreateCollection(ctx, db, "orders")
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeNotConnected), "handle from the previous session: %v", err)

	db, err = d.GetDatabase(ctx, "shop")
	require.NoError(t, err)
	require.NotNil(t, db, "data survives reconnect")

	unsubscribe()
	d.Disconnect(ctx)

	expected := []connmgr.State{
		connmgr.Connecting, connmgr.Connected, connmgr.Disconnected,
		connmgr.Connecting, connmgr.Connected,
	}

	actual := make([]connmgr.State, len(transitions))
	for i, tr := range transitions {
		actual[i] = tr.To
	}

	assert.Equal(t, expected, actual)
}

func TestConcurrentConnect(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	l := testutil.Logger(t)

	b, err := memory.NewBackend(new(persistence.Config), l)
	require.NoError(t, err)

	d := persistence.NewDriver(b, nil, l)

	var m sync.Mutex
	var transitions []connmgr.Transition

	d.Subscribe(func(tr connmgr.Transition) {
		m.Lock()
		defer m.Unlock()

		transitions = append(transitions, tr)
	})

	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			if i%2 == 0 {
				_, _ = d.Connect(ctx, "")
			} else {
				d.Disconnect(ctx)
			}
		}(i)
	}

	wg.Wait()

	m.Lock()
	defer m.Unlock()

	state := connmgr.Disconnected

	for _, tr := range transitions {
		assert.Equal(t, state, tr.From, "transitions are linearized")
		assert.NotEqual(t, tr.From, tr.To)
		state = tr.To
	}

	assert.Equal(t, d.State(), state)
}

func TestDatabasesAndCollections(t *testing.T) {
	t.Parallel()

	ctx, d, coll := setup(t)
	db := coll.Database

	_, err := d.CreateDatabase(ctx, "shop", false)
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeDatabaseAlreadyExists), "%v", err)

	e := new(docerrors.Error)
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "InMemory", e.Vendor())
	assert.Equal(t, "CreateDatabase", e.Op())

	_, err = d.CreateCollection(ctx, db, "orders")
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeCollectionAlreadyExists), "%v", err)

	_, err = d.CreateDatabase(ctx, "", false)
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeInvalidArgument), "%v", err)

	other, err := d.CreateDatabase(ctx, "archive", false)
	require.NoError(t, err)

	dbs, err := d.GetAllDatabases(ctx)
	require.NoError(t, err)
	require.Len(t, dbs, 2)
	assert.Equal(t, "archive", dbs[0].Name)
	assert.True(t, dbs[1].Equal(db))

	missing, err := d.GetDatabase(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = d.CreateCollection(ctx, db, "customers")
	require.NoError(t, err)

	colls, err := d.GetAllCollections(ctx, db)
	require.NoError(t, err)
	require.Len(t, colls, 2)
	assert.Equal(t, "customers", colls[0].Name)
	assert.True(t, colls[1].Equal(coll))

	exists, err := d.CollectionExists(ctx, db, "customers")
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := d.GetCollection(ctx, db, "nope")
	require.NoError(t, err)
	assert.Nil(t, got)

	dropped, err := d.DropCollection(ctx, colls[0])
	require.NoError(t, err)
	assert.True(t, dropped)

	dropped, err = d.DropCollection(ctx, colls[0])
	require.NoError(t, err)
	assert.True(t, dropped, "idempotent")

	exists, err = d.CollectionExists(ctx, db, "customers")
	require.NoError(t, err)
	assert.False(t, exists)

	dropped, err = d.DropDatabase(ctx, other)
	require.NoError(t, err)
	assert.True(t, dropped)

	dropped, err = d.DropDatabase(ctx, other)
	require.NoError(t, err)
	assert.True(t, dropped, "idempotent")

	_, err = d.Save(ctx, coll, &order{Name: "kept"}, false)
	require.NoError(t, err)

	recreated, err := d.CreateDatabase(ctx, "shop", true)
	require.NoError(t, err)

	colls, err = d.GetAllCollections(ctx, recreated)
	require.NoError(t, err)
	assert.Empty(t, colls, "existing database is dropped first")

	_, err = d.DropDatabase(ctx, nil)
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeInvalidArgument), "%v", err)
}

func TestSaveGet(t *testing.T) {
	t.Parallel()

	ctx, d, coll := setup(t)

	o := &order{Name: "first", Items: []item{{ID: "a", Qty: 1}}}

	saved, err := persistence.Save(ctx, d, coll, o)
	require.NoError(t, err)
	require.NotEmpty(t, o.ID, "ID is set")
	assert.Equal(t, o.ID, saved.ID)
	assert.Same(t, o, saved.Value)

	got, err := persistence.GetByID[order](ctx, d, coll, o.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, o, got.Value)
	assert.True(t, got.Document.Equal(saved.Document))

	o.Name = "replaced"
	_, err = persistence.Save(ctx, d, coll, o)
	require.NoError(t, err)

	count, err := d.Count(ctx, coll, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "save replaces rather than duplicates")

	got, err = persistence.GetByID[order](ctx, d, coll, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "replaced", got.Value.Name)

	missing, err := persistence.GetByID[order](ctx, d, coll, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)

	exists, err := d.Exists(ctx, coll, o.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	// raw documents keep their own IDs
	doc, err := d.Save(ctx, coll, bson.D{{Key: "_id", Value: "raw"}, {Key: "name", Value: "raw"}}, false)
	require.NoError(t, err)
	assert.Equal(t, "raw", doc.ID)

	v, err := doc.Raw().LookupErr("name")
	require.NoError(t, err)
	assert.Equal(t, "raw", v.StringValue())

	doc.Close()
	doc.Close()
	assert.Nil(t, doc.Raw())
	assert.True(t, docerrors.CodeIs(doc.Decode(new(order)), docerrors.ErrorCodeInvalidArgument))

	deleted, err := d.Save(ctx, coll, &order{ID: "raw"}, true)
	require.NoError(t, err)
	assert.Nil(t, deleted)

	count, err = d.Count(ctx, coll, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = d.Save(ctx, coll, 42, false)
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeInvalidArgument), "%v", err)
}

func TestDocumentConcurrentClose(t *testing.T) {
	t.Parallel()

	ctx, d, coll := setup(t)

	doc, err := d.Save(ctx, coll, bson.D{{Key: "_id", Value: "shared"}, {Key: "name", Value: "shared"}}, false)
	require.NoError(t, err)

	native := doc.Native
	require.NotNil(t, native)

	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)

		go func() {
			defer wg.Done()

			assert.Equal(t, native, doc.Native)
			_ = doc.Raw()
		}()

		go func() {
			defer wg.Done()

			doc.Close()
		}()
	}

	wg.Wait()

	assert.Nil(t, doc.Raw())
	assert.Equal(t, native, doc.Native, "Close keeps the native payload")
	assert.Equal(t, "shared", doc.ID)
	assert.True(t, docerrors.CodeIs(doc.Decode(new(order)), docerrors.ErrorCodeInvalidArgument))
}

func TestUpdateDelete(t *testing.T) {
	t.Parallel()

	ctx, d, coll := setup(t)

	saved, err := persistence.Save(ctx, d, coll, &order{Name: "before"})
	require.NoError(t, err)

	updated, err := persistence.Update(ctx, d, saved.Document, &order{Name: "after"})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, saved.ID, updated.Value.ID, "ID is kept")

	got, err := persistence.GetByID[order](ctx, d, coll, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "after", got.Value.Name)

	ok, err := d.Delete(ctx, saved.Document)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Delete(ctx, saved.Document)
	require.NoError(t, err)
	assert.True(t, ok, "idempotent")

	count, err := d.Count(ctx, coll, nil)
	require.NoError(t, err)
	assert.Zero(t, count)

	updated, err = persistence.Update(ctx, d, saved.Document, &order{Name: "gone"})
	require.NoError(t, err)
	assert.Nil(t, updated, "missing documents are not recreated")

	count, err = d.Count(ctx, coll, nil)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestQuery(t *testing.T) {
	t.Parallel()

	ctx, d, coll := setup(t)

	for _, o := range []*order{
		{ID: "1", Name: "a", Tags: []string{"new"}},
		{ID: "2", Name: "b", Tags: []string{"old"}, Priority: pointer.ToInt32(1)},
		{ID: "3", Name: "c", Priority: pointer.ToInt32(5)},
	} {
		_, err := persistence.Save(ctx, d, coll, o)
		require.NoError(t, err)
	}

	names := func(t *testing.T, params *persistence.QueryParams) []string {
		t.Helper()

		res, err := persistence.GetAll[order](ctx, d, coll, params)
		require.NoError(t, err)

		names := make([]string, len(res))
		for i, r := range res {
			names[i] = r.Value.Name
		}

		return names
	}

	assert.Equal(t, []string{"a", "b", "c"}, names(t, nil))
	assert.Equal(t, []string{"b", "c"}, names(t, &persistence.QueryParams{Condition: filter.Gte("priority", 1)}))
	assert.Equal(t, []string{"a"}, names(t, &persistence.QueryParams{Raw: `doc.tags == "new"`}))
	assert.Empty(t, names(t, &persistence.QueryParams{Condition: filter.InValues("name")}))

	f, err := d.CreateFilterFromExpression(`doc.priority > 1 || doc.tags contains "old"`)
	require.NoError(t, err)
	assert.Equal(t, persistence.InMemory, f.Vendor())
	assert.Equal(t, []string{"b", "c"}, names(t, &persistence.QueryParams{Filter: f}))

	_, err = d.Get(ctx, coll, &persistence.QueryParams{Filter: f, Raw: "doc.x == 1"})
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeInvalidArgument), "%v", err)

	q, err := d.Get(ctx, coll, &persistence.QueryParams{Condition: filter.Ne("name", "b")})
	require.NoError(t, err)

	docs, err := q.All(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	_, err = d.Save(ctx, coll, &order{ID: "4", Name: "d"}, false)
	require.NoError(t, err)

	docs, err = q.All(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 3, "queries are re-issued on every iteration")

	iter, err := q.Iterator(ctx)
	require.NoError(t, err)

	id, doc, err := iter.Next()
	require.NoError(t, err)
	assert.Equal(t, "1", id)
	assert.Equal(t, "1", doc.ID)

	iter.Close()

	_, _, err = iter.Next()
	assert.ErrorIs(t, err, iterator.ErrIteratorDone)

	cancelCtx, cancel := context.WithCancel(ctx)
	iter, err = q.Iterator(cancelCtx)
	require.NoError(t, err)

	cancel()

	_, _, err = iter.Next()
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeNativeDriverError), "%v", err)

	_, _, err = iter.Next()
	assert.ErrorIs(t, err, iterator.ErrIteratorDone, "iterator is closed on error")
}

func TestFilters(t *testing.T) {
	t.Parallel()

	l := testutil.Logger(t)

	b, err := memory.NewBackend(new(persistence.Config), l)
	require.NoError(t, err)

	d := persistence.NewDriver(b, nil, l)

	f, err := d.CreateFilter("qty", 5, filter.GreaterThan)
	require.NoError(t, err, "filters do not need a connection")
	assert.IsType(t, memory.Predicate(nil), f.Native())
	assert.Equal(t, "qty GreaterThan 5", f.String())

	_, err = d.CreateFilter("qty", 5, filter.Operator(100))
	require.Error(t, err)
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeUnsupportedFilterOperator), "%v", err)
	assert.Contains(t, err.Error(), "Operator(100)")
	assert.Contains(t, err.Error(), "InMemory")

	_, err = d.CreateFilterFromExpression(`doc.qty > 1 ? true : false`)
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeUnsupportedExpressionShape), "%v", err)

	_, err = d.CreateFilterFromCondition(filter.Eq("", 1))
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeInvalidFilter), "%v", err)

	other := persistence.NewDriver(b, nil, l)
	foreign, err := other.CreateFilter("qty", 5, filter.Equals)
	require.NoError(t, err)

	ctx := testutil.Ctx(t)

	_, err = d.Connect(ctx, "")
	require.NoError(t, err)

	db, err := d.CreateDatabase(ctx, "db", false)
	require.NoError(t, err)

	coll, err := d.CreateCollection(ctx, db, "c")
	require.NoError(t, err)

	_, err = d.Get(ctx, coll, &persistence.QueryParams{Filter: foreign})
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeInvalidArgument), "%v", err)
}

func TestUpdateProperties(t *testing.T) {
	t.Parallel()

	ctx, d, coll := setup(t)

	saved, err := persistence.Save(ctx, d, coll, &order{Name: "before", Tags: []string{"x"}})
	require.NoError(t, err)

	res, err := d.UpdateProperties(ctx, coll, &persistence.PatchParams{
		ID:         saved.ID,
		Properties: map[string]any{"name": "after", "address.city": "Berlin"},
	}, &persistence.UpdateOptions{ReturnDocument: true})
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.False(t, res.Upserted)
	require.NotNil(t, res.Document)

	var doc bson.D
	require.NoError(t, res.Document.Decode(&doc))

	expected := bson.D{
		{Key: "_id", Value: saved.ID},
		{Key: "name", Value: "after"},
		{Key: "items", Value: nil},
		{Key: "tags", Value: bson.A{"x"}},
		{Key: "address", Value: bson.D{{Key: "city", Value: "Berlin"}}},
	}
	assert.Equal(t, expected, doc)

	res, err = d.UpdateProperties(ctx, coll, &persistence.PatchParams{
		ID:         "missing",
		Properties: map[string]any{"name": "x"},
	}, nil)
	require.NoError(t, err)
	assert.False(t, res.Matched)

	exists, err := d.Exists(ctx, coll, "missing")
	require.NoError(t, err)
	assert.False(t, exists)

	res, err = d.UpdateProperties(ctx, coll, &persistence.PatchParams{
		ID:         "new",
		Properties: map[string]any{"name": "upserted"},
	}, &persistence.UpdateOptions{Upsert: true})
	require.NoError(t, err)
	assert.True(t, res.Upserted)

	got, err := persistence.GetByID[order](ctx, d, coll, "new")
	require.NoError(t, err)
	assert.Equal(t, &order{ID: "new", Name: "upserted"}, got.Value)

	for name, props := range map[string]map[string]any{
		"ID":       {"_id": "other"},
		"Overlap":  {"address": "x", "address.city": "y"},
		"EmptyKey": {"": 1},
	} {
		_, err = d.UpdateProperties(ctx, coll, &persistence.PatchParams{ID: saved.ID, Properties: props}, nil)
		assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeInvalidArgument), "%s: %v", name, err)
	}

	_, err = d.UpdateProperties(ctx, coll, &persistence.PatchParams{
		ID:         saved.ID,
		Properties: map[string]any{"name.first": "x"},
	}, nil)
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeInvalidArgument), "%v", err)
}

func TestUpdateArrayElement(t *testing.T) {
	t.Parallel()

	ctx, d, coll := setup(t)

	saved, err := persistence.Save(ctx, d, coll, &order{
		Name:  "order",
		Items: []item{{ID: "a", Qty: 1}, {ID: "b", Qty: 2}},
	})
	require.NoError(t, err)

	params := &persistence.ArrayElementParams{
		ID:             saved.ID,
		ArrayField:     "items",
		ElementIDField: "id",
		ElementID:      "b",
		Properties:     map[string]any{"qty": 5},
	}

	res, err := d.UpdateArrayElement(ctx, coll, params, nil)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.False(t, res.Inserted)

	got, err := persistence.GetByID[order](ctx, d, coll, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, []item{{ID: "a", Qty: 1}, {ID: "b", Qty: 5}}, got.Value.Items)

	params.ElementID = "z"
	_, err = d.UpdateArrayElement(ctx, coll, params, nil)
	require.Error(t, err)
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeElementNotFound), "%v", err)

	for _, s := range []string{`"orders"`, saved.ID, `"items"`, "id = z"} {
		assert.Contains(t, err.Error(), s)
	}

	res, err = d.UpdateArrayElement(ctx, coll, params, &persistence.UpdateOptions{InsertIfMissing: true, ReturnDocument: true})
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	require.NotNil(t, res.Document)

	var o order
	require.NoError(t, res.Document.Decode(&o))
	assert.Equal(t, []item{{ID: "a", Qty: 1}, {ID: "b", Qty: 5}, {ID: "z", Qty: 5}}, o.Items)

	res, err = d.UpdateArrayElement(ctx, coll, &persistence.ArrayElementParams{
		ID:             saved.ID,
		ArrayField:     "items",
		ElementIDField: "id",
		ElementID:      "a",
		Element:        item{ID: "a", Qty: 7},
	}, nil)
	require.NoError(t, err)
	assert.True(t, res.Matched)

	got, err = persistence.GetByID[order](ctx, d, coll, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, []item{{ID: "a", Qty: 7}, {ID: "b", Qty: 5}, {ID: "z", Qty: 5}}, got.Value.Items)

	res, err = d.UpdateArrayElement(ctx, coll, &persistence.ArrayElementParams{
		ID:             "missing",
		ArrayField:     "items",
		ElementIDField: "id",
		ElementID:      "a",
		Element:        item{ID: "a"},
	}, nil)
	require.NoError(t, err)
	assert.False(t, res.Matched)

	_, err = d.UpdateArrayElement(ctx, coll, &persistence.ArrayElementParams{
		ID:             saved.ID,
		ArrayField:     "items",
		ElementIDField: "id",
		ElementID:      "a",
		Element:        item{ID: "a"},
		Properties:     map[string]any{"qty": 1},
	}, nil)
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeInvalidArgument), "%v", err)

	_, err = d.UpdateArrayElement(ctx, coll, &persistence.ArrayElementParams{
		ID:             saved.ID,
		ArrayField:     "items",
		ElementIDField: "id",
		ElementID:      "a",
		Element:        42,
	}, nil)
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeInvalidArgument), "%v", err)
}

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

func TestVariants(t *testing.T) {
	t.Parallel()

	ctx, d, coll := setup(t)

	require.NoError(t, codec.RegisterVariant[shape, *square](d.Codec(), "square"))

	_, err := persistence.Save(ctx, d, coll, &drawing{ID: "1", Shapes: []shape{&square{Side: 2}, &circle{R: 1}}})
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeUnregisteredSubtype), "%v", err)

	require.NoError(t, codec.RegisterVariant[shape, *circle](d.Codec(), "circle"))

	_, err = persistence.Save(ctx, d, coll, &drawing{ID: "1", Shapes: []shape{&square{Side: 2}, &circle{R: 1}}})
	require.NoError(t, err)

	got, err := persistence.GetByID[drawing](ctx, d, coll, "1")
	require.NoError(t, err)
	require.Len(t, got.Value.Shapes, 2)
	assert.Equal(t, 4.0, got.Value.Shapes[0].area())
	assert.Equal(t, &circle{R: 1}, got.Value.Shapes[1])
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	ctx, d, coll := setup(t)

	_, err := d.GetByID(ctx, coll, "x")
	require.NoError(t, err)

	_, err = d.CreateCollection(ctx, coll.Database, coll.Name)
	require.Error(t, err)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(d))

	expected := `
		# HELP docstore_driver_operations_total Total number of driver operations.
		# TYPE docstore_driver_operations_total counter
		docstore_driver_operations_total{operation="Connect",result="ok",vendor="InMemory"} 1
		docstore_driver_operations_total{operation="CreateCollection",result="CollectionAlreadyExists",vendor="InMemory"} 1
		docstore_driver_operations_total{operation="CreateCollection",result="ok",vendor="InMemory"} 1
		docstore_driver_operations_total{operation="CreateDatabase",result="ok",vendor="InMemory"} 1
		docstore_driver_operations_total{operation="GetByID",result="ok",vendor="InMemory"} 1
	`
	assert.NoError(t, promtestutil.GatherAndCompare(reg, strings.NewReader(expected), "docstore_driver_operations_total"))

	n, err := promtestutil.GatherAndCount(reg, "docstore_driver_connection_state")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestTimeout(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	l := testutil.Logger(t)

	config := &persistence.Config{DefaultTimeout: time.Millisecond}

	b, err := memory.NewBackend(config, l)
	require.NoError(t, err)

	d := persistence.NewDriver(b, config, l)
	_, err = d.Connect(ctx, "")
	require.NoError(t, err)

	db, err := d.CreateDatabase(ctx, "db", false)
	require.NoError(t, err)

	coll, err := d.CreateCollection(ctx, db, "c")
	require.NoError(t, err)

	q, err := d.Get(ctx, coll, nil)
	require.NoError(t, err)

	iter, err := persistence.Values[order](ctx, q)
	require.NoError(t, err)

	defer iter.Close()

	time.Sleep(10 * time.Millisecond)

	_, _, err = iter.Next()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
