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

package persistence

import (
	"context"
	"errors"
	"sync"

	"github.com/FerretDB/docstore/internal/docerrors"
	"github.com/FerretDB/docstore/internal/filter"
	"github.com/FerretDB/docstore/internal/util/ctxutil"
	"github.com/FerretDB/docstore/internal/util/iterator"
	"github.com/FerretDB/docstore/internal/util/resource"
)

// Filter is a compiled, vendor-native filter.
//
// It is bound to the driver that created it.
type Filter struct {
	native any
	driver *Driver
	source string
}

// Native returns the vendor-native filter representation.
func (f *Filter) Native() any {
	return f.native
}

// Vendor returns the vendor the filter was compiled for.
func (f *Filter) Vendor() Vendor {
	return f.driver.Vendor()
}

// String returns the source of the filter.
func (f *Filter) String() string {
	return f.source
}

// CreateFilter compiles a single comparison into the native filter.
//
// It does not require a connection.
func (d *Driver) CreateFilter(field string, value any, op filter.Operator) (*Filter, error) {
	return d.CreateFilterFromCondition(filter.Where(field, op, value))
}

// CreateFilterFromCondition compiles a condition tree into the native filter.
//
// It does not require a connection.
func (d *Driver) CreateFilterFromCondition(c *filter.Condition) (*Filter, error) {
	if c == nil {
		return nil, d.wrapError("CreateFilter", docerrors.New(docerrors.ErrorCodeInvalidArgument, "condition is nil"))
	}

	if err := c.Validate(); err != nil {
		return nil, d.wrapError("CreateFilter", err)
	}

	native, err := d.b.CompileFilter(c)
	if err != nil {
		return nil, d.wrapError("CreateFilter", err)
	}

	return &Filter{native: native, driver: d, source: c.String()}, nil
}

// CreateFilterFromExpression parses a predicate expression like `doc.age >= 18 && doc.name != nil`
// and compiles it into the native filter.
//
// It does not require a connection.
func (d *Driver) CreateFilterFromExpression(src string) (*Filter, error) {
	c, err := filter.ParseExpression(src)
	if err != nil {
		return nil, d.wrapError("CreateFilter", err)
	}

	return d.CreateFilterFromCondition(c)
}

// CreateRawFilter validates a raw vendor query and wraps it as the native filter.
//
// Raw queries are MongoDB Extended JSON documents for MongoLike,
// SQL boolean expressions over the doc column for SqlLike,
// and predicate expressions for InMemory.
func (d *Driver) CreateRawFilter(raw string) (*Filter, error) {
	native, err := d.b.CompileRaw(raw)
	if err != nil {
		return nil, d.wrapError("CreateFilter", err)
	}

	return &Filter{native: native, driver: d, source: raw}, nil
}

// QueryParams selects documents of a collection.
//
// At most one field may be set; none selects all documents.
type QueryParams struct {
	// Condition tree, compiled on each call.
	Condition *filter.Condition

	// Filter compiled by the same driver.
	Filter *Filter

	// Raw vendor query.
	Raw string
}

// compile returns the native filter for query parameters; nil means all documents.
func (d *Driver) compile(params *QueryParams) (any, error) {
	if params == nil {
		return nil, nil
	}

	var set int

	if params.Condition != nil {
		set++
	}

	if params.Filter != nil {
		set++
	}

	if params.Raw != "" {
		set++
	}

	switch {
	case set > 1:
		return nil, docerrors.New(docerrors.ErrorCodeInvalidArgument, "at most one of condition, filter and raw query may be set")

	case params.Condition != nil:
		f, err := d.CreateFilterFromCondition(params.Condition)
		if err != nil {
			return nil, err
		}

		return f.native, nil

	case params.Filter != nil:
		if params.Filter.driver != d {
			return nil, docerrors.Newf(
				docerrors.ErrorCodeInvalidArgument,
				"filter %q was created by another driver", params.Filter.source,
			)
		}

		return params.Filter.native, nil

	case params.Raw != "":
		return d.b.CompileRaw(params.Raw)

	default:
		return nil, nil
	}
}

// Query is a lazily executed selection of documents.
//
// Every Iterator call runs the query again.
type Query struct {
	coll   *Collection
	d      *Driver
	filter any
}

// Get returns a lazy query for documents of the collection matching params.
//
// Nil params select all documents.
func (d *Driver) Get(ctx context.Context, coll *Collection, params *QueryParams) (res *Query, err error) {
	_, finish := d.start(ctx, "Get")
	defer finish(&err)

	if err = d.checkCollection(coll); err != nil {
		return
	}

	native, err := d.compile(params)
	if err != nil {
		return
	}

	res = &Query{coll: coll, d: d, filter: native}

	return
}

// Count returns the number of documents of the collection matching params.
func (d *Driver) Count(ctx context.Context, coll *Collection, params *QueryParams) (res int64, err error) {
	ctx, finish := d.start(ctx, "Count")
	defer finish(&err)

	if err = d.checkCollection(coll); err != nil {
		return
	}

	native, err := d.compile(params)
	if err != nil {
		return
	}

	return d.b.Count(ctx, &FindParams{
		Filter:     native,
		Database:   coll.Database.Name,
		Collection: coll.Name,
	})
}

// Collection returns the queried collection.
func (q *Query) Collection() *Collection {
	return q.coll
}

// Iterator executes the query and returns an iterator over matching documents.
//
// Iterator's Close method closes the native cursor; it must be called.
// The configured default timeout applies to the whole iteration.
func (q *Query) Iterator(ctx context.Context) (res iterator.Interface[string, *Document], err error) {
	d := q.d

	_, finish := d.start(ctx, "Iterate")
	defer finish(&err)

	if err = d.checkCollection(q.coll); err != nil {
		return
	}

	// the iteration context outlives this call
	iterCtx, cancel := ctxutil.WithTimeout(ctx, d.config.DefaultTimeout)

	iter, err := d.b.Find(iterCtx, &FindParams{
		Filter:     q.filter,
		Database:   q.coll.Database.Name,
		Collection: q.coll.Name,
	})
	if err != nil {
		cancel()
		return
	}

	res = newDocumentIterator(iterCtx, cancel, q.coll, iter)

	return
}

// All executes the query and returns all matching documents.
func (q *Query) All(ctx context.Context) ([]*Document, error) {
	iter, err := q.Iterator(ctx)
	if err != nil {
		return nil, err
	}

	defer iter.Close()

	return iterator.ConsumeValues(iter)
}

// documentIterator converts backend records to document handles.
type documentIterator struct {
	// the order of fields is weird to make the struct smaller due to alignment

	ctx    context.Context
	cancel context.CancelFunc
	coll   *Collection
	iter   iterator.Interface[string, *Record] // protected by m
	m      sync.Mutex
	token  *resource.Token
}

// newDocumentIterator returns a new iterator over the given backend iterator.
func newDocumentIterator(ctx context.Context, cancel context.CancelFunc, coll *Collection, iter iterator.Interface[string, *Record]) iterator.Interface[string, *Document] {
	res := &documentIterator{
		ctx:    ctx,
		cancel: cancel,
		coll:   coll,
		iter:   iter,
		token:  resource.NewToken(),
	}
	resource.Track(res, res.token)

	return res
}

// Next implements iterator.Interface.
func (iter *documentIterator) Next() (string, *Document, error) {
	iter.m.Lock()
	defer iter.m.Unlock()

	var unused string

	// ignore context error, if any, if iterator is already closed
	if iter.iter == nil {
		return unused, nil, iterator.ErrIteratorDone
	}

	d := iter.coll.Driver()

	if err := context.Cause(iter.ctx); err != nil {
		iter.close()
		return unused, nil, d.wrapError("Iterate", err)
	}

	// handles of a closed or replaced session must not be used
	if err := d.checkCollection(iter.coll); err != nil {
		iter.close()
		return unused, nil, d.wrapError("Iterate", err)
	}

	id, rec, err := iter.iter.Next()
	if err != nil {
		iter.close()

		if errors.Is(err, iterator.ErrIteratorDone) {
			return unused, nil, err
		}

		// disconnected concurrently
		if e := d.checkCollection(iter.coll); e != nil {
			err = e
		}

		return unused, nil, d.wrapError("Iterate", err)
	}

	return id, newDocument(iter.coll, rec), nil
}

// Close implements iterator.Interface.
func (iter *documentIterator) Close() {
	iter.m.Lock()
	defer iter.m.Unlock()

	iter.close()
}

// close closes iterator without holding mutex.
//
// This should be called only when the caller already holds the mutex.
func (iter *documentIterator) close() {
	if iter.iter != nil {
		iter.iter.Close()
		iter.iter = nil
	}

	iter.cancel()

	resource.Untrack(iter, iter.token)
}

// check interfaces
var (
	_ iterator.Interface[string, *Document] = (*documentIterator)(nil)
)
