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

// Package memory provides the InMemory vendor backend.
//
// Documents are stored as bson.Raw values in process memory.
// Data survives Disconnect and is lost when the backend is garbage collected.
package memory

import (
	"bytes"
	"context"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/FerretDB/docstore/internal/docerrors"
	"github.com/FerretDB/docstore/internal/filter"
	"github.com/FerretDB/docstore/internal/persistence"
	"github.com/FerretDB/docstore/internal/persistence/codec"
	"github.com/FerretDB/docstore/internal/util/iterator"
	"github.com/FerretDB/docstore/internal/util/lazyerrors"
)

// Scheme is the connection string scheme of the InMemory vendor.
const Scheme = "memory"

// Namespace is the native database and collection handle of the InMemory vendor.
type Namespace struct {
	Database   string
	Collection string
}

// collection maps document IDs to documents.
type collection map[string]bson.Raw

// database maps collection names to collections.
type database map[string]collection

// Backend implements persistence.Backend for the InMemory vendor.
type Backend struct {
	l *zap.Logger

	rw  sync.RWMutex
	dbs map[string]database
}

// NewBackend creates a new InMemory backend.
//
// No feature flags are supported.
func NewBackend(config *persistence.Config, l *zap.Logger) (*Backend, error) {
	if err := config.CheckFlags(persistence.InMemory); err != nil {
		return nil, err
	}

	return &Backend{
		l:   l,
		dbs: map[string]database{},
	}, nil
}

// Vendor implements persistence.Backend.
func (b *Backend) Vendor() persistence.Vendor {
	return persistence.InMemory
}

// Validate implements connmgr.Connector.
//
// Empty connection string and memory:// URIs are accepted.
func (b *Backend) Validate(uri string) error {
	if uri == "" {
		return nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return docerrors.Newf(docerrors.ErrorCodeInvalidConfiguration, "invalid connection string: %w", err)
	}

	if u.Scheme != Scheme {
		return docerrors.Newf(
			docerrors.ErrorCodeInvalidConfiguration,
			"unexpected connection string scheme %q, expected %q", u.Scheme, Scheme,
		)
	}

	return nil
}

// Open implements connmgr.Connector.
func (b *Backend) Open(context.Context, string) error {
	b.rw.RLock()
	defer b.rw.RUnlock()

	b.l.Debug("Opened in-memory store", zap.Int("databases", len(b.dbs)))

	return nil
}

// Close implements connmgr.Connector.
func (b *Backend) Close(context.Context) error {
	return nil
}

// NewID implements persistence.Backend.
func (b *Backend) NewID() string {
	return uuid.NewString()
}

// Ping implements persistence.Backend.
func (b *Backend) Ping(context.Context) error {
	return nil
}

// CompileFilter implements persistence.Backend.
func (b *Backend) CompileFilter(c *filter.Condition) (any, error) {
	return Compile(c)
}

// CompileRaw implements persistence.Backend.
//
// Raw queries are predicate expressions.
func (b *Backend) CompileRaw(raw string) (any, error) {
	c, err := filter.ParseExpression(raw)
	if err != nil {
		return nil, err
	}

	if err = c.Validate(); err != nil {
		return nil, err
	}

	return Compile(c)
}

// CreateDatabase implements persistence.Backend.
func (b *Backend) CreateDatabase(_ context.Context, name string) (any, bool, error) {
	b.rw.Lock()
	defer b.rw.Unlock()

	if _, ok := b.dbs[name]; ok {
		return nil, false, nil
	}

	b.dbs[name] = database{}

	return &Namespace{Database: name}, true, nil
}

// GetDatabase implements persistence.Backend.
func (b *Backend) GetDatabase(_ context.Context, name string) (any, bool, error) {
	b.rw.RLock()
	defer b.rw.RUnlock()

	if _, ok := b.dbs[name]; !ok {
		return nil, false, nil
	}

	return &Namespace{Database: name}, true, nil
}

// ListDatabases implements persistence.Backend.
func (b *Backend) ListDatabases(context.Context) ([]string, error) {
	b.rw.RLock()
	defer b.rw.RUnlock()

	res := maps.Keys(b.dbs)
	slices.Sort(res)

	return res, nil
}

// DropDatabase implements persistence.Backend.
func (b *Backend) DropDatabase(_ context.Context, name string) error {
	b.rw.Lock()
	defer b.rw.Unlock()

	delete(b.dbs, name)

	return nil
}

// CreateCollection implements persistence.Backend.
func (b *Backend) CreateCollection(_ context.Context, db, name string) (any, bool, error) {
	b.rw.Lock()
	defer b.rw.Unlock()

	_, created := b.collection(db, name, true)
	if !created {
		return nil, false, nil
	}

	return &Namespace{Database: db, Collection: name}, true, nil
}

// GetCollection implements persistence.Backend.
func (b *Backend) GetCollection(_ context.Context, db, name string) (any, bool, error) {
	b.rw.RLock()
	defer b.rw.RUnlock()

	if c, _ := b.collection(db, name, false); c == nil {
		return nil, false, nil
	}

	return &Namespace{Database: db, Collection: name}, true, nil
}

// ListCollections implements persistence.Backend.
func (b *Backend) ListCollections(_ context.Context, db string) ([]string, error) {
	b.rw.RLock()
	defer b.rw.RUnlock()

	res := maps.Keys(b.dbs[db])
	slices.Sort(res)

	return res, nil
}

// DropCollection implements persistence.Backend.
func (b *Backend) DropCollection(_ context.Context, db, name string) error {
	b.rw.Lock()
	defer b.rw.Unlock()

	if d := b.dbs[db]; d != nil {
		delete(d, name)
	}

	return nil
}

// ClearCollection implements persistence.Backend.
func (b *Backend) ClearCollection(_ context.Context, db, name string) error {
	b.rw.Lock()
	defer b.rw.Unlock()

	if c, _ := b.collection(db, name, false); c != nil {
		clear(c)
	}

	return nil
}

// Find implements persistence.Backend.
//
// Matching documents are selected when Find is called and returned in ID order.
func (b *Backend) Find(ctx context.Context, params *persistence.FindParams) (iterator.Interface[string, *persistence.Record], error) {
	records, err := b.find(params)
	if err != nil {
		return nil, err
	}

	iter := iterator.ForSlice(records)

	next := func() (string, *persistence.Record, error) {
		if err := context.Cause(ctx); err != nil {
			return "", nil, lazyerrors.Error(err)
		}

		_, r, err := iter.Next()
		if err != nil {
			return "", nil, err
		}

		return r.ID, r, nil
	}

	return iterator.ForFunc(next, iter.Close), nil
}

// Count implements persistence.Backend.
func (b *Backend) Count(_ context.Context, params *persistence.FindParams) (int64, error) {
	records, err := b.find(params)
	if err != nil {
		return 0, err
	}

	return int64(len(records)), nil
}

// find returns matching records sorted by ID.
func (b *Backend) find(params *persistence.FindParams) ([]*persistence.Record, error) {
	var p Predicate

	if params.Filter != nil {
		var ok bool
		if p, ok = params.Filter.(Predicate); !ok {
			return nil, docerrors.Newf(docerrors.ErrorCodeInvalidFilter, "unexpected native filter type %T", params.Filter)
		}
	}

	b.rw.RLock()
	defer b.rw.RUnlock()

	c, _ := b.collection(params.Database, params.Collection, false)

	ids := maps.Keys(c)
	slices.Sort(ids)

	var res []*persistence.Record

	for _, id := range ids {
		raw := c[id]

		if p != nil {
			var doc bson.D
			if err := bson.Unmarshal(raw, &doc); err != nil {
				return nil, lazyerrors.Error(err)
			}

			if !p(doc) {
				continue
			}
		}

		res = append(res, record(id, raw))
	}

	return res, nil
}

// FindOne implements persistence.Backend.
func (b *Backend) FindOne(_ context.Context, ref *persistence.DocumentRef) (*persistence.Record, error) {
	b.rw.RLock()
	defer b.rw.RUnlock()

	c, _ := b.collection(ref.Database, ref.Collection, false)

	raw, ok := c[ref.ID]
	if !ok {
		return nil, nil
	}

	return record(ref.ID, raw), nil
}

// Exists implements persistence.Backend.
func (b *Backend) Exists(_ context.Context, ref *persistence.DocumentRef) (bool, error) {
	b.rw.RLock()
	defer b.rw.RUnlock()

	c, _ := b.collection(ref.Database, ref.Collection, false)
	_, ok := c[ref.ID]

	return ok, nil
}

// Upsert implements persistence.Backend.
//
// The collection is created if needed.
func (b *Backend) Upsert(_ context.Context, ref *persistence.DocumentRef, doc bson.Raw) (*persistence.Record, error) {
	b.rw.Lock()
	defer b.rw.Unlock()

	c, _ := b.collection(ref.Database, ref.Collection, true)
	c[ref.ID] = bytes.Clone(doc)

	return record(ref.ID, c[ref.ID]), nil
}

// Replace implements persistence.Backend.
func (b *Backend) Replace(_ context.Context, ref *persistence.DocumentRef, doc bson.Raw) (*persistence.Record, error) {
	b.rw.Lock()
	defer b.rw.Unlock()

	c, _ := b.collection(ref.Database, ref.Collection, false)
	if _, ok := c[ref.ID]; !ok {
		return nil, nil
	}

	c[ref.ID] = bytes.Clone(doc)

	return record(ref.ID, c[ref.ID]), nil
}

// Delete implements persistence.Backend.
func (b *Backend) Delete(_ context.Context, ref *persistence.DocumentRef) error {
	b.rw.Lock()
	defer b.rw.Unlock()

	if c, _ := b.collection(ref.Database, ref.Collection, false); c != nil {
		delete(c, ref.ID)
	}

	return nil
}

// UpdateProperties implements persistence.Backend.
func (b *Backend) UpdateProperties(_ context.Context, params *persistence.PatchBackendParams) (*persistence.PatchBackendResult, error) {
	b.rw.Lock()
	defer b.rw.Unlock()

	c, _ := b.collection(params.Database, params.Collection, params.Upsert)

	var res persistence.PatchBackendResult
	var doc bson.D

	if raw, ok := c[params.ID]; ok {
		if err := bson.Unmarshal(raw, &doc); err != nil {
			return nil, lazyerrors.Error(err)
		}

		res.Matched = true
	} else {
		if !params.Upsert {
			return &res, nil
		}

		doc = bson.D{{Key: codec.IDKey, Value: params.ID}}
		res.Upserted = true
	}

	doc, err := params.Apply(doc)
	if err != nil {
		return nil, err
	}

	if c[params.ID], err = bson.Marshal(doc); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return &res, nil
}

// UpdateArrayElement implements persistence.Backend.
func (b *Backend) UpdateArrayElement(_ context.Context, params *persistence.ArrayBackendParams) (*persistence.ArrayBackendResult, error) {
	b.rw.Lock()
	defer b.rw.Unlock()

	var res persistence.ArrayBackendResult

	c, _ := b.collection(params.Database, params.Collection, false)

	raw, ok := c[params.ID]
	if !ok {
		return &res, nil
	}

	res.Matched = true

	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, lazyerrors.Error(err)
	}

	doc, updated, inserted, err := params.Apply(doc)
	if err != nil {
		return nil, err
	}

	if !updated && !inserted {
		return &res, nil
	}

	if c[params.ID], err = bson.Marshal(doc); err != nil {
		return nil, lazyerrors.Error(err)
	}

	res.Updated, res.Inserted = updated, inserted

	return &res, nil
}

// collection returns the collection, creating it (and its database) if create is true.
//
// The caller must hold the lock: a write lock if create is true.
func (b *Backend) collection(db, name string, create bool) (c collection, created bool) {
	d := b.dbs[db]
	if d == nil {
		if !create {
			return nil, false
		}

		d = database{}
		b.dbs[db] = d
	}

	if c = d[name]; c != nil || !create {
		return c, false
	}

	c = collection{}
	d[name] = c

	return c, true
}

// record returns a new record for the stored document.
func record(id string, raw bson.Raw) *persistence.Record {
	return &persistence.Record{
		Native: raw,
		Doc:    raw,
		ID:     id,
	}
}

// check interfaces
var (
	_ persistence.Backend = (*Backend)(nil)
)
