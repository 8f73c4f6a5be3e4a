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

	"github.com/FerretDB/docstore/internal/util/iterator"
)

// GetByID returns the document with the given ID decoded as T, or nil if it does not exist.
func GetByID[T any, PT PersistablePtr[T]](ctx context.Context, d *Driver, coll *Collection, id string) (*TypedDocument[T], error) {
	doc, err := d.GetByID(ctx, coll, id)
	if err != nil || doc == nil {
		return nil, err
	}

	return decodeTyped[T, PT](doc)
}

// Save inserts or replaces v, setting its ID if it has none.
func Save[T any, PT PersistablePtr[T]](ctx context.Context, d *Driver, coll *Collection, v PT) (*TypedDocument[T], error) {
	doc, err := d.Save(ctx, coll, v, false)
	if err != nil {
		return nil, err
	}

	return &TypedDocument[T]{Document: doc, Value: (*T)(v)}, nil
}

// Update replaces the content of the document with v.
//
// If the document no longer exists, nil is returned.
func Update[T any, PT PersistablePtr[T]](ctx context.Context, d *Driver, doc *Document, v PT) (*TypedDocument[T], error) {
	res, err := d.Update(ctx, doc, v)
	if err != nil || res == nil {
		return nil, err
	}

	return &TypedDocument[T]{Document: res, Value: (*T)(v)}, nil
}

// GetAll returns all documents of the collection matching params decoded as T.
func GetAll[T any, PT PersistablePtr[T]](ctx context.Context, d *Driver, coll *Collection, params *QueryParams) ([]*TypedDocument[T], error) {
	q, err := d.Get(ctx, coll, params)
	if err != nil {
		return nil, err
	}

	iter, err := Values[T, PT](ctx, q)
	if err != nil {
		return nil, err
	}

	defer iter.Close()

	return iterator.ConsumeValues(iter)
}

// Values executes the query and returns an iterator over documents decoded as T.
//
// Documents are decoded lazily, one per Next call.
func Values[T any, PT PersistablePtr[T]](ctx context.Context, q *Query) (iterator.Interface[string, *TypedDocument[T]], error) {
	iter, err := q.Iterator(ctx)
	if err != nil {
		return nil, err
	}

	next := func() (string, *TypedDocument[T], error) {
		id, doc, err := iter.Next()
		if err != nil {
			return id, nil, err
		}

		res, err := decodeTyped[T, PT](doc)
		if err != nil {
			iter.Close()
			return id, nil, err
		}

		return id, res, nil
	}

	return iterator.ForFunc(next, iter.Close), nil
}

// decodeTyped decodes the document as T.
//
// The document ID is set on the value if the value does not carry one.
func decodeTyped[T any, PT PersistablePtr[T]](doc *Document) (*TypedDocument[T], error) {
	v := PT(new(T))

	if err := doc.Decode(v); err != nil {
		return nil, err
	}

	if v.GetID() == "" {
		v.SetID(doc.ID)
	}

	return &TypedDocument[T]{Document: doc, Value: (*T)(v)}, nil
}
