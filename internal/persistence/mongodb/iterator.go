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

package mongodb

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/exp/slices"

	"github.com/FerretDB/docstore/internal/docerrors"
	"github.com/FerretDB/docstore/internal/persistence"
	"github.com/FerretDB/docstore/internal/persistence/codec"
	"github.com/FerretDB/docstore/internal/util/iterator"
	"github.com/FerretDB/docstore/internal/util/lazyerrors"
	"github.com/FerretDB/docstore/internal/util/resource"
)

// cursorIterator implements iterator.Interface over a MongoDB cursor.
//
//nolint:vet // for readability
type cursorIterator struct {
	ctx context.Context

	m      sync.Mutex
	cursor *mongo.Cursor

	token *resource.Token
}

// newCursorIterator returns a new cursorIterator; nil cursor returns no documents.
func newCursorIterator(ctx context.Context, cursor *mongo.Cursor) iterator.Interface[string, *persistence.Record] {
	iter := &cursorIterator{
		ctx:    ctx,
		cursor: cursor,
		token:  resource.NewToken(),
	}
	resource.Track(iter, iter.token)

	return iter
}

// Next implements iterator.Interface.
func (iter *cursorIterator) Next() (string, *persistence.Record, error) {
	iter.m.Lock()
	defer iter.m.Unlock()

	var unused string

	if iter.cursor == nil {
		return unused, nil, iterator.ErrIteratorDone
	}

	if err := context.Cause(iter.ctx); err != nil {
		iter.close()
		return unused, nil, lazyerrors.Error(err)
	}

	if !iter.cursor.Next(iter.ctx) {
		err := iter.cursor.Err()
		iter.close()

		if err != nil {
			return unused, nil, lazyerrors.Error(err)
		}

		return unused, nil, iterator.ErrIteratorDone
	}

	// Current is reused by the cursor
	raw := bson.Raw(slices.Clone(iter.cursor.Current))

	id, ok := codec.ID(raw)
	if !ok {
		iter.close()
		return unused, nil, docerrors.New(docerrors.ErrorCodeInvalidArgument, "document without string _id field")
	}

	return id, &persistence.Record{Native: raw, Doc: raw, ID: id}, nil
}

// Close implements iterator.Interface.
func (iter *cursorIterator) Close() {
	iter.m.Lock()
	defer iter.m.Unlock()

	iter.close()
}

// close closes iterator without holding mutex.
//
// This should be called only when the caller already holds the mutex.
func (iter *cursorIterator) close() {
	if iter.cursor != nil {
		// use a fresh context: the iterator's one may be canceled already
		_ = iter.cursor.Close(context.WithoutCancel(iter.ctx))
		iter.cursor = nil
	}

	resource.Untrack(iter, iter.token)
}

// check interfaces
var (
	_ iterator.Interface[string, *persistence.Record] = (*cursorIterator)(nil)
)
