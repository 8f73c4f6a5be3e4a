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

package sqldb

import (
	"context"
	"sync"

	"github.com/FerretDB/docstore/internal/persistence"
	"github.com/FerretDB/docstore/internal/util/iterator"
	"github.com/FerretDB/docstore/internal/util/lazyerrors"
	"github.com/FerretDB/docstore/internal/util/resource"
)

// batchSize is the number of documents fetched by a single query.
const batchSize = 100

// fetchFunc returns up to batchSize documents with IDs greater than after, in ID order.
type fetchFunc func(ctx context.Context, after string) ([]*persistence.Record, error)

// queryIterator implements iterator.Interface to fetch documents from the database.
//
// Documents are fetched in batches ordered by ID, so no connection
// is held between Next calls.
//
//nolint:vet // for readability
type queryIterator struct {
	ctx   context.Context
	fetch fetchFunc

	m     sync.Mutex
	batch []*persistence.Record
	last  string
	done  bool // no more batches
	open  bool

	token *resource.Token
}

// newQueryIterator returns a new queryIterator.
func newQueryIterator(ctx context.Context, fetch fetchFunc) iterator.Interface[string, *persistence.Record] {
	iter := &queryIterator{
		ctx:   ctx,
		fetch: fetch,
		open:  true,
		token: resource.NewToken(),
	}
	resource.Track(iter, iter.token)

	return iter
}

// Next implements iterator.Interface.
func (iter *queryIterator) Next() (string, *persistence.Record, error) {
	iter.m.Lock()
	defer iter.m.Unlock()

	var unused string

	// ignore context error, if any, if iterator is already closed
	if !iter.open {
		return unused, nil, iterator.ErrIteratorDone
	}

	if err := context.Cause(iter.ctx); err != nil {
		iter.close()
		return unused, nil, lazyerrors.Error(err)
	}

	if len(iter.batch) == 0 {
		if iter.done {
			iter.close()
			return unused, nil, iterator.ErrIteratorDone
		}

		batch, err := iter.fetch(iter.ctx, iter.last)
		if err != nil {
			iter.close()
			return unused, nil, lazyerrors.Error(err)
		}

		iter.batch = batch
		iter.done = len(batch) < batchSize

		if len(batch) == 0 {
			iter.close()
			return unused, nil, iterator.ErrIteratorDone
		}
	}

	rec := iter.batch[0]
	iter.batch = iter.batch[1:]
	iter.last = rec.ID

	return rec.ID, rec, nil
}

// Close implements iterator.Interface.
func (iter *queryIterator) Close() {
	iter.m.Lock()
	defer iter.m.Unlock()

	iter.close()
}

// close closes iterator without holding mutex.
//
// This should be called only when the caller already holds the mutex.
func (iter *queryIterator) close() {
	iter.open = false
	iter.batch = nil

	resource.Untrack(iter, iter.token)
}

// check interfaces
var (
	_ iterator.Interface[string, *persistence.Record] = (*queryIterator)(nil)
)
