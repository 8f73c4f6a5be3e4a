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

package iterator

import "sync"

// ForSlice returns an iterator over a slice.
//
// The slice is not copied.
func ForSlice[V any](s []V) Interface[int, V] {
	return &sliceIterator[V]{
		s: s,
	}
}

// sliceIterator implements iterator.Interface.
type sliceIterator[V any] struct {
	m sync.Mutex
	s []V
	n int
}

// Next implements iterator.Interface.
func (iter *sliceIterator[V]) Next() (int, V, error) {
	iter.m.Lock()
	defer iter.m.Unlock()

	var zero V
	if iter.n >= len(iter.s) {
		return 0, zero, ErrIteratorDone
	}

	n := iter.n
	iter.n++

	return n, iter.s[n], nil
}

// Close implements iterator.Interface.
func (iter *sliceIterator[V]) Close() {
	iter.m.Lock()
	defer iter.m.Unlock()

	iter.n = len(iter.s)
}

// ForFunc returns an iterator for the given function.
//
// The optional close function is called once on Close.
func ForFunc[K, V any](next NextFunc[K, V], close func()) Interface[K, V] {
	return &funcIterator[K, V]{
		next:  next,
		close: close,
	}
}

// funcIterator implements iterator.Interface.
type funcIterator[K, V any] struct {
	m      sync.Mutex
	next   NextFunc[K, V]
	close  func()
	closed bool
}

// Next implements iterator.Interface.
func (iter *funcIterator[K, V]) Next() (K, V, error) {
	iter.m.Lock()
	defer iter.m.Unlock()

	if iter.closed {
		var k K
		var v V

		return k, v, ErrIteratorDone
	}

	return iter.next()
}

// Close implements iterator.Interface.
func (iter *funcIterator[K, V]) Close() {
	iter.m.Lock()
	defer iter.m.Unlock()

	if iter.closed {
		return
	}

	iter.closed = true

	if iter.close != nil {
		iter.close()
	}
}

// check interfaces
var (
	_ Interface[int, any] = (*sliceIterator[any])(nil)
	_ Interface[any, any] = (*funcIterator[any, any])(nil)
)
