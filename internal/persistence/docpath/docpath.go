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

// Package docpath provides dotted path access to generic documents.
//
// Documents are bson.D values with nested bson.D documents and bson.A arrays,
// as produced by decoding into bson.D.
package docpath

import (
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/FerretDB/docstore/internal/util/lazyerrors"
)

// Split splits a dotted path into its parts.
func Split(path string) []string {
	return strings.Split(path, ".")
}

// Index returns the array index represented by the path part.
func Index(part string) (int, bool) {
	if part == "" || (len(part) > 1 && part[0] == '0') {
		return 0, false
	}

	i, err := strconv.Atoi(part)
	if err != nil || i < 0 {
		return 0, false
	}

	return i, true
}

// step returns the value of the single path part: a document field or an array element.
func step(x any, part string) (any, bool) {
	switch x := x.(type) {
	case bson.D:
		for _, e := range x {
			if e.Key == part {
				return e.Value, true
			}
		}

	case bson.M:
		v, ok := x[part]
		return v, ok

	case bson.A:
		if i, ok := Index(part); ok && i < len(x) {
			return x[i], true
		}
	}

	return nil, false
}

// Get returns the value at the exact path, without array expansion.
func Get(doc bson.D, path string) (any, bool) {
	var x any = doc

	for _, part := range Split(path) {
		var ok bool
		if x, ok = step(x, part); !ok {
			return nil, false
		}
	}

	return x, true
}

// Values returns all values reachable by the path.
//
// When an intermediate value is an array, the rest of the path is also looked up in every element.
// Numeric parts index arrays. Missing paths produce no values.
func Values(doc bson.D, path string) []any {
	return values(doc, Split(path))
}

// values implements Values.
func values(x any, parts []string) []any {
	if len(parts) == 0 {
		return []any{x}
	}

	var res []any

	if v, ok := step(x, parts[0]); ok {
		res = append(res, values(v, parts[1:])...)
	}

	if arr, ok := x.(bson.A); ok {
		for _, e := range arr {
			if v, ok := step(e, parts[0]); ok {
				res = append(res, values(v, parts[1:])...)
			}
		}
	}

	return res
}

// MaxPadding is the maximum number of nulls Set appends before the indexed element.
const MaxPadding = 1_500_000

// Set sets the value at the path, creating missing intermediate documents.
//
// Numeric parts index existing arrays; arrays are padded with nulls when needed,
// but by no more than MaxPadding elements.
// Setting a field inside a scalar value (including null) is an error.
// The document is modified in place when possible; the result must be used.
func Set(doc bson.D, path string, value any) (bson.D, error) {
	res, err := set(doc, Split(path), value)
	if err != nil {
		return nil, fmt.Errorf("cannot set %q: %w", path, err)
	}

	return res.(bson.D), nil
}

// set implements Set.
func set(x any, parts []string, value any) (any, error) {
	if len(parts) == 0 {
		return value, nil
	}

	part := parts[0]

	switch x := x.(type) {
	case bson.D:
		for i, e := range x {
			if e.Key != part {
				continue
			}

			v, err := set(e.Value, parts[1:], value)
			if err != nil {
				return nil, err
			}

			x[i].Value = v

			return x, nil
		}

		return append(x, bson.E{Key: part, Value: create(parts[1:], value)}), nil

	case bson.A:
		i, ok := Index(part)
		if !ok {
			return nil, lazyerrors.Errorf("field %q can't be created in an array", part)
		}

		if i-len(x) > MaxPadding {
			return nil, lazyerrors.Errorf("index %d is too far past the end of an array of length %d", i, len(x))
		}

		for len(x) <= i {
			x = append(x, nil)
		}

		v, err := set(x[i], parts[1:], value)
		if err != nil {
			return nil, err
		}

		x[i] = v

		return x, nil

	default:
		return nil, lazyerrors.Errorf("field %q can't be created in %s", part, describe(x))
	}
}

// create builds nested documents for the remaining path parts.
func create(parts []string, value any) any {
	if len(parts) == 0 {
		return value
	}

	return bson.D{{Key: parts[0], Value: create(parts[1:], value)}}
}

// ApplyPatch sets every path of the patch, in sorted path order.
func ApplyPatch(doc bson.D, patch map[string]any) (bson.D, error) {
	paths := maps.Keys(patch)
	slices.Sort(paths)

	var err error
	for _, path := range paths {
		if doc, err = Set(doc, path, patch[path]); err != nil {
			return nil, err
		}
	}

	return doc, nil
}

// FindElement returns the index of the first document element of the array
// whose field is equal to the value, or -1.
func FindElement(arr bson.A, field string, value any) int {
	for i, e := range arr {
		d, ok := e.(bson.D)
		if !ok {
			continue
		}

		if v, ok := Get(d, field); ok && Equal(v, value) {
			return i
		}
	}

	return -1
}

// describe returns a short description of the value type for error messages.
func describe(x any) string {
	if x == nil {
		return "null"
	}

	return fmt.Sprintf("%T", x)
}
