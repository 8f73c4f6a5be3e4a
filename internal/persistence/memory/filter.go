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

package memory

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/FerretDB/docstore/internal/docerrors"
	"github.com/FerretDB/docstore/internal/filter"
	"github.com/FerretDB/docstore/internal/persistence/docpath"
)

// Predicate is the native filter of the InMemory vendor.
type Predicate func(doc bson.D) bool

// Compile translates a validated condition into a predicate.
func Compile(c *filter.Condition) (Predicate, error) {
	switch c.Kind() {
	case filter.KindAnd, filter.KindOr:
		children := c.Children()
		ps := make([]Predicate, len(children))

		for i, child := range children {
			p, err := Compile(child)
			if err != nil {
				return nil, err
			}

			ps[i] = p
		}

		if c.Kind() == filter.KindAnd {
			return func(doc bson.D) bool {
				for _, p := range ps {
					if !p(doc) {
						return false
					}
				}

				return true
			}, nil
		}

		return func(doc bson.D) bool {
			for _, p := range ps {
				if p(doc) {
					return true
				}
			}

			return false
		}, nil

	case filter.KindNot:
		p, err := Compile(c.Children()[0])
		if err != nil {
			return nil, err
		}

		return func(doc bson.D) bool { return !p(doc) }, nil

	case filter.KindLeaf:
		return compileLeaf(c)

	default:
		return nil, docerrors.Newf(docerrors.ErrorCodeInvalidFilter, "unexpected node kind %s", c.Kind())
	}
}

// compileLeaf translates a single comparison.
func compileLeaf(c *filter.Condition) (Predicate, error) {
	field, value := c.Field(), c.Value()

	var test docpath.TestFunc

	switch op := c.Operator(); op {
	case filter.Equals:
		test = expand(equals(value))

	case filter.NotEquals:
		eq := expand(equals(value))
		return func(doc bson.D) bool { return !docpath.Match(doc, field, eq) }, nil

	case filter.GreaterThan, filter.GreaterOrEqual, filter.LessThan, filter.LessOrEqual:
		test = expand(func(v any, present bool) bool {
			if !present {
				return false
			}

			res, ok := docpath.Compare(v, value)
			if !ok {
				return false
			}

			switch op {
			case filter.GreaterThan:
				return res > 0
			case filter.GreaterOrEqual:
				return res >= 0
			case filter.LessThan:
				return res < 0
			default:
				return res <= 0
			}
		})

	case filter.In:
		values := c.Values()
		tests := make([]docpath.TestFunc, len(values))

		for i, v := range values {
			tests[i] = equals(v)
		}

		test = expand(func(v any, present bool) bool {
			for _, t := range tests {
				if t(v, present) {
					return true
				}
			}

			return false
		})

	case filter.Contains:
		test = func(v any, present bool) bool {
			if !present {
				return false
			}

			switch v := v.(type) {
			case bson.A:
				for _, e := range v {
					if docpath.Equal(e, value) {
						return true
					}
				}

			case string:
				if s, ok := value.(string); ok {
					return strings.Contains(v, s)
				}
			}

			return false
		}

	case filter.Exists:
		exists := func(_ any, present bool) bool { return present }

		if !value.(bool) {
			return func(doc bson.D) bool { return !docpath.Match(doc, field, exists) }, nil
		}

		test = exists

	default:
		return nil, docerrors.Newf(docerrors.ErrorCodeUnsupportedFilterOperator, "operator %s is not supported", op)
	}

	return func(doc bson.D) bool { return docpath.Match(doc, field, test) }, nil
}

// equals returns a test for equality with the value; nil also matches missing fields.
func equals(value any) docpath.TestFunc {
	if value == nil {
		return func(v any, present bool) bool { return !present || v == nil }
	}

	return func(v any, present bool) bool {
		return present && docpath.Equal(v, value)
	}
}

// expand makes the test also match any element of a leaf array.
func expand(test docpath.TestFunc) docpath.TestFunc {
	return func(v any, present bool) bool {
		if test(v, present) {
			return true
		}

		arr, ok := v.(bson.A)
		if !ok {
			return false
		}

		for _, e := range arr {
			if test(e, true) {
				return true
			}
		}

		return false
	}
}
