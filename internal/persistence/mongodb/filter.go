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
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/FerretDB/docstore/internal/docerrors"
	"github.com/FerretDB/docstore/internal/filter"
)

// compile translates a validated condition into a MongoDB query document.
func compile(c *filter.Condition) (bson.D, error) {
	switch c.Kind() {
	case filter.KindAnd, filter.KindOr:
		children := c.Children()
		arr := make(bson.A, len(children))

		for i, child := range children {
			q, err := compile(child)
			if err != nil {
				return nil, err
			}

			arr[i] = q
		}

		op := "$and"
		if c.Kind() == filter.KindOr {
			op = "$or"
		}

		return bson.D{{Key: op, Value: arr}}, nil

	case filter.KindNot:
		q, err := compile(c.Children()[0])
		if err != nil {
			return nil, err
		}

		return bson.D{{Key: "$nor", Value: bson.A{q}}}, nil

	case filter.KindLeaf:
		return leaf(c)

	default:
		return nil, docerrors.Newf(docerrors.ErrorCodeInvalidFilter, "unexpected node kind %s", c.Kind())
	}
}

// leaf translates a single comparison.
func leaf(c *filter.Condition) (bson.D, error) {
	field, value := c.Field(), c.Value()

	for _, part := range strings.Split(field, ".") {
		if strings.HasPrefix(part, "$") {
			return nil, docerrors.Newf(docerrors.ErrorCodeInvalidFilter, "field %q: parts must not start with $", field)
		}
	}

	where := func(op string, v any) bson.D {
		return bson.D{{Key: field, Value: bson.D{{Key: op, Value: v}}}}
	}

	switch op := c.Operator(); op {
	case filter.Equals:
		return where("$eq", value), nil
	case filter.NotEquals:
		return where("$ne", value), nil
	case filter.GreaterThan:
		return where("$gt", value), nil
	case filter.GreaterOrEqual:
		return where("$gte", value), nil
	case filter.LessThan:
		return where("$lt", value), nil
	case filter.LessOrEqual:
		return where("$lte", value), nil

	case filter.In:
		values := c.Values()
		arr := make(bson.A, len(values))
		copy(arr, values)

		return where("$in", arr), nil

	case filter.Contains:
		elem := where("$elemMatch", bson.D{{Key: "$eq", Value: value}})

		s, ok := value.(string)
		if !ok {
			return elem, nil
		}

		// substrings of strings, but not of array elements
		substr := bson.D{{Key: "$and", Value: bson.A{
			where("$regex", regexp.QuoteMeta(s)),
			where("$not", bson.D{{Key: "$type", Value: "array"}}),
		}}}

		return bson.D{{Key: "$or", Value: bson.A{elem, substr}}}, nil

	case filter.Exists:
		return where("$exists", value), nil

	default:
		return nil, docerrors.Newf(docerrors.ErrorCodeUnsupportedFilterOperator, "operator %s is not supported", op)
	}
}

// compileRaw parses a raw query written as relaxed Extended JSON.
func compileRaw(raw string) (bson.D, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, docerrors.New(docerrors.ErrorCodeInvalidFilter, "raw query is empty")
	}

	var res bson.D
	if err := bson.UnmarshalExtJSON([]byte(raw), false, &res); err != nil {
		return nil, docerrors.Newf(docerrors.ErrorCodeInvalidFilter, "raw query: %w", err)
	}

	return res, nil
}
