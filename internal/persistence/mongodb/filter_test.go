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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/FerretDB/docstore/internal/docerrors"
	"github.com/FerretDB/docstore/internal/filter"
)

func TestCompile(t *testing.T) {
	t.Parallel()

	for name, tc := range map[string]struct {
		c        *filter.Condition
		expected bson.D
	}{
		"Eq": {
			c:        filter.Eq("v", 42),
			expected: bson.D{{Key: "v", Value: bson.D{{Key: "$eq", Value: int64(42)}}}},
		},
		"NeNil": {
			c:        filter.Ne("a.b", nil),
			expected: bson.D{{Key: "a.b", Value: bson.D{{Key: "$ne", Value: nil}}}},
		},
		"Lte": {
			c:        filter.Lte("v", 4.5),
			expected: bson.D{{Key: "v", Value: bson.D{{Key: "$lte", Value: 4.5}}}},
		},
		"InEmpty": {
			c:        filter.InValues("v"),
			expected: bson.D{{Key: "v", Value: bson.D{{Key: "$in", Value: bson.A{}}}}},
		},
		"In": {
			c:        filter.InValues("v", "a", true),
			expected: bson.D{{Key: "v", Value: bson.D{{Key: "$in", Value: bson.A{"a", true}}}}},
		},
		"ContainsNumber": {
			c: filter.ContainsValue("tags", 1),
			expected: bson.D{{Key: "tags", Value: bson.D{
				{Key: "$elemMatch", Value: bson.D{{Key: "$eq", Value: int64(1)}}},
			}}},
		},
		"ContainsString": {
			c: filter.ContainsValue("v", "a.b"),
			expected: bson.D{{Key: "$or", Value: bson.A{
				bson.D{{Key: "v", Value: bson.D{{Key: "$elemMatch", Value: bson.D{{Key: "$eq", Value: "a.b"}}}}}},
				bson.D{{Key: "$and", Value: bson.A{
					bson.D{{Key: "v", Value: bson.D{{Key: "$regex", Value: `a\.b`}}}},
					bson.D{{Key: "v", Value: bson.D{{Key: "$not", Value: bson.D{{Key: "$type", Value: "array"}}}}}},
				}}},
			}}},
		},
		"NotExists": {
			c:        filter.FieldExists("v", false),
			expected: bson.D{{Key: "v", Value: bson.D{{Key: "$exists", Value: false}}}},
		},
		"Grouping": {
			c: filter.Not(filter.Or(filter.Eq("a", 1), filter.And(filter.Gt("b", 2), filter.Lt("b", 5)))),
			expected: bson.D{{Key: "$nor", Value: bson.A{
				bson.D{{Key: "$or", Value: bson.A{
					bson.D{{Key: "a", Value: bson.D{{Key: "$eq", Value: int64(1)}}}},
					bson.D{{Key: "$and", Value: bson.A{
						bson.D{{Key: "b", Value: bson.D{{Key: "$gt", Value: int64(2)}}}},
						bson.D{{Key: "b", Value: bson.D{{Key: "$lt", Value: int64(5)}}}},
					}}},
				}}},
			}}},
		},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			require.NoError(t, tc.c.Validate())

			actual, err := compile(tc.c)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, actual)
		})
	}
}

func TestCompileErrors(t *testing.T) {
	t.Parallel()

	_, err := compile(filter.Eq("a.$where", 1))
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeInvalidFilter), "%v", err)

	_, err = compile(filter.Where("v", filter.Operator(100), 1))
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeUnsupportedFilterOperator), "%v", err)
}

func TestCompileRaw(t *testing.T) {
	t.Parallel()

	actual, err := compileRaw(` {"v": {"$gt": 42}, "tags": "new"} `)
	require.NoError(t, err)

	expected := bson.D{
		{Key: "v", Value: bson.D{{Key: "$gt", Value: int32(42)}}},
		{Key: "tags", Value: "new"},
	}
	assert.Equal(t, expected, actual)

	for _, raw := range []string{"", "v > 42", `{"v": `} {
		_, err = compileRaw(raw)
		assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeInvalidFilter), "%q: %v", raw, err)
	}
}
