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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/FerretDB/docstore/internal/docerrors"
	"github.com/FerretDB/docstore/internal/filter"
	"github.com/FerretDB/docstore/internal/persistence"
)

// testDocs returns documents used by filter tests.
func testDocs() []bson.D {
	return []bson.D{
		{{Key: "_id", Value: "int"}, {Key: "v", Value: int32(42)}, {Key: "tags", Value: bson.A{"a", "b"}}},
		{{Key: "_id", Value: "double"}, {Key: "v", Value: 42.5}},
		{{Key: "_id", Value: "string"}, {Key: "v", Value: "foobar"}, {Key: "tags", Value: bson.A{"b"}}},
		{{Key: "_id", Value: "bool"}, {Key: "v", Value: true}},
		{{Key: "_id", Value: "null"}, {Key: "v", Value: nil}},
		{{Key: "_id", Value: "missing"}},
		{{Key: "_id", Value: "array"}, {Key: "v", Value: bson.A{int32(1), int32(50)}}},
		{{Key: "_id", Value: "nested"}, {Key: "v", Value: bson.D{{Key: "w", Value: int64(42)}}}},
		{{Key: "_id", Value: "elements"}, {Key: "v", Value: bson.A{
			bson.D{{Key: "w", Value: int32(1)}},
			bson.D{{Key: "w", Value: int32(42)}},
		}}},
	}
}

// matching returns IDs of test documents matching the condition.
func matching(t *testing.T, c *filter.Condition) []string {
	t.Helper()

	require.NoError(t, c.Validate())

	p, err := Compile(c)
	require.NoError(t, err)

	res := []string{}

	for _, doc := range testDocs() {
		if p(doc) {
			res = append(res, doc[0].Value.(string))
		}
	}

	return res
}

func TestCompileLeaf(t *testing.T) {
	t.Parallel()

	for name, tc := range map[string]struct {
		c        *filter.Condition
		expected []string
	}{
		"EqInt":          {c: filter.Eq("v", 42), expected: []string{"int"}},
		"EqString":       {c: filter.Eq("v", "foobar"), expected: []string{"string"}},
		"EqNil":          {c: filter.Eq("v", nil), expected: []string{"null", "missing"}},
		"EqArrayElement": {c: filter.Eq("v", 50), expected: []string{"array"}},
		"EqNested":       {c: filter.Eq("v.w", 42), expected: []string{"nested", "elements"}},
		"EqIndex":        {c: filter.Eq("v.1.w", 42), expected: []string{"elements"}},
		"Ne": {
			c:        filter.Ne("v", 42),
			expected: []string{"double", "string", "bool", "null", "missing", "array", "nested", "elements"},
		},
		"NeNil":       {c: filter.Ne("v", nil), expected: []string{"int", "double", "string", "bool", "array", "nested", "elements"}},
		"Gt":          {c: filter.Gt("v", 42), expected: []string{"double", "array"}},
		"Gte":         {c: filter.Gte("v", 42), expected: []string{"int", "double", "array"}},
		"Lt":          {c: filter.Lt("v", 42), expected: []string{"array"}},
		"Lte":         {c: filter.Lte("v", 42.0), expected: []string{"int", "array"}},
		"GtString":    {c: filter.Gt("v", "a"), expected: []string{"string"}},
		"LtBool":      {c: filter.Lt("v", true)},
		"GteBool":     {c: filter.Gte("v", true), expected: []string{"bool"}},
		"In":          {c: filter.InValues("v", 42, "foobar"), expected: []string{"int", "string"}},
		"InEmpty":     {c: filter.InValues("v")},
		"InNil":       {c: filter.InValues("v", nil, true), expected: []string{"bool", "null", "missing"}},
		"ContainsArr": {c: filter.ContainsValue("tags", "b"), expected: []string{"int", "string"}},
		"ContainsStr": {c: filter.ContainsValue("v", "oba"), expected: []string{"string"}},
		"ContainsNum": {c: filter.ContainsValue("v", 50), expected: []string{"array"}},
		"Exists":      {c: filter.FieldExists("v", true), expected: []string{"int", "double", "string", "bool", "null", "array", "nested", "elements"}},
		"NotExists":   {c: filter.FieldExists("v", false), expected: []string{"missing"}},
		"ExistsElem":  {c: filter.FieldExists("v.w", true), expected: []string{"nested", "elements"}},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			assert.ElementsMatch(t, tc.expected, matching(t, tc.c))
		})
	}
}

func TestCompileGrouping(t *testing.T) {
	t.Parallel()

	a := filter.Eq("v", 42)
	b := filter.FieldExists("tags", true)
	c := filter.Eq("v", true)

	// And(a, Or(b, c)) and Or(And(a, b), c) differ on the "bool" document
	assert.ElementsMatch(t, []string{"int"}, matching(t, filter.And(a, filter.Or(b, c))))
	assert.ElementsMatch(t, []string{"int", "bool"}, matching(t, filter.Or(filter.And(a, b), c)))

	assert.ElementsMatch(t, []string{"double", "null", "missing", "array", "nested", "elements"},
		matching(t, filter.Not(filter.Or(a, filter.ContainsValue("tags", "b"), c))),
	)
}

func TestCompileRaw(t *testing.T) {
	t.Parallel()

	b, err := NewBackend(new(persistence.Config), zap.NewNop())
	require.NoError(t, err)

	native, err := b.CompileRaw(`doc.v > 42 && !exists(doc.tags)`)
	require.NoError(t, err)

	var res []string

	for _, doc := range testDocs() {
		if native.(Predicate)(doc) {
			res = append(res, doc[0].Value.(string))
		}
	}

	assert.ElementsMatch(t, []string{"double", "array"}, res)

	_, err = b.CompileRaw(`len(doc.v) > 1`)
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeUnsupportedExpressionShape), "%v", err)
}
