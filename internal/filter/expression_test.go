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

package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FerretDB/docstore/internal/docerrors"
)

func TestParseExpression(t *testing.T) {
	t.Parallel()

	for name, tc := range map[string]struct {
		src      string
		expected *Condition
	}{
		"Equals": {
			src:      `doc.name == "alice"`,
			expected: Eq("name", "alice"),
		},
		"NestedField": {
			src:      `doc.address.city != "Berlin"`,
			expected: Ne("address.city", "Berlin"),
		},
		"IndexField": {
			src:      `doc.items[0].qty >= 2`,
			expected: Gte("items.0.qty", 2),
		},
		"BracketField": {
			src:      `doc["first name"] == "a"`,
			expected: Eq("first name", "a"),
		},
		"LiteralOnLeft": {
			src:      `5 < doc.qty`,
			expected: Gt("qty", 5),
		},
		"Negative": {
			src:      `doc.balance <= -1.5`,
			expected: Lte("balance", -1.5),
		},
		"Nil": {
			src:      `doc.deleted == nil`,
			expected: Eq("deleted", nil),
		},
		"Grouping": {
			src:      `doc.a == 1 and (doc.b == 2 or doc.c == 3)`,
			expected: And(Eq("a", 1), Or(Eq("b", 2), Eq("c", 3))),
		},
		"GroupingOther": {
			src:      `(doc.a == 1 && doc.b == 2) || doc.c == 3`,
			expected: Or(And(Eq("a", 1), Eq("b", 2)), Eq("c", 3)),
		},
		"Flatten": {
			src:      `doc.a == 1 && doc.b == 2 && doc.c == 3`,
			expected: And(Eq("a", 1), Eq("b", 2), Eq("c", 3)),
		},
		"In": {
			src:      `doc.status in ["new", "open"]`,
			expected: InValues("status", "new", "open"),
		},
		"EmptyIn": {
			src:      `doc.status in []`,
			expected: InValues("status"),
		},
		"NotIn": {
			src:      `doc.status not in ["closed"]`,
			expected: Not(InValues("status", "closed")),
		},
		"Contains": {
			src:      `doc.tags contains "go"`,
			expected: ContainsValue("tags", "go"),
		},
		"Exists": {
			src:      `exists(doc.email)`,
			expected: FieldExists("email", true),
		},
		"NotExists": {
			src:      `!exists(doc.email)`,
			expected: Not(FieldExists("email", true)),
		},
		"BareField": {
			src:      `doc.active && not doc.archived`,
			expected: And(Eq("active", true), Not(Eq("archived", true))),
		},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			actual, err := ParseExpression(tc.src)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, actual)
		})
	}
}

func TestParseExpressionParam(t *testing.T) {
	t.Parallel()

	p := &ExpressionParser{Param: "form"}

	actual, err := p.Parse(`form.title == "x"`)
	require.NoError(t, err)
	assert.Equal(t, Eq("title", "x"), actual)

	_, err = p.Parse(`doc.title == "x"`)
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeUnsupportedExpressionShape), "%v", err)
}

func TestParseExpressionUnsupported(t *testing.T) {
	t.Parallel()

	for name, tc := range map[string]struct {
		src  string
		kind string
	}{
		"Call":        {src: `len(doc.items) > 0`, kind: "BuiltinNode"},
		"UnknownFunc": {src: `isEmpty(doc.items)`, kind: "CallNode"},
		"Method":      {src: `doc.name.lower() == "a"`, kind: "CallNode"},
		"Arithmetic":  {src: `doc.a + 1 == 2`, kind: "BinaryNode"},
		"Ternary":     {src: `doc.a ? doc.b : doc.c`, kind: "ConditionalNode"},
		"OtherIdent":  {src: `user.a == 1`, kind: "IdentifierNode"},
		"TwoFields":   {src: `doc.a == doc.b`, kind: "MemberNode"},
		"Matches":     {src: `doc.a matches "^x"`, kind: "BinaryNode"},
		"Literal":     {src: `true`, kind: "BoolNode"},
		"Constants":   {src: `1 == 1`, kind: "IntegerNode"},
		"Closure":     {src: `all(doc.items, {.qty > 0})`, kind: "BuiltinNode"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseExpression(tc.src)
			require.Error(t, err)

			var e *docerrors.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, docerrors.ErrorCodeUnsupportedExpressionShape, e.Code())
			assert.Contains(t, e.Error(), tc.kind)
		})
	}

	_, err := ParseExpression(`doc.a ==`)
	assert.True(t, docerrors.CodeIs(err, docerrors.ErrorCodeInvalidFilter), "%v", err)
}
