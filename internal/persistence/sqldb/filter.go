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
	"strconv"
	"strings"

	"github.com/FerretDB/docstore/internal/docerrors"
	"github.com/FerretDB/docstore/internal/filter"
	"github.com/FerretDB/docstore/internal/persistence/docpath"
)

// docColumn is the JSON document column all predicates operate on.
const docColumn = "doc"

// Predicate is the native filter of the SqlLike vendor:
// a boolean SQL expression over the doc column with bound parameters.
type Predicate struct {
	f       frag
	dialect dialect
}

// SQL returns the expression with dialect placeholders numbered from 1.
func (p *Predicate) SQL() string {
	s, _ := p.f.render(p.dialect.placeholder)
	return s
}

// Args returns bound parameters in placeholder order.
func (p *Predicate) Args() []any {
	return p.f.args
}

// String implements fmt.Stringer.
func (p *Predicate) String() string {
	return p.SQL()
}

// test builds a condition on a single value expression; the result may be SQL NULL.
type test func(x frag) frag

// compiler translates condition trees into predicates.
type compiler struct {
	d       dialect
	aliases int
}

// compile translates a validated condition into a predicate.
func compile(d dialect, c *filter.Condition) (*Predicate, error) {
	cc := &compiler{d: d}

	f, err := cc.condition(c)
	if err != nil {
		return nil, err
	}

	return &Predicate{f: f, dialect: d}, nil
}

// condition translates a single node.
func (c *compiler) condition(cond *filter.Condition) (frag, error) {
	switch cond.Kind() {
	case filter.KindAnd, filter.KindOr:
		children := cond.Children()
		parts := make([]frag, len(children))

		for i, child := range children {
			f, err := c.condition(child)
			if err != nil {
				return frag{}, err
			}

			parts[i] = f
		}

		sep := " AND "
		if cond.Kind() == filter.KindOr {
			sep = " OR "
		}

		return join("(%s)", joinSep(sep, parts)), nil

	case filter.KindNot:
		f, err := c.condition(cond.Children()[0])
		if err != nil {
			return frag{}, err
		}

		return join("(NOT %s)", f), nil

	case filter.KindLeaf:
		return c.leaf(cond)

	default:
		return frag{}, docerrors.Newf(docerrors.ErrorCodeInvalidFilter, "unexpected node kind %s", cond.Kind())
	}
}

// leaf translates a single comparison.
func (c *compiler) leaf(cond *filter.Condition) (frag, error) {
	field, value := cond.Field(), cond.Value()

	parts := docpath.Split(field)
	for _, part := range parts {
		if strings.ContainsAny(part, `"\`) {
			return frag{}, docerrors.Newf(
				docerrors.ErrorCodeInvalidFilter,
				"field %q: quotes and backslashes are not supported by SqlLike filters", field,
			)
		}
	}

	root := lit(docColumn)

	switch op := cond.Operator(); op {
	case filter.Equals:
		return c.match(root, parts, c.expand(c.equals(value))), nil

	case filter.NotEquals:
		return join("(NOT %s)", c.match(root, parts, c.expand(c.equals(value)))), nil

	case filter.GreaterThan, filter.GreaterOrEqual, filter.LessThan, filter.LessOrEqual:
		sqlOp := map[filter.Operator]string{
			filter.GreaterThan:    ">",
			filter.GreaterOrEqual: ">=",
			filter.LessThan:       "<",
			filter.LessOrEqual:    "<=",
		}[op]

		class := docpath.ClassOf(value)

		return c.match(root, parts, c.expand(func(x frag) frag {
			return c.d.compare(x, sqlOp, class, value)
		})), nil

	case filter.In:
		values := cond.Values()
		if len(values) == 0 {
			return lit("FALSE"), nil
		}

		tests := make([]test, len(values))
		for i, v := range values {
			tests[i] = c.equals(v)
		}

		return c.match(root, parts, c.expand(func(x frag) frag {
			conds := make([]frag, len(tests))
			for i, t := range tests {
				conds[i] = join("COALESCE(%s, FALSE)", t(x))
			}

			return join("(%s)", joinSep(" OR ", conds))
		})), nil

	case filter.Contains:
		eq := c.equals(value)

		return c.match(root, parts, func(x frag) frag {
			from, elem := c.d.elements(x, c.alias())
			res := join(
				"(COALESCE(%s, FALSE) AND EXISTS (SELECT 1 FROM %s WHERE COALESCE(%s, FALSE)))",
				c.d.isArray(x), from, eq(elem),
			)

			if s, ok := value.(string); ok {
				res = join("(%s OR COALESCE(%s, FALSE))", res, c.d.substring(x, s))
			}

			return res
		}), nil

	case filter.Exists:
		present := func(x frag) frag { return join("(%s IS NOT NULL)", x) }

		if !value.(bool) {
			return join("(NOT %s)", c.match(root, parts, present)), nil
		}

		return c.match(root, parts, present), nil

	default:
		return frag{}, docerrors.Newf(docerrors.ErrorCodeUnsupportedFilterOperator, "operator %s is not supported", op)
	}
}

// match returns the condition that t holds for any value reached by the path from x.
//
// When an intermediate value is an array, a numeric part is first tried as an index,
// and then the part is looked up in every element.
// Leaf values are passed to t as a whole.
func (c *compiler) match(x frag, parts []string, t test) frag {
	if len(parts) == 0 {
		return join("COALESCE(%s, FALSE)", t(x))
	}

	part, rest := parts[0], parts[1:]

	from, elem := c.d.elements(x, c.alias())
	viaElements := join(
		"(COALESCE(%s, FALSE) AND EXISTS (SELECT 1 FROM %s WHERE %s))",
		c.d.isArray(x), from, c.match(c.step(elem, part), rest, t),
	)

	direct := c.match(c.step(x, part), rest, t)

	if _, ok := docpath.Index(part); ok {
		return join("(%s OR %s)", direct, viaElements)
	}

	return join("((COALESCE(NOT %s, TRUE) AND %s) OR %s)", c.d.isArray(x), direct, viaElements)
}

// step returns the value of the single path part: an object field or an array element.
func (c *compiler) step(x frag, part string) frag {
	i, ok := docpath.Index(part)
	if !ok {
		return c.d.key(x, part)
	}

	return join("CASE WHEN %s THEN %s ELSE %s END", c.d.isArray(x), c.d.index(x, i), c.d.key(x, part))
}

// expand makes the test also match any element of an array value.
func (c *compiler) expand(t test) test {
	return func(x frag) frag {
		from, elem := c.d.elements(x, c.alias())

		return join(
			"(COALESCE(%s, FALSE) OR (COALESCE(%s, FALSE) AND EXISTS (SELECT 1 FROM %s WHERE COALESCE(%s, FALSE))))",
			t(x), c.d.isArray(x), from, t(elem),
		)
	}
}

// equals returns a test for equality with the value; nil also matches missing values.
func (c *compiler) equals(value any) test {
	if value == nil {
		return func(x frag) frag {
			return join("(%s IS NULL OR %s)", x, c.d.isNull(x))
		}
	}

	class := docpath.ClassOf(value)

	return func(x frag) frag {
		return c.d.compare(x, "=", class, value)
	}
}

// alias returns a new unique alias for element lists.
func (c *compiler) alias() string {
	c.aliases++
	return "e" + strconv.Itoa(c.aliases)
}

// compileRaw wraps a raw SQL boolean expression over the doc column.
func compileRaw(d dialect, raw string) (*Predicate, error) {
	raw = strings.TrimSpace(raw)

	switch {
	case raw == "":
		return nil, docerrors.New(docerrors.ErrorCodeInvalidFilter, "raw query is empty")
	case strings.ContainsAny(raw, ";"+marker):
		return nil, docerrors.Newf(docerrors.ErrorCodeInvalidFilter, "raw query %q must be a single expression", raw)
	}

	return &Predicate{f: lit("(" + raw + ")"), dialect: d}, nil
}
