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

// Package filter provides a vendor-neutral query predicate tree.
//
// Conditions are built with constructors like [Eq], [And] or [Not],
// or parsed from expressions with [ParseExpression].
// Vendor backends translate them into native queries.
//
// All vendors share the same matching semantics:
//   - a leaf matches when the field value, or any element of an array field value, satisfies it;
//   - ordering operators only match values of the same type class (numbers, strings, booleans);
//   - Equals nil matches missing and null fields;
//   - NotEquals is the negation of Equals, so it matches missing fields;
//   - Contains matches arrays with an equal element and strings containing a substring;
//   - Exists checks field presence; null values are present;
//   - In with no values matches nothing.
package filter

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/FerretDB/docstore/internal/docerrors"
)

// Operator represents a leaf comparison operator.
type Operator int

// Leaf operators.
const (
	_ Operator = iota

	Equals
	NotEquals
	GreaterThan
	GreaterOrEqual
	LessThan
	LessOrEqual
	Contains
	In
	Exists
)

// String implements fmt.Stringer.
func (op Operator) String() string {
	switch op {
	case Equals:
		return "Equals"
	case NotEquals:
		return "NotEquals"
	case GreaterThan:
		return "GreaterThan"
	case GreaterOrEqual:
		return "GreaterOrEqual"
	case LessThan:
		return "LessThan"
	case LessOrEqual:
		return "LessOrEqual"
	case Contains:
		return "Contains"
	case In:
		return "In"
	case Exists:
		return "Exists"
	default:
		return "Operator(" + strconv.Itoa(int(op)) + ")"
	}
}

// IsOrdering returns true for GreaterThan, GreaterOrEqual, LessThan and LessOrEqual.
func (op Operator) IsOrdering() bool {
	switch op {
	case GreaterThan, GreaterOrEqual, LessThan, LessOrEqual:
		return true
	default:
		return false
	}
}

// Kind represents a condition node kind.
type Kind int

// Node kinds.
const (
	_ Kind = iota

	KindLeaf
	KindAnd
	KindOr
	KindNot
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "Leaf"
	case KindAnd:
		return "And"
	case KindOr:
		return "Or"
	case KindNot:
		return "Not"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Condition is an immutable node of the predicate tree.
//
// It is either a leaf {field, operator, value} or a combinator with children.
type Condition struct {
	value    any
	field    string
	children []*Condition
	op       Operator
	kind     Kind
}

// Where returns a leaf condition.
//
// Integer values are normalized to int64, floating point values to float64.
// For In, value must be a []any; it is copied.
func Where(field string, op Operator, value any) *Condition {
	if op == In {
		if vs, ok := value.([]any); ok {
			values := make([]any, len(vs))
			for i, v := range vs {
				values[i] = normalize(v)
			}

			value = values
		}
	} else {
		value = normalize(value)
	}

	return &Condition{
		kind:  KindLeaf,
		field: field,
		op:    op,
		value: value,
	}
}

// Eq returns an Equals leaf.
func Eq(field string, value any) *Condition { return Where(field, Equals, value) }

// Ne returns a NotEquals leaf.
func Ne(field string, value any) *Condition { return Where(field, NotEquals, value) }

// Gt returns a GreaterThan leaf.
func Gt(field string, value any) *Condition { return Where(field, GreaterThan, value) }

// Gte returns a GreaterOrEqual leaf.
func Gte(field string, value any) *Condition { return Where(field, GreaterOrEqual, value) }

// Lt returns a LessThan leaf.
func Lt(field string, value any) *Condition { return Where(field, LessThan, value) }

// Lte returns a LessOrEqual leaf.
func Lte(field string, value any) *Condition { return Where(field, LessOrEqual, value) }

// ContainsValue returns a Contains leaf.
func ContainsValue(field string, value any) *Condition { return Where(field, Contains, value) }

// InValues returns an In leaf. With no values it matches nothing.
func InValues(field string, values ...any) *Condition {
	if values == nil {
		values = []any{}
	}

	return Where(field, In, values)
}

// FieldExists returns an Exists leaf.
func FieldExists(field string, exists bool) *Condition { return Where(field, Exists, exists) }

// And returns a conjunction of at least one condition.
func And(c *Condition, cs ...*Condition) *Condition {
	return combine(KindAnd, c, cs)
}

// Or returns a disjunction of at least one condition.
func Or(c *Condition, cs ...*Condition) *Condition {
	return combine(KindOr, c, cs)
}

// Not returns a negation of the condition.
func Not(c *Condition) *Condition {
	return &Condition{
		kind:     KindNot,
		children: []*Condition{c},
	}
}

// combine returns a combinator node with copied children.
func combine(kind Kind, c *Condition, cs []*Condition) *Condition {
	children := make([]*Condition, 0, len(cs)+1)
	children = append(children, c)
	children = append(children, cs...)

	return &Condition{
		kind:     kind,
		children: children,
	}
}

// Kind returns the node kind.
func (c *Condition) Kind() Kind { return c.kind }

// Field returns the dotted field path of a leaf.
func (c *Condition) Field() string { return c.field }

// Operator returns the operator of a leaf.
func (c *Condition) Operator() Operator { return c.op }

// Value returns the normalized value of a leaf.
//
// For In it is a []any that must not be modified.
func (c *Condition) Value() any { return c.value }

// Values returns a copy of In leaf values.
func (c *Condition) Values() []any {
	vs, _ := c.value.([]any)
	res := make([]any, len(vs))
	copy(res, vs)

	return res
}

// Children returns a copy of combinator children.
func (c *Condition) Children() []*Condition {
	res := make([]*Condition, len(c.children))
	copy(res, c.children)

	return res
}

// Validate checks the whole tree.
//
// Unknown operators produce UnsupportedFilterOperator,
// other problems produce InvalidFilter.
func (c *Condition) Validate() error {
	if c == nil {
		return docerrors.New(docerrors.ErrorCodeInvalidFilter, "condition is nil")
	}

	switch c.kind {
	case KindLeaf:
		return c.validateLeaf()

	case KindAnd, KindOr:
		if len(c.children) == 0 {
			return docerrors.Newf(docerrors.ErrorCodeInvalidFilter, "%s has no children", c.kind)
		}

		for _, child := range c.children {
			if err := child.Validate(); err != nil {
				return err
			}
		}

		return nil

	case KindNot:
		if len(c.children) != 1 {
			return docerrors.New(docerrors.ErrorCodeInvalidFilter, "Not must have exactly one child")
		}

		return c.children[0].Validate()

	default:
		return docerrors.Newf(docerrors.ErrorCodeInvalidFilter, "unexpected node kind %s", c.kind)
	}
}

// validateLeaf checks a leaf node.
func (c *Condition) validateLeaf() error {
	if c.field == "" {
		return docerrors.New(docerrors.ErrorCodeInvalidFilter, "field name is empty")
	}

	for _, part := range strings.Split(c.field, ".") {
		if part == "" {
			return docerrors.Newf(docerrors.ErrorCodeInvalidFilter, "invalid field path %q", c.field)
		}
	}

	switch c.op {
	case Equals, NotEquals:
		return checkScalar(c.field, c.value)

	case GreaterThan, GreaterOrEqual, LessThan, LessOrEqual, Contains:
		if c.value == nil {
			return docerrors.Newf(docerrors.ErrorCodeInvalidFilter, "%s on %q requires a non-nil value", c.op, c.field)
		}

		return checkScalar(c.field, c.value)

	case In:
		vs, ok := c.value.([]any)
		if !ok {
			return docerrors.Newf(docerrors.ErrorCodeInvalidFilter, "In on %q requires a list of values, got %T", c.field, c.value)
		}

		for _, v := range vs {
			if err := checkScalar(c.field, v); err != nil {
				return err
			}
		}

		return nil

	case Exists:
		if _, ok := c.value.(bool); !ok {
			return docerrors.Newf(docerrors.ErrorCodeInvalidFilter, "Exists on %q requires a boolean, got %T", c.field, c.value)
		}

		return nil

	default:
		return docerrors.Newf(docerrors.ErrorCodeUnsupportedFilterOperator, "operator %s is not supported", c.op)
	}
}

// checkScalar checks that normalized value is one of the supported scalar types.
func checkScalar(field string, v any) error {
	switch v := v.(type) {
	case nil, bool, int64, string:
		return nil
	case float64:
		if math.IsNaN(v) {
			return docerrors.Newf(docerrors.ErrorCodeInvalidFilter, "NaN is not supported for %q", field)
		}

		return nil
	default:
		return docerrors.Newf(docerrors.ErrorCodeInvalidFilter, "unsupported value type %T for %q", v, field)
	}
}

// normalize converts numeric values to int64 or float64.
func normalize(v any) any {
	switch v := v.(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint:
		if uint64(v) > math.MaxInt64 {
			return float64(v)
		}

		return int64(v)
	case uint64:
		if v > math.MaxInt64 {
			return float64(v)
		}

		return int64(v)
	case float32:
		return float64(v)
	default:
		return v
	}
}

// String returns a human-readable representation of the condition.
func (c *Condition) String() string {
	if c == nil {
		return "<nil>"
	}

	switch c.kind {
	case KindLeaf:
		return fmt.Sprintf("%s %s %#v", c.field, c.op, c.value)

	case KindAnd, KindOr:
		parts := make([]string, len(c.children))
		for i, child := range c.children {
			parts[i] = child.String()
		}

		return "(" + strings.Join(parts, " "+strings.ToUpper(c.kind.String())+" ") + ")"

	case KindNot:
		return "NOT " + c.children[0].String()

	default:
		return c.kind.String()
	}
}
