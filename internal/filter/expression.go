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
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"

	"github.com/FerretDB/docstore/internal/docerrors"
)

// DefaultParam is the default name of the document parameter in expressions.
const DefaultParam = "doc"

// existsFunc is the only allowed function call.
const existsFunc = "exists"

// ExpressionParser converts expr-lang expressions over a single document parameter into conditions.
//
// The supported subset is:
//   - field access: doc.a, doc.a.b, doc["a"], doc.items[0];
//   - comparisons with literals on either side: == != < <= > >=;
//   - boolean combinators: and, &&, or, ||, not, !;
//   - membership: doc.a in [...], doc.a not in [...];
//   - doc.a contains "x";
//   - exists(doc.a);
//   - string, integer, float, boolean and nil literals, including negative numbers;
//   - bare fields, meaning the field equals true.
//
// Everything else fails with UnsupportedExpressionShape naming the offending node kind.
type ExpressionParser struct {
	// Param is the name of the document parameter; DefaultParam if empty.
	Param string
}

// ParseExpression parses expression with the default document parameter name.
func ParseExpression(src string) (*Condition, error) {
	return new(ExpressionParser).Parse(src)
}

// Parse parses expression into a validated condition.
func (p *ExpressionParser) Parse(src string) (*Condition, error) {
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, docerrors.Newf(docerrors.ErrorCodeInvalidFilter, "failed to parse expression: %w", err)
	}

	param := p.Param
	if param == "" {
		param = DefaultParam
	}

	w := &walker{param: param}

	c, err := w.condition(tree.Node)
	if err != nil {
		return nil, err
	}

	if err = c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// walker walks expression trees.
type walker struct {
	param string
}

// condition converts a boolean-valued node.
func (w *walker) condition(node ast.Node) (*Condition, error) {
	switch n := node.(type) {
	case *ast.BinaryNode:
		switch n.Operator {
		case "and", "&&":
			return w.combinator(KindAnd, n)
		case "or", "||":
			return w.combinator(KindOr, n)
		case "==", "!=", "<", "<=", ">", ">=":
			return w.comparison(n)
		case "in":
			return w.in(n)
		case "contains":
			return w.contains(n)
		default:
			return nil, unsupported(n, "operator "+strconv.Quote(n.Operator))
		}

	case *ast.UnaryNode:
		switch n.Operator {
		case "not", "!":
			c, err := w.condition(n.Node)
			if err != nil {
				return nil, err
			}

			return Not(c), nil
		default:
			return nil, unsupported(n, "operator "+strconv.Quote(n.Operator))
		}

	case *ast.MemberNode:
		// bare boolean field
		field, err := w.field(n)
		if err != nil {
			return nil, err
		}

		return Eq(field, true), nil

	case *ast.CallNode:
		return w.call(n)

	default:
		return nil, unsupported(node, "")
	}
}

// combinator converts and/or nodes.
//
// expr-lang parses a && b && c as (a && b) && c; such chains are flattened.
func (w *walker) combinator(kind Kind, n *ast.BinaryNode) (*Condition, error) {
	left, err := w.condition(n.Left)
	if err != nil {
		return nil, err
	}

	right, err := w.condition(n.Right)
	if err != nil {
		return nil, err
	}

	if left.kind == kind {
		return combine(kind, left.children[0], append(left.Children()[1:], right)), nil
	}

	return combine(kind, left, []*Condition{right}), nil
}

// flipped maps comparison operators for literals on the left side.
var flipped = map[string]string{
	"==": "==",
	"!=": "!=",
	"<":  ">",
	"<=": ">=",
	">":  "<",
	">=": "<=",
}

// comparisonOps maps expression operators to leaf operators.
var comparisonOps = map[string]Operator{
	"==": Equals,
	"!=": NotEquals,
	"<":  LessThan,
	"<=": LessOrEqual,
	">":  GreaterThan,
	">=": GreaterOrEqual,
}

// comparison converts a comparison between a field and a literal.
func (w *walker) comparison(n *ast.BinaryNode) (*Condition, error) {
	op := n.Operator
	fieldNode, literalNode := n.Left, n.Right

	if !w.isField(fieldNode) {
		if !w.isField(literalNode) {
			// report the left side, it is the most likely culprit
			_, err := w.field(fieldNode)
			return nil, err
		}

		fieldNode, literalNode = literalNode, fieldNode
		op = flipped[op]
	}

	field, err := w.field(fieldNode)
	if err != nil {
		return nil, err
	}

	value, err := w.literal(literalNode)
	if err != nil {
		return nil, err
	}

	return Where(field, comparisonOps[op], value), nil
}

// in converts membership tests.
func (w *walker) in(n *ast.BinaryNode) (*Condition, error) {
	field, err := w.field(n.Left)
	if err != nil {
		return nil, err
	}

	arr, ok := n.Right.(*ast.ArrayNode)
	if !ok {
		return nil, unsupported(n.Right, "right side of in must be a list of literals")
	}

	values := make([]any, len(arr.Nodes))
	for i, node := range arr.Nodes {
		if values[i], err = w.literal(node); err != nil {
			return nil, err
		}
	}

	return InValues(field, values...), nil
}

// contains converts substring and array membership tests.
func (w *walker) contains(n *ast.BinaryNode) (*Condition, error) {
	field, err := w.field(n.Left)
	if err != nil {
		return nil, err
	}

	value, err := w.literal(n.Right)
	if err != nil {
		return nil, err
	}

	return ContainsValue(field, value), nil
}

// call converts allow-listed function calls.
func (w *walker) call(n *ast.CallNode) (*Condition, error) {
	ident, ok := n.Callee.(*ast.IdentifierNode)
	if !ok || ident.Value != existsFunc {
		return nil, unsupported(n, "only "+existsFunc+"() calls are allowed")
	}

	if len(n.Arguments) != 1 {
		return nil, unsupported(n, existsFunc+"() takes exactly one field argument")
	}

	field, err := w.field(n.Arguments[0])
	if err != nil {
		return nil, err
	}

	return FieldExists(field, true), nil
}

// isField returns true if node is a member access on the document parameter.
func (w *walker) isField(node ast.Node) bool {
	_, err := w.field(node)
	return err == nil
}

// field returns a dotted field path for a member access chain on the document parameter.
func (w *walker) field(node ast.Node) (string, error) {
	var parts []string

	for {
		switch n := node.(type) {
		case *ast.MemberNode:
			if n.Method {
				return "", unsupported(n, "method calls are not allowed")
			}

			switch p := n.Property.(type) {
			case *ast.StringNode:
				if p.Value == "" || strings.Contains(p.Value, ".") {
					return "", unsupported(n, "invalid field name "+strconv.Quote(p.Value))
				}

				parts = append(parts, p.Value)
			case *ast.IntegerNode:
				if p.Value < 0 {
					return "", unsupported(n, "negative index")
				}

				parts = append(parts, strconv.Itoa(p.Value))
			default:
				return "", unsupported(n.Property, "computed member access")
			}

			node = n.Node

		case *ast.IdentifierNode:
			if n.Value != w.param {
				return "", unsupported(n, "identifier "+strconv.Quote(n.Value)+" is not the document parameter")
			}

			if len(parts) == 0 {
				return "", unsupported(n, "the whole document can't be compared")
			}

			// parts were collected from the outermost member
			for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
				parts[i], parts[j] = parts[j], parts[i]
			}

			return strings.Join(parts, "."), nil

		default:
			return "", unsupported(node, "")
		}
	}
}

// literal returns a Go value for a literal node.
func (w *walker) literal(node ast.Node) (any, error) {
	switch n := node.(type) {
	case *ast.NilNode:
		return nil, nil
	case *ast.BoolNode:
		return n.Value, nil
	case *ast.IntegerNode:
		return int64(n.Value), nil
	case *ast.FloatNode:
		return n.Value, nil
	case *ast.StringNode:
		return n.Value, nil
	case *ast.ConstantNode:
		switch v := n.Value.(type) {
		case nil, bool, int, int64, float64, string:
			return normalize(v), nil
		default:
			return nil, unsupported(n, fmt.Sprintf("constant of type %T", v))
		}
	case *ast.UnaryNode:
		if n.Operator != "-" && n.Operator != "+" {
			break
		}

		v, err := w.literal(n.Node)
		if err != nil {
			return nil, err
		}

		if n.Operator == "+" {
			switch v.(type) {
			case int64, float64:
				return v, nil
			}

			break
		}

		switch v := v.(type) {
		case int64:
			return -v, nil
		case float64:
			return -v, nil
		}
	}

	return nil, unsupported(node, "expected a literal")
}

// unsupported returns UnsupportedExpressionShape error for the given node.
func unsupported(node ast.Node, reason string) error {
	kind := strings.TrimPrefix(fmt.Sprintf("%T", node), "*ast.")

	msg := fmt.Sprintf("unsupported expression node %s", kind)
	if node != nil {
		msg += " (" + node.String() + ")"
	}

	if reason != "" {
		msg += ": " + reason
	}

	return docerrors.New(docerrors.ErrorCodeUnsupportedExpressionShape, msg)
}
