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

package docpath

import (
	"cmp"
	"reflect"

	"go.mongodb.org/mongo-driver/bson"
)

// Class represents a comparison class of values.
type Class int

// Comparison classes.
const (
	ClassOther Class = iota
	ClassNull
	ClassNumber
	ClassString
	ClassBool
	ClassDocument
	ClassArray
)

// ClassOf returns the comparison class of the value.
func ClassOf(v any) Class {
	switch v.(type) {
	case nil:
		return ClassNull
	case int32, int64, float64, int:
		return ClassNumber
	case string:
		return ClassString
	case bool:
		return ClassBool
	case bson.D, bson.M:
		return ClassDocument
	case bson.A:
		return ClassArray
	default:
		return ClassOther
	}
}

// Compare compares two numbers, strings, or booleans.
//
// It returns false if values are of different classes or not comparable.
func Compare(a, b any) (int, bool) {
	ca := ClassOf(a)
	if ca != ClassOf(b) {
		return 0, false
	}

	switch ca {
	case ClassNumber:
		return compareNumbers(a, b), true
	case ClassString:
		return cmp.Compare(a.(string), b.(string)), true
	case ClassBool:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0, true
		case !ab:
			return -1, true
		default:
			return 1, true
		}
	default:
		return 0, false
	}
}

// compareNumbers compares two numbers, keeping integer precision when possible.
func compareNumbers(a, b any) int {
	ai, aInt := toInt64(a)
	bi, bInt := toInt64(b)

	if aInt && bInt {
		return cmp.Compare(ai, bi)
	}

	return cmp.Compare(toFloat64(a), toFloat64(b))
}

// toInt64 returns an integer value.
func toInt64(v any) (int64, bool) {
	switch v := v.(type) {
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// toFloat64 returns any number as float64.
func toFloat64(v any) float64 {
	switch v := v.(type) {
	case float64:
		return v
	default:
		i, _ := toInt64(v)
		return float64(i)
	}
}

// Equal returns true if values are equal.
//
// Numbers are compared by value regardless of their types;
// documents are equal if they have the same fields in the same order.
func Equal(a, b any) bool {
	ca := ClassOf(a)
	if ca != ClassOf(b) {
		return false
	}

	switch ca {
	case ClassNull:
		return true

	case ClassNumber, ClassString, ClassBool:
		c, _ := Compare(a, b)
		return c == 0

	case ClassArray:
		aa, ba := a.(bson.A), b.(bson.A)
		if len(aa) != len(ba) {
			return false
		}

		for i := range aa {
			if !Equal(aa[i], ba[i]) {
				return false
			}
		}

		return true

	case ClassDocument:
		ad, aok := a.(bson.D)
		bd, bok := b.(bson.D)

		if !aok || !bok {
			return reflect.DeepEqual(a, b)
		}

		if len(ad) != len(bd) {
			return false
		}

		for i := range ad {
			if ad[i].Key != bd[i].Key || !Equal(ad[i].Value, bd[i].Value) {
				return false
			}
		}

		return true

	default:
		return reflect.DeepEqual(a, b)
	}
}
