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
	"go.mongodb.org/mongo-driver/bson"
)

// TestFunc tests a single value reached by a path.
//
// Missing values are passed as nil with present set to false.
type TestFunc func(v any, present bool) bool

// Match returns true if test holds for any value reached by the path.
//
// When an intermediate value is an array, a numeric part is first tried as an index,
// and then the part is looked up in every element.
// Missing intermediate values make the final value missing.
// Leaf arrays are passed to test as a whole.
func Match(doc bson.D, path string, test TestFunc) bool {
	return match(doc, true, Split(path), test)
}

// match implements Match.
func match(x any, present bool, parts []string, test TestFunc) bool {
	if len(parts) == 0 {
		return test(x, present)
	}

	part, rest := parts[0], parts[1:]
	arr, isArray := x.(bson.A)

	if _, isIndex := Index(part); !isArray || isIndex {
		v, ok := step(x, part)
		if match(v, ok, rest, test) {
			return true
		}
	}

	for _, e := range arr {
		v, ok := step(e, part)
		if match(v, ok, rest, test) {
			return true
		}
	}

	return false
}
