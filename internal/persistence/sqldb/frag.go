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
	"fmt"
	"strings"
)

// marker marks a bound parameter in a fragment.
//
// It is replaced by the dialect's placeholder when the statement is rendered,
// so fragments can be composed before parameter numbers are known.
const marker = "\x00"

// frag is a piece of SQL with its bound parameters in textual order.
type frag struct {
	sql  string
	args []any
}

// lit returns a fragment without parameters.
func lit(s string) frag {
	return frag{sql: s}
}

// arg returns a fragment for a single bound parameter.
func arg(v any) frag {
	return frag{sql: marker, args: []any{v}}
}

// join substitutes parts for %s verbs of format, in order.
//
// No other verbs are supported; it panics if the number of verbs does not match.
func join(format string, parts ...frag) frag {
	chunks := strings.Split(format, "%s")
	if len(chunks) != len(parts)+1 {
		panic(fmt.Sprintf("join: %d parts for %q", len(parts), format))
	}

	var b strings.Builder
	var args []any

	for i, chunk := range chunks {
		b.WriteString(chunk)

		if i < len(parts) {
			b.WriteString(parts[i].sql)
			args = append(args, parts[i].args...)
		}
	}

	return frag{sql: b.String(), args: args}
}

// joinSep joins fragments with the separator.
func joinSep(sep string, parts []frag) frag {
	var res frag

	for i, p := range parts {
		if i > 0 {
			res.sql += sep
		}

		res.sql += p.sql
		res.args = append(res.args, p.args...)
	}

	return res
}

// render returns the SQL text with numbered placeholders and the arguments.
func (f frag) render(placeholder func(n int) string) (string, []any) {
	var b strings.Builder

	n := 0
	s := f.sql

	for {
		i := strings.Index(s, marker)
		if i < 0 {
			b.WriteString(s)
			break
		}

		n++
		b.WriteString(s[:i])
		b.WriteString(placeholder(n))
		s = s[i+len(marker):]
	}

	return b.String(), f.args
}
