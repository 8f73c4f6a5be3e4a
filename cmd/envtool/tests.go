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

package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/FerretDB/docstore/internal/util/lazyerrors"
)

// TestsShardParams represents `envtool tests shard` parameters.
//
//nolint:vet // for readability
type TestsShardParams struct {
	Dir   string `default:"."  help:"Module directory."`
	Index uint   `required:"" help:"Shard index, starting from 1."`
	Total uint   `required:"" help:"Total number of shards."`
	Run   string `help:"Include only tests matching the regexp."`
	Skip  string `help:"Skip tests matching the regexp."`
}

// testsShard writes the `go test -run` regexp matching test functions of the given shard.
func testsShard(w io.Writer, params *TestsShardParams) error {
	out, err := listTestOutput(params.Dir)
	if err != nil {
		return err
	}

	all, err := parseTestList(out)
	if err != nil {
		return err
	}

	tests, err := filterTestFuncs(all, params.Run, params.Skip)
	if err != nil {
		return err
	}

	run, err := shardTestFuncs(params.Index, params.Total, tests)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "^(%s)$\n", strings.Join(run, "|"))

	return err
}

// listTestOutput returns the output of `go test -list` for all packages in the directory.
func listTestOutput(dir string) ([]byte, error) {
	var buf bytes.Buffer

	cmd := exec.Command("go", "test", "-list=.", "./...")
	cmd.Dir = dir
	cmd.Stdout = &buf
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return buf.Bytes(), nil
}

// parseTestList returns a sorted slice of all top-level test functions
// (tests, benchmarks, examples, fuzz functions) from `go test -list` output.
func parseTestList(out []byte) ([]string, error) {
	testFuncs := make(map[string]struct{}, 100)

	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		l := s.Text()

		switch {
		case strings.HasPrefix(l, "Test"):
		case strings.HasPrefix(l, "Benchmark"):
		case strings.HasPrefix(l, "Example"):
		case strings.HasPrefix(l, "Fuzz"):
		case strings.HasPrefix(l, "? "), strings.HasPrefix(l, "ok "):
			continue
		default:
			return nil, fmt.Errorf("can't parse line %q", l)
		}

		// the same name in different packages runs in every package anyway
		testFuncs[l] = struct{}{}
	}

	if err := s.Err(); err != nil {
		return nil, lazyerrors.Error(err)
	}

	res := maps.Keys(testFuncs)
	slices.Sort(res)

	return res, nil
}

// filterTestFuncs filters test functions by include and exclude regexps; empty regexps are ignored.
func filterTestFuncs(tests []string, run, skip string) ([]string, error) {
	var include, exclude *regexp.Regexp
	var err error

	if run != "" {
		if include, err = regexp.Compile(run); err != nil {
			return nil, err
		}
	}

	if skip != "" {
		if exclude, err = regexp.Compile(skip); err != nil {
			return nil, err
		}
	}

	res := []string{}

	for _, test := range tests {
		if exclude != nil && exclude.MatchString(test) {
			continue
		}

		if include != nil && !include.MatchString(test) {
			continue
		}

		res = append(res, test)
	}

	if len(res) == 0 {
		return nil, fmt.Errorf("no tests to run")
	}

	return res, nil
}

// shardTestFuncs returns test functions of the given shard.
func shardTestFuncs(index, total uint, testFuncs []string) ([]string, error) {
	if index == 0 {
		return nil, fmt.Errorf("index must be greater than 0")
	}

	if total == 0 {
		return nil, fmt.Errorf("total must be greater than 0")
	}

	if index > total {
		return nil, fmt.Errorf("cannot shard when index is greater than total (%d > %d)", index, total)
	}

	l := uint(len(testFuncs))
	if total > l {
		return nil, fmt.Errorf("cannot shard when total is greater than a number of test functions (%d > %d)", total, l)
	}

	res := make([]string, 0, l/total+1)
	shard := uint(1)

	// use different shards for tests with similar names for better load balancing
	for _, test := range testFuncs {
		if index == shard {
			res = append(res, test)
		}

		shard = shard%total + 1
	}

	return res, nil
}
