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

// Package version provides information about docstore version and build configuration.
//
// Values are read from the Go build information embedded into binaries;
// VCS details are present only for binaries built from a git checkout.
package version

import (
	"runtime"
	runtimedebug "runtime/debug"
	"strconv"
)

// Info provides details about the current build.
//
//nolint:vet // for readability
type Info struct {
	Version          string
	Commit           string
	Dirty            bool
	BuildEnvironment map[string]string
}

// unknown is a placeholder for unknown version and commit values.
const unknown = "unknown"

// info singleton instance set by init().
var info *Info

// Get returns current build's info.
//
// It returns a shared instance without any synchronization.
func Get() *Info {
	return info
}

// newInfo returns build info from the given Go build information; nil is allowed.
func newInfo(buildInfo *runtimedebug.BuildInfo) *Info {
	res := &Info{
		Version: unknown,
		Commit:  unknown,
		BuildEnvironment: map[string]string{
			"go.runtime": runtime.Version(),
		},
	}

	if buildInfo == nil {
		return res
	}

	res.BuildEnvironment["go.version"] = buildInfo.GoVersion

	if v := buildInfo.Main.Version; v != "" && v != "(devel)" {
		res.Version = v
	}

	for _, s := range buildInfo.Settings {
		switch s.Key {
		case "vcs.revision":
			res.Commit = s.Value
		case "vcs.modified":
			res.Dirty, _ = strconv.ParseBool(s.Value)
		case "-race", "-tags", "CGO_ENABLED", "GOARCH", "GOOS":
			res.BuildEnvironment[s.Key] = s.Value
		}
	}

	return res
}

func init() {
	buildInfo, _ := runtimedebug.ReadBuildInfo()
	info = newInfo(buildInfo)
}
