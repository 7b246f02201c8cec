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

// Package version provides information about recipestore version and build configuration.
//
// Values are taken from the Go build information embedded into the binary:
// the main module version, and VCS settings when the binary was built from a repository checkout.
package version

import (
	"runtime"
	runtimedebug "runtime/debug"
	"strconv"
)

// unknown is a placeholder for unknown version, commit, and branch values.
const unknown = "unknown"

// Info provides details about the current build.
type Info struct {
	Version          string
	Commit           string
	Dirty            bool
	DebugBuild       bool
	BuildEnvironment map[string]string
}

// info singleton instance set by init().
var info *Info

// Get returns current build's info.
//
// It returns a shared instance without any synchronization.
// If caller needs to modify the instance, it should make sure there is no concurrent accesses.
func Get() *Info {
	return info
}

func init() {
	info = &Info{
		Version: unknown,
		Commit:  unknown,
		BuildEnvironment: map[string]string{
			"go.runtime": runtime.Version(),
		},
	}

	buildInfo, ok := runtimedebug.ReadBuildInfo()
	if !ok {
		return
	}

	if v := buildInfo.Main.Version; v != "" && v != "(devel)" {
		info.Version = v
	}

	info.BuildEnvironment["go.version"] = buildInfo.GoVersion

	for _, s := range buildInfo.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Commit = s.Value

		case "vcs.modified":
			info.Dirty, _ = strconv.ParseBool(s.Value)

		case "-race":
			if race, _ := strconv.ParseBool(s.Value); race {
				info.DebugBuild = true
			}
		}

		if s.Value != "" {
			info.BuildEnvironment[s.Key] = s.Value
		}
	}
}
