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

package cache

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
)

// Separator separates key segments.
const Separator = ":"

// maxArgsLen is the length of the serialized arguments above which they are hashed.
const maxArgsLen = 128

// Key returns the cache key for the given prefix and arguments.
//
// It is a pure function: equal prefixes and arguments always produce equal keys.
// Without arguments, the key is the prefix itself.
// Long argument lists are replaced by their hash, so the prefix is always preserved.
func Key(prefix string, args ...any) string {
	if len(args) == 0 {
		return prefix
	}

	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = serialize(arg)
	}

	s := strings.Join(parts, Separator)
	if len(s) > maxArgsLen {
		s = "#" + strconv.FormatUint(xxhash.Sum64String(s), 16)
	}

	return prefix + Separator + s
}

// serialize returns a deterministic representation of a key argument.
func serialize(arg any) string {
	switch arg := arg.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(arg)
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(arg)
	case fmt.Stringer:
		return arg.String()
	}

	// maps are encoded with sorted keys
	b, err := json.Marshal(arg)
	if err != nil {
		return fmt.Sprintf("%#v", arg)
	}

	return string(b)
}
