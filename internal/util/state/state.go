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

// Package state stores recipestore process state.
package state

import (
	"time"

	"github.com/google/uuid"

	"github.com/chefmind/recipestore/internal/util/must"
)

// State represents recipestore process state.
//
// It is persisted between process restarts.
type State struct {
	UUID string `json:"uuid"`

	// EngineVersion is the SQLite library version reported by the first opened connection.
	EngineVersion string `json:"engineVersion,omitempty"`

	// LastBackup is set after a successful online backup.
	LastBackup *time.Time `json:"lastBackup,omitempty"`

	// Start is the process start time; it is not persisted.
	Start time.Time `json:"-"`
}

// fill replaces all unset or invalid values with default.
func (s *State) fill() {
	if _, err := uuid.Parse(s.UUID); err != nil {
		s.UUID = must.NotFail(uuid.NewRandom()).String()
	}

	if s.Start.IsZero() {
		s.Start = time.Now()
	}
}

// deepCopy returns a deep copy.
func (s *State) deepCopy() *State {
	res := *s

	if s.LastBackup != nil {
		t := *s.LastBackup
		res.LastBackup = &t
	}

	return &res
}
