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

// Package schema describes persisted tables and creates them.
package schema

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/chefmind/recipestore/internal/util/fsql"
	"github.com/chefmind/recipestore/internal/util/lazyerrors"
)

// Version is the current schema version stored in the database header.
const Version = 1

// identifierRe matches valid unquoted SQL identifiers.
var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier returns true if s is a valid table or column name.
func ValidIdentifier(s string) bool {
	return len(s) <= 64 && identifierRe.MatchString(s)
}

// Quote returns quoted identifier. It must be valid.
func Quote(s string) string {
	return `"` + s + `"`
}

// Table describes a persisted table.
type Table struct {
	Name string

	// Columns lists all columns; the first one is the integer primary key "id".
	Columns []string

	// JSONColumns lists columns storing composite values as JSON text.
	JSONColumns []string

	// HasUpdatedAt is true if updates must set updated_at.
	HasUpdatedAt bool

	create  string
	indexes []string
}

// HasColumn returns true if the table has the given column.
func (t *Table) HasColumn(column string) bool {
	return slices.Contains(t.Columns, column)
}

// IsJSON returns true if the given column stores JSON text.
func (t *Table) IsJSON(column string) bool {
	return slices.Contains(t.JSONColumns, column)
}

// Users stores anonymous sessions and their preferences.
var Users = &Table{
	Name:         "users",
	Columns:      []string{"id", "session_id", "preferences", "created_at", "updated_at"},
	JSONColumns:  []string{"preferences"},
	HasUpdatedAt: true,
	create: `CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL UNIQUE,
		preferences TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
}

// Recipes stores recipes.
var Recipes = &Table{
	Name: "recipes",
	Columns: []string{
		"id", "title", "description", "ingredients", "instructions",
		"cooking_time", "difficulty", "servings", "category", "tags", "nutrition_info", "image_url",
		"view_count", "favorite_count", "rating_count", "average_rating",
		"created_at", "updated_at",
	},
	JSONColumns:  []string{"ingredients", "instructions", "tags", "nutrition_info"},
	HasUpdatedAt: true,
	create: `CREATE TABLE IF NOT EXISTS recipes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		description TEXT,
		ingredients TEXT NOT NULL DEFAULT '[]',
		instructions TEXT NOT NULL DEFAULT '[]',
		cooking_time INTEGER,
		difficulty TEXT,
		servings INTEGER,
		category TEXT,
		tags TEXT NOT NULL DEFAULT '[]',
		nutrition_info TEXT,
		image_url TEXT,
		view_count INTEGER NOT NULL DEFAULT 0,
		favorite_count INTEGER NOT NULL DEFAULT 0,
		rating_count INTEGER NOT NULL DEFAULT 0,
		average_rating REAL NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	indexes: []string{
		`CREATE INDEX IF NOT EXISTS idx_recipes_category ON recipes (category)`,
		`CREATE INDEX IF NOT EXISTS idx_recipes_created_at ON recipes (created_at)`,
	},
}

// Favorites stores recipes favorited by sessions.
var Favorites = &Table{
	Name:    "favorites",
	Columns: []string{"id", "session_id", "recipe_id", "recipe_title", "recipe_image", "created_at"},
	create: `CREATE TABLE IF NOT EXISTS favorites (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		recipe_id INTEGER NOT NULL REFERENCES recipes (id) ON DELETE CASCADE,
		recipe_title TEXT,
		recipe_image TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (session_id, recipe_id)
	)`,
	indexes: []string{
		`CREATE INDEX IF NOT EXISTS idx_favorites_session_id ON favorites (session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_favorites_recipe_id ON favorites (recipe_id)`,
	},
}

// registry contains all known tables by name.
var registry = map[string]*Table{
	Users.Name:     Users,
	Recipes.Name:   Recipes,
	Favorites.Name: Favorites,
}

// Lookup returns the known table with the given name.
func Lookup(name string) (*Table, bool) {
	t, ok := registry[name]
	return t, ok
}

// Tables returns all known tables sorted by name.
func Tables() []*Table {
	names := maps.Keys(registry)
	slices.Sort(names)

	res := make([]*Table, len(names))
	for i, n := range names {
		res[i] = registry[n]
	}

	return res
}

// Migrate creates all known tables and indexes if they do not exist.
//
// It should be called inside a transaction.
func Migrate(ctx context.Context, q fsql.Querier) error {
	var v int
	if err := q.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return lazyerrors.Error(err)
	}

	if v > Version {
		return lazyerrors.Errorf("database schema version %d is newer than supported version %d", v, Version)
	}

	// parents first for foreign keys
	for _, t := range []*Table{Users, Recipes, Favorites} {
		if _, err := q.ExecContext(ctx, t.create); err != nil {
			return lazyerrors.Errorf("%s: %w", t.Name, err)
		}

		for _, idx := range t.indexes {
			if _, err := q.ExecContext(ctx, idx); err != nil {
				return lazyerrors.Errorf("%s: %w", t.Name, err)
			}
		}
	}

	if _, err := q.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", Version)); err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// Describe returns table definitions as SQL text.
func Describe() string {
	var b strings.Builder

	for _, t := range []*Table{Users, Recipes, Favorites} {
		b.WriteString(t.create)
		b.WriteString(";\n")

		for _, idx := range t.indexes {
			b.WriteString(idx)
			b.WriteString(";\n")
		}
	}

	return b.String()
}
