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

// Package models provides domain models stored in the recipe database.
//
// Reads are cached; writes evict the cached entries they may affect.
package models

import (
	"time"

	"github.com/chefmind/recipestore/internal/storage"
	"github.com/chefmind/recipestore/internal/storage/dal"
	"github.com/chefmind/recipestore/internal/util/lazyerrors"
)

// Cache key prefixes.
const (
	prefixRecipe              = "recipes.get"
	prefixUserFavorites       = "favorites.getUserFavorites"
	prefixUserFavoritesCount  = "favorites.getUserFavoritesCount"
	prefixRecipeFavoriteCount = "favorites.getRecipeFavoriteCount"
	prefixUser                = "users.getBySession"
)

// Cache TTLs.
const (
	recipeTTL   = 10 * time.Minute
	favoriteTTL = 5 * time.Minute
	userTTL     = 5 * time.Minute
)

// Models provides access to all models.
type Models struct {
	Recipes   *Recipes
	Favorites *Favorites
	Users     *Users
}

// New creates models backed by the given storage.
func New(s *storage.Storage) *Models {
	return &Models{
		Recipes:   newRecipes(s),
		Favorites: newFavorites(s),
		Users:     newUsers(s),
	}
}

// decode converts a record to a model, or returns nil for nil record.
func decode[T any](rec dal.Record) (*T, error) {
	if rec == nil {
		return nil, nil
	}

	res := new(T)
	if err := rec.Decode(res); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return res, nil
}

// decodeAll converts records to models.
func decodeAll[T any](recs []dal.Record) ([]*T, error) {
	res := make([]*T, len(recs))

	for i, rec := range recs {
		m, err := decode[T](rec)
		if err != nil {
			return nil, err
		}

		res[i] = m
	}

	return res, nil
}
