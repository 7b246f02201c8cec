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

package models

import (
	"context"
	"time"

	"github.com/chefmind/recipestore/internal/storage"
	"github.com/chefmind/recipestore/internal/storage/cache"
	"github.com/chefmind/recipestore/internal/storage/dal"
	"github.com/chefmind/recipestore/internal/storage/schema"
)

// NutritionInfo represents nutrition facts per serving.
type NutritionInfo struct {
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
}

// Recipe represents a stored recipe.
type Recipe struct {
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	NutritionInfo *NutritionInfo `json:"nutrition_info"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Difficulty    string         `json:"difficulty"`
	Category      string         `json:"category"`
	ImageURL      string         `json:"image_url"`
	Ingredients   []string       `json:"ingredients"`
	Instructions  []string       `json:"instructions"`
	Tags          []string       `json:"tags"`
	ID            int64          `json:"id"`
	CookingTime   int64          `json:"cooking_time"`
	Servings      int64          `json:"servings"`
	ViewCount     int64          `json:"view_count"`
	FavoriteCount int64          `json:"favorite_count"`
	RatingCount   int64          `json:"rating_count"`
	AverageRating float64        `json:"average_rating"`
}

// record returns writable columns of the recipe.
func (r *Recipe) record() dal.Record {
	rec := dal.Record{
		"title":          r.Title,
		"description":    r.Description,
		"difficulty":     r.Difficulty,
		"category":       r.Category,
		"image_url":      r.ImageURL,
		"ingredients":    nonNil(r.Ingredients),
		"instructions":   nonNil(r.Instructions),
		"tags":           nonNil(r.Tags),
		"cooking_time":   r.CookingTime,
		"servings":       r.Servings,
		"rating_count":   r.RatingCount,
		"average_rating": r.AverageRating,
	}

	if r.NutritionInfo != nil {
		rec["nutrition_info"] = r.NutritionInfo
	}

	return rec
}

// nonNil returns an empty slice for nil.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}

// Recipes provides access to recipes.
type Recipes struct {
	s *storage.Storage

	get func(context.Context, int64) (*Recipe, error)
}

// newRecipes creates Recipes.
func newRecipes(s *storage.Storage) *Recipes {
	r := &Recipes{s: s}

	r.get = cache.Cacheable(s.Cache(), prefixRecipe, recipeTTL, nil, r.fetch)

	return r
}

// Create stores a new recipe and returns it.
// View and favorite counters start at zero.
func (r *Recipes) Create(ctx context.Context, recipe *Recipe) (*Recipe, error) {
	rec, err := r.s.DAL().Insert(ctx, schema.Recipes.Name, recipe.record())
	if err != nil {
		return nil, err
	}

	// a miss for this id may have been cached before
	r.s.Cache().Evict(ctx, cache.Key(prefixRecipe, rec.ID()))

	return decode[Recipe](rec)
}

// Get returns the recipe with the given id, or nil if it does not exist.
//
// The result may be shared with other callers and must not be modified.
func (r *Recipes) Get(ctx context.Context, id int64) (*Recipe, error) {
	return r.get(ctx, id)
}

// fetch reads the recipe from the database.
func (r *Recipes) fetch(ctx context.Context, id int64) (*Recipe, error) {
	rec, err := r.s.DAL().FindByID(ctx, schema.Recipes.Name, id)
	if err != nil {
		return nil, err
	}

	return decode[Recipe](rec)
}

// List returns recipes, newest first.
func (r *Recipes) List(ctx context.Context, limit, offset int) ([]*Recipe, error) {
	return r.find(ctx, &dal.Query{
		OrderBy: newestFirst,
		Limit:   limit,
		Offset:  offset,
	})
}

// Search returns recipes with titles containing the given text, newest first.
func (r *Recipes) Search(ctx context.Context, text string, limit int) ([]*Recipe, error) {
	return r.find(ctx, &dal.Query{
		Where:   map[string]dal.Value{"title": dal.String("%" + text + "%")},
		OrderBy: newestFirst,
		Limit:   limit,
	})
}

// ListByCategory returns recipes of the given category, newest first.
func (r *Recipes) ListByCategory(ctx context.Context, category string, limit int) ([]*Recipe, error) {
	return r.find(ctx, &dal.Query{
		Where:   map[string]dal.Value{"category": dal.String(category)},
		OrderBy: newestFirst,
		Limit:   limit,
	})
}

// newestFirst orders by creation time; id breaks ties within the same second.
var newestFirst = []dal.OrderBy{
	{Column: "created_at", Direction: dal.Desc},
	{Column: "id", Direction: dal.Desc},
}

// find returns recipes matching the query.
func (r *Recipes) find(ctx context.Context, q *dal.Query) ([]*Recipe, error) {
	recs, err := r.s.DAL().Find(ctx, schema.Recipes.Name, q)
	if err != nil {
		return nil, err
	}

	return decodeAll[Recipe](recs)
}

// IncrementViews increments the view counter of the recipe.
// It returns false if the recipe does not exist.
func (r *Recipes) IncrementViews(ctx context.Context, id int64) (bool, error) {
	n, err := r.s.DAL().Exec(ctx, `UPDATE recipes SET view_count = view_count + 1 WHERE id = ?`, dal.Int(id))
	if err != nil {
		return false, err
	}

	if n > 0 {
		r.s.Cache().Evict(ctx, cache.Key(prefixRecipe, id))
	}

	return n > 0, nil
}

// Delete deletes the recipe and its favorites.
func (r *Recipes) Delete(ctx context.Context, id int64) (bool, error) {
	return cache.Evicting(r.s.Cache(), r.delete,
		prefixRecipe, prefixUserFavorites, prefixUserFavoritesCount, prefixRecipeFavoriteCount,
	)(ctx, id)
}

// delete deletes the recipe; favorites are removed by the foreign key.
func (r *Recipes) delete(ctx context.Context, id int64) (bool, error) {
	return r.s.DAL().Delete(ctx, schema.Recipes.Name, id)
}
