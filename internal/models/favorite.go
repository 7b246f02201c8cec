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
	"fmt"
	"time"

	"github.com/chefmind/recipestore/internal/storage"
	"github.com/chefmind/recipestore/internal/storage/cache"
	"github.com/chefmind/recipestore/internal/storage/dal"
	"github.com/chefmind/recipestore/internal/storage/dberr"
	"github.com/chefmind/recipestore/internal/storage/schema"
	"github.com/chefmind/recipestore/internal/storage/txn"
	"github.com/chefmind/recipestore/internal/util/fsql"
)

// Favorite represents a recipe favorited by a session.
type Favorite struct {
	CreatedAt   time.Time `json:"created_at"`
	SessionID   string    `json:"session_id"`
	RecipeTitle string    `json:"recipe_title"`
	RecipeImage string    `json:"recipe_image"`
	ID          int64     `json:"id"`
	RecipeID    int64     `json:"recipe_id"`
}

// FavoriteKey identifies a favorite.
type FavoriteKey struct {
	SessionID string
	RecipeID  int64
}

// where returns the predicate matching the favorite.
func (k FavoriteKey) where() map[string]dal.Value {
	return map[string]dal.Value{
		"session_id": dal.String(k.SessionID),
		"recipe_id":  dal.Int(k.RecipeID),
	}
}

// page represents a page of a session's favorites.
type page struct {
	SessionID string
	Limit     int
	Offset    int
}

// Favorites provides access to favorites.
type Favorites struct {
	s *storage.Storage

	add    func(context.Context, FavoriteKey) (*Favorite, error)
	remove func(context.Context, FavoriteKey) (bool, error)

	listByUser    func(context.Context, page) ([]*Favorite, error)
	countByUser   func(context.Context, string) (int64, error)
	countByRecipe func(context.Context, int64) (int64, error)
}

// newFavorites creates Favorites.
func newFavorites(s *storage.Storage) *Favorites {
	f := &Favorites{s: s}
	c := s.Cache()

	evicted := []string{prefixUserFavorites, prefixUserFavoritesCount, prefixRecipeFavoriteCount, prefixRecipe}

	f.add = cache.Evicting(c, f.doAdd, evicted...)
	f.remove = cache.Evicting(c, f.doRemove, evicted...)

	f.listByUser = cache.Cacheable(c, prefixUserFavorites, favoriteTTL, func(p page) string {
		return fmt.Sprintf("%s:%d:%d", p.SessionID, p.Limit, p.Offset)
	}, f.fetchByUser)

	f.countByUser = cache.Cacheable(c, prefixUserFavoritesCount, favoriteTTL, nil, func(ctx context.Context, session string) (int64, error) {
		return s.DAL().Count(ctx, schema.Favorites.Name, &dal.Query{
			Where: map[string]dal.Value{"session_id": dal.String(session)},
		})
	})

	f.countByRecipe = cache.Cacheable(c, prefixRecipeFavoriteCount, favoriteTTL, nil, func(ctx context.Context, id int64) (int64, error) {
		return s.DAL().Count(ctx, schema.Favorites.Name, &dal.Query{
			Where: map[string]dal.Value{"recipe_id": dal.Int(id)},
		})
	})

	return f
}

// Add adds the recipe to the session's favorites and increments its favorite counter.
//
// It fails with ErrorCodeConstraintViolation if the recipe is already favorited,
// and with ErrorCodeInvalidArgument if it does not exist.
func (f *Favorites) Add(ctx context.Context, sessionID string, recipeID int64) (*Favorite, error) {
	return f.add(ctx, FavoriteKey{SessionID: sessionID, RecipeID: recipeID})
}

// doAdd inserts the favorite and updates the counter in one transaction.
func (f *Favorites) doAdd(ctx context.Context, k FavoriteKey) (*Favorite, error) {
	d := f.s.DAL()

	return txn.Do(ctx, f.s.Txn(), func(ctx context.Context, _ *fsql.Tx) (*Favorite, error) {
		recipe, err := d.FindByID(ctx, schema.Recipes.Name, k.RecipeID)
		if err != nil {
			return nil, err
		}

		if recipe == nil {
			return nil, dberr.NewErrorf(dberr.ErrorCodeInvalidArgument, "recipe %d does not exist", k.RecipeID)
		}

		rec, err := d.Insert(ctx, schema.Favorites.Name, dal.Record{
			"session_id":   k.SessionID,
			"recipe_id":    k.RecipeID,
			"recipe_title": recipe["title"],
			"recipe_image": recipe["image_url"],
		})
		if err != nil {
			return nil, err
		}

		_, err = d.Exec(ctx, `UPDATE recipes SET favorite_count = favorite_count + 1 WHERE id = ?`, dal.Int(k.RecipeID))
		if err != nil {
			return nil, err
		}

		return decode[Favorite](rec)
	})
}

// Remove removes the recipe from the session's favorites.
// It returns false if it was not favorited.
func (f *Favorites) Remove(ctx context.Context, sessionID string, recipeID int64) (bool, error) {
	return f.remove(ctx, FavoriteKey{SessionID: sessionID, RecipeID: recipeID})
}

// doRemove deletes the favorite and updates the counter in one transaction.
func (f *Favorites) doRemove(ctx context.Context, k FavoriteKey) (bool, error) {
	d := f.s.DAL()

	return txn.Do(ctx, f.s.Txn(), func(ctx context.Context, _ *fsql.Tx) (bool, error) {
		rec, err := d.FindOne(ctx, schema.Favorites.Name, &dal.Query{Where: k.where()})
		if err != nil || rec == nil {
			return false, err
		}

		if _, err = d.Delete(ctx, schema.Favorites.Name, rec.ID()); err != nil {
			return false, err
		}

		_, err = d.Exec(
			ctx,
			`UPDATE recipes SET favorite_count = max(favorite_count - 1, 0) WHERE id = ?`,
			dal.Int(k.RecipeID),
		)
		if err != nil {
			return false, err
		}

		return true, nil
	})
}

// IsFavorited returns true if the session favorited the recipe.
func (f *Favorites) IsFavorited(ctx context.Context, sessionID string, recipeID int64) (bool, error) {
	k := FavoriteKey{SessionID: sessionID, RecipeID: recipeID}

	n, err := f.s.DAL().Count(ctx, schema.Favorites.Name, &dal.Query{Where: k.where()})
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// ListByUser returns the session's favorites, newest first.
func (f *Favorites) ListByUser(ctx context.Context, sessionID string, limit, offset int) ([]*Favorite, error) {
	return f.listByUser(ctx, page{SessionID: sessionID, Limit: limit, Offset: offset})
}

// fetchByUser reads a page of favorites from the database.
func (f *Favorites) fetchByUser(ctx context.Context, p page) ([]*Favorite, error) {
	recs, err := f.s.DAL().Find(ctx, schema.Favorites.Name, &dal.Query{
		Where:   map[string]dal.Value{"session_id": dal.String(p.SessionID)},
		OrderBy: newestFirst,
		Limit:   p.Limit,
		Offset:  p.Offset,
	})
	if err != nil {
		return nil, err
	}

	return decodeAll[Favorite](recs)
}

// CountByUser returns the number of the session's favorites.
func (f *Favorites) CountByUser(ctx context.Context, sessionID string) (int64, error) {
	return f.countByUser(ctx, sessionID)
}

// CountByRecipe returns the number of sessions that favorited the recipe.
func (f *Favorites) CountByRecipe(ctx context.Context, recipeID int64) (int64, error) {
	return f.countByRecipe(ctx, recipeID)
}
