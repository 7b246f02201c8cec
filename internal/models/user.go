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
	"github.com/chefmind/recipestore/internal/storage/txn"
	"github.com/chefmind/recipestore/internal/util/fsql"
)

// User represents an anonymous session.
type User struct {
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Preferences map[string]any `json:"preferences"`
	SessionID   string         `json:"session_id"`
	ID          int64          `json:"id"`
}

// preferencesUpdate represents a change of user preferences.
type preferencesUpdate struct {
	preferences map[string]any
	sessionID   string
}

// Users provides access to users.
type Users struct {
	s *storage.Storage

	getBySession      func(context.Context, string) (*User, error)
	updatePreferences func(context.Context, preferencesUpdate) (*User, error)
	delete            func(context.Context, string) (bool, error)
}

// newUsers creates Users.
func newUsers(s *storage.Storage) *Users {
	u := &Users{s: s}
	c := s.Cache()

	u.getBySession = cache.Cacheable(c, prefixUser, userTTL, nil, u.fetch)
	u.updatePreferences = cache.Evicting(c, u.doUpdatePreferences, prefixUser)
	u.delete = cache.Evicting(c, u.doDelete,
		prefixUser, prefixUserFavorites, prefixUserFavoritesCount, prefixRecipeFavoriteCount, prefixRecipe,
	)

	return u
}

// bySession returns a query matching the session.
func bySession(sessionID string) *dal.Query {
	return &dal.Query{Where: map[string]dal.Value{"session_id": dal.String(sessionID)}}
}

// GetOrCreate returns the user for the session, creating it with empty preferences if needed.
func (u *Users) GetOrCreate(ctx context.Context, sessionID string) (*User, error) {
	d := u.s.DAL()

	user, err := txn.Do(ctx, u.s.Txn(), func(ctx context.Context, _ *fsql.Tx) (*User, error) {
		rec, err := d.FindOne(ctx, schema.Users.Name, bySession(sessionID))
		if err != nil {
			return nil, err
		}

		if rec == nil {
			rec, err = d.Insert(ctx, schema.Users.Name, dal.Record{
				"session_id":  sessionID,
				"preferences": map[string]any{},
			})
			if err != nil {
				return nil, err
			}
		}

		return decode[User](rec)
	})
	if err != nil {
		return nil, err
	}

	u.s.Cache().Evict(ctx, cache.Key(prefixUser, sessionID))

	return user, nil
}

// GetBySession returns the user for the session, or nil if it does not exist.
//
// The result may be shared with other callers and must not be modified.
func (u *Users) GetBySession(ctx context.Context, sessionID string) (*User, error) {
	return u.getBySession(ctx, sessionID)
}

// fetch reads the user from the database.
func (u *Users) fetch(ctx context.Context, sessionID string) (*User, error) {
	rec, err := u.s.DAL().FindOne(ctx, schema.Users.Name, bySession(sessionID))
	if err != nil {
		return nil, err
	}

	return decode[User](rec)
}

// UpdatePreferences replaces preferences of the session's user.
// It returns nil if the user does not exist.
func (u *Users) UpdatePreferences(ctx context.Context, sessionID string, preferences map[string]any) (*User, error) {
	if preferences == nil {
		preferences = map[string]any{}
	}

	return u.updatePreferences(ctx, preferencesUpdate{sessionID: sessionID, preferences: preferences})
}

func (u *Users) doUpdatePreferences(ctx context.Context, up preferencesUpdate) (*User, error) {
	d := u.s.DAL()

	return txn.Do(ctx, u.s.Txn(), func(ctx context.Context, _ *fsql.Tx) (*User, error) {
		rec, err := d.FindOne(ctx, schema.Users.Name, bySession(up.sessionID))
		if err != nil || rec == nil {
			return nil, err
		}

		rec, err = d.Update(ctx, schema.Users.Name, rec.ID(), dal.Record{"preferences": up.preferences})
		if err != nil {
			return nil, err
		}

		return decode[User](rec)
	})
}

// Delete deletes the session's user and favorites.
// It returns false if the user does not exist.
func (u *Users) Delete(ctx context.Context, sessionID string) (bool, error) {
	return u.delete(ctx, sessionID)
}

func (u *Users) doDelete(ctx context.Context, sessionID string) (bool, error) {
	d := u.s.DAL()

	return txn.Do(ctx, u.s.Txn(), func(ctx context.Context, _ *fsql.Tx) (bool, error) {
		rec, err := d.FindOne(ctx, schema.Users.Name, bySession(sessionID))
		if err != nil || rec == nil {
			return false, err
		}

		// favorites reference recipes, not users
		_, err = d.Exec(
			ctx,
			`UPDATE recipes SET favorite_count = max(favorite_count - 1, 0) `+
				`WHERE id IN (SELECT recipe_id FROM favorites WHERE session_id = ?)`,
			dal.String(sessionID),
		)
		if err != nil {
			return false, err
		}

		if _, err = d.Exec(ctx, `DELETE FROM favorites WHERE session_id = ?`, dal.String(sessionID)); err != nil {
			return false, err
		}

		return d.Delete(ctx, schema.Users.Name, rec.ID())
	})
}
