package storage

import (
	"context"
	"fmt"
	"time"

	"campaign-notifier/docstore"
	"campaign-notifier/pkg/notifier"
)

func normaliseUser(id string, u *notifier.User) error {
	if id == "" {
		return invalid(Users, id, "missing id")
	}
	u.ID = id
	if u.LastRead == nil {
		u.LastRead = make(map[string]time.Time)
	}
	u.BlockedUsers = orEmpty(u.BlockedUsers)
	return nil
}

// User loads a user by id.
func (s *Store) User(ctx context.Context, id string) (*notifier.User, error) {
	var u notifier.User
	if err := s.db.Get(ctx, Users, id, &u); err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	if err := normaliseUser(id, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// SaveUser writes a whole user document.
func (s *Store) SaveUser(ctx context.Context, u *notifier.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}
	if err := s.db.Set(ctx, Users, u.ID, u); err != nil {
		return fmt.Errorf("save user %s: %w", u.ID, err)
	}
	return nil
}

// DeleteUser removes a user document.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	if err := s.db.Delete(ctx, Users, id); err != nil {
		return fmt.Errorf("delete user %s: %w", id, err)
	}
	return nil
}

// Users lists every user.
func (s *Store) Users(ctx context.Context) ([]*notifier.User, error) {
	snaps, err := s.db.Query(ctx, Users, docstore.Query{})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return decodeAll(s, Users, snaps, normaliseUser), nil
}

// UsersWithPushToken lists users that registered a push destination.
func (s *Store) UsersWithPushToken(ctx context.Context) ([]*notifier.User, error) {
	snaps, err := s.db.Query(ctx, Users, docstore.Query{
		Filters: []docstore.Filter{docstore.Where("pushToken", docstore.OpGT, "")},
	})
	if err != nil {
		return nil, fmt.Errorf("list users with push token: %w", err)
	}
	users := decodeAll(s, Users, snaps, normaliseUser)
	out := users[:0]
	for _, u := range users {
		if u.HasPushDestination() {
			out = append(out, u)
		}
	}
	return out, nil
}

// MarkRead records that the user has read a surface up to the store's current time.
// Only the reading user writes their own lastRead map.
func (s *Store) MarkRead(ctx context.Context, userID string, key notifier.UnreadKey) error {
	if _, _, ok := notifier.ParseUnreadKey(key); !ok {
		return fmt.Errorf("mark read %q: %w", key, notifier.ErrInvalidRequest)
	}
	if err := s.db.Update(ctx, Users, userID, docstore.ServerTimestamp("lastRead."+string(key))); err != nil {
		return fmt.Errorf("mark read %s for %s: %w", key, userID, err)
	}
	return nil
}

// ForgetSurface removes a surface from the user's lastRead map.
func (s *Store) ForgetSurface(ctx context.Context, userID string, key notifier.UnreadKey) error {
	err := s.db.Update(ctx, Users, userID, docstore.DeleteField("lastRead."+string(key)))
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("forget %s for %s: %w", key, userID, err)
	}
	return nil
}

// SetPushToken registers or clears the user's push destination.
func (s *Store) SetPushToken(ctx context.Context, userID, token string) error {
	update := docstore.Set("pushToken", token)
	if token == "" {
		update = docstore.DeleteField("pushToken")
	}
	if err := s.db.Update(ctx, Users, userID, update); err != nil {
		return fmt.Errorf("set push token for %s: %w", userID, err)
	}
	return nil
}

// MarkDeleted queues an account for purge.
func (s *Store) MarkDeleted(ctx context.Context, userID string) error {
	rec := notifier.DeletedUser{UserID: userID, DeletedAt: s.now().UTC()}
	if err := s.db.Set(ctx, DeletedUsers, userID, rec); err != nil {
		return fmt.Errorf("mark %s deleted: %w", userID, err)
	}
	return nil
}

func normaliseDeletedUser(id string, d *notifier.DeletedUser) error {
	d.ID = id
	if d.UserID == "" {
		d.UserID = id
	}
	if d.DeletedAt.IsZero() {
		return invalid(DeletedUsers, id, "missing deletedAt")
	}
	return nil
}

// DeletedBefore lists purge records older than cutoff.
func (s *Store) DeletedBefore(ctx context.Context, cutoff time.Time) ([]*notifier.DeletedUser, error) {
	snaps, err := s.db.Query(ctx, DeletedUsers, docstore.Query{
		Filters: []docstore.Filter{docstore.Where("deletedAt", docstore.OpLTE, cutoff)},
	})
	if err != nil {
		return nil, fmt.Errorf("list deleted users: %w", err)
	}
	return decodeAll(s, DeletedUsers, snaps, normaliseDeletedUser), nil
}

// ClearDeleted removes a purge record.
func (s *Store) ClearDeleted(ctx context.Context, id string) error {
	if err := s.db.Delete(ctx, DeletedUsers, id); err != nil {
		return fmt.Errorf("clear deleted record %s: %w", id, err)
	}
	return nil
}
