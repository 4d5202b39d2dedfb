// Package storage handles persistence of users, chat surfaces, events and
// notification bookkeeping on top of a document store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"campaign-notifier/docstore"
	"campaign-notifier/pkg/notifier"
)

// Collection names.
const (
	Users                 = "users"
	Campaigns             = "campaigns"
	SubChats              = "subChats"
	GlobalChat            = "globalChat"
	MessageReports        = "messageReports"
	Events                = "events"
	NotificationProgress  = "notificationProgress"
	NotificationAnalytics = "notificationAnalytics"
	NotificationErrors    = "notificationErrors"
	ReminderSchedules     = "reminderSchedules"
	ReminderSentMarkers   = "reminderSentMarkers"
	DeletedUsers          = "deletedUsers"
)

// ErrInvalidDocument is returned when a stored document lacks required fields.
var ErrInvalidDocument = errors.New("invalid document")

// Store is the typed repository over a document store.
type Store struct {
	db     docstore.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new repository.
func New(db docstore.Store, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger, now: time.Now}
}

// DB exposes the underlying document store, for watches.
func (s *Store) DB() docstore.Store {
	return s.db
}

// IsNotFound checks if an error indicates a missing document.
func IsNotFound(err error) bool {
	return docstore.IsNotFound(err)
}

// MessagesCollection returns the collection holding a surface's messages.
func MessagesCollection(surface notifier.Surface) string {
	switch surface.Kind {
	case notifier.SurfaceSubChat:
		return SubChats + "/" + surface.ID + "/messages"
	case notifier.SurfaceCampaign:
		return Campaigns + "/" + surface.ID + "/chat"
	default:
		return GlobalChat
	}
}

func invalid(collection, id, reason string) error {
	return fmt.Errorf("%s/%s: %s: %w", collection, id, reason, ErrInvalidDocument)
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// decodeAll decodes snapshots into T, skipping documents that fail to decode
// or normalise.
func decodeAll[T any](s *Store, collection string, snaps []docstore.Snapshot, normalise func(id string, v *T) error) []*T {
	out := make([]*T, 0, len(snaps))
	for _, snap := range snaps {
		v := new(T)
		if err := snap.DataTo(v); err != nil {
			s.logger.Warn("Skipping undecodable document", "collection", collection, "id", snap.ID, "error", err)
			continue
		}
		if err := normalise(snap.ID, v); err != nil {
			s.logger.Warn("Skipping invalid document", "collection", collection, "id", snap.ID, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out
}

func (s *Store) logError(ctx context.Context, rec *notifier.NotificationError) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	id, err := s.db.Add(ctx, NotificationErrors, rec)
	if err != nil {
		return fmt.Errorf("add error record: %w", err)
	}
	rec.ID = id
	return nil
}

// AddError persists an error record with job context.
func (s *Store) AddError(ctx context.Context, rec *notifier.NotificationError) error {
	return s.logError(ctx, rec)
}
