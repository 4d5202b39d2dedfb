package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"campaign-notifier/docstore"
	"campaign-notifier/pkg/notifier"
)

// CreateProgress stores a new fan-out progress record and sets its id.
func (s *Store) CreateProgress(ctx context.Context, p *notifier.NotificationProgress) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	p.FailedDestinations = orEmpty(p.FailedDestinations)
	id, err := s.db.Add(ctx, NotificationProgress, p)
	if err != nil {
		return fmt.Errorf("create progress: %w", err)
	}
	p.ID = id
	return nil
}

// UpdateProgress writes running counters. Completion also stamps status and completedAt.
func (s *Store) UpdateProgress(ctx context.Context, p *notifier.NotificationProgress) error {
	updates := []docstore.Update{
		docstore.Set("sentCount", p.SentCount),
		docstore.Set("failedCount", p.FailedCount),
		docstore.Set("failedDestinations", orEmpty(p.FailedDestinations)),
		docstore.Set("status", p.Status),
	}
	if p.CompletedAt != nil {
		updates = append(updates, docstore.Set("completedAt", p.CompletedAt.UTC()))
	}
	if err := s.db.Update(ctx, NotificationProgress, p.ID, updates...); err != nil {
		return fmt.Errorf("update progress %s: %w", p.ID, err)
	}
	return nil
}

// Progress loads a progress record.
func (s *Store) Progress(ctx context.Context, id string) (*notifier.NotificationProgress, error) {
	var p notifier.NotificationProgress
	if err := s.db.Get(ctx, NotificationProgress, id, &p); err != nil {
		return nil, fmt.Errorf("get progress %s: %w", id, err)
	}
	p.ID = id
	return &p, nil
}

// AddAnalytics appends an analytics summary.
func (s *Store) AddAnalytics(ctx context.Context, a *notifier.NotificationAnalytics) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	id, err := s.db.Add(ctx, NotificationAnalytics, a)
	if err != nil {
		return fmt.Errorf("add analytics: %w", err)
	}
	a.ID = id
	return nil
}

func normaliseEvent(id string, e *notifier.Event) error {
	e.ID = id
	if e.StartAt.IsZero() {
		return invalid(Events, id, "missing startAt")
	}
	e.JoinedUsers = orEmpty(e.JoinedUsers)
	return nil
}

// Event loads an event by id.
func (s *Store) Event(ctx context.Context, id string) (*notifier.Event, error) {
	var e notifier.Event
	if err := s.db.Get(ctx, Events, id, &e); err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	if err := normaliseEvent(id, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// SaveEvent writes a whole event document.
func (s *Store) SaveEvent(ctx context.Context, e *notifier.Event) error {
	if err := s.db.Set(ctx, Events, e.ID, e); err != nil {
		return fmt.Errorf("save event %s: %w", e.ID, err)
	}
	return nil
}

// DeleteEvent removes an event document.
func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	if err := s.db.Delete(ctx, Events, id); err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	return nil
}

func normaliseSchedule(id string, r *notifier.ReminderSchedule) error {
	r.ID = id
	if r.EventID == "" || r.FireAt.IsZero() {
		return invalid(ReminderSchedules, id, "missing eventId or fireAt")
	}
	return nil
}

// SaveSchedule writes a reminder schedule under its own id.
func (s *Store) SaveSchedule(ctx context.Context, r *notifier.ReminderSchedule) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	if err := s.db.Set(ctx, ReminderSchedules, r.ID, r); err != nil {
		return fmt.Errorf("save schedule %s: %w", r.ID, err)
	}
	return nil
}

// DeleteSchedule removes a reminder schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	if err := s.db.Delete(ctx, ReminderSchedules, id); err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	return nil
}

func (s *Store) schedules(ctx context.Context, filters ...docstore.Filter) ([]*notifier.ReminderSchedule, error) {
	snaps, err := s.db.Query(ctx, ReminderSchedules, docstore.Query{Filters: filters, OrderBy: "fireAt"})
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	return decodeAll(s, ReminderSchedules, snaps, normaliseSchedule), nil
}

// SchedulesForEvent lists every schedule of an event.
func (s *Store) SchedulesForEvent(ctx context.Context, eventID string) ([]*notifier.ReminderSchedule, error) {
	return s.schedules(ctx, docstore.Where("eventId", docstore.OpEq, eventID))
}

// DueSchedules lists still-scheduled reminders whose fire time is in [from, to].
func (s *Store) DueSchedules(ctx context.Context, from, to time.Time) ([]*notifier.ReminderSchedule, error) {
	return s.schedules(ctx,
		docstore.Where("status", docstore.OpEq, notifier.ReminderScheduled),
		docstore.Where("fireAt", docstore.OpGTE, from),
		docstore.Where("fireAt", docstore.OpLTE, to),
	)
}

// SchedulesBefore lists schedules whose fire time is older than cutoff.
func (s *Store) SchedulesBefore(ctx context.Context, cutoff time.Time) ([]*notifier.ReminderSchedule, error) {
	return s.schedules(ctx, docstore.Where("fireAt", docstore.OpLT, cutoff))
}

// MarkScheduleSent moves a schedule to its terminal state.
func (s *Store) MarkScheduleSent(ctx context.Context, id string) error {
	if err := s.db.Update(ctx, ReminderSchedules, id, docstore.Set("status", notifier.ReminderSent)); err != nil {
		return fmt.Errorf("mark schedule %s sent: %w", id, err)
	}
	return nil
}

// HasSentMarker reports whether a schedule was already delivered.
func (s *Store) HasSentMarker(ctx context.Context, scheduleID string) (bool, error) {
	var m notifier.ReminderSentMarker
	err := s.db.Get(ctx, ReminderSentMarkers, scheduleID, &m)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get sent marker %s: %w", scheduleID, err)
	}
	return true, nil
}

// ClaimSentMarker creates the marker for a schedule. It returns false if
// another invocation already holds it.
func (s *Store) ClaimSentMarker(ctx context.Context, m *notifier.ReminderSentMarker) (bool, error) {
	if m.SentAt.IsZero() {
		m.SentAt = s.now().UTC()
	}
	err := s.db.Create(ctx, ReminderSentMarkers, m.ScheduleID, m)
	if errors.Is(err, docstore.ErrAlreadyExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create sent marker %s: %w", m.ScheduleID, err)
	}
	m.ID = m.ScheduleID
	return true, nil
}

// RecordRecipients stores how many destinations a fired reminder reached.
func (s *Store) RecordRecipients(ctx context.Context, scheduleID string, n int) error {
	if err := s.db.Update(ctx, ReminderSentMarkers, scheduleID, docstore.Set("recipients", n)); err != nil {
		return fmt.Errorf("update sent marker %s: %w", scheduleID, err)
	}
	return nil
}

// MarkersBefore lists sent markers older than cutoff.
func (s *Store) MarkersBefore(ctx context.Context, cutoff time.Time) ([]*notifier.ReminderSentMarker, error) {
	snaps, err := s.db.Query(ctx, ReminderSentMarkers, docstore.Query{
		Filters: []docstore.Filter{docstore.Where("sentAt", docstore.OpLT, cutoff)},
	})
	if err != nil {
		return nil, fmt.Errorf("query sent markers: %w", err)
	}
	return decodeAll(s, ReminderSentMarkers, snaps, func(id string, m *notifier.ReminderSentMarker) error {
		m.ID = id
		return nil
	}), nil
}

// DeleteMarker removes a sent marker.
func (s *Store) DeleteMarker(ctx context.Context, id string) error {
	if err := s.db.Delete(ctx, ReminderSentMarkers, id); err != nil {
		return fmt.Errorf("delete sent marker %s: %w", id, err)
	}
	return nil
}
