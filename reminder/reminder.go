// Package reminder derives reminder schedules from event start times and
// fires due reminders to the event's joined users at most once.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"campaign-notifier/pkg/notifier"
	"campaign-notifier/push"
)

// JobName identifies reminder runs in error records.
const JobName = "reminders"

// LeadTime is an offset before event start at which a reminder fires.
type LeadTime struct {
	Label  string
	Offset time.Duration
	Phrase string
}

// LeadTimes is the fixed, ordered list of reminder offsets.
var LeadTimes = []LeadTime{
	{Label: "24h", Offset: 24 * time.Hour, Phrase: "starts in 24 hours"},
	{Label: "1h", Offset: time.Hour, Phrase: "starts in 1 hour"},
	{Label: "30m", Offset: 30 * time.Minute, Phrase: "starts in 30 minutes"},
	{Label: "10m", Offset: 10 * time.Minute, Phrase: "starts in 10 minutes"},
}

const (
	// Window is the half-width of the firing window around now.
	Window = 5 * time.Minute
	// Retention is how long markers and schedules are kept.
	Retention = 7 * 24 * time.Hour
	// CleanupChance is the probability that a firing run also sweeps old records.
	CleanupChance = 0.05
)

// Store is what the scheduler reads and writes.
type Store interface {
	Event(ctx context.Context, id string) (*notifier.Event, error)
	User(ctx context.Context, id string) (*notifier.User, error)
	SaveSchedule(ctx context.Context, r *notifier.ReminderSchedule) error
	DeleteSchedule(ctx context.Context, id string) error
	SchedulesForEvent(ctx context.Context, eventID string) ([]*notifier.ReminderSchedule, error)
	DueSchedules(ctx context.Context, from, to time.Time) ([]*notifier.ReminderSchedule, error)
	SchedulesBefore(ctx context.Context, cutoff time.Time) ([]*notifier.ReminderSchedule, error)
	MarkScheduleSent(ctx context.Context, id string) error
	HasSentMarker(ctx context.Context, scheduleID string) (bool, error)
	ClaimSentMarker(ctx context.Context, m *notifier.ReminderSentMarker) (bool, error)
	RecordRecipients(ctx context.Context, scheduleID string, n int) error
	MarkersBefore(ctx context.Context, cutoff time.Time) ([]*notifier.ReminderSentMarker, error)
	DeleteMarker(ctx context.Context, id string) error
	AddError(ctx context.Context, rec *notifier.NotificationError) error
}

// Scheduler schedules and fires event reminders.
type Scheduler struct {
	store      Store
	batcher    *push.Batcher
	logger     *slog.Logger
	isNotFound func(error) bool
	now        func() time.Time
	chance     func() float64
}

// New creates a scheduler. isNotFound classifies store errors for missing documents.
func New(store Store, batcher *push.Batcher, isNotFound func(error) bool, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:      store,
		batcher:    batcher,
		logger:     logger,
		isNotFound: isNotFound,
		now:        time.Now,
		chance:     rand.Float64,
	}
}

// ScheduleID is the id of the schedule for one lead time of one event start.
func ScheduleID(eventID, label string, start time.Time) string {
	return fmt.Sprintf("%s_%s_%d", eventID, label, start.Unix())
}

// OnEventWrite reacts to an event document write. before is nil on creation
// and after is nil on deletion.
func (s *Scheduler) OnEventWrite(ctx context.Context, before, after *notifier.Event) error {
	switch {
	case after == nil && before == nil:
		return nil
	case after == nil:
		n, err := s.clear(ctx, before.ID, true)
		if err != nil {
			return err
		}
		s.logger.Info("Removed reminders for deleted event", "event_id", before.ID, "count", n)
		return nil
	case before == nil:
		_, err := s.Schedule(ctx, after)
		return err
	case before.StartAt.Unix() == after.StartAt.Unix():
		return nil
	}

	n, err := s.clear(ctx, after.ID, false)
	if err != nil {
		return err
	}
	created, err := s.Schedule(ctx, after)
	if err != nil {
		return err
	}
	s.logger.Info("Rescheduled reminders after time change",
		"event_id", after.ID,
		"old_start", before.StartAt,
		"new_start", after.StartAt,
		"removed", n,
		"created", created)

	s.notifyTimeChange(ctx, after)
	return nil
}

// Schedule persists one schedule per lead time whose fire time is still in
// the future and returns how many were written.
func (s *Scheduler) Schedule(ctx context.Context, e *notifier.Event) (int, error) {
	if e.ID == "" || e.StartAt.IsZero() {
		return 0, fmt.Errorf("schedule reminders: event id and start are required: %w", notifier.ErrInvalidRequest)
	}
	now := s.now()
	n := 0
	for _, lt := range LeadTimes {
		fireAt := e.StartAt.Add(-lt.Offset)
		if !fireAt.After(now) {
			continue
		}
		r := &notifier.ReminderSchedule{
			ID:            ScheduleID(e.ID, lt.Label, e.StartAt),
			EventID:       e.ID,
			EventTitle:    e.Title,
			EventStartAt:  e.StartAt.UTC(),
			LeadTimeLabel: lt.Label,
			FireAt:        fireAt.UTC(),
			Status:        notifier.ReminderScheduled,
		}
		if err := s.store.SaveSchedule(ctx, r); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// clear deletes an event's schedules. Sent schedules are kept unless all is set.
func (s *Scheduler) clear(ctx context.Context, eventID string, all bool) (int, error) {
	existing, err := s.store.SchedulesForEvent(ctx, eventID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range existing {
		if !all && r.Status == notifier.ReminderSent {
			continue
		}
		if err := s.store.DeleteSchedule(ctx, r.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Scheduler) notifyTimeChange(ctx context.Context, e *notifier.Event) {
	body := "The event time changed to " + e.StartAt.UTC().Format("Mon Jan 2, 15:04 MST")
	msgs := s.messages(ctx, e, body, map[string]any{"type": "event_time_changed", "eventId": e.ID})
	if len(msgs) == 0 {
		return
	}
	res := s.batcher.Send(ctx, msgs, nil)
	s.logger.Info("Sent event time change notice", "event_id", e.ID, "sent", res.Sent, "failed", res.Failed)
}

// messages builds one push per joined user with a push destination.
func (s *Scheduler) messages(ctx context.Context, e *notifier.Event, body string, data map[string]any) []push.Message {
	var out []push.Message
	for _, id := range e.JoinedUsers {
		u, err := s.store.User(ctx, id)
		if err != nil {
			if !s.isNotFound(err) {
				s.logger.Warn("Failed to load joined user", "event_id", e.ID, "user_id", id, "error", err)
			}
			continue
		}
		if !u.HasPushDestination() {
			continue
		}
		out = append(out, push.Message{
			To:       u.PushToken,
			Title:    e.Title,
			Body:     body,
			Data:     data,
			Sound:    "default",
			Priority: "high",
		})
	}
	return out
}

// Report summarises one firing run.
type Report struct {
	Due        int
	Fired      int
	Skipped    int
	Failed     int
	Recipients int
}

// FireDue sends every still-scheduled reminder whose fire time lies within
// Window of now. Per-schedule failures are recorded and do not stop the run.
func (s *Scheduler) FireDue(ctx context.Context) (Report, error) {
	now := s.now()
	due, err := s.store.DueSchedules(ctx, now.Add(-Window), now.Add(Window))
	if err != nil {
		return Report{}, err
	}

	rep := Report{Due: len(due)}
	for _, r := range due {
		if ctx.Err() != nil {
			// unclaimed schedules stay pending for the next pass
			s.logger.Warn("Reminder run interrupted", "remaining", rep.Due-rep.Fired-rep.Skipped-rep.Failed, "error", ctx.Err())
			break
		}
		fired, n, err := s.fire(ctx, r)
		switch {
		case err != nil:
			rep.Failed++
			s.logger.Error("Failed to fire reminder", "schedule_id", r.ID, "event_id", r.EventID, "error", err)
			if rerr := s.store.AddError(ctx, &notifier.NotificationError{
				Job:       JobName,
				SurfaceID: r.EventID,
				Error:     err.Error(),
			}); rerr != nil {
				s.logger.Error("Failed to record reminder error", "error", rerr)
			}
		case fired:
			rep.Fired++
			rep.Recipients += n
		default:
			rep.Skipped++
		}
	}

	if s.chance() < CleanupChance {
		if err := s.Cleanup(ctx); err != nil {
			s.logger.Warn("Reminder cleanup failed", "error", err)
		}
	}

	s.logger.Info("Reminder run completed",
		"due", rep.Due,
		"fired", rep.Fired,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
		"recipients", rep.Recipients)
	return rep, nil
}

func (s *Scheduler) fire(ctx context.Context, r *notifier.ReminderSchedule) (bool, int, error) {
	e, err := s.store.Event(ctx, r.EventID)
	if err != nil {
		if s.isNotFound(err) {
			s.logger.Info("Skipping reminder for missing event", "schedule_id", r.ID, "event_id", r.EventID)
			return false, 0, nil
		}
		return false, 0, err
	}
	if len(e.JoinedUsers) == 0 {
		s.logger.Info("Skipping reminder without registrants", "schedule_id", r.ID, "event_id", r.EventID)
		return false, 0, nil
	}

	sent, err := s.store.HasSentMarker(ctx, r.ID)
	if err != nil {
		return false, 0, err
	}
	if sent {
		return false, 0, nil
	}

	lt := leadTime(r.LeadTimeLabel)
	msgs := s.messages(ctx, e, orPhrase(lt.Phrase), map[string]any{
		"type":     "event_reminder",
		"eventId":  e.ID,
		"leadTime": r.LeadTimeLabel,
	})

	claimed, err := s.store.ClaimSentMarker(ctx, &notifier.ReminderSentMarker{ScheduleID: r.ID, EventID: r.EventID})
	if err != nil {
		return false, 0, err
	}
	if !claimed {
		return false, 0, nil
	}

	// A claimed marker means this is the only delivery attempt; finish it.
	ctx = context.WithoutCancel(ctx)
	res := s.batcher.Send(ctx, msgs, nil)
	if err := s.store.RecordRecipients(ctx, r.ID, res.Sent); err != nil {
		s.logger.Warn("Failed to record reminder recipients", "schedule_id", r.ID, "error", err)
	}
	if err := s.store.MarkScheduleSent(ctx, r.ID); err != nil {
		return true, res.Sent, fmt.Errorf("mark schedule sent: %w", err)
	}
	s.logger.Info("Reminder sent",
		"schedule_id", r.ID,
		"event_id", r.EventID,
		"lead_time", r.LeadTimeLabel,
		"sent", res.Sent,
		"failed", res.Failed)
	return true, res.Sent, nil
}

func leadTime(label string) LeadTime {
	for _, lt := range LeadTimes {
		if lt.Label == label {
			return lt
		}
	}
	return LeadTime{Label: label}
}

func orPhrase(p string) string {
	if p == "" {
		return "starts soon"
	}
	return p
}

// Cleanup removes sent markers and schedules older than Retention.
func (s *Scheduler) Cleanup(ctx context.Context) error {
	cutoff := s.now().Add(-Retention)

	markers, err := s.store.MarkersBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, m := range markers {
		if err := s.store.DeleteMarker(ctx, m.ID); err != nil {
			return err
		}
	}

	schedules, err := s.store.SchedulesBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, r := range schedules {
		if err := s.store.DeleteSchedule(ctx, r.ID); err != nil {
			return err
		}
	}

	s.logger.Info("Reminder cleanup completed", "markers", len(markers), "schedules", len(schedules))
	return nil
}
