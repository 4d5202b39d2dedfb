package storage

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"campaign-notifier/docstore"
	"campaign-notifier/pkg/notifier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := docstore.NewLocalStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return New(db, testLogger())
}

func TestMarkReadAndForget(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.SaveUser(ctx, &notifier.User{ID: "alice"}); err != nil {
		t.Fatal(err)
	}
	chat := &notifier.SubChat{ID: "x", Members: []string{"alice", "bob"}}
	if err := s.SaveSubChat(ctx, chat); err != nil {
		t.Fatal(err)
	}

	before := time.Now().Add(-time.Second)
	for _, k := range []notifier.UnreadKey{notifier.GeneralKey, notifier.SubChatKey("x")} {
		if err := s.MarkRead(ctx, "alice", k); err != nil {
			t.Fatalf("MarkRead(%s): %v", k, err)
		}
	}

	u, err := s.User(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range []notifier.UnreadKey{notifier.GeneralKey, notifier.SubChatKey("x")} {
		at, ok := u.LastReadAt(k)
		if !ok || at.Before(before) {
			t.Errorf("lastRead[%s] = %v, %v", k, at, ok)
		}
	}

	if err := s.MarkRead(ctx, "alice", "nowhere"); !errors.Is(err, notifier.ErrInvalidRequest) {
		t.Errorf("MarkRead with bad key: err = %v, want ErrInvalidRequest", err)
	}

	if err := s.RemoveSubChatMember(ctx, "x", "alice"); err != nil {
		t.Fatal(err)
	}
	u, err = s.User(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := u.LastReadAt(notifier.SubChatKey("x")); ok {
		t.Error("removed member still has a lastRead entry for the chat")
	}
	if _, ok := u.LastReadAt(notifier.GeneralKey); !ok {
		t.Error("general lastRead entry should survive")
	}
	chat, err = s.SubChat(ctx, "x")
	if err != nil {
		t.Fatal(err)
	}
	if len(chat.Members) != 1 || chat.Members[0] != "bob" {
		t.Errorf("members = %v, want [bob]", chat.Members)
	}
}

func TestMarkReadRejectsNestedKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.SaveUser(ctx, &notifier.User{ID: "alice", PushToken: "ExponentPushToken[a]"}); err != nil {
		t.Fatal(err)
	}

	for _, k := range []notifier.UnreadKey{"subchat_x.y", "campaign_$x", "subchat_a.b.c"} {
		if err := s.MarkRead(ctx, "alice", k); !errors.Is(err, notifier.ErrInvalidRequest) {
			t.Errorf("MarkRead(%q) err = %v, want ErrInvalidRequest", k, err)
		}
	}

	u, err := s.User(ctx, "alice")
	if err != nil {
		t.Fatalf("user no longer decodes: %v", err)
	}
	if len(u.LastRead) != 0 {
		t.Errorf("lastRead = %v, want empty", u.LastRead)
	}
	users, err := s.UsersWithPushToken(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 {
		t.Errorf("users with push token = %d, want 1", len(users))
	}
}

func TestForgetSurfaceMissingUser(t *testing.T) {
	s := newTestStore(t)
	if err := s.ForgetSurface(context.Background(), "ghost", notifier.GeneralKey); err != nil {
		t.Errorf("ForgetSurface on missing user: %v", err)
	}
}

func TestLatestMessage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	t0 := time.Now().Add(-time.Hour).Truncate(time.Second)

	approved := &notifier.Campaign{ID: "c1", ApprovedUsers: []string{"bob"}}
	open := &notifier.Campaign{ID: "c2"}
	for _, c := range []*notifier.Campaign{approved, open} {
		if err := s.SaveCampaign(ctx, c); err != nil {
			t.Fatal(err)
		}
		for i, author := range []string{"bob", "mallory"} {
			m := &notifier.Message{AuthorID: author, Text: author, CreatedAt: t0.Add(time.Duration(i) * time.Minute)}
			if err := s.AddMessage(ctx, notifier.CampaignSurface(c), m); err != nil {
				t.Fatal(err)
			}
		}
	}
	empty := &notifier.SubChat{ID: "quiet", Members: []string{"bob"}}
	if err := s.SaveSubChat(ctx, empty); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		surface notifier.Surface
		want    string
	}{
		{"approved authors only", notifier.CampaignSurface(approved), "bob"},
		{"no approved set", notifier.CampaignSurface(open), "mallory"},
		{"no messages", notifier.SubChatSurface(empty), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := s.LatestMessage(ctx, tt.surface)
			if err != nil {
				t.Fatal(err)
			}
			switch {
			case tt.want == "" && m != nil:
				t.Errorf("latest = %+v, want none", m)
			case tt.want != "" && (m == nil || m.AuthorID != tt.want):
				t.Errorf("latest = %+v, want author %s", m, tt.want)
			}
		})
	}
}

func TestUsersWithPushToken(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	users := []*notifier.User{
		{ID: "alice", PushToken: "ExponentPushToken[a]"},
		{ID: "bob"},
		{ID: "carol", PushToken: "   "},
	}
	for _, u := range users {
		if err := s.SaveUser(ctx, u); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.UsersWithPushToken(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "alice" {
		t.Errorf("users = %+v, want only alice", got)
	}
}

func TestDueSchedules(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	start := now.Add(time.Hour)

	schedules := []*notifier.ReminderSchedule{
		{ID: "past", FireAt: now.Add(-10 * time.Minute), Status: notifier.ReminderScheduled},
		{ID: "b", FireAt: now.Add(3 * time.Minute), Status: notifier.ReminderScheduled},
		{ID: "a", FireAt: now.Add(-2 * time.Minute), Status: notifier.ReminderScheduled},
		{ID: "done", FireAt: now, Status: notifier.ReminderSent},
		{ID: "future", FireAt: now.Add(10 * time.Minute), Status: notifier.ReminderScheduled},
	}
	for _, r := range schedules {
		r.EventID = "e1"
		r.EventStartAt = start
		r.LeadTimeLabel = "1h"
		if err := s.SaveSchedule(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	// missing eventId, skipped on read
	if err := s.DB().Set(ctx, ReminderSchedules, "broken", map[string]any{"fireAt": now, "status": "scheduled"}); err != nil {
		t.Fatal(err)
	}

	due, err := s.DueSchedules(ctx, now.Add(-5*time.Minute), now.Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 || due[0].ID != "a" || due[1].ID != "b" {
		ids := make([]string, len(due))
		for i, r := range due {
			ids[i] = r.ID
		}
		t.Fatalf("due = %v, want [a b]", ids)
	}

	all, err := s.SchedulesForEvent(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != len(schedules) {
		t.Errorf("schedules for event = %d, want %d", len(all), len(schedules))
	}

	if err := s.MarkScheduleSent(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	due, err = s.DueSchedules(ctx, now.Add(-5*time.Minute), now.Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != "b" {
		t.Errorf("after marking a sent, due = %+v", due)
	}
}

func TestClaimSentMarker(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	claimed, err := s.ClaimSentMarker(ctx, &notifier.ReminderSentMarker{ScheduleID: "e1_1h_100", EventID: "e1"})
	if err != nil || !claimed {
		t.Fatalf("first claim = %v, %v", claimed, err)
	}
	claimed, err = s.ClaimSentMarker(ctx, &notifier.ReminderSentMarker{ScheduleID: "e1_1h_100", EventID: "e1"})
	if err != nil || claimed {
		t.Fatalf("second claim = %v, %v; want false, nil", claimed, err)
	}

	ok, err := s.HasSentMarker(ctx, "e1_1h_100")
	if err != nil || !ok {
		t.Errorf("HasSentMarker = %v, %v", ok, err)
	}
	ok, err = s.HasSentMarker(ctx, "e1_10m_100")
	if err != nil || ok {
		t.Errorf("HasSentMarker on unclaimed = %v, %v", ok, err)
	}

	if err := s.RecordRecipients(ctx, "e1_1h_100", 3); err != nil {
		t.Fatal(err)
	}
	old, err := s.MarkersBefore(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(old) != 1 || old[0].Recipients != 3 || old[0].ID != "e1_1h_100" {
		t.Errorf("markers = %+v", old)
	}
}

func TestProgressLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p := &notifier.NotificationProgress{TotalTargets: 3, Status: notifier.ProgressProcessing}
	if err := s.CreateProgress(ctx, p); err != nil {
		t.Fatal(err)
	}
	if p.ID == "" {
		t.Fatal("progress id not set")
	}

	done := time.Now().UTC()
	p.SentCount, p.FailedCount = 2, 1
	p.FailedDestinations = []string{"ExponentPushToken[x]"}
	p.Status = notifier.ProgressCompleted
	p.CompletedAt = &done
	if err := s.UpdateProgress(ctx, p); err != nil {
		t.Fatal(err)
	}

	got, err := s.Progress(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SentCount != 2 || got.FailedCount != 1 || got.Status != notifier.ProgressCompleted || got.CompletedAt == nil {
		t.Errorf("progress = %+v", got)
	}
	if len(got.FailedDestinations) != 1 {
		t.Errorf("failed destinations = %v", got.FailedDestinations)
	}
}
