package reminder

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"testing"
	"time"

	"campaign-notifier/docstore"
	"campaign-notifier/pkg/notifier"
	"campaign-notifier/push"
	"campaign-notifier/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	store *storage.Store
	gw    *push.MockGateway
	s     *Scheduler
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := docstore.NewLocalStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	store := storage.New(db, testLogger())
	gw := push.NewMockGateway(testLogger())
	b := push.NewBatcher(gw, 100, 0, testLogger())
	f := &fixture{store: store, gw: gw, now: time.Now().UTC().Truncate(time.Minute)}
	f.s = New(store, b, storage.IsNotFound, testLogger())
	f.s.now = func() time.Time { return f.now }
	f.s.chance = func() float64 { return 1 }

	ctx := context.Background()
	for _, u := range []*notifier.User{
		{ID: "a", PushToken: "ExponentPushToken[a]"},
		{ID: "b", PushToken: "ExponentPushToken[b]"},
		{ID: "c"},
	} {
		if err := store.SaveUser(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func (f *fixture) event(t *testing.T, id string, start time.Time, joined ...string) *notifier.Event {
	t.Helper()
	e := &notifier.Event{ID: id, Title: "Webinar " + id, StartAt: start, JoinedUsers: joined}
	if err := f.store.SaveEvent(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	return e
}

func (f *fixture) schedules(t *testing.T, eventID string) []*notifier.ReminderSchedule {
	t.Helper()
	out, err := f.store.SchedulesForEvent(context.Background(), eventID)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func labels(rs []*notifier.ReminderSchedule) []string {
	var out []string
	for _, r := range rs {
		out = append(out, r.LeadTimeLabel)
	}
	slices.Sort(out)
	return out
}

func TestScheduleOnlyFutureLeadTimes(t *testing.T) {
	f := newFixture(t)
	e := f.event(t, "e1", f.now.Add(45*time.Minute))

	if err := f.s.OnEventWrite(context.Background(), nil, e); err != nil {
		t.Fatal(err)
	}
	got := f.schedules(t, "e1")
	if want := []string{"10m", "30m"}; !slices.Equal(labels(got), want) {
		t.Fatalf("labels = %v, want %v", labels(got), want)
	}
	for _, r := range got {
		if r.Status != notifier.ReminderScheduled {
			t.Errorf("%s status = %s", r.ID, r.Status)
		}
		if r.ID != ScheduleID("e1", r.LeadTimeLabel, e.StartAt) {
			t.Errorf("unexpected id %s", r.ID)
		}
		if !r.FireAt.Equal(e.StartAt.Add(-leadTime(r.LeadTimeLabel).Offset)) {
			t.Errorf("%s fires at %v", r.ID, r.FireAt)
		}
	}
}

func TestTimeChangeRegenerates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := f.event(t, "e1", f.now.Add(48*time.Hour), "a", "c")
	if err := f.s.OnEventWrite(ctx, nil, before); err != nil {
		t.Fatal(err)
	}
	if n := len(f.schedules(t, "e1")); n != 4 {
		t.Fatalf("initial schedules = %d, want 4", n)
	}
	sentID := ScheduleID("e1", "24h", before.StartAt)
	if err := f.store.MarkScheduleSent(ctx, sentID); err != nil {
		t.Fatal(err)
	}

	after := *before
	after.StartAt = before.StartAt.Add(24 * time.Hour)
	if err := f.s.OnEventWrite(ctx, before, &after); err != nil {
		t.Fatal(err)
	}

	got := f.schedules(t, "e1")
	if len(got) != 5 {
		t.Fatalf("schedules after change = %d, want 5 (1 sent + 4 new)", len(got))
	}
	perLabel := map[string]int{}
	for _, r := range got {
		if r.ID == sentID {
			if r.Status != notifier.ReminderSent {
				t.Errorf("sent schedule was modified: %+v", r)
			}
			continue
		}
		if !r.EventStartAt.Equal(after.StartAt) {
			t.Errorf("stale schedule %s survived", r.ID)
		}
		if r.Status == notifier.ReminderScheduled {
			perLabel[r.LeadTimeLabel]++
		}
	}
	for _, lt := range LeadTimes {
		if perLabel[lt.Label] != 1 {
			t.Errorf("label %s has %d scheduled records, want 1", lt.Label, perLabel[lt.Label])
		}
	}

	sent := f.gw.Sent()
	if len(sent) != 1 || sent[0].To != "ExponentPushToken[a]" {
		t.Fatalf("time change notice = %+v", sent)
	}
	if sent[0].Data["type"] != "event_time_changed" {
		t.Errorf("notice data = %v", sent[0].Data)
	}
}

func TestOtherChangesAreNoOps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := f.event(t, "e1", f.now.Add(48*time.Hour), "a")
	if err := f.s.OnEventWrite(ctx, nil, before); err != nil {
		t.Fatal(err)
	}
	ids := func() []string {
		var out []string
		for _, r := range f.schedules(t, "e1") {
			out = append(out, r.ID)
		}
		slices.Sort(out)
		return out
	}
	was := ids()

	after := *before
	after.Title = "Renamed"
	after.JoinedUsers = []string{"a", "b"}
	if err := f.s.OnEventWrite(ctx, before, &after); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(ids(), was) {
		t.Errorf("schedules changed: %v -> %v", was, ids())
	}
	if len(f.gw.Sent()) != 0 {
		t.Error("no notice expected")
	}
}

func TestDeleteRemovesSchedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.event(t, "e1", f.now.Add(48*time.Hour))
	if err := f.s.OnEventWrite(ctx, nil, e); err != nil {
		t.Fatal(err)
	}
	if err := f.s.OnEventWrite(ctx, e, nil); err != nil {
		t.Fatal(err)
	}
	if n := len(f.schedules(t, "e1")); n != 0 {
		t.Errorf("schedules left = %d", n)
	}
}

func TestFireDueAtMostOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.event(t, "e1", f.now.Add(2*time.Hour), "a", "b", "c", "ghost")
	if err := f.s.OnEventWrite(ctx, nil, e); err != nil {
		t.Fatal(err)
	}

	f.now = f.now.Add(time.Hour + 3*time.Minute)
	rep, err := f.s.FireDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Due != 1 || rep.Fired != 1 || rep.Recipients != 2 {
		t.Errorf("first run = %+v", rep)
	}
	if n := len(f.gw.Sent()); n != 2 {
		t.Fatalf("sent %d, want 2", n)
	}

	rep, err = f.s.FireDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Fired != 0 {
		t.Errorf("second run fired: %+v", rep)
	}

	// An overlapping run that still sees the schedule as pending is stopped by the marker.
	id := ScheduleID("e1", "1h", e.StartAt)
	stale := &notifier.ReminderSchedule{
		ID: id, EventID: "e1", EventTitle: e.Title, EventStartAt: e.StartAt,
		LeadTimeLabel: "1h", FireAt: e.StartAt.Add(-time.Hour), Status: notifier.ReminderScheduled,
	}
	if err := f.store.SaveSchedule(ctx, stale); err != nil {
		t.Fatal(err)
	}
	rep, err = f.s.FireDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Due != 1 || rep.Fired != 0 || rep.Skipped != 1 {
		t.Errorf("guarded run = %+v", rep)
	}
	if n := len(f.gw.Sent()); n != 2 {
		t.Errorf("sent %d after repeat runs, want 2", n)
	}
}

// cancelAfterFirst cancels the run's context once the first batch is accepted.
type cancelAfterFirst struct {
	*push.MockGateway
	cancel  context.CancelFunc
	batches int
}

func (g *cancelAfterFirst) SendBatch(ctx context.Context, msgs []push.Message) ([]push.Ticket, error) {
	tickets, err := g.MockGateway.SendBatch(ctx, msgs)
	g.batches++
	if g.batches == 1 {
		g.cancel()
	}
	return tickets, err
}

func TestFireDueFinishesClaimedReminder(t *testing.T) {
	f := newFixture(t)
	e := f.event(t, "e1", f.now.Add(2*time.Hour), "a", "b")
	if err := f.s.OnEventWrite(context.Background(), nil, e); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := &cancelAfterFirst{MockGateway: push.NewMockGateway(testLogger()), cancel: cancel}
	s := New(f.store, push.NewBatcher(gw, 1, 0, testLogger()), storage.IsNotFound, testLogger())
	s.now = func() time.Time { return f.now.Add(time.Hour) }
	s.chance = func() float64 { return 1 }

	rep, err := s.FireDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Fired != 1 || rep.Recipients != 2 {
		t.Errorf("report = %+v", rep)
	}
	if n := len(gw.Sent()); n != 2 {
		t.Fatalf("sent %d, want 2", n)
	}

	id := ScheduleID("e1", "1h", e.StartAt)
	for _, r := range f.schedules(t, "e1") {
		if r.ID == id && r.Status != notifier.ReminderSent {
			t.Errorf("schedule %s status = %s, want sent", id, r.Status)
		}
	}
}

func TestFireDueSkipsWithoutMarking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	empty := f.event(t, "empty", f.now.Add(2*time.Hour))
	gone := f.event(t, "gone", f.now.Add(2*time.Hour), "a")
	for _, e := range []*notifier.Event{empty, gone} {
		if err := f.s.OnEventWrite(ctx, nil, e); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.store.DeleteEvent(ctx, "gone"); err != nil {
		t.Fatal(err)
	}

	f.now = f.now.Add(time.Hour)
	rep, err := f.s.FireDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Due != 2 || rep.Skipped != 2 || rep.Fired != 0 {
		t.Errorf("report = %+v", rep)
	}
	for _, id := range []string{ScheduleID("empty", "1h", empty.StartAt), ScheduleID("gone", "1h", gone.StartAt)} {
		marked, err := f.store.HasSentMarker(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if marked {
			t.Errorf("%s must not be marked sent", id)
		}
	}
	for _, r := range f.schedules(t, "empty") {
		if r.Status != notifier.ReminderScheduled {
			t.Errorf("%s status = %s", r.ID, r.Status)
		}
	}
}

func TestCleanupChance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := &notifier.ReminderSchedule{
		ID: "old", EventID: "e0", LeadTimeLabel: "1h",
		FireAt: f.now.Add(-8 * 24 * time.Hour), Status: notifier.ReminderSent,
	}
	if err := f.store.SaveSchedule(ctx, old); err != nil {
		t.Fatal(err)
	}
	marker := &notifier.ReminderSentMarker{ScheduleID: "old", EventID: "e0", SentAt: f.now.Add(-8 * 24 * time.Hour)}
	if _, err := f.store.ClaimSentMarker(ctx, marker); err != nil {
		t.Fatal(err)
	}

	f.s.chance = func() float64 { return 0.5 }
	if _, err := f.s.FireDue(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(f.schedules(t, "e0")); n != 1 {
		t.Fatalf("cleanup should not have run, %d schedules left", n)
	}

	f.s.chance = func() float64 { return 0.01 }
	if _, err := f.s.FireDue(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(f.schedules(t, "e0")); n != 0 {
		t.Errorf("old schedule survived cleanup")
	}
	marked, err := f.store.HasSentMarker(ctx, "old")
	if err != nil {
		t.Fatal(err)
	}
	if marked {
		t.Error("old marker survived cleanup")
	}
}
