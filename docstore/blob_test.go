package docstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type testDoc struct {
	Name     string               `json:"name"`
	Tags     []string             `json:"tags,omitempty"`
	Rank     int                  `json:"rank"`
	At       time.Time            `json:"at"`
	LastRead map[string]time.Time `json:"lastRead,omitempty"`
}

func newTestStore(t *testing.T) *BlobStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return s
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Set(ctx, "users", "u1", testDoc{Name: "ada"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var got testDoc
	if err := s.Get(ctx, "users", "u1", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "ada" {
		t.Errorf("Name = %q, want ada", got.Name)
	}

	if err := s.Delete(ctx, "users", "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Get(ctx, "users", "u1", &got); !IsNotFound(err) {
		t.Errorf("Get after delete error = %v, want not found", err)
	}
	if err := s.Delete(ctx, "users", "u1"); err != nil {
		t.Errorf("second Delete should be a no-op, got %v", err)
	}
}

func TestCreateRejectsExisting(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Create(ctx, "markers", "m1", testDoc{Name: "first"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := s.Create(ctx, "markers", "m1", testDoc{Name: "second"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second Create error = %v, want ErrAlreadyExists", err)
	}
	var got testDoc
	if err := s.Get(ctx, "markers", "m1", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "first" {
		t.Errorf("Name = %q, want first", got.Name)
	}
}

func TestInvalidIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, id := range []string{"", "..", "a/b", "x.y", "$where"} {
		if err := s.Set(ctx, "users", id, testDoc{}); err == nil {
			t.Errorf("Set(%q) succeeded, want error", id)
		}
	}
}

func TestUpdateRejectsBadPaths(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.Set(ctx, "users", "u1", testDoc{Name: "ada"}); err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{"lastRead.", "lastRead..x", ".name", "lastRead.$set"} {
		if err := s.Update(ctx, "users", "u1", ServerTimestamp(p)); err == nil {
			t.Errorf("Update(%q) succeeded", p)
		}
	}

	var got testDoc
	if err := s.Get(ctx, "users", "u1", &got); err != nil {
		t.Fatalf("document no longer decodes: %v", err)
	}
	if len(got.LastRead) != 0 {
		t.Errorf("lastRead = %v, want empty", got.LastRead)
	}
}

func TestUpdateFieldOps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	if err := s.Set(ctx, "users", "u1", testDoc{Name: "ada", Tags: []string{"a", "b"}}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	err := s.Update(ctx, "users", "u1",
		ArrayAdd("tags", "b", "c"),
		ArrayRemove("tags", "a"),
		ServerTimestamp("lastRead.general"),
		Set("rank", 7),
	)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	var got testDoc
	if err := s.Get(ctx, "users", "u1", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "b" || got.Tags[1] != "c" {
		t.Errorf("Tags = %v, want [b c]", got.Tags)
	}
	if got.Rank != 7 {
		t.Errorf("Rank = %d, want 7", got.Rank)
	}
	if !got.LastRead["general"].Equal(fixed) {
		t.Errorf("lastRead.general = %v, want %v", got.LastRead["general"], fixed)
	}

	if err := s.Update(ctx, "users", "u1", DeleteField("lastRead.general")); err != nil {
		t.Fatalf("Update delete: %v", err)
	}
	got = testDoc{}
	if err := s.Get(ctx, "users", "u1", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := got.LastRead["general"]; ok {
		t.Error("lastRead.general still present after DeleteField")
	}
	if got.Name != "ada" {
		t.Errorf("untouched field Name = %q, want ada", got.Name)
	}
}

func TestUpdateMissingDocument(t *testing.T) {
	s := newTestStore(t)
	err := s.Update(context.Background(), "users", "ghost", Set("name", "x"))
	if !IsNotFound(err) {
		t.Errorf("Update error = %v, want not found", err)
	}
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	docs := map[string]testDoc{
		"a": {Name: "alpha", Rank: 3, At: base.Add(1 * time.Minute), Tags: []string{"x"}},
		"b": {Name: "bravo", Rank: 1, At: base.Add(3 * time.Minute), Tags: []string{"y"}},
		"c": {Name: "charlie", Rank: 2, At: base.Add(2 * time.Minute), Tags: []string{"x", "y"}},
	}
	for id, d := range docs {
		if err := s.Set(ctx, "msgs", id, d); err != nil {
			t.Fatalf("Set %s: %v", id, err)
		}
	}
	// A nested collection must not leak into its parent listing.
	if err := s.Set(ctx, "msgs/a/replies", "r1", testDoc{Name: "reply"}); err != nil {
		t.Fatalf("Set nested: %v", err)
	}

	tests := []struct {
		name string
		q    Query
		want []string
	}{
		{"all by id", Query{}, []string{"a", "b", "c"}},
		{"newest first", Query{OrderBy: "at", Desc: true}, []string{"b", "c", "a"}},
		{"newest one", Query{OrderBy: "at", Desc: true, Limit: 1}, []string{"b"}},
		{"rank ascending", Query{OrderBy: "rank"}, []string{"b", "c", "a"}},
		{"eq", Query{Filters: []Filter{Where("name", OpEq, "charlie")}}, []string{"c"}},
		{"time range", Query{Filters: []Filter{
			Where("at", OpGTE, base.Add(90*time.Second)),
			Where("at", OpLTE, base.Add(150*time.Second)),
		}}, []string{"c"}},
		{"in", Query{Filters: []Filter{Where("name", OpIn, []string{"alpha", "bravo"})}}, []string{"a", "b"}},
		{"array contains", Query{Filters: []Filter{Where("tags", OpArrayContains, "y")}}, []string{"b", "c"}},
		{"in with order and limit", Query{
			Filters: []Filter{Where("name", OpIn, []string{"alpha", "charlie"})},
			OrderBy: "at", Desc: true, Limit: 1,
		}, []string{"c"}},
		{"missing field never matches", Query{Filters: []Filter{Where("missing", OpEq, "x")}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snaps, err := s.Query(ctx, "msgs", tt.q)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			var ids []string
			for _, sn := range snaps {
				ids = append(ids, sn.ID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Errorf("ids = %v, want %v", ids, tt.want)
					break
				}
			}
		})
	}

	snaps, err := s.Query(ctx, "msgs/a/replies", Query{})
	if err != nil {
		t.Fatalf("Query nested: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("nested results = %d, want 1", len(snaps))
	}
	var reply testDoc
	if err := snaps[0].DataTo(&reply); err != nil {
		t.Fatalf("DataTo: %v", err)
	}
	if reply.Name != "reply" {
		t.Errorf("reply Name = %q", reply.Name)
	}
}

func TestQueryInRequiresSlice(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Query(context.Background(), "msgs", Query{Filters: []Filter{Where("name", OpIn, "alpha")}})
	if err == nil {
		t.Error("Query with scalar in-filter succeeded, want error")
	}
}

func TestAddGeneratesDistinctIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id1, err := s.Add(ctx, "logs", testDoc{Name: "one"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	id2, err := s.Add(ctx, "logs", testDoc{Name: "two"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id1 == id2 || id1 == "" {
		t.Errorf("Add ids = %q, %q; want distinct non-empty", id1, id2)
	}
}
