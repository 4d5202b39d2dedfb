package unread

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"campaign-notifier/docstore"
	"campaign-notifier/pkg/notifier"
	"campaign-notifier/push"
	"campaign-notifier/storage"
)

// SessionSource provides the reads a live session needs.
type SessionSource interface {
	User(ctx context.Context, id string) (*notifier.User, error)
	Surfaces(ctx context.Context) ([]notifier.Surface, error)
	FirstMessage(collection string, snaps []docstore.Snapshot) *notifier.Message
}

// SessionOptions tunes a live session.
type SessionOptions struct {
	Refresh  time.Duration // how often the user and surface membership are reloaded
	Poll     time.Duration // watch interval of each visible surface and of the user's read markers
	Debounce time.Duration // quiet period before a recompute is emitted
}

// Session keeps one user's unread state current. It watches the newest
// message of every surface the user can see and the user's read markers,
// reloads membership periodically, and emits a State after changes settle.
type Session struct {
	userID string
	src    SessionSource
	db     docstore.Querier
	opts   SessionOptions
	logger *slog.Logger
	cache  *Cache
}

// NewSession creates a session for userID. Zero options get defaults.
func NewSession(userID string, src SessionSource, db docstore.Querier, opts SessionOptions, logger *slog.Logger) *Session {
	if opts.Refresh <= 0 {
		opts.Refresh = 30 * time.Second
	}
	if opts.Poll <= 0 {
		opts.Poll = 5 * time.Second
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	return &Session{
		userID: userID,
		src:    src,
		db:     db,
		opts:   opts,
		logger: logger.With("user_id", userID),
		cache:  NewCache(),
	}
}

type surfaceUpdate struct {
	key        notifier.UnreadKey
	gen        int
	collection string
	snaps      []docstore.Snapshot
}

type surfaceWatch struct {
	gen    int
	cancel context.CancelFunc
}

// Run starts the session. The returned channel receives a State whenever the
// unread state changes and is closed when ctx is done.
func (s *Session) Run(ctx context.Context) <-chan State {
	out := make(chan State, 1)
	go s.loop(ctx, out)
	return out
}

func (s *Session) loop(ctx context.Context, out chan<- State) {
	defer close(out)

	updates := make(chan surfaceUpdate)
	watches := make(map[notifier.UnreadKey]surfaceWatch)
	defer func() {
		for _, w := range watches {
			w.cancel()
		}
	}()

	refresh := time.NewTicker(s.opts.Refresh)
	defer refresh.Stop()
	poll := time.NewTicker(s.opts.Poll)
	defer poll.Stop()
	settle := time.NewTimer(s.opts.Debounce)
	settle.Stop()
	defer settle.Stop()

	var (
		user    *notifier.User
		keys    []notifier.UnreadKey
		gen     int
		last    State
		emitted bool
	)

	reload := func() {
		u, err := s.src.User(ctx, s.userID)
		if err != nil {
			s.logger.Warn("Failed to reload user", "error", err)
			return
		}
		surfaces, err := s.src.Surfaces(ctx)
		if err != nil {
			s.logger.Warn("Failed to reload surfaces", "error", err)
			return
		}
		visible := Visible(u, surfaces)
		user, keys = u, Keys(visible)

		want := make(map[notifier.UnreadKey]bool, len(visible))
		for _, k := range keys {
			want[k] = true
		}
		for k, w := range watches {
			if !want[k] {
				w.cancel()
				delete(watches, k)
			}
		}
		if n := s.cache.Retain(keys); n > 0 {
			s.logger.Debug("Dropped surfaces no longer visible", "count", n)
		}
		for _, sf := range visible {
			if _, ok := watches[sf.Key()]; ok {
				continue
			}
			gen++
			wctx, cancel := context.WithCancel(ctx)
			watches[sf.Key()] = surfaceWatch{gen: gen, cancel: cancel}
			go s.forward(wctx, sf, gen, updates)
		}
		settle.Reset(s.opts.Debounce)
	}

	reload()
	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			reload()
		case <-poll.C:
			if user == nil {
				continue
			}
			u, err := s.src.User(ctx, s.userID)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("Failed to poll read markers", "error", err)
				}
				continue
			}
			// Membership follows on the next refresh; only the markers apply now.
			if !maps.EqualFunc(u.LastRead, user.LastRead, time.Time.Equal) {
				user = u
				settle.Reset(s.opts.Debounce)
			}
		case up := <-updates:
			if w, ok := watches[up.key]; !ok || w.gen != up.gen {
				continue
			}
			if m := s.src.FirstMessage(up.collection, up.snaps); m != nil {
				s.cache.Set(up.key, latestFrom(m, push.Preview))
			} else {
				s.cache.Remove(up.key)
			}
			settle.Reset(s.opts.Debounce)
		case <-settle.C:
			if user == nil {
				continue
			}
			st := Recompute(keys, s.cache.Snapshot(), user.LastRead)
			if emitted && st.Equal(last) {
				continue
			}
			select {
			case out <- st:
				last, emitted = st, true
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Session) forward(ctx context.Context, sf notifier.Surface, gen int, updates chan<- surfaceUpdate) {
	coll, q := storage.LatestMessageQuery(sf)
	for snaps := range docstore.Watch(ctx, s.db, coll, q, s.opts.Poll, s.logger) {
		select {
		case updates <- surfaceUpdate{key: sf.Key(), gen: gen, collection: coll, snaps: snaps}:
		case <-ctx.Done():
			return
		}
	}
}
