package unread

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"campaign-notifier/pkg/notifier"
	"campaign-notifier/push"
)

// Source provides the surfaces and bounded newest-message reads.
type Source interface {
	Surfaces(ctx context.Context) ([]notifier.Surface, error)
	LatestMessage(ctx context.Context, surface notifier.Surface) (*notifier.Message, error)
}

// Aggregator computes unread state for many users against one snapshot of
// surfaces. Each surface's newest message is read at most once per aggregator,
// so it should live no longer than one job invocation.
type Aggregator struct {
	src      Source
	logger   *slog.Logger
	surfaces []notifier.Surface
	cache    *Cache

	mu      sync.Mutex
	fetched map[notifier.UnreadKey]bool
}

// NewAggregator loads the current surfaces from src.
func NewAggregator(ctx context.Context, src Source, logger *slog.Logger) (*Aggregator, error) {
	surfaces, err := src.Surfaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("load surfaces: %w", err)
	}
	return &Aggregator{
		src:      src,
		logger:   logger,
		surfaces: surfaces,
		cache:    NewCache(),
		fetched:  make(map[notifier.UnreadKey]bool),
	}, nil
}

// Surfaces returns the snapshot of surfaces the aggregator works on.
func (a *Aggregator) Surfaces() []notifier.Surface {
	return a.surfaces
}

// State computes u's unread state across the surfaces u can see.
func (a *Aggregator) State(ctx context.Context, u *notifier.User) (State, error) {
	visible := Visible(u, a.surfaces)
	for _, s := range visible {
		if err := a.load(ctx, s); err != nil {
			return State{}, err
		}
	}
	return Recompute(Keys(visible), a.cache.Snapshot(), u.LastRead), nil
}

func (a *Aggregator) load(ctx context.Context, s notifier.Surface) error {
	k := s.Key()
	a.mu.Lock()
	done := a.fetched[k]
	a.mu.Unlock()
	if done {
		return nil
	}

	m, err := a.src.LatestMessage(ctx, s)
	if err != nil {
		return fmt.Errorf("latest message for %s: %w", k, err)
	}
	if m != nil {
		a.cache.Set(k, latestFrom(m, push.Preview))
	}

	a.mu.Lock()
	a.fetched[k] = true
	a.mu.Unlock()
	return nil
}
