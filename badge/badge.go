// Package badge reconciles every user's app badge with their unread count.
package badge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"campaign-notifier/pkg/notifier"
	"campaign-notifier/push"
	"campaign-notifier/unread"
)

// Store is the data the reconciler reads.
type Store interface {
	unread.Source
	UsersWithPushToken(ctx context.Context) ([]*notifier.User, error)
}

// Report summarises one reconciliation run.
type Report struct {
	Users  int
	Sent   int
	Failed int
	Badges map[string]int // computed badge per user id
}

// Reconciler recomputes unread counts and pushes silent badge updates.
type Reconciler struct {
	store   Store
	batcher *push.Batcher
	logger  *slog.Logger
}

// New creates a reconciler that pushes chunkSize users at a time with
// chunkDelay between chunks.
func New(store Store, gateway push.Gateway, chunkSize int, chunkDelay time.Duration, logger *slog.Logger) *Reconciler {
	if chunkSize <= 0 {
		chunkSize = 50
	}
	return &Reconciler{
		store:   store,
		batcher: push.NewBatcher(gateway, chunkSize, chunkDelay, logger),
		logger:  logger,
	}
}

// Batcher exposes the chunk sender so callers can tune its pacing.
func (r *Reconciler) Batcher() *push.Batcher {
	return r.batcher
}

// Run reconciles every user with a push destination. Per-user failures are
// logged and counted; only failing to list users or surfaces aborts the run.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	users, err := r.store.UsersWithPushToken(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list users with push token: %w", err)
	}
	agg, err := unread.NewAggregator(ctx, r.store, r.logger)
	if err != nil {
		return Report{}, err
	}

	rep := Report{Users: len(users), Badges: make(map[string]int, len(users))}
	msgs := make([]push.Message, 0, len(users))
	for _, u := range users {
		st, err := agg.State(ctx, u)
		if err != nil {
			r.logger.Warn("Failed to compute unread count", "user_id", u.ID, "error", err)
			rep.Failed++
			continue
		}
		rep.Badges[u.ID] = st.Count
		msgs = append(msgs, push.BadgeMessage(u.PushToken, st.Count))
	}

	res := r.batcher.Send(ctx, msgs, nil)
	rep.Sent = res.Sent
	rep.Failed += res.Failed
	if len(res.FailedTokens) > 0 {
		r.logger.Warn("Some badge updates failed", "failed", res.Failed, "sample", res.FailedTokens)
	}

	r.logger.Info("Badge reconciliation completed",
		"users", rep.Users,
		"sent", rep.Sent,
		"failed", rep.Failed,
		"duration_ms", time.Since(start).Milliseconds())
	return rep, nil
}
