// Package purge removes accounts that were marked deleted long enough ago.
package purge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"campaign-notifier/pkg/notifier"
)

// Store is what the purge job needs.
type Store interface {
	DeletedBefore(ctx context.Context, cutoff time.Time) ([]*notifier.DeletedUser, error)
	ClearDeleted(ctx context.Context, id string) error
	DeleteUser(ctx context.Context, id string) error
	SubChatsWithMember(ctx context.Context, userID string) ([]*notifier.SubChat, error)
	RemoveSubChatMember(ctx context.Context, chatID, userID string) error
	CampaignsWithUser(ctx context.Context, field, userID string) ([]*notifier.Campaign, error)
	RemoveCampaignMember(ctx context.Context, campaignID, userID string) error
}

// Report summarises one purge run.
type Report struct {
	Purged int
	Failed int
}

// Purger deletes accounts whose deletion record is older than a grace period.
type Purger struct {
	store  Store
	after  time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// New creates a purger with the given grace period.
func New(store Store, after time.Duration, logger *slog.Logger) *Purger {
	return &Purger{store: store, after: after, logger: logger, now: time.Now}
}

// Run purges every expired account. A failure on one account is logged and
// the account is retried on the next run.
func (p *Purger) Run(ctx context.Context) (Report, error) {
	records, err := p.store.DeletedBefore(ctx, p.now().Add(-p.after))
	if err != nil {
		return Report{}, err
	}

	var rep Report
	for _, rec := range records {
		if err := p.purge(ctx, rec.UserID); err != nil {
			rep.Failed++
			p.logger.Warn("Failed to purge account", "user_id", rec.UserID, "error", err)
			continue
		}
		if err := p.store.ClearDeleted(ctx, rec.ID); err != nil {
			rep.Failed++
			p.logger.Warn("Failed to clear deletion record", "user_id", rec.UserID, "error", err)
			continue
		}
		rep.Purged++
	}

	p.logger.Info("Account purge completed", "purged", rep.Purged, "failed", rep.Failed)
	return rep, nil
}

func (p *Purger) purge(ctx context.Context, userID string) error {
	chats, err := p.store.SubChatsWithMember(ctx, userID)
	if err != nil {
		return err
	}
	for _, c := range chats {
		if err := p.store.RemoveSubChatMember(ctx, c.ID, userID); err != nil {
			return err
		}
	}

	seen := make(map[string]bool)
	for _, field := range []string{"approvedUsers", "pendingUsers"} {
		campaigns, err := p.store.CampaignsWithUser(ctx, field, userID)
		if err != nil {
			return err
		}
		for _, c := range campaigns {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			if err := p.store.RemoveCampaignMember(ctx, c.ID, userID); err != nil {
				return err
			}
		}
	}

	if err := p.store.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}
