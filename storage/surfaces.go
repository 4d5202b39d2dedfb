package storage

import (
	"context"
	"fmt"
	"slices"

	"campaign-notifier/docstore"
	"campaign-notifier/pkg/notifier"
)

func normaliseCampaign(id string, c *notifier.Campaign) error {
	c.ID = id
	c.ApprovedUsers = orEmpty(c.ApprovedUsers)
	c.PendingUsers = orEmpty(c.PendingUsers)
	c.RejectedUsers = orEmpty(c.RejectedUsers)
	return nil
}

func normaliseSubChat(id string, c *notifier.SubChat) error {
	c.ID = id
	c.Members = orEmpty(c.Members)
	return nil
}

// Campaign loads a campaign by id.
func (s *Store) Campaign(ctx context.Context, id string) (*notifier.Campaign, error) {
	var c notifier.Campaign
	if err := s.db.Get(ctx, Campaigns, id, &c); err != nil {
		return nil, fmt.Errorf("get campaign %s: %w", id, err)
	}
	_ = normaliseCampaign(id, &c)
	return &c, nil
}

// SaveCampaign writes a whole campaign document.
func (s *Store) SaveCampaign(ctx context.Context, c *notifier.Campaign) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	if err := s.db.Set(ctx, Campaigns, c.ID, c); err != nil {
		return fmt.Errorf("save campaign %s: %w", c.ID, err)
	}
	return nil
}

// Campaigns lists every campaign.
func (s *Store) Campaigns(ctx context.Context) ([]*notifier.Campaign, error) {
	snaps, err := s.db.Query(ctx, Campaigns, docstore.Query{})
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	return decodeAll(s, Campaigns, snaps, normaliseCampaign), nil
}

// CampaignsWithUser lists campaigns where userID appears in field
// ("approvedUsers" or "pendingUsers").
func (s *Store) CampaignsWithUser(ctx context.Context, field, userID string) ([]*notifier.Campaign, error) {
	snaps, err := s.db.Query(ctx, Campaigns, docstore.Query{
		Filters: []docstore.Filter{docstore.Where(field, docstore.OpArrayContains, userID)},
	})
	if err != nil {
		return nil, fmt.Errorf("list campaigns with %s: %w", userID, err)
	}
	return decodeAll(s, Campaigns, snaps, normaliseCampaign), nil
}

// ApproveApplicant moves a user into the approved set.
func (s *Store) ApproveApplicant(ctx context.Context, campaignID, userID string) error {
	err := s.db.Update(ctx, Campaigns, campaignID,
		docstore.ArrayAdd("approvedUsers", userID),
		docstore.ArrayRemove("pendingUsers", userID),
		docstore.ArrayRemove("rejectedUsers", userID),
	)
	if err != nil {
		return fmt.Errorf("approve %s in campaign %s: %w", userID, campaignID, err)
	}
	return nil
}

// RejectApplicant moves a user into the rejected set and drops their read state.
func (s *Store) RejectApplicant(ctx context.Context, campaignID, userID string) error {
	err := s.db.Update(ctx, Campaigns, campaignID,
		docstore.ArrayAdd("rejectedUsers", userID),
		docstore.ArrayRemove("pendingUsers", userID),
		docstore.ArrayRemove("approvedUsers", userID),
	)
	if err != nil {
		return fmt.Errorf("reject %s in campaign %s: %w", userID, campaignID, err)
	}
	return s.ForgetSurface(ctx, userID, notifier.CampaignKey(campaignID))
}

// RemoveCampaignMember drops a user from every campaign list and from the
// user's lastRead map.
func (s *Store) RemoveCampaignMember(ctx context.Context, campaignID, userID string) error {
	err := s.db.Update(ctx, Campaigns, campaignID,
		docstore.ArrayRemove("approvedUsers", userID),
		docstore.ArrayRemove("pendingUsers", userID),
	)
	if err != nil {
		return fmt.Errorf("remove %s from campaign %s: %w", userID, campaignID, err)
	}
	return s.ForgetSurface(ctx, userID, notifier.CampaignKey(campaignID))
}

// SubChat loads a group chat by id.
func (s *Store) SubChat(ctx context.Context, id string) (*notifier.SubChat, error) {
	var c notifier.SubChat
	if err := s.db.Get(ctx, SubChats, id, &c); err != nil {
		return nil, fmt.Errorf("get subchat %s: %w", id, err)
	}
	_ = normaliseSubChat(id, &c)
	return &c, nil
}

// SaveSubChat writes a whole group chat document.
func (s *Store) SaveSubChat(ctx context.Context, c *notifier.SubChat) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	if err := s.db.Set(ctx, SubChats, c.ID, c); err != nil {
		return fmt.Errorf("save subchat %s: %w", c.ID, err)
	}
	return nil
}

// SubChats lists every group chat.
func (s *Store) SubChats(ctx context.Context) ([]*notifier.SubChat, error) {
	snaps, err := s.db.Query(ctx, SubChats, docstore.Query{})
	if err != nil {
		return nil, fmt.Errorf("list subchats: %w", err)
	}
	return decodeAll(s, SubChats, snaps, normaliseSubChat), nil
}

// SubChatsWithMember lists group chats that include userID.
func (s *Store) SubChatsWithMember(ctx context.Context, userID string) ([]*notifier.SubChat, error) {
	snaps, err := s.db.Query(ctx, SubChats, docstore.Query{
		Filters: []docstore.Filter{docstore.Where("members", docstore.OpArrayContains, userID)},
	})
	if err != nil {
		return nil, fmt.Errorf("list subchats with %s: %w", userID, err)
	}
	return decodeAll(s, SubChats, snaps, normaliseSubChat), nil
}

// AddSubChatMember adds a user to a group chat.
func (s *Store) AddSubChatMember(ctx context.Context, chatID, userID string) error {
	if err := s.db.Update(ctx, SubChats, chatID, docstore.ArrayAdd("members", userID)); err != nil {
		return fmt.Errorf("add %s to subchat %s: %w", userID, chatID, err)
	}
	return nil
}

// RemoveSubChatMember removes a user from a group chat and from the user's
// lastRead map so the stale key can never count again.
func (s *Store) RemoveSubChatMember(ctx context.Context, chatID, userID string) error {
	if err := s.db.Update(ctx, SubChats, chatID, docstore.ArrayRemove("members", userID)); err != nil {
		return fmt.Errorf("remove %s from subchat %s: %w", userID, chatID, err)
	}
	return s.ForgetSurface(ctx, userID, notifier.SubChatKey(chatID))
}

// Surfaces returns every surface: global chat, group chats and campaigns.
func (s *Store) Surfaces(ctx context.Context) ([]notifier.Surface, error) {
	chats, err := s.SubChats(ctx)
	if err != nil {
		return nil, err
	}
	campaigns, err := s.Campaigns(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]notifier.Surface, 0, 1+len(chats)+len(campaigns))
	out = append(out, notifier.GeneralSurface())
	for _, c := range chats {
		out = append(out, notifier.SubChatSurface(c))
	}
	for _, c := range campaigns {
		out = append(out, notifier.CampaignSurface(c))
	}
	return out, nil
}

// AddMessage appends a message to a surface.
func (s *Store) AddMessage(ctx context.Context, surface notifier.Surface, m *notifier.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	id, err := s.db.Add(ctx, MessagesCollection(surface), m)
	if err != nil {
		return fmt.Errorf("add message to %s: %w", surface.Key(), err)
	}
	m.ID = id
	return nil
}

// LatestMessageQuery returns the collection and bounded query selecting the
// newest qualifying message on a surface. On campaign surfaces only messages
// authored by approved users qualify when the approved set is non-empty.
func LatestMessageQuery(surface notifier.Surface) (string, docstore.Query) {
	q := docstore.Query{OrderBy: "createdAt", Desc: true, Limit: 1}
	if surface.Kind == notifier.SurfaceCampaign && len(surface.Members) > 0 {
		q.Filters = append(q.Filters, docstore.Where("authorId", docstore.OpIn, slices.Clone(surface.Members)))
	}
	return MessagesCollection(surface), q
}

// FirstMessage decodes the first valid message of a result set, or returns nil.
func (s *Store) FirstMessage(collection string, snaps []docstore.Snapshot) *notifier.Message {
	msgs := decodeAll(s, collection, snaps, func(id string, m *notifier.Message) error {
		m.ID = id
		if m.CreatedAt.IsZero() {
			return invalid(collection, id, "missing createdAt")
		}
		return nil
	})
	if len(msgs) == 0 {
		return nil
	}
	return msgs[0]
}

// LatestMessage returns the newest qualifying message on a surface, or nil if
// there is none.
func (s *Store) LatestMessage(ctx context.Context, surface notifier.Surface) (*notifier.Message, error) {
	coll, q := LatestMessageQuery(surface)
	snaps, err := s.db.Query(ctx, coll, q)
	if err != nil {
		return nil, fmt.Errorf("latest message on %s: %w", surface.Key(), err)
	}
	return s.FirstMessage(coll, snaps), nil
}
