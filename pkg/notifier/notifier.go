// Package notifier contains the core domain types for the campaign chat notification service.
package notifier

import (
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	// ErrUnauthenticated is returned when a privileged operation has no caller identity.
	ErrUnauthenticated = errors.New("caller is not authenticated")
	// ErrUnauthorized is returned when the caller lacks the admin flag.
	ErrUnauthorized = errors.New("caller is not authorized")
	// ErrInvalidRequest is returned for malformed requests (missing text, unknown audience kind).
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound is returned when a referenced campaign, group or event no longer exists.
	ErrNotFound = errors.New("not found")
	// ErrInternal is the single generic failure surfaced to synchronous callers
	// after an unexpected error has been recorded.
	ErrInternal = errors.New("internal error")
)

// SurfaceKind discriminates chat surfaces.
type SurfaceKind string

// Surface kinds.
const (
	SurfaceGeneral  SurfaceKind = "general"
	SurfaceSubChat  SurfaceKind = "subchat"
	SurfaceCampaign SurfaceKind = "campaign"
)

// UnreadKey identifies one chat surface in both the latest-message cache and
// a user's last-read map: "general", "subchat_<id>" or "campaign_<id>".
type UnreadKey string

// GeneralKey is the key of the global chat.
const GeneralKey UnreadKey = "general"

// SubChatKey returns the key for a group chat.
func SubChatKey(id string) UnreadKey { return UnreadKey("subchat_" + id) }

// CampaignKey returns the key for a campaign's internal chat.
func CampaignKey(id string) UnreadKey { return UnreadKey("campaign_" + id) }

// ParseUnreadKey splits a key back into its kind and surface id. Keys are
// used as field names in the lastRead map, so ids containing path
// separators or operator characters are rejected.
func ParseUnreadKey(k UnreadKey) (SurfaceKind, string, bool) {
	s := string(k)
	if k == GeneralKey {
		return SurfaceGeneral, "", true
	}
	for _, kind := range []SurfaceKind{SurfaceSubChat, SurfaceCampaign} {
		id, ok := strings.CutPrefix(s, string(kind)+"_")
		if ok && id != "" && !strings.ContainsAny(id, "./\\$") {
			return kind, id, true
		}
	}
	return "", "", false
}

// User is a document in the users collection.
type User struct {
	ID           string               `json:"-" bson:"-"`
	DisplayName  string               `json:"displayName" bson:"displayName"`
	PushToken    string               `json:"pushToken,omitempty" bson:"pushToken,omitempty"`
	IsAdmin      bool                 `json:"isAdmin" bson:"isAdmin"`
	LastRead     map[string]time.Time `json:"lastRead,omitempty" bson:"lastRead,omitempty"`
	BlockedUsers []string             `json:"blockedUsers,omitempty" bson:"blockedUsers,omitempty"`
	CreatedAt    time.Time            `json:"createdAt" bson:"createdAt"`
}

// HasPushDestination reports whether the user registered a device.
func (u *User) HasPushDestination() bool {
	return u != nil && strings.TrimSpace(u.PushToken) != ""
}

// LastReadAt returns the recorded last-read time for a surface.
func (u *User) LastReadAt(k UnreadKey) (time.Time, bool) {
	if u == nil || u.LastRead == nil {
		return time.Time{}, false
	}
	t, ok := u.LastRead[string(k)]
	return t, ok
}

// Campaign is a document in the campaigns collection. Its chat lives in the
// campaigns/<id>/chat subcollection.
type Campaign struct {
	ID            string    `json:"-" bson:"-"`
	Title         string    `json:"title" bson:"title"`
	CreatedBy     string    `json:"createdBy" bson:"createdBy"`
	ApprovedUsers []string  `json:"approvedUsers" bson:"approvedUsers"`
	PendingUsers  []string  `json:"pendingUsers,omitempty" bson:"pendingUsers,omitempty"`
	RejectedUsers []string  `json:"rejectedUsers,omitempty" bson:"rejectedUsers,omitempty"`
	CreatedAt     time.Time `json:"createdAt" bson:"createdAt"`
}

// SubChat is a group chat; messages live in subChats/<id>/messages.
type SubChat struct {
	ID        string    `json:"-" bson:"-"`
	Name      string    `json:"name" bson:"name"`
	Members   []string  `json:"members" bson:"members"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
}

// Message is a chat message on any surface.
type Message struct {
	ID        string    `json:"-" bson:"-"`
	AuthorID  string    `json:"authorId" bson:"authorId"`
	Text      string    `json:"text" bson:"text"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
}

// Surface is an addressable chat stream a user may read.
type Surface struct {
	Kind SurfaceKind
	ID   string
	Name string
	// Members holds sub-chat members or campaign approved users. Unused for general.
	Members []string
}

// Key returns the surface's unread key.
func (s Surface) Key() UnreadKey {
	switch s.Kind {
	case SurfaceSubChat:
		return SubChatKey(s.ID)
	case SurfaceCampaign:
		return CampaignKey(s.ID)
	default:
		return GeneralKey
	}
}

// GeneralSurface returns the global chat surface.
func GeneralSurface() Surface {
	return Surface{Kind: SurfaceGeneral, Name: "General"}
}

// SubChatSurface converts a group chat into a surface.
func SubChatSurface(c *SubChat) Surface {
	return Surface{Kind: SurfaceSubChat, ID: c.ID, Name: c.Name, Members: c.Members}
}

// CampaignSurface converts a campaign into a surface.
func CampaignSurface(c *Campaign) Surface {
	return Surface{Kind: SurfaceCampaign, ID: c.ID, Name: c.Title, Members: c.ApprovedUsers}
}

// CanSeeSurface is the single capability check for surface visibility.
// Admins see every surface; everyone else sees the global chat plus the
// groups and campaigns they are members of.
func CanSeeSurface(u *User, s Surface) bool {
	if u == nil {
		return false
	}
	if s.Kind == SurfaceGeneral || u.IsAdmin {
		return true
	}
	return slices.Contains(s.Members, u.ID)
}

// ProgressStatus is the lifecycle state of a fan-out.
type ProgressStatus string

// Progress states.
const (
	ProgressProcessing ProgressStatus = "processing"
	ProgressCompleted  ProgressStatus = "completed"
)

// MaxRecordedFailures bounds NotificationProgress.FailedDestinations.
const MaxRecordedFailures = 10

// NotificationProgress tracks one fan-out run.
type NotificationProgress struct {
	ID                 string         `json:"-" bson:"-"`
	Type               string         `json:"type" bson:"type"`
	Audience           string         `json:"audience" bson:"audience"`
	SenderID           string         `json:"senderId" bson:"senderId"`
	TotalTargets       int            `json:"totalTargets" bson:"totalTargets"`
	SentCount          int            `json:"sentCount" bson:"sentCount"`
	FailedCount        int            `json:"failedCount" bson:"failedCount"`
	Status             ProgressStatus `json:"status" bson:"status"`
	FailedDestinations []string       `json:"failedDestinations" bson:"failedDestinations"`
	CreatedAt          time.Time      `json:"createdAt" bson:"createdAt"`
	CompletedAt        *time.Time     `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
}

// NotificationAnalytics summarises a completed fan-out.
type NotificationAnalytics struct {
	ID              string    `json:"-" bson:"-"`
	Type            string    `json:"type" bson:"type"`
	Audience        string    `json:"audience" bson:"audience"`
	SenderID        string    `json:"senderId" bson:"senderId"`
	SourceMessageID string    `json:"sourceMessageId,omitempty" bson:"sourceMessageId,omitempty"`
	ProgressID      string    `json:"progressId" bson:"progressId"`
	TotalTargets    int       `json:"totalTargets" bson:"totalTargets"`
	Sent            int       `json:"sent" bson:"sent"`
	Failed          int       `json:"failed" bson:"failed"`
	CreatedAt       time.Time `json:"createdAt" bson:"createdAt"`
}

// NotificationError records an unexpected failure with its context.
type NotificationError struct {
	ID        string    `json:"-" bson:"-"`
	Job       string    `json:"job" bson:"job"`
	SurfaceID string    `json:"surfaceId,omitempty" bson:"surfaceId,omitempty"`
	ActorID   string    `json:"actorId,omitempty" bson:"actorId,omitempty"`
	Error     string    `json:"error" bson:"error"`
	Stack     string    `json:"stack,omitempty" bson:"stack,omitempty"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
}

// Event is a scheduled event (webinar) users can join.
type Event struct {
	ID          string    `json:"id" bson:"-"`
	Title       string    `json:"title" bson:"title"`
	StartAt     time.Time `json:"startAt" bson:"startAt"`
	JoinedUsers []string  `json:"joinedUsers" bson:"joinedUsers"`
}

// ReminderStatus is the lifecycle state of a reminder schedule.
type ReminderStatus string

// Reminder states.
const (
	ReminderScheduled ReminderStatus = "scheduled"
	ReminderSent      ReminderStatus = "sent"
)

// ReminderSchedule is one pending or fired reminder for an event lead time.
type ReminderSchedule struct {
	ID            string         `json:"-" bson:"-"`
	EventID       string         `json:"eventId" bson:"eventId"`
	EventTitle    string         `json:"eventTitle" bson:"eventTitle"`
	EventStartAt  time.Time      `json:"eventStartAt" bson:"eventStartAt"`
	LeadTimeLabel string         `json:"leadTimeLabel" bson:"leadTimeLabel"`
	FireAt        time.Time      `json:"fireAt" bson:"fireAt"`
	Status        ReminderStatus `json:"status" bson:"status"`
	CreatedAt     time.Time      `json:"createdAt" bson:"createdAt"`
}

// ReminderSentMarker guards a schedule against double delivery. Its id is the schedule id.
type ReminderSentMarker struct {
	ID         string    `json:"-" bson:"-"`
	ScheduleID string    `json:"scheduleId" bson:"scheduleId"`
	EventID    string    `json:"eventId" bson:"eventId"`
	Recipients int       `json:"recipients" bson:"recipients"`
	SentAt     time.Time `json:"sentAt" bson:"sentAt"`
}

// DeletedUser marks an account for purge.
type DeletedUser struct {
	ID        string    `json:"-" bson:"-"`
	UserID    string    `json:"userId" bson:"userId"`
	DeletedAt time.Time `json:"deletedAt" bson:"deletedAt"`
}
