// Package fanout sends a privileged announcement to a resolved audience in
// rate-limited batches and records progress and analytics.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"campaign-notifier/pkg/notifier"
	"campaign-notifier/push"
)

// JobName identifies fan-out runs in error records.
const JobName = "sendEveryoneNotification"

// AudienceKind selects how recipients are resolved.
type AudienceKind string

// Audience kinds.
const (
	AudienceGlobal   AudienceKind = "global"
	AudienceSubChat  AudienceKind = "subchat"
	AudienceCampaign AudienceKind = "campaign"
)

// Request is a fan-out request.
type Request struct {
	MessageText     string       `json:"messageText"`
	AudienceKind    AudienceKind `json:"audienceKind"`
	AudienceID      string       `json:"audienceId,omitempty"`
	SourceMessageID string       `json:"sourceMessageId,omitempty"`
}

// Result summarises a fan-out. Sent + Failed == TotalTargets.
type Result struct {
	Sent         int    `json:"sent"`
	Failed       int    `json:"failed"`
	TotalTargets int    `json:"totalTargets"`
	ProgressID   string `json:"progressId,omitempty"`
}

// Store is what the engine reads and writes.
type Store interface {
	User(ctx context.Context, id string) (*notifier.User, error)
	UsersWithPushToken(ctx context.Context) ([]*notifier.User, error)
	SubChat(ctx context.Context, id string) (*notifier.SubChat, error)
	Campaign(ctx context.Context, id string) (*notifier.Campaign, error)
	CreateProgress(ctx context.Context, p *notifier.NotificationProgress) error
	UpdateProgress(ctx context.Context, p *notifier.NotificationProgress) error
	AddAnalytics(ctx context.Context, a *notifier.NotificationAnalytics) error
	AddError(ctx context.Context, rec *notifier.NotificationError) error
}

// Engine runs fan-outs.
type Engine struct {
	store      Store
	batcher    *push.Batcher
	logger     *slog.Logger
	appName    string
	now        func() time.Time
	isNotFound func(error) bool
}

// New creates an engine. isNotFound classifies store errors for missing documents.
func New(store Store, batcher *push.Batcher, appName string, isNotFound func(error) bool, logger *slog.Logger) *Engine {
	return &Engine{
		store:      store,
		batcher:    batcher,
		logger:     logger,
		appName:    appName,
		now:        time.Now,
		isNotFound: isNotFound,
	}
}

type audience struct {
	title      string
	descriptor string
	users      []*notifier.User
}

// Send authorises callerID, resolves the audience and pushes the message.
// Authorisation and validation failures are returned as-is before any
// audience read. Any other failure is recorded and reported as
// notifier.ErrInternal.
func (e *Engine) Send(ctx context.Context, callerID string, req Request) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = Result{}, e.fail(ctx, callerID, req, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := e.authorize(ctx, callerID); err != nil {
		if isExpected(err) {
			return Result{}, err
		}
		return Result{}, e.fail(ctx, callerID, req, err)
	}
	if err := validate(&req); err != nil {
		return Result{}, err
	}

	// An accepted fan-out runs to completion even if the caller goes away,
	// so progress always reaches completed and analytics are written.
	ctx = context.WithoutCancel(ctx)

	aud, err := e.resolve(ctx, callerID, req)
	if err != nil {
		if isExpected(err) {
			e.logger.Warn("Fan-out audience not found", "kind", req.AudienceKind, "audience_id", req.AudienceID)
			return Result{}, err
		}
		return Result{}, e.fail(ctx, callerID, req, err)
	}
	if len(aud.users) == 0 {
		e.logger.Info("Fan-out audience is empty", "audience", aud.descriptor, "sender", callerID)
		return Result{}, nil
	}

	res, err = e.deliver(ctx, callerID, req, aud)
	if err != nil {
		return Result{}, e.fail(ctx, callerID, req, err)
	}
	return res, nil
}

func isExpected(err error) bool {
	return errors.Is(err, notifier.ErrUnauthenticated) ||
		errors.Is(err, notifier.ErrUnauthorized) ||
		errors.Is(err, notifier.ErrInvalidRequest) ||
		errors.Is(err, notifier.ErrNotFound)
}

func (e *Engine) authorize(ctx context.Context, callerID string) error {
	if callerID == "" {
		return notifier.ErrUnauthenticated
	}
	caller, err := e.store.User(ctx, callerID)
	if err != nil {
		if e.isNotFound(err) {
			return fmt.Errorf("caller %s has no user record: %w", callerID, notifier.ErrUnauthorized)
		}
		return fmt.Errorf("load caller: %w", err)
	}
	if !caller.IsAdmin {
		return fmt.Errorf("caller %s is not an admin: %w", callerID, notifier.ErrUnauthorized)
	}
	return nil
}

func validate(req *Request) error {
	req.MessageText = strings.TrimSpace(req.MessageText)
	if req.MessageText == "" {
		return fmt.Errorf("message text is required: %w", notifier.ErrInvalidRequest)
	}
	switch req.AudienceKind {
	case AudienceGlobal:
		return nil
	case AudienceSubChat, AudienceCampaign:
		if req.AudienceID == "" {
			return fmt.Errorf("audience id is required for %s: %w", req.AudienceKind, notifier.ErrInvalidRequest)
		}
		return nil
	default:
		return fmt.Errorf("unknown audience kind %q: %w", req.AudienceKind, notifier.ErrInvalidRequest)
	}
}

// resolve returns the users with a push destination in the audience, sender excluded.
func (e *Engine) resolve(ctx context.Context, senderID string, req Request) (audience, error) {
	aud := audience{title: e.appName, descriptor: string(req.AudienceKind)}
	var members []string

	switch req.AudienceKind {
	case AudienceSubChat:
		chat, err := e.store.SubChat(ctx, req.AudienceID)
		if err != nil {
			return aud, e.wrapLookup("subchat", req.AudienceID, err)
		}
		aud.title = orDefault(chat.Name, e.appName)
		members = chat.Members
	case AudienceCampaign:
		c, err := e.store.Campaign(ctx, req.AudienceID)
		if err != nil {
			return aud, e.wrapLookup("campaign", req.AudienceID, err)
		}
		aud.title = orDefault(c.Title, e.appName)
		members = c.ApprovedUsers
	}
	if req.AudienceID != "" {
		aud.descriptor += ":" + req.AudienceID
	}

	users, err := e.store.UsersWithPushToken(ctx)
	if err != nil {
		return aud, fmt.Errorf("list users with push token: %w", err)
	}
	for _, u := range users {
		if u.ID == senderID || !u.HasPushDestination() {
			continue
		}
		if req.AudienceKind != AudienceGlobal && !slices.Contains(members, u.ID) {
			continue
		}
		aud.users = append(aud.users, u)
	}
	return aud, nil
}

func (e *Engine) wrapLookup(kind, id string, err error) error {
	if e.isNotFound(err) {
		return fmt.Errorf("%s %s: %w", kind, id, notifier.ErrNotFound)
	}
	return fmt.Errorf("load %s %s: %w", kind, id, err)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func (e *Engine) deliver(ctx context.Context, senderID string, req Request, aud audience) (Result, error) {
	progress := &notifier.NotificationProgress{
		Type:         JobName,
		Audience:     aud.descriptor,
		SenderID:     senderID,
		TotalTargets: len(aud.users),
		Status:       notifier.ProgressProcessing,
	}
	if err := e.store.CreateProgress(ctx, progress); err != nil {
		return Result{}, err
	}

	body := push.Preview(req.MessageText)
	msgs := make([]push.Message, len(aud.users))
	for i, u := range aud.users {
		msgs[i] = push.Message{
			To:       u.PushToken,
			Title:    aud.title,
			Body:     body,
			Sound:    "default",
			Priority: "high",
			Data: map[string]any{
				"type":            "announcement",
				"audienceKind":    string(req.AudienceKind),
				"audienceId":      req.AudienceID,
				"sourceMessageId": req.SourceMessageID,
			},
		}
	}

	sent := e.batcher.Send(ctx, msgs, func(r push.Result) {
		progress.SentCount = r.Sent
		progress.FailedCount = r.Failed
		progress.FailedDestinations = r.FailedTokens
		if err := e.store.UpdateProgress(ctx, progress); err != nil {
			e.logger.Warn("Failed to update fan-out progress", "progress_id", progress.ID, "error", err)
		}
	})

	completed := e.now().UTC()
	progress.SentCount = sent.Sent
	progress.FailedCount = sent.Failed
	progress.FailedDestinations = sent.FailedTokens
	progress.Status = notifier.ProgressCompleted
	progress.CompletedAt = &completed
	if err := e.store.UpdateProgress(ctx, progress); err != nil {
		return Result{}, err
	}

	if err := e.store.AddAnalytics(ctx, &notifier.NotificationAnalytics{
		Type:            JobName,
		Audience:        aud.descriptor,
		SenderID:        senderID,
		SourceMessageID: req.SourceMessageID,
		ProgressID:      progress.ID,
		TotalTargets:    sent.Total,
		Sent:            sent.Sent,
		Failed:          sent.Failed,
	}); err != nil {
		e.logger.Warn("Failed to write fan-out analytics", "progress_id", progress.ID, "error", err)
	}

	e.logger.Info("Fan-out completed",
		"progress_id", progress.ID,
		"audience", aud.descriptor,
		"sender", senderID,
		"total", sent.Total,
		"sent", sent.Sent,
		"failed", sent.Failed,
		"batches", sent.Batches)

	return Result{
		Sent:         sent.Sent,
		Failed:       sent.Failed,
		TotalTargets: sent.Total,
		ProgressID:   progress.ID,
	}, nil
}

// fail records an unexpected error and returns the generic failure.
func (e *Engine) fail(ctx context.Context, callerID string, req Request, cause error) error {
	e.logger.Error("Fan-out failed", "sender", callerID, "audience_id", req.AudienceID, "error", cause)
	rec := &notifier.NotificationError{
		Job:       JobName,
		SurfaceID: req.AudienceID,
		ActorID:   callerID,
		Error:     cause.Error(),
		Stack:     string(debug.Stack()),
	}
	if err := e.store.AddError(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Error("Failed to record fan-out error", "error", err)
	}
	return notifier.ErrInternal
}
