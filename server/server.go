// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"campaign-notifier/docstore"
	"campaign-notifier/fanout"
	"campaign-notifier/pkg/notifier"
	"campaign-notifier/unread"
)

// Notifier runs privileged fan-outs.
type Notifier interface {
	Send(ctx context.Context, callerID string, req fanout.Request) (fanout.Result, error)
}

// Jobs runs scheduled entry points by name.
type Jobs interface {
	Run(ctx context.Context, name string) error
}

// EventHook reacts to event document writes.
type EventHook interface {
	OnEventWrite(ctx context.Context, before, after *notifier.Event) error
}

// Store is the per-user data the HTTP surface reads and writes.
type Store interface {
	User(ctx context.Context, id string) (*notifier.User, error)
	MarkRead(ctx context.Context, userID string, key notifier.UnreadKey) error
	Surfaces(ctx context.Context) ([]notifier.Surface, error)
	LatestMessage(ctx context.Context, surface notifier.Surface) (*notifier.Message, error)
	FirstMessage(collection string, snaps []docstore.Snapshot) *notifier.Message
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	notifier      Notifier
	jobs          Jobs
	events        EventHook
	store         Store
	logger        *slog.Logger
	isNotFound    IsNotFound
	jwtSecret     []byte
	jobToken      string
	limiter       *rateLimiter
	// tokenFailures counts wrong job tokens per client address.
	tokenFailures *rateLimiter
	watcher       docstore.Querier
	session       unread.SessionOptions
}

// Config holds server configuration.
type Config struct {
	Notifier   Notifier
	Jobs       Jobs
	Events     EventHook
	Store      Store
	Logger     *slog.Logger
	IsNotFound IsNotFound
	JWTSecret  string
	JobToken   string

	// Watcher backs live unread streams; nil disables /unread/stream.
	Watcher docstore.Querier
	Session unread.SessionOptions
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		notifier:      cfg.Notifier,
		jobs:          cfg.Jobs,
		events:        cfg.Events,
		store:         cfg.Store,
		logger:        cfg.Logger,
		isNotFound:    cfg.IsNotFound,
		jwtSecret:     []byte(cfg.JWTSecret),
		jobToken:      cfg.JobToken,
		limiter:       newRateLimiter(10, time.Hour),
		tokenFailures: newRateLimiter(maxJobTokenFailures, 15*time.Minute),
		watcher:       cfg.Watcher,
		session:       cfg.Session,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/jobs/", s.handleJob)
	mux.HandleFunc("/hooks/events", s.handleEventHook)
	mux.HandleFunc("/notify/everyone", s.handleNotifyEveryone)
	mux.HandleFunc("/unread", s.handleUnread)
	mux.HandleFunc("/unread/stream", s.handleUnreadStream)
	mux.HandleFunc("/read", s.handleRead)
	return mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,  // Time to read request headers and body
		WriteTimeout:      15 * time.Minute,  // Job and fan-out requests run to completion
		IdleTimeout:       120 * time.Second, // Time to keep connection alive between requests
		ReadHeaderTimeout: 5 * time.Second,   // Time to read request headers only
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
		return
	}
}
