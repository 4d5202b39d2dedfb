package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"campaign-notifier/fanout"
	"campaign-notifier/jobs"
	"campaign-notifier/pkg/notifier"
	"campaign-notifier/unread"
)

const maxBodyBytes = 64 << 10

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type unreadResponse struct {
	Count      int             `json:"count"`
	PerSurface map[string]bool `json:"perSurface"`
}

func toUnreadResponse(st unread.State) unreadResponse {
	resp := unreadResponse{Count: st.Count, PerSurface: make(map[string]bool, len(st.PerSurface))}
	for k, v := range st.PerSurface {
		resp.PerSurface[string(k)] = v
	}
	return resp
}

type readRequest struct {
	Key string `json:"key"`
}

type eventWrite struct {
	Before *notifier.Event `json:"before"`
	After  *notifier.Event `json:"after"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, errorResponse{Error: code, Message: msg})
}

func (s *Server) writeCompleted(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// writeCallError maps an operation error onto its HTTP status. Internal
// details never reach the client.
func (s *Server) writeCallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, notifier.ErrUnauthenticated):
		s.writeError(w, http.StatusUnauthorized, "unauthenticated", "Authentication required")
	case errors.Is(err, notifier.ErrUnauthorized):
		s.writeError(w, http.StatusForbidden, "permission-denied", "Not allowed")
	case errors.Is(err, notifier.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, "invalid-argument", err.Error())
	case errors.Is(err, notifier.ErrNotFound), s.isNotFound != nil && s.isNotFound(err):
		s.writeError(w, http.StatusNotFound, "not-found", "Not found")
	default:
		s.writeError(w, http.StatusInternalServerError, "internal", "Internal error")
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", notifier.ErrInvalidRequest, err)
	}
	return nil
}

// handleJob runs a scheduled entry point on demand. Job failures are recorded
// by the runner; the response is always a completion.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.checkJobToken(w, r) {
		return
	}

	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/jobs/"), "/")
	if err := s.jobs.Run(r.Context(), name); err != nil {
		if errors.Is(err, jobs.ErrUnknownJob) {
			s.writeError(w, http.StatusNotFound, "not-found", "Unknown job")
			return
		}
		s.logger.Error("Job dispatch failed", "job", name, "error", err)
	}
	s.writeCompleted(w)
}

func (s *Server) handleEventHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.checkJobToken(w, r) {
		return
	}

	var ev eventWrite
	if err := s.decode(w, r, &ev); err != nil {
		s.writeCallError(w, err)
		return
	}
	if ev.Before == nil && ev.After == nil {
		s.writeError(w, http.StatusBadRequest, "invalid-argument", "before or after is required")
		return
	}

	if err := s.events.OnEventWrite(r.Context(), ev.Before, ev.After); err != nil {
		s.logger.Error("Event hook failed", "error", err)
	}
	s.writeCompleted(w)
}

func (s *Server) handleNotifyEveryone(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, err := s.callerID(r)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	if !s.limiter.allow(uid) {
		s.logger.Warn("Fan-out rate limit exceeded", "caller", uid, "ip", clientIP(r))
		s.writeError(w, http.StatusTooManyRequests, "resource-exhausted", "Too many requests")
		return
	}

	var req fanout.Request
	if err := s.decode(w, r, &req); err != nil {
		s.writeCallError(w, err)
		return
	}

	res, err := s.notifier.Send(r.Context(), uid, req)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, err := s.callerID(r)
	if err != nil {
		s.writeCallError(w, err)
		return
	}

	ctx := r.Context()
	u, err := s.store.User(ctx, uid)
	if err != nil {
		s.logger.Warn("Unread lookup for unknown user", "user", uid, "error", err)
		s.writeCallError(w, err)
		return
	}
	agg, err := unread.NewAggregator(ctx, s.store, s.logger)
	if err != nil {
		s.logger.Error("Failed to load surfaces", "error", err)
		s.writeCallError(w, err)
		return
	}
	st, err := agg.State(ctx, u)
	if err != nil {
		s.logger.Error("Failed to compute unread state", "user", uid, "error", err)
		s.writeCallError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toUnreadResponse(st))
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, err := s.callerID(r)
	if err != nil {
		s.writeCallError(w, err)
		return
	}

	var req readRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeCallError(w, err)
		return
	}
	key := notifier.UnreadKey(req.Key)
	if _, _, ok := notifier.ParseUnreadKey(key); !ok {
		s.writeError(w, http.StatusBadRequest, "invalid-argument", "Unknown surface key")
		return
	}

	if err := s.store.MarkRead(r.Context(), uid, key); err != nil {
		s.logger.Error("Failed to mark read", "user", uid, "key", req.Key, "error", err)
		s.writeCallError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUnreadStream pushes the caller's unread state as server-sent events
// until the client disconnects.
func (s *Server) handleUnreadStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, err := s.callerID(r)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok || s.watcher == nil {
		s.writeError(w, http.StatusNotImplemented, "unimplemented", "Streaming not supported")
		return
	}

	ctx := r.Context()
	if _, err := s.store.User(ctx, uid); err != nil {
		s.writeCallError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Info("Unread stream opened", "user", uid)
	states := unread.NewSession(uid, s.store, s.watcher, s.session, s.logger).Run(ctx)
	for st := range states {
		data, err := json.Marshal(toUnreadResponse(st))
		if err != nil {
			s.logger.Error("Failed to encode unread state", "user", uid, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: unread\ndata: %s\n\n", data); err != nil {
			s.logger.Info("Unread stream write failed", "user", uid, "error", err)
			return
		}
		flusher.Flush()
	}
	s.logger.Info("Unread stream closed", "user", uid)
}
