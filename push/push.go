// Package push sends notifications to mobile devices through pluggable gateways.
package push

import (
	"context"
	"fmt"
	"strings"
)

// Message is one push notification addressed to a single destination.
type Message struct {
	To               string         `json:"to"`
	Title            string         `json:"title,omitempty"`
	Body             string         `json:"body,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
	Badge            *int           `json:"badge,omitempty"`
	Sound            string         `json:"sound,omitempty"`
	Priority         string         `json:"priority,omitempty"`
	ContentAvailable bool           `json:"_contentAvailable,omitempty"`
}

// Ticket statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Ticket is the gateway's per-message delivery result.
type Ticket struct {
	Status  string         `json:"status"`
	ID      string         `json:"id,omitempty"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// OK reports whether the gateway accepted the message.
func (t Ticket) OK() bool {
	return t.Status == StatusOK
}

// Gateway sends a batch of messages and returns one ticket per message, in order.
type Gateway interface {
	SendBatch(ctx context.Context, msgs []Message) ([]Ticket, error)
}

// TransportError indicates the whole batch failed (non-success status or network error).
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("push gateway returned HTTP %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("push gateway request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BadgeMessage builds a silent badge update. A zero count clears the badge.
func BadgeMessage(to string, count int) Message {
	n := count
	return Message{
		To:               to,
		Badge:            &n,
		Data:             map[string]any{"type": "badge_update", "badge": count},
		Priority:         "normal",
		ContentAvailable: true,
	}
}

const maxPreviewLen = 100

// Preview shortens text for a notification body: at most the first two lines,
// capped at 100 characters.
func Preview(text string) string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	lines := strings.Split(text, "\n")
	if len(lines) > 2 {
		lines = lines[:2]
	}
	text = strings.Join(lines, "\n")

	r := []rune(text)
	if len(r) <= maxPreviewLen {
		return text
	}
	return strings.TrimRight(string(r[:maxPreviewLen-3]), " \n") + "..."
}
