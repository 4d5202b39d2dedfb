package push

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// mockHistory is how many accepted messages the mock keeps for inspection.
const mockHistory = 1000

// MockGateway logs notifications instead of sending them. Used for local development.
type MockGateway struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []Message
	seq  int
}

// NewMockGateway creates a new mock gateway.
func NewMockGateway(logger *slog.Logger) *MockGateway {
	return &MockGateway{logger: logger}
}

// SendBatch logs every message and acknowledges it.
func (m *MockGateway) SendBatch(ctx context.Context, msgs []Message) ([]Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tickets := make([]Ticket, len(msgs))
	for i, msg := range msgs {
		m.seq++
		m.logger.Info("MOCK PUSH",
			"to", msg.To,
			"title", msg.Title,
			"body_length", len(msg.Body),
			"silent", msg.ContentAvailable && msg.Title == "")
		if len(m.sent) == mockHistory {
			m.sent = slices.Delete(m.sent, 0, 1)
		}
		m.sent = append(m.sent, msg)
		tickets[i] = Ticket{Status: StatusOK, ID: fmt.Sprintf("mock-%d", m.seq)}
	}
	return tickets, nil
}

// Sent returns a copy of the most recent messages the mock has accepted.
func (m *MockGateway) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
