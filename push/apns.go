package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
)

// APNsGateway sends notifications directly to Apple devices registered with a
// native device token.
type APNsGateway struct {
	client *apns2.Client
	topic  string
	logger *slog.Logger
}

// NewAPNsGateway loads a .p12 certificate and creates a gateway for topic
// (the app bundle id).
func NewAPNsGateway(certFile, password, topic string, production bool, logger *slog.Logger) (*APNsGateway, error) {
	cert, err := certificate.FromP12File(certFile, password)
	if err != nil {
		return nil, fmt.Errorf("read APNs certificate %s: %w", certFile, err)
	}
	client := apns2.NewClient(cert).Development()
	if production {
		client = client.Production()
	}
	return &APNsGateway{client: client, topic: topic, logger: logger}, nil
}

func apnsPayload(m Message) ([]byte, error) {
	aps := map[string]any{}
	if m.Title != "" || m.Body != "" {
		aps["alert"] = map[string]any{"title": m.Title, "body": m.Body}
	}
	if m.Badge != nil {
		aps["badge"] = *m.Badge
	}
	if m.Sound != "" {
		aps["sound"] = m.Sound
	}
	if m.ContentAvailable {
		aps["content-available"] = 1
	}
	doc := map[string]any{"aps": aps}
	for k, v := range m.Data {
		if k != "aps" {
			doc[k] = v
		}
	}
	return json.Marshal(doc)
}

// SendBatch pushes each message in turn. APNs has no batch endpoint, so a
// per-message failure becomes an error ticket rather than a batch failure.
func (g *APNsGateway) SendBatch(ctx context.Context, msgs []Message) ([]Ticket, error) {
	tickets := make([]Ticket, 0, len(msgs))
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return nil, &TransportError{Err: err}
		}
		payload, err := apnsPayload(m)
		if err != nil {
			tickets = append(tickets, Ticket{Status: StatusError, Message: err.Error()})
			continue
		}

		n := &apns2.Notification{
			DeviceToken: m.To,
			Topic:       g.topic,
			Payload:     payload,
			Expiration:  time.Now().Add(24 * time.Hour),
		}
		if m.ContentAvailable && m.Title == "" && m.Body == "" {
			n.PushType = apns2.PushTypeBackground
			n.Priority = apns2.PriorityLow
		} else {
			n.PushType = apns2.PushTypeAlert
			n.Priority = apns2.PriorityHigh
		}

		res, err := g.client.PushWithContext(ctx, n)
		if err != nil {
			g.logger.Warn("APNs push failed", "error", err)
			tickets = append(tickets, Ticket{Status: StatusError, Message: err.Error()})
			continue
		}
		if !res.Sent() {
			tickets = append(tickets, Ticket{
				Status:  StatusError,
				ID:      res.ApnsID,
				Message: res.Reason,
				Details: map[string]any{"error": res.Reason, "statusCode": res.StatusCode},
			})
			continue
		}
		tickets = append(tickets, Ticket{Status: StatusOK, ID: res.ApnsID})
	}
	return tickets, nil
}
