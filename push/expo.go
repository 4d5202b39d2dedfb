package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultExpoEndpoint is the Expo push service send URL.
const DefaultExpoEndpoint = "https://exp.host/--/api/v2/push/send"

// ExpoGateway sends notifications through the Expo push HTTP API.
type ExpoGateway struct {
	endpoint    string
	accessToken string
	client      *http.Client
	logger      *slog.Logger
	retryDelay  time.Duration
	maxJitter   time.Duration
}

// NewExpoGateway creates an Expo gateway. An empty endpoint uses DefaultExpoEndpoint;
// accessToken is optional.
func NewExpoGateway(endpoint, accessToken string, logger *slog.Logger) *ExpoGateway {
	if endpoint == "" {
		endpoint = DefaultExpoEndpoint
	}
	return &ExpoGateway{
		endpoint:    endpoint,
		accessToken: accessToken,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
		retryDelay:  time.Second,
		maxJitter:   10 * time.Second,
	}
}

type expoResponse struct {
	Data   []Ticket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// retryable reports whether a status means the batch was not accepted and may be resent.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

// SendBatch posts up to 100 messages in one request. Only throttling and
// unavailability responses are retried; anything else might already have
// been delivered.
func (g *ExpoGateway) SendBatch(ctx context.Context, msgs []Message) ([]Ticket, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("marshal push batch: %w", err)
	}

	var (
		tickets    []Ticket
		statusCode int
	)
	err = retry.Do(
		func() error {
			statusCode = 0
			startTime := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json")
			if g.accessToken != "" {
				req.Header.Set("Authorization", "Bearer "+g.accessToken)
			}

			resp, err := g.client.Do(req)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					g.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()
			statusCode = resp.StatusCode

			data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("read response: %w", err))
			}

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
				if retryable(resp.StatusCode) {
					g.logger.Warn("Expo push throttled, will retry", "status_code", resp.StatusCode)
					return err
				}
				return retry.Unrecoverable(err)
			}

			var out expoResponse
			if err := json.Unmarshal(data, &out); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
			}
			if len(out.Errors) > 0 {
				return retry.Unrecoverable(fmt.Errorf("expo error %s: %s", out.Errors[0].Code, out.Errors[0].Message))
			}
			tickets = out.Data

			g.logger.Info("Expo push request completed",
				"messages", len(msgs),
				"tickets", len(tickets),
				"duration_ms", time.Since(startTime).Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(g.retryDelay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(g.maxJitter),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Expo push batch after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, &TransportError{StatusCode: statusCode, Err: err}
	}
	return tickets, nil
}
