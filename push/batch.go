package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"campaign-notifier/pkg/notifier"
)

// DefaultBatchSize matches the Expo per-request message limit.
const DefaultBatchSize = 100

// Result aggregates a batched send. Sent + Failed always equals Total.
type Result struct {
	Total        int
	Sent         int
	Failed       int
	Batches      int
	FailedTokens []string // first notifier.MaxRecordedFailures failed destinations
}

func (r *Result) fail(tokens ...string) {
	r.Failed += len(tokens)
	for _, t := range tokens {
		if len(r.FailedTokens) >= notifier.MaxRecordedFailures {
			return
		}
		r.FailedTokens = append(r.FailedTokens, t)
	}
}

// Batcher sends messages in fixed-size batches, one batch at a time, with a
// fixed pause between batches.
type Batcher struct {
	gateway Gateway
	logger  *slog.Logger
	size    int
	delay   time.Duration

	// Sleep waits between batches; replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewBatcher creates a batcher. Non-positive sizes fall back to DefaultBatchSize.
func NewBatcher(gateway Gateway, size int, delay time.Duration, logger *slog.Logger) *Batcher {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &Batcher{gateway: gateway, logger: logger, size: size, delay: delay, Sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Send delivers msgs and reports running totals to onBatch (may be nil) after
// every batch. A failed batch counts every destination in it as failed and
// does not stop later batches. If ctx ends, unsent destinations count as failed.
func (b *Batcher) Send(ctx context.Context, msgs []Message, onBatch func(Result)) Result {
	res := Result{Total: len(msgs)}

	for start := 0; start < len(msgs); start += b.size {
		end := min(start+b.size, len(msgs))

		if start > 0 {
			if err := b.Sleep(ctx, b.delay); err != nil {
				b.logger.Warn("Batch send interrupted", "remaining", len(msgs)-start, "error", err)
				for _, m := range msgs[start:] {
					res.fail(m.To)
				}
				break
			}
		}

		batch := msgs[start:end]
		res.Batches++
		tickets, err := b.sendBatch(ctx, batch)
		if err != nil {
			b.logger.Warn("Push batch failed",
				"batch", res.Batches,
				"size", len(batch),
				"error", err)
			for _, m := range batch {
				res.fail(m.To)
			}
		} else {
			for i, m := range batch {
				if i < len(tickets) && tickets[i].OK() {
					res.Sent++
					continue
				}
				if i < len(tickets) {
					b.logger.Debug("Push ticket error", "to", m.To, "message", tickets[i].Message)
				}
				res.fail(m.To)
			}
		}

		b.logger.Info("Push batch processed",
			"batch", res.Batches,
			"sent", res.Sent,
			"failed", res.Failed,
			"total", res.Total)

		if onBatch != nil {
			onBatch(res)
		}
	}

	return res
}

// sendBatch turns a panicking gateway into a batch failure.
func (b *Batcher) sendBatch(ctx context.Context, batch []Message) (tickets []Ticket, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("push gateway panic: %v", r)
		}
	}()
	tickets, err = b.gateway.SendBatch(ctx, batch)
	if err == nil && len(tickets) == 0 && len(batch) > 0 {
		return nil, errors.New("push gateway returned no tickets")
	}
	return tickets, err
}
