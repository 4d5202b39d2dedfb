package docstore

import (
	"context"
	"log/slog"
	"time"
)

// Querier is the read side of a Store.
type Querier interface {
	Query(ctx context.Context, collection string, q Query) ([]Snapshot, error)
}

// Watch polls q every interval and sends the full result set whenever it
// differs from the previous one. The first result is always sent. The channel
// is closed when ctx is done.
func Watch(ctx context.Context, s Querier, collection string, q Query, interval time.Duration, logger *slog.Logger) <-chan []Snapshot {
	ch := make(chan []Snapshot, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last []Snapshot
		first := true
		for {
			snaps, err := s.Query(ctx, collection, q)
			switch {
			case err != nil:
				if ctx.Err() == nil {
					logger.Warn("Watch query failed", "collection", collection, "error", err)
				}
			case first || changed(last, snaps):
				first = false
				last = snaps
				select {
				case ch <- snaps:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch
}

func changed(a, b []Snapshot) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if !a[i].equal(b[i]) {
			return true
		}
	}
	return false
}
