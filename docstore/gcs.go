package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// NewGCSStore creates a store keeping documents as objects in a Cloud Storage bucket.
func NewGCSStore(client *storage.Client, bucket string, logger *slog.Logger) *BlobStore {
	return newBlobStore(&gcsBackend{client: client, bucket: bucket, logger: logger}, logger)
}

type gcsBackend struct {
	client *storage.Client
	bucket string
	logger *slog.Logger
}

func (g *gcsBackend) retryOpts(ctx context.Context, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

func (g *gcsBackend) read(ctx context.Context, key string) ([]byte, int64, error) {
	var (
		data     []byte
		gen      int64
		notFound bool
	)
	err := retry.Do(
		func() error {
			r, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
			if err != nil {
				if errors.Is(err, storage.ErrObjectNotExist) {
					notFound = true
					return retry.Unrecoverable(err)
				}
				return fmt.Errorf("open storage reader: %w", err)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					g.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()
			b, err := io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("read from storage: %w", err)
			}
			data, gen = b, r.Attrs.Generation
			return nil
		},
		g.retryOpts(ctx, "read", key)...,
	)
	if notFound {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load after retries: %w", err)
	}
	return data, gen, nil
}

func (g *gcsBackend) write(ctx context.Context, key string, data []byte, cond int64) error {
	var conflict bool
	err := retry.Do(
		func() error {
			obj := g.client.Bucket(g.bucket).Object(key)
			switch {
			case cond == condAbsent:
				obj = obj.If(storage.Conditions{DoesNotExist: true})
			case cond > 0:
				obj = obj.If(storage.Conditions{GenerationMatch: cond})
			}
			w := obj.NewWriter(ctx)
			w.ContentType = "application/json"
			if _, err := w.Write(data); err != nil {
				if closeErr := w.Close(); closeErr != nil {
					g.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", err)
			}
			if err := w.Close(); err != nil {
				if isPreconditionFailed(err) {
					conflict = true
					return retry.Unrecoverable(err)
				}
				return fmt.Errorf("close storage writer: %w", err)
			}
			return nil
		},
		g.retryOpts(ctx, "write", key)...,
	)
	if conflict {
		return errConflict
	}
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

func (g *gcsBackend) remove(ctx context.Context, key string) error {
	err := retry.Do(
		func() error {
			if err := g.client.Bucket(g.bucket).Object(key).Delete(ctx); err != nil {
				if errors.Is(err, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", err)
			}
			return nil
		},
		g.retryOpts(ctx, "delete", key)...,
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

func (g *gcsBackend) list(ctx context.Context, prefix string) ([]string, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{
		Prefix:    prefix,
		Delimiter: "/",
	})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		// Synthetic directory entries carry only Prefix.
		if attrs.Name == "" {
			continue
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}
