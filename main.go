// Package main runs the campaign notification service: unread badge
// reconciliation, admin push fan-outs, event reminders and account purges,
// triggered on a schedule or over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"campaign-notifier/badge"
	"campaign-notifier/config"
	"campaign-notifier/docstore"
	"campaign-notifier/fanout"
	"campaign-notifier/jobs"
	"campaign-notifier/purge"
	"campaign-notifier/push"
	"campaign-notifier/reminder"
	"campaign-notifier/server"
	store "campaign-notifier/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	db, closeDB, err := openDocStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open document store", "error", err)
		os.Exit(1)
	}
	defer closeDB()

	gateway, err := newGateway(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize push gateway", "error", err)
		os.Exit(1)
	}

	repo := store.New(db, logger)

	reconciler := badge.New(repo, gateway, cfg.BadgeChunkSize, cfg.BadgeChunkDelay, logger)
	engine := fanout.New(repo,
		push.NewBatcher(gateway, cfg.FanoutBatchSize, cfg.FanoutBatchDelay, logger),
		cfg.AppName, store.IsNotFound, logger)
	reminders := reminder.New(repo,
		push.NewBatcher(gateway, push.DefaultBatchSize, cfg.FanoutBatchDelay, logger),
		store.IsNotFound, logger)
	purger := purge.New(repo, cfg.PurgeAfter, logger)

	runner := jobs.NewRunner(repo, logger,
		jobs.Job{Name: jobs.Badges, Interval: cfg.BadgeInterval, Run: func(ctx context.Context) error {
			_, err := reconciler.Run(ctx)
			return err
		}},
		jobs.Job{Name: jobs.Reminders, Interval: cfg.ReminderInterval, Run: func(ctx context.Context) error {
			_, err := reminders.FireDue(ctx)
			return err
		}},
		jobs.Job{Name: jobs.Purge, Interval: cfg.PurgeInterval, Run: func(ctx context.Context) error {
			_, err := purger.Run(ctx)
			return err
		}},
	)
	if cfg.SchedulerEnabled {
		runner.Start(ctx)
		defer runner.Stop()
	} else {
		logger.Info("In-process scheduler disabled, jobs run via /jobs endpoints")
	}

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, authenticated endpoints will reject every request")
	}

	srv := server.New(&server.Config{
		Notifier:   engine,
		Jobs:       runner,
		Events:     reminders,
		Store:      repo,
		Logger:     logger,
		IsNotFound: store.IsNotFound,
		JWTSecret:  cfg.JWTSecret,
		JobToken:   cfg.JobToken,
		Watcher:    repo.DB(),
	})
	if err := srv.ListenAndServe(ctx, cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", "error", err)
		stop()
		os.Exit(1)
	}
}

// openDocStore picks the backend: Mongo, then a GCS bucket, then a local directory.
func openDocStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (docstore.Store, func(), error) {
	switch {
	case cfg.MongoURI != "":
		client, err := docstore.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using MongoDB document store", "database", cfg.MongoDatabase)
		closeFn := func() {
			dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := client.Disconnect(dctx); err != nil {
				logger.Warn("Failed to disconnect MongoDB client", "error", err)
			}
		}
		return docstore.NewMongoStore(client.Database(cfg.MongoDatabase), logger), closeFn, nil

	case cfg.Bucket != "":
		var opts []option.ClientOption
		if cfg.GoogleCredentialsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.GoogleCredentialsJSON)))
		} else if !isCloudRun(ctx) {
			logger.Warn("No GOOGLE_CREDENTIALS_JSON and not on Cloud Run, relying on application default credentials")
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("storage client: %w", err)
		}
		logger.Info("Using Cloud Storage document store", "bucket", cfg.Bucket)
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}
		return docstore.NewGCSStore(client, cfg.Bucket, logger), closeFn, nil
	}

	dir := cfg.LocalStorage
	if dir == "" {
		dir = "./data"
		logger.Info("No STORAGE_BUCKET or MONGO_URI set, defaulting to local development mode", "storage_path", dir)
	}
	db, err := docstore.NewLocalStore(dir, logger)
	if err != nil {
		return nil, nil, err
	}
	return db, func() {}, nil
}

// newGateway returns the push gateway. Local mode without an Expo token mocks delivery.
func newGateway(cfg *config.Config, logger *slog.Logger) (push.Gateway, error) {
	if cfg.MockPush || (cfg.LocalMode() && cfg.ExpoAccessToken == "") {
		logger.Info("Mock push mode enabled")
		return push.NewMockGateway(logger), nil
	}

	var native push.Gateway
	if cfg.APNsCertFile != "" {
		apns, err := push.NewAPNsGateway(cfg.APNsCertFile, cfg.APNsCertPassword, cfg.APNsTopic, cfg.APNsProduction, logger)
		if err != nil {
			return nil, err
		}
		native = apns
	}
	return push.NewRouter(push.NewExpoGateway(cfg.ExpoEndpoint, cfg.ExpoAccessToken, logger), native), nil
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}
