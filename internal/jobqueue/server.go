package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// Serve runs the queue until ctx is canceled.
func Serve(ctx context.Context, cfg Config) error {
	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}
	asynqOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}

	rdb := redis.NewClient(redisOpt)
	defer func() {
		_ = rdb.Close()
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("missionqueue"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("disconnected from nats", "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	defer nc.Close()

	store := NewStore(rdb, cfg.JobRetention)
	notifier := NewNotifier(asynqOpt)
	defer func() {
		_ = notifier.Close()
	}()

	worker := NewWorker(asynqOpt, NewNotifyHandler(store, nc))
	if err := worker.Start(); err != nil {
		return err
	}
	defer worker.Shutdown()

	unsubscribe, err := NewResponder(store, notifier).Subscribe(ctx, nc)
	if err != nil {
		return fmt.Errorf("subscribing to requests: %w", err)
	}
	defer func() {
		if err := unsubscribe(); err != nil {
			slog.WarnContext(ctx, "unsubscribing has failed", "error", err)
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewAPI(store, notifier, nc).Router(cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.InfoContext(ctx, "mission queue started", "http", cfg.HTTPAddr, "nats", nc.ConnectedUrl())

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
