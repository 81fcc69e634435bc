package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/skyfleet/missionagent/internal/jobs"
	"github.com/skyfleet/missionagent/internal/model"
)

const (
	TaskNotify  = "jobs:notify"
	notifyQueue = "notify"
)

type notifyPayload struct {
	Thing string `json:"thing"`
}

// Notifier enqueues notify tasks. A task is retried until the notification
// reaches the messaging server.
type Notifier struct {
	client *asynq.Client
}

func NewNotifier(opt asynq.RedisConnOpt) *Notifier {
	return &Notifier{client: asynq.NewClient(opt)}
}

func (n *Notifier) Enqueue(ctx context.Context, thing string) error {
	body, err := json.Marshal(notifyPayload{Thing: thing})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskNotify, body, asynq.Queue(notifyQueue))
	info, err := n.client.EnqueueContext(ctx, task, asynq.MaxRetry(5), asynq.Timeout(10*time.Second))
	if err != nil {
		return fmt.Errorf("enqueueing notify task: %w", err)
	}
	slog.DebugContext(ctx, "notify task enqueued", "thing", thing, "task_id", info.ID)
	return nil
}

func (n *Notifier) Close() error {
	return n.client.Close()
}

// NotifyHandler processes notify tasks: it lists the pending jobs of the
// device and publishes them on its notify subject.
type NotifyHandler struct {
	store     Jobs
	publisher Publisher
	now       func() time.Time
}

func NewNotifyHandler(store Jobs, publisher Publisher) *NotifyHandler {
	return &NotifyHandler{store: store, publisher: publisher, now: time.Now}
}

func (h *NotifyHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload notifyPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
	}
	if !jobs.ValidToken(payload.Thing) {
		return fmt.Errorf("%w: invalid thing %q", asynq.SkipRetry, payload.Thing)
	}
	return h.Notify(ctx, payload.Thing)
}

func (h *NotifyHandler) Notify(ctx context.Context, thing string) error {
	pending, err := h.store.Pending(ctx, thing)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(jobs.Notification{
		Timestamp: h.now(),
		Jobs: map[model.JobStatus][]model.JobSummary{
			model.JobQueued:     summaries(pending.Queued),
			model.JobInProgress: summaries(pending.InProgress),
		},
	})
	if err != nil {
		return err
	}
	if err := h.publisher.Publish(jobs.NotifySubject(thing), raw); err != nil {
		return fmt.Errorf("publishing notification: %w", err)
	}
	slog.DebugContext(ctx, "agent notified", "thing", thing, "queued", len(pending.Queued))
	return nil
}

// Worker runs the notify handler until Shutdown.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

func NewWorker(opt asynq.RedisConnOpt, handler *NotifyHandler) *Worker {
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: 2,
		Queues:      map[string]int{notifyQueue: 1},
		Logger:      asynqLogger{},
	})
	mux := asynq.NewServeMux()
	mux.Handle(TaskNotify, handler)
	return &Worker{server: server, mux: mux}
}

func (w *Worker) Start() error {
	if err := w.server.Start(w.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		return fmt.Errorf("starting notify worker: %w", err)
	}
	return nil
}

func (w *Worker) Shutdown() {
	w.server.Shutdown()
}

// asynqLogger routes the worker's log lines to slog.
type asynqLogger struct{}

func (asynqLogger) Debug(args ...any) { slog.Debug(fmt.Sprint(args...), "component", "asynq") }
func (asynqLogger) Info(args ...any)  { slog.Info(fmt.Sprint(args...), "component", "asynq") }
func (asynqLogger) Warn(args ...any)  { slog.Warn(fmt.Sprint(args...), "component", "asynq") }
func (asynqLogger) Error(args ...any) { slog.Error(fmt.Sprint(args...), "component", "asynq") }
func (asynqLogger) Fatal(args ...any) { slog.Error(fmt.Sprint(args...), "component", "asynq", "fatal", true) }
