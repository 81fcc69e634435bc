package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/skyfleet/missionagent/internal/jobs"
	"github.com/skyfleet/missionagent/internal/model"
)

// Queue is the part of the job queue client the supervisor needs.
type Queue interface {
	Pending(ctx context.Context) (jobs.PendingResponse, error)
	SubscribeNotify(ctx context.Context, fn func(context.Context, jobs.Notification)) error
	SubscribeCancel(ctx context.Context, fn func(context.Context, string)) error
	Connected() bool
	Close() error
}

type Orchestrator interface {
	Notify(ctx context.Context) error
	Cancel(ctx context.Context, id string) bool
	Busy() (string, bool)
	Close()
}

type Telemetry interface {
	Publish(ctx context.Context) error
}

type Config struct {
	PollSchedule      model.Schedule
	TelemetryInterval time.Duration // zero disables telemetry
}

type Supervisor struct {
	queue     Queue
	orch      Orchestrator
	telemetry Telemetry
	interval  time.Duration
	start     chan struct{}
	scheduler gocron.Scheduler
}

// NewSupervisor prepares the schedule. Nothing runs before Do is called.
// A nil telemetry disables the periodic publication.
func NewSupervisor(ctx context.Context, cfg Config, queue Queue, orch Orchestrator, telemetry Telemetry) (*Supervisor, error) {
	if queue == nil || orch == nil {
		return nil, errors.New("queue and orchestrator are required")
	}
	s := &Supervisor{
		queue:     queue,
		orch:      orch,
		telemetry: telemetry,
		interval:  cfg.TelemetryInterval,
		start:     make(chan struct{}, 1),
	}
	if telemetry == nil {
		s.interval = 0
	}

	scheduler, err := newScheduler(ctx, cfg.PollSchedule, s.interval, s.Poll, func() { s.publish(ctx) })
	if err != nil {
		return nil, err
	}
	s.scheduler = scheduler
	return s, nil
}

// Poll asks the Do loop to look for queued jobs. It never blocks and ticks
// arriving while one is pending are merged.
func (s *Supervisor) Poll() {
	select {
	case s.start <- struct{}{}:
	default:
	}
}

// Do runs the supervisor until ctx is canceled. It fails only when the
// subscriptions cannot be established.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")

	defer func() {
		if err := s.scheduler.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()
	defer func() {
		if err := s.queue.Close(); err != nil {
			slog.ErrorContext(ctx, "closing job queue client has failed", "error", err)
		}
	}()
	defer func() {
		s.orch.Close()
	}()

	err := s.queue.SubscribeNotify(ctx, func(ctx context.Context, _ jobs.Notification) {
		if ctx.Err() != nil {
			return
		}
		slog.DebugContext(ctx, "job queue notification")
		if err := s.orch.Notify(ctx); err != nil {
			slog.ErrorContext(ctx, "handling notification has failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	err = s.queue.SubscribeCancel(ctx, func(ctx context.Context, id string) {
		s.orch.Cancel(ctx, id)
	})
	if err != nil {
		return err
	}

	s.checkPending(ctx)
	s.Poll()

	s.scheduler.Start()

	for {
		select {
		case <-ctx.Done():
			slog.DebugContext(ctx, "stopping a supervisor")
			return nil
		case <-s.start:
			if id, busy := s.orch.Busy(); busy {
				slog.DebugContext(ctx, "poll skipped: job executing", "job_id", id)
				continue
			}
			if err := s.orch.Notify(ctx); err != nil {
				slog.ErrorContext(ctx, "polling for jobs has failed", "error", err)
			}
		}
	}
}

// checkPending warns about jobs a previous run of the agent left in
// progress. Nothing resumes them.
func (s *Supervisor) checkPending(ctx context.Context) {
	pending, err := s.queue.Pending(ctx)
	if err != nil {
		slog.WarnContext(ctx, "listing pending jobs has failed", "error", err)
		return
	}
	for _, job := range pending.InProgressJobs {
		slog.WarnContext(ctx, "job left in progress by a previous run",
			slog.String("job_id", job.JobID),
			slog.Time("queued_at", job.QueuedAt),
			slog.Int64("version", job.VersionNumber))
	}
	slog.InfoContext(ctx, "pending jobs",
		slog.Int("queued", len(pending.QueuedJobs)),
		slog.Int("in_progress", len(pending.InProgressJobs)))
}

func (s *Supervisor) publish(ctx context.Context) {
	if !s.queue.Connected() {
		slog.DebugContext(ctx, "telemetry skipped: not connected")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()
	if err := s.telemetry.Publish(ctx); err != nil {
		slog.WarnContext(ctx, "publishing telemetry has failed", "error", err)
	}
}

func newScheduler(ctx context.Context, poll model.Schedule, every time.Duration, pollFunc, telemetryFunc func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case poll.Cron != "":
		if _, err := model.ParseCron(poll.Cron); err != nil {
			return nil, fmt.Errorf("parsing poll schedule: %w", err)
		}
		job = gocron.CronJob(poll.Cron, false)
	case poll.Every > 0:
		job = gocron.DurationJob(poll.Every)
	default:
		return nil, errors.New("both cron and duration are empty")
	}
	slog.DebugContext(ctx, "poll schedule", "schedule", poll.String())

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(job, gocron.NewTask(pollFunc), gocron.WithName("poll"))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("initializing gocron poll job: %w", err), s.Shutdown())
	}
	if every > 0 {
		_, err = s.NewJob(
			gocron.DurationJob(every),
			gocron.NewTask(telemetryFunc),
			gocron.WithName("telemetry"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("initializing gocron telemetry job: %w", err), s.Shutdown())
		}
	}
	return s, nil
}

// WriteUploader writes every payload to w, stdout when w is nil.
type WriteUploader struct {
	w io.Writer
}

func NewWriteUploader(w io.Writer) WriteUploader {
	return WriteUploader{w: w}
}

func (u WriteUploader) Upload(_ context.Context, raw []byte) error {
	if u.w == nil {
		u.w = os.Stdout
	}
	_, err := fmt.Fprintf(u.w, "%s\n", raw)
	return err
}

// OSRootUploader stores every payload as a new file inside a directory.
type OSRootUploader struct {
	root *os.Root
	ext  string
}

func NewOSRootUploader(path, ext string) (*OSRootUploader, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &OSRootUploader{root: root, ext: ext}, nil
}

func (u *OSRootUploader) Upload(ctx context.Context, b []byte) error {
	if u.root == nil {
		return errors.New("root already closed")
	}

	path := "telemetry-" + time.Now().UTC().Format("2006-01-02-15-04-05.000") + "." + u.ext

	f, err := u.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating telemetry file: %w", err)
	}
	_, err = f.Write(b)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving telemetry: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing telemetry file: %w", err)
	}
	slog.InfoContext(ctx, "telemetry saved", "path", path)
	return nil
}

func (u *OSRootUploader) Close() error {
	if u.root == nil {
		return errors.New("uploader already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}

var (
	_ model.Uploader     = WriteUploader{}
	_ model.UploadCloser = (*OSRootUploader)(nil)
)
