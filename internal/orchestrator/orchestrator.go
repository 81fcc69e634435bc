package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skyfleet/missionagent/internal/bundle"
	"github.com/skyfleet/missionagent/internal/log"
	"github.com/skyfleet/missionagent/internal/model"
)

var (
	ErrCanceled       = errors.New("job canceled")
	ErrMissionTimeout = errors.New("mission timed out")
)

// Queue is the job queue as seen by the orchestrator.
type Queue interface {
	// NextQueuedJob returns nil when nothing is queued.
	NextQueuedJob(ctx context.Context) (*model.JobSummary, error)
	Describe(ctx context.Context, id string) (*model.JobDetails, error)
	UpdateStatus(ctx context.Context, id string, status model.JobStatus) error
}

type Fetcher interface {
	Fetch(ctx context.Context, url, dir string) (string, error)
}

type Extractor interface {
	Extract(archive, member, outDir string) (string, error)
}

type Vehicle interface {
	Connected() bool
	Connect(ctx context.Context) error
	UploadMission(ctx context.Context, path string, returnToLaunch bool) error
	Arm(ctx context.Context) error
	StartMission(ctx context.Context) error
	AwaitMissionFinished(ctx context.Context) error
	CancelMission(ctx context.Context) error
}

type Config struct {
	Sandbox bundle.Sandbox
	// Member is the archive member holding the mission, the device name.
	Member string
	// MissionTimeout bounds the wait for the mission to finish, zero waits
	// as long as it takes.
	MissionTimeout time.Duration
	// ReportTimeout bounds every status update, 10s when zero.
	ReportTimeout time.Duration
}

type Deps struct {
	Queue     Queue
	Fetcher   Fetcher
	Extractor Extractor
	Vehicle   Vehicle
}

type Orchestrator struct {
	root  context.Context
	cfg   Config
	deps  Deps
	guard Guard
	exec  Executor
	state atomic.Int32

	mx       sync.Mutex
	inflight context.CancelCauseFunc
}

// New returns an Orchestrator whose pipelines run until ctx is done.
func New(ctx context.Context, cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("queue is nil")
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is nil")
	case deps.Extractor == nil:
		return nil, errors.New("extractor is nil")
	case deps.Vehicle == nil:
		return nil, errors.New("vehicle is nil")
	case cfg.Sandbox.Root() == "":
		return nil, errors.New("sandbox root is empty")
	case cfg.Member == "":
		return nil, errors.New("mission member is empty")
	}
	if cfg.ReportTimeout == 0 {
		cfg.ReportTimeout = 10 * time.Second
	}
	return &Orchestrator{root: ctx, cfg: cfg, deps: deps}, nil
}

// State returns the pipeline state, Idle when no job runs.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Busy returns the id of the job being executed.
func (o *Orchestrator) Busy() (string, bool) {
	return o.guard.Owner()
}

// Notify asks the queue for the next queued job and admits it.
func (o *Orchestrator) Notify(ctx context.Context) error {
	next, err := o.deps.Queue.NextQueuedJob(ctx)
	if err != nil {
		return fmt.Errorf("listing queued jobs: %w", err)
	}
	if next == nil {
		slog.DebugContext(ctx, "no queued job")
		return nil
	}
	return o.Admit(ctx, next.JobID)
}

// Admit takes the guard for job id and submits its pipeline. When another
// job holds the guard, id is rejected right away. Admit does not wait for
// the pipeline.
func (o *Orchestrator) Admit(ctx context.Context, id string) error {
	ctx = log.ContextAttrs(ctx, slog.String("job_id", id))

	jobCtx, cancel := context.WithCancelCause(log.ContextAttrs(o.root, slog.String("job_id", id)))
	admitted, err := o.exec.TrySubmit(func() bool {
		o.mx.Lock()
		defer o.mx.Unlock()
		if !o.guard.TryAcquire(id) {
			return false
		}
		o.inflight = cancel
		return true
	}, func() {
		o.run(jobCtx, cancel, id)
	})
	if err != nil {
		cancel(nil)
		slog.ErrorContext(ctx, "job can't be started", "error", err)
		return errors.Join(err, o.report(ctx, id, model.JobFailed))
	}
	if !admitted {
		cancel(nil)
		owner, _ := o.guard.Owner()
		if owner == id {
			// the same job notified again before it left QUEUED
			slog.DebugContext(ctx, "job already executing")
			return nil
		}
		slog.WarnContext(ctx, "another job is executing: rejecting", "executing_job_id", owner)
		return o.report(ctx, id, model.JobRejected)
	}
	slog.InfoContext(ctx, "job admitted")
	return nil
}

// Cancel cancels the executing job if its id matches, an empty id cancels
// whatever runs. It reports whether a job was canceled.
func (o *Orchestrator) Cancel(ctx context.Context, id string) bool {
	o.mx.Lock()
	owner, busy := o.guard.Owner()
	cancel := o.inflight
	o.mx.Unlock()
	if !busy || (id != "" && id != owner) || cancel == nil {
		slog.InfoContext(ctx, "nothing to cancel", "job_id", id)
		return false
	}
	slog.InfoContext(ctx, "canceling job", "job_id", owner)
	cancel(ErrCanceled)
	return true
}

// Close stops accepting jobs and waits for the running pipeline. Cancel the
// context passed to New first to interrupt it.
func (o *Orchestrator) Close() {
	o.exec.Close()
}

func (o *Orchestrator) report(ctx context.Context, id string, status model.JobStatus) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ReportTimeout)
	defer cancel()
	if err := o.deps.Queue.UpdateStatus(ctx, id, status); err != nil {
		slog.ErrorContext(ctx, "status update failed", "status", status, "error", err)
		return fmt.Errorf("updating job %s to %s: %w", id, status, err)
	}
	slog.InfoContext(ctx, "job status updated", "status", status)
	return nil
}
