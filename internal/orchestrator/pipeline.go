package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"

	"github.com/skyfleet/missionagent/internal/bundle"
	"github.com/skyfleet/missionagent/internal/model"
	"github.com/skyfleet/missionagent/internal/vehicle"
)

type State int32

const (
	StateIdle State = iota
	StateAdmitting
	StateFetching
	StateExtracting
	StateExecuting
	StateMonitoring
	StateReporting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAdmitting:
		return "admitting"
	case StateFetching:
		return "fetching"
	case StateExtracting:
		return "extracting"
	case StateExecuting:
		return "executing"
	case StateMonitoring:
		return "monitoring"
	case StateReporting:
		return "reporting"
	default:
		return "unknown"
	}
}

func (o *Orchestrator) enter(ctx context.Context, s State) {
	o.state.Store(int32(s))
	slog.DebugContext(ctx, "job state", "state", s.String())
}

// run is the unit of work submitted for an admitted job. The guard and the
// cancel func were set up by Admit, run gives both back on every exit.
func (o *Orchestrator) run(ctx context.Context, cancel context.CancelCauseFunc, id string) {
	defer func() {
		cancel(nil)
		o.enter(ctx, StateIdle)
		o.mx.Lock()
		o.inflight = nil
		o.guard.Release()
		o.mx.Unlock()
	}()

	status := o.execute(ctx, id)
	if status == "" {
		return
	}
	o.enter(ctx, StateReporting)
	_ = o.report(ctx, id, status)
}

// execute drives one job and returns its terminal status. An empty status
// means nothing must be reported.
func (o *Orchestrator) execute(ctx context.Context, id string) model.JobStatus {
	o.enter(ctx, StateAdmitting)
	details, err := o.deps.Queue.Describe(ctx, id)
	if err != nil {
		return o.fail(ctx, "describe", err, false)
	}
	if details.Status.Terminal() {
		slog.WarnContext(ctx, "job already finished: ignoring", "status", details.Status)
		return ""
	}

	mission, err := details.Mission()
	if err != nil {
		slog.WarnContext(ctx, "job document rejected", "error", err)
		return model.JobRejected
	}
	var dl model.DownloadFile
	switch m := mission.(type) {
	case model.DownloadFile:
		dl = m
	default:
		slog.WarnContext(ctx, "job document rejected", "mission", m)
		return model.JobRejected
	}

	if details.Status != model.JobInProgress {
		if err := o.deps.Queue.UpdateStatus(ctx, id, model.JobInProgress); err != nil {
			return o.fail(ctx, "report in progress", err, false)
		}
	}

	if _, err := o.cfg.Sandbox.Confine(dl.Destination); err != nil {
		return o.fail(ctx, "sandbox", err, false)
	}

	mb := model.MissionBundle{SourceURL: dl.URL, Destination: dl.Destination}

	o.enter(ctx, StateFetching)
	archive, err := o.deps.Fetcher.Fetch(ctx, mb.SourceURL, mb.Destination)
	if err != nil {
		return o.fail(ctx, "fetch", err, false)
	}

	o.enter(ctx, StateExtracting)
	mb.MissionFile, err = o.deps.Extractor.Extract(archive, o.cfg.Member, filepath.Join(mb.Destination, o.cfg.Member))
	if err != nil {
		return o.fail(ctx, "extract", err, false)
	}
	slog.DebugContext(ctx, "mission bundle ready", "bundle", mb)

	o.enter(ctx, StateExecuting)
	v := o.deps.Vehicle
	if !v.Connected() {
		if err := v.Connect(ctx); err != nil {
			return o.fail(ctx, "connect", err, false)
		}
	}
	if err := v.UploadMission(ctx, mb.MissionFile, true); err != nil {
		return o.fail(ctx, "upload mission", err, false)
	}
	if err := v.Arm(ctx); err != nil {
		return o.fail(ctx, "arm", err, false)
	}
	if err := v.StartMission(ctx); err != nil {
		return o.fail(ctx, "start mission", err, true)
	}

	o.enter(ctx, StateMonitoring)
	monitorCtx := ctx
	if o.cfg.MissionTimeout > 0 {
		var cancel context.CancelFunc
		monitorCtx, cancel = context.WithTimeoutCause(ctx, o.cfg.MissionTimeout, ErrMissionTimeout)
		defer cancel()
	}
	if err := v.AwaitMissionFinished(monitorCtx); err != nil {
		if errors.Is(context.Cause(monitorCtx), ErrMissionTimeout) {
			slog.ErrorContext(ctx, "mission did not finish in time", "timeout", o.cfg.MissionTimeout)
			o.abortMission(ctx)
			return model.JobTimedOut
		}
		return o.fail(ctx, "monitor", err, true)
	}
	return model.JobSucceeded
}

// fail maps a step failure to the terminal status. A canceled job is
// CANCELED, and a job interrupted by shutdown is not reported at all.
// started tells whether the vehicle may be flying the mission.
func (o *Orchestrator) fail(ctx context.Context, step string, err error, started bool) model.JobStatus {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrCanceled):
		slog.InfoContext(ctx, "job canceled", "step", step)
		if started {
			o.abortMission(ctx)
		}
		return model.JobCanceled
	case o.root.Err() != nil:
		slog.WarnContext(ctx, "agent stopping: job left unfinished", "step", step, "error", err)
		return ""
	}
	slog.ErrorContext(ctx, "job failed", "step", step, "kind", errorKind(err), "error", err)
	return model.JobFailed
}

// abortMission sends the vehicle home. It runs after ctx was canceled.
func (o *Orchestrator) abortMission(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ReportTimeout)
	defer cancel()
	if err := o.deps.Vehicle.CancelMission(ctx); err != nil {
		slog.ErrorContext(ctx, "canceling mission failed", "error", err)
	}
}

func errorKind(err error) string {
	var (
		connErr    *vehicle.ConnectionError
		actionErr  *vehicle.ActionError
		missionErr *vehicle.MissionError
		fetchErr   *bundle.FetchError
		extractErr *bundle.ExtractError
		sandboxErr *bundle.SandboxError
	)
	switch {
	case errors.As(err, &connErr):
		return "connection"
	case errors.As(err, &actionErr):
		return "action"
	case errors.As(err, &missionErr):
		return "mission"
	case errors.As(err, &fetchErr):
		return "fetch"
	case errors.As(err, &extractErr):
		return "extract"
	case errors.As(err, &sandboxErr):
		return "sandbox"
	default:
		return "other"
	}
}
