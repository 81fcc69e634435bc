package vehicle

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

type Controller struct {
	sys        System
	addr       Address
	connecting chan struct{} // one slot, held by the running Connect
	connected  atomic.Bool
}

func NewController(sys System, addr Address) *Controller {
	return &Controller{sys: sys, addr: addr, connecting: make(chan struct{}, 1)}
}

func (c *Controller) Address() Address {
	return c.addr
}

func (c *Controller) Connected() bool {
	return c.connected.Load()
}

// Connect opens the link unless it is already open. While another Connect
// is in progress it waits for it, but not longer than ctx allows.
func (c *Controller) Connect(ctx context.Context) error {
	select {
	case c.connecting <- struct{}{}:
	case <-ctx.Done():
		return &ConnectionError{Address: c.addr.String(), Err: context.Cause(ctx)}
	}
	defer func() { <-c.connecting }()
	if c.connected.Load() {
		return nil
	}
	slog.InfoContext(ctx, "connecting to vehicle", "address", c.addr.String())
	if err := c.sys.Connect(ctx, c.addr); err != nil {
		return &ConnectionError{Address: c.addr.String(), Err: err}
	}
	c.connected.Store(true)
	slog.InfoContext(ctx, "connected to vehicle", "address", c.addr.String())
	return nil
}

func (c *Controller) mustBeConnected() {
	if !c.connected.Load() {
		panic(ErrNotConnected)
	}
}

func (c *Controller) Arm(ctx context.Context) error {
	c.mustBeConnected()
	if err := c.sys.Arm(ctx); err != nil {
		return &ActionError{Action: "arm", Err: err}
	}
	slog.InfoContext(ctx, "vehicle armed")
	return nil
}

// UploadMission imports the QGroundControl plan at path and uploads it. With
// returnToLaunch a return-to-launch item is appended.
func (c *Controller) UploadMission(ctx context.Context, path string, returnToLaunch bool) error {
	c.mustBeConnected()
	items, err := LoadPlan(path)
	if err != nil {
		return &MissionError{Op: "import", Err: err}
	}
	if returnToLaunch {
		items = AppendReturnToLaunch(items)
	}
	if err := c.sys.UploadMission(ctx, items); err != nil {
		return &MissionError{Op: "upload", Err: err}
	}
	slog.InfoContext(ctx, "mission uploaded", "items", len(items))
	return nil
}

func (c *Controller) StartMission(ctx context.Context) error {
	c.mustBeConnected()
	if err := c.sys.StartMission(ctx); err != nil {
		return &MissionError{Op: "start", Err: err}
	}
	slog.InfoContext(ctx, "mission started")
	return nil
}

// AwaitMissionFinished blocks until every mission item was reached and the
// vehicle is no longer in the air. It only returns early when ctx is done.
func (c *Controller) AwaitMissionFinished(ctx context.Context) error {
	c.mustBeConnected()
	for {
		p, err := c.sys.MissionProgress(ctx)
		if err != nil {
			return &MissionError{Op: "progress", Err: err}
		}
		slog.DebugContext(ctx, "mission progress", "current", p.Current, "total", p.Total)
		if p.Finished() {
			break
		}
	}
	for {
		inAir, err := c.sys.InAir(ctx)
		if err != nil {
			return &MissionError{Op: "landing", Err: err}
		}
		if !inAir {
			slog.InfoContext(ctx, "mission finished")
			return nil
		}
	}
}

// CancelMission clears the mission on the vehicle and commands it home.
// Return-to-launch is attempted even if clearing fails.
func (c *Controller) CancelMission(ctx context.Context) error {
	c.mustBeConnected()
	var errs []error
	if err := c.sys.ClearMission(ctx); err != nil {
		errs = append(errs, &MissionError{Op: "clear", Err: err})
	}
	if err := c.sys.ReturnToLaunch(ctx); err != nil {
		errs = append(errs, &ActionError{Action: "return to launch", Err: err})
	}
	if len(errs) == 0 {
		slog.InfoContext(ctx, "mission canceled, returning to launch")
	}
	return errors.Join(errs...)
}
