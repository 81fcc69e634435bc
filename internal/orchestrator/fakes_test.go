package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skyfleet/missionagent/internal/model"
	"github.com/stretchr/testify/require"
)

func downloadDoc(url, dest string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"steps":[{"action":{"name":"Download-File","input":{"args":[%q,%q]}}}]}`, url, dest))
}

type fakeQueue struct {
	mx      sync.Mutex
	jobs    map[string]*model.JobDetails
	order   []string
	updates map[string][]model.JobStatus
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		jobs:    make(map[string]*model.JobDetails),
		updates: make(map[string][]model.JobStatus),
	}
}

func (q *fakeQueue) add(id string, doc json.RawMessage) {
	q.mx.Lock()
	defer q.mx.Unlock()
	q.jobs[id] = &model.JobDetails{JobID: id, Status: model.JobQueued, JobDocument: doc, VersionNumber: 1}
	q.order = append(q.order, id)
}

func (q *fakeQueue) NextQueuedJob(context.Context) (*model.JobSummary, error) {
	q.mx.Lock()
	defer q.mx.Unlock()
	for _, id := range q.order {
		if q.jobs[id].Status == model.JobQueued {
			return &model.JobSummary{JobID: id}, nil
		}
	}
	return nil, nil
}

func (q *fakeQueue) Describe(_ context.Context, id string) (*model.JobDetails, error) {
	q.mx.Lock()
	defer q.mx.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, errors.New("NotFound")
	}
	cp := *j
	return &cp, nil
}

func (q *fakeQueue) UpdateStatus(_ context.Context, id string, status model.JobStatus) error {
	q.mx.Lock()
	defer q.mx.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return errors.New("NotFound")
	}
	if !j.Status.CanTransition(status) {
		return fmt.Errorf("InvalidStateTransition: %s -> %s", j.Status, status)
	}
	j.Status = status
	q.updates[id] = append(q.updates[id], status)
	return nil
}

func (q *fakeQueue) statuses(id string) []model.JobStatus {
	q.mx.Lock()
	defer q.mx.Unlock()
	return slices.Clone(q.updates[id])
}

// awaitTerminal waits until id has reached a terminal status.
func (q *fakeQueue) awaitTerminal(t *testing.T, id string) model.JobStatus {
	t.Helper()
	var last model.JobStatus
	require.Eventually(t, func() bool {
		st := q.statuses(id)
		if len(st) == 0 {
			return false
		}
		last = st[len(st)-1]
		return last.Terminal()
	}, 10*time.Second, 5*time.Millisecond, "job %s did not finish", id)
	return last
}

// fakeFetcher fails for failURL.
type fakeFetcher struct {
	calls   atomic.Int32
	failURL string
}

func (f *fakeFetcher) Fetch(_ context.Context, url, dir string) (string, error) {
	f.calls.Add(1)
	if url == f.failURL {
		return "", errors.New("dial tcp: connection refused")
	}
	return dir + "/mission.bundle.zip", nil
}

type fakeExtractor struct {
	calls atomic.Int32
}

func (f *fakeExtractor) Extract(_, member, outDir string) (string, error) {
	f.calls.Add(1)
	return outDir + "/" + member, nil
}

// fakeVehicle blocks AwaitMissionFinished until land is closed.
type fakeVehicle struct {
	mx        sync.Mutex
	connected bool
	calls     []string
	armErr    error
	land      chan struct{}
	flying    chan struct{}
	uploaded  string
}

func newFakeVehicle() *fakeVehicle {
	return &fakeVehicle{land: make(chan struct{}), flying: make(chan struct{}, 16)}
}

func (v *fakeVehicle) record(call string) {
	v.mx.Lock()
	defer v.mx.Unlock()
	v.calls = append(v.calls, call)
}

func (v *fakeVehicle) Calls() []string {
	v.mx.Lock()
	defer v.mx.Unlock()
	return slices.Clone(v.calls)
}

func (v *fakeVehicle) Connected() bool {
	v.mx.Lock()
	defer v.mx.Unlock()
	return v.connected
}

func (v *fakeVehicle) Connect(context.Context) error {
	v.record("connect")
	v.mx.Lock()
	v.connected = true
	v.mx.Unlock()
	return nil
}

func (v *fakeVehicle) UploadMission(_ context.Context, path string, rtl bool) error {
	v.record(fmt.Sprintf("upload rtl=%t", rtl))
	v.mx.Lock()
	v.uploaded = path
	v.mx.Unlock()
	return nil
}

func (v *fakeVehicle) Arm(context.Context) error {
	v.record("arm")
	return v.armErr
}

func (v *fakeVehicle) StartMission(context.Context) error {
	v.record("start")
	return nil
}

func (v *fakeVehicle) AwaitMissionFinished(ctx context.Context) error {
	v.flying <- struct{}{}
	select {
	case <-v.land:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (v *fakeVehicle) CancelMission(context.Context) error {
	v.record("cancel")
	return nil
}

func (v *fakeVehicle) awaitFlying(t *testing.T) {
	t.Helper()
	select {
	case <-v.flying:
	case <-time.After(10 * time.Second):
		t.Fatal("mission never started")
	}
}

func requireStatuses(t *testing.T, q *fakeQueue, id string, want ...model.JobStatus) {
	t.Helper()
	require.Equal(t, want, q.statuses(id), "job %s", id)
}
