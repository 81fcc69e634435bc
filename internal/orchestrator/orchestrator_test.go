package orchestrator_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/skyfleet/missionagent/internal/bundle"
	"github.com/skyfleet/missionagent/internal/model"
	"github.com/skyfleet/missionagent/internal/orchestrator"
	"github.com/skyfleet/missionagent/internal/vehicle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	sandboxRoot = "/sandbox"
	thing       = "drone-7"
	bundleURL   = "http://x/y.zip"
)

type harness struct {
	o      *orchestrator.Orchestrator
	q      *fakeQueue
	f      *fakeFetcher
	x      *fakeExtractor
	v      *fakeVehicle
	cancel context.CancelFunc
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	v := newFakeVehicle()
	h := newHarnessWith(t, timeout, v)
	h.v = v
	return h
}

// newHarnessWith runs the orchestrator against v, h.v stays nil.
func newHarnessWith(t *testing.T, timeout time.Duration, v orchestrator.Vehicle) *harness {
	t.Helper()
	sb, err := bundle.NewSandbox(sandboxRoot)
	require.NoError(t, err)
	h := &harness{
		q: newFakeQueue(),
		f: &fakeFetcher{failURL: "http://unreachable/y.zip"},
		x: &fakeExtractor{},
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.o, err = orchestrator.New(ctx,
		orchestrator.Config{Sandbox: sb, Member: thing, MissionTimeout: timeout},
		orchestrator.Deps{Queue: h.q, Fetcher: h.f, Extractor: h.x, Vehicle: v})
	require.NoError(t, err)
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	h.o.Close()
}

func (h *harness) awaitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, busy := h.o.Busy()
		return !busy
	}, 10*time.Second, 5*time.Millisecond)
	require.Equal(t, orchestrator.StateIdle, h.o.State())
}

func (h *harness) land() {
	close(h.v.land)
}

func TestNew(t *testing.T) {
	sb, err := bundle.NewSandbox(sandboxRoot)
	require.NoError(t, err)
	_, err = orchestrator.New(t.Context(), orchestrator.Config{Sandbox: sb, Member: thing}, orchestrator.Deps{})
	require.Error(t, err)
}

func missionZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(thing)
	require.NoError(t, err)
	_, err = w.Write([]byte(`{"fileType":"Plan","mission":{"items":[]}}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// A reachable bundle with a valid archive succeeds.
func TestScenarioA_Succeeded(t *testing.T) {
	body := missionZip(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	root := t.TempDir()
	sb, err := bundle.NewSandbox(root)
	require.NoError(t, err)

	q := newFakeQueue()
	v := newFakeVehicle()
	close(v.land)
	ctx, cancel := context.WithCancel(t.Context())
	o, err := orchestrator.New(ctx,
		orchestrator.Config{Sandbox: sb, Member: thing},
		orchestrator.Deps{
			Queue:     q,
			Fetcher:   bundle.NewFetcher(sb, bundle.WithHTTPClient(srv.Client())),
			Extractor: bundle.NewExtractor(sb),
			Vehicle:   v,
		})
	require.NoError(t, err)
	defer func() {
		cancel()
		o.Close()
	}()

	dest := filepath.Join(root, "missions") + "/"
	q.add("job-a", downloadDoc(srv.URL+"/y.zip", dest))
	require.NoError(t, o.Notify(t.Context()))

	require.Equal(t, model.JobSucceeded, q.awaitTerminal(t, "job-a"))
	requireStatuses(t, q, "job-a", model.JobInProgress, model.JobSucceeded)
	require.Equal(t, []string{"connect", "upload rtl=true", "arm", "start"}, v.Calls())
	require.Equal(t, filepath.Join(root, "missions", thing, thing), v.uploaded)
	require.FileExists(t, filepath.Join(root, "missions", bundle.BundleName))
}

// An unknown action is rejected without fetching anything.
func TestScenarioB_Rejected(t *testing.T) {
	h := newHarness(t, 0)
	h.q.add("job-b", json.RawMessage(`{"steps":[{"action":{"name":"Unknown-Action","input":{"args":["a","b"]}}}]}`))
	require.NoError(t, h.o.Admit(t.Context(), "job-b"))

	require.Equal(t, model.JobRejected, h.q.awaitTerminal(t, "job-b"))
	requireStatuses(t, h.q, "job-b", model.JobRejected)
	h.awaitIdle(t)
	require.Zero(t, h.f.calls.Load())
	require.Zero(t, h.x.calls.Load())
	require.Empty(t, h.v.Calls())
}

// A second job arriving while the first is executing is rejected at once and
// the first one finishes on its own.
func TestScenarioC_Contention(t *testing.T) {
	h := newHarness(t, 0)
	h.q.add("job-a", downloadDoc(bundleURL, sandboxRoot+"/missions/"))
	h.q.add("job-b", downloadDoc(bundleURL, sandboxRoot+"/missions/"))

	require.NoError(t, h.o.Notify(t.Context()))
	h.v.awaitFlying(t)
	require.Equal(t, orchestrator.StateMonitoring, h.o.State())

	require.NoError(t, h.o.Notify(t.Context()))
	requireStatuses(t, h.q, "job-b", model.JobRejected)
	requireStatuses(t, h.q, "job-a", model.JobInProgress)

	h.land()
	require.Equal(t, model.JobSucceeded, h.q.awaitTerminal(t, "job-a"))
	requireStatuses(t, h.q, "job-b", model.JobRejected)
}

// A fetch failure fails the job and releases the guard for the next one.
func TestScenarioD_FetchFailure(t *testing.T) {
	h := newHarness(t, 0)
	h.land()
	h.q.add("job-a", downloadDoc(h.f.failURL, sandboxRoot+"/missions/"))
	require.NoError(t, h.o.Notify(t.Context()))
	require.Equal(t, model.JobFailed, h.q.awaitTerminal(t, "job-a"))
	require.Zero(t, h.x.calls.Load())
	require.Empty(t, h.v.Calls())
	h.awaitIdle(t)

	h.q.add("job-c", downloadDoc(bundleURL, sandboxRoot+"/missions/"))
	require.NoError(t, h.o.Notify(t.Context()))
	require.Equal(t, model.JobSucceeded, h.q.awaitTerminal(t, "job-c"))
	requireStatuses(t, h.q, "job-a", model.JobInProgress, model.JobFailed)
}

func TestSandboxConfinement(t *testing.T) {
	cases := []struct {
		scenario string
		given    string
	}{
		{"other_root", "/etc/missions"},
		{"sibling_prefix", "/sandboxfoo/missions"},
		{"parent_segments", "/sandbox/../etc"},
		{"relative", "sandbox/missions"},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			h := newHarness(t, 0)
			h.q.add("job", downloadDoc(bundleURL, tc.given))
			require.NoError(t, h.o.Admit(t.Context(), "job"))
			require.Equal(t, model.JobFailed, h.q.awaitTerminal(t, "job"))
			require.Zero(t, h.f.calls.Load())
		})
	}
}

func TestInvalidDocuments(t *testing.T) {
	cases := []struct {
		scenario string
		given    string
	}{
		{"not_json", `Download-File`},
		{"one_arg", `{"steps":[{"action":{"name":"Download-File","input":{"args":["http://x/y.zip"]}}}]}`},
		{"no_steps", `{"steps":[]}`},
		{"empty", ``},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			h := newHarness(t, 0)
			h.q.add("job", json.RawMessage(tc.given))
			require.NoError(t, h.o.Admit(t.Context(), "job"))
			require.Equal(t, model.JobRejected, h.q.awaitTerminal(t, "job"))
			requireStatuses(t, h.q, "job", model.JobRejected)
			require.Zero(t, h.f.calls.Load())
		})
	}
}

func TestSingleFlight(t *testing.T) {
	h := newHarness(t, 0)
	const n = 32
	for i := range n {
		h.q.add(fmt.Sprintf("job-%02d", i), downloadDoc(bundleURL, sandboxRoot+"/missions/"))
	}

	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			assert.NoError(t, h.o.Admit(t.Context(), fmt.Sprintf("job-%02d", i)))
		})
	}
	wg.Wait()
	h.v.awaitFlying(t)

	winner, busy := h.o.Busy()
	require.True(t, busy)
	for i := range n {
		id := fmt.Sprintf("job-%02d", i)
		if id == winner {
			requireStatuses(t, h.q, id, model.JobInProgress)
			continue
		}
		requireStatuses(t, h.q, id, model.JobRejected)
	}

	h.land()
	require.Equal(t, model.JobSucceeded, h.q.awaitTerminal(t, winner))
	h.awaitIdle(t)
	for i := range n {
		id := fmt.Sprintf("job-%02d", i)
		terminal := 0
		for _, st := range h.q.statuses(id) {
			if st.Terminal() {
				terminal++
			}
		}
		require.Equal(t, 1, terminal, "job %s", id)
	}
}

func TestDuplicateNotification(t *testing.T) {
	h := newHarness(t, 0)
	h.q.add("job-a", downloadDoc(bundleURL, sandboxRoot+"/missions/"))
	require.NoError(t, h.o.Admit(t.Context(), "job-a"))
	h.v.awaitFlying(t)
	require.NoError(t, h.o.Admit(t.Context(), "job-a"))
	requireStatuses(t, h.q, "job-a", model.JobInProgress)
	h.land()
	require.Equal(t, model.JobSucceeded, h.q.awaitTerminal(t, "job-a"))
}

func TestVehicleFailure(t *testing.T) {
	h := newHarness(t, 0)
	h.v.armErr = fmt.Errorf("arm: %w", context.DeadlineExceeded)
	h.q.add("job-a", downloadDoc(bundleURL, sandboxRoot+"/missions/"))
	require.NoError(t, h.o.Admit(t.Context(), "job-a"))
	require.Equal(t, model.JobFailed, h.q.awaitTerminal(t, "job-a"))
	require.Equal(t, []string{"connect", "upload rtl=true", "arm"}, h.v.Calls())
	h.awaitIdle(t)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, 0)
	require.False(t, h.o.Cancel(t.Context(), ""))

	h.q.add("job-a", downloadDoc(bundleURL, sandboxRoot+"/missions/"))
	require.NoError(t, h.o.Admit(t.Context(), "job-a"))
	h.v.awaitFlying(t)

	require.False(t, h.o.Cancel(t.Context(), "job-other"))
	require.True(t, h.o.Cancel(t.Context(), "job-a"))
	require.Equal(t, model.JobCanceled, h.q.awaitTerminal(t, "job-a"))
	require.Contains(t, h.v.Calls(), "cancel")
	h.awaitIdle(t)
}

func TestCancelRightAfterAdmit(t *testing.T) {
	h := newHarness(t, 0)
	h.q.add("job-a", downloadDoc(bundleURL, sandboxRoot+"/missions/"))
	require.NoError(t, h.o.Admit(t.Context(), "job-a"))
	require.True(t, h.o.Cancel(t.Context(), "job-a"))

	require.Equal(t, model.JobCanceled, h.q.awaitTerminal(t, "job-a"))
	h.awaitIdle(t)

	h.q.add("job-b", downloadDoc(bundleURL, sandboxRoot+"/missions/"))
	require.NoError(t, h.o.Admit(t.Context(), "job-b"))
	h.v.awaitFlying(t)
	h.land()
	require.Equal(t, model.JobSucceeded, h.q.awaitTerminal(t, "job-b"))
}

// silentLink is a vehicle link that is never heard from.
type silentLink struct {
	connecting chan struct{}
}

func (l *silentLink) Connect(ctx context.Context, _ vehicle.Address) error {
	l.connecting <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func (*silentLink) Arm(context.Context) error                                   { return nil }
func (*silentLink) UploadMission(context.Context, []vehicle.MissionItem) error  { return nil }
func (*silentLink) StartMission(context.Context) error                          { return nil }
func (*silentLink) ClearMission(context.Context) error                          { return nil }
func (*silentLink) ReturnToLaunch(context.Context) error                        { return nil }

func (*silentLink) MissionProgress(ctx context.Context) (vehicle.Progress, error) {
	<-ctx.Done()
	return vehicle.Progress{}, ctx.Err()
}

func (*silentLink) InAir(ctx context.Context) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func TestCancelWhileVehicleConnecting(t *testing.T) {
	link := &silentLink{connecting: make(chan struct{}, 2)}
	ctrl := vehicle.NewController(link, vehicle.Address{Type: model.ConnectionUDPIn, Host: "0.0.0.0", Port: 14540})

	// the start-up connect holds the link for as long as the agent runs
	startup, stopStartup := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Go(func() {
		_ = ctrl.Connect(startup)
	})
	t.Cleanup(func() {
		stopStartup()
		wg.Wait()
	})
	<-link.connecting

	h := newHarnessWith(t, 0, ctrl)
	h.q.add("job-a", downloadDoc(bundleURL, sandboxRoot+"/missions/"))
	require.NoError(t, h.o.Admit(t.Context(), "job-a"))
	require.Eventually(t, func() bool {
		return h.o.State() == orchestrator.StateExecuting
	}, 10*time.Second, 5*time.Millisecond)

	require.True(t, h.o.Cancel(t.Context(), "job-a"))
	require.Equal(t, model.JobCanceled, h.q.awaitTerminal(t, "job-a"))
	requireStatuses(t, h.q, "job-a", model.JobInProgress, model.JobCanceled)
	h.awaitIdle(t)
	require.False(t, ctrl.Connected())
}

func TestMissionTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness(t, 30*time.Minute)
		defer h.stop()
		h.q.add("job-a", downloadDoc(bundleURL, sandboxRoot+"/missions/"))
		require.NoError(t, h.o.Admit(t.Context(), "job-a"))

		time.Sleep(31 * time.Minute)
		synctest.Wait()

		requireStatuses(t, h.q, "job-a", model.JobInProgress, model.JobTimedOut)
		require.Contains(t, h.v.Calls(), "cancel")
		_, busy := h.o.Busy()
		require.False(t, busy)
	})
}

func TestShutdownLeavesJob(t *testing.T) {
	h := newHarness(t, 0)
	h.q.add("job-a", downloadDoc(bundleURL, sandboxRoot+"/missions/"))
	require.NoError(t, h.o.Admit(t.Context(), "job-a"))
	h.v.awaitFlying(t)

	h.stop()
	requireStatuses(t, h.q, "job-a", model.JobInProgress)

	h.q.add("job-b", downloadDoc(bundleURL, sandboxRoot+"/missions/"))
	err := h.o.Admit(t.Context(), "job-b")
	require.ErrorIs(t, err, orchestrator.ErrExecutorClosed)
	requireStatuses(t, h.q, "job-b", model.JobFailed)
	_, busy := h.o.Busy()
	require.False(t, busy)
}
