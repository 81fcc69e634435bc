package jobqueue_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/skyfleet/missionagent/internal/jobqueue"
	"github.com/skyfleet/missionagent/internal/jobs"
	"github.com/skyfleet/missionagent/internal/model"
)

func container(t *testing.T, image, port, scheme string, strategy wait.Strategy) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctr, err := testcontainers.GenericContainer(t.Context(), testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{port},
			WaitingFor:   strategy,
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	endpoint, err := ctr.Endpoint(t.Context(), scheme)
	require.NoError(t, err)
	return endpoint
}

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	endpoint := container(t, "redis:7-alpine", "6379/tcp", "redis", wait.ForLog("Ready to accept connections"))
	opt, err := redis.ParseURL(endpoint + "/0")
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	endpoint := container(t, "nats:2.10-alpine", "4222/tcp", "nats", wait.ForLog("Server is ready"))
	nc, err := nats.Connect(endpoint)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestStore_Redis(t *testing.T) {
	store := jobqueue.NewStore(startRedis(t), time.Hour)
	ctx := t.Context()

	_, err := store.Create(ctx, "drone-7", json.RawMessage(`"x"`))
	require.ErrorIs(t, err, jobqueue.ErrInvalidDocument)

	first, err := store.Create(ctx, "drone-7", json.RawMessage(missionDoc))
	require.NoError(t, err)
	second, err := store.Create(ctx, "drone-7", json.RawMessage(missionDoc))
	require.NoError(t, err)
	_, err = store.Create(ctx, "drone-8", json.RawMessage(missionDoc))
	require.NoError(t, err)

	got, err := store.Get(ctx, "drone-7", first.JobID)
	require.NoError(t, err)
	require.Equal(t, model.JobQueued, got.Status)
	require.JSONEq(t, missionDoc, string(got.Document))

	_, err = store.Get(ctx, "drone-8", first.JobID)
	require.ErrorIs(t, err, jobqueue.ErrNotFound)

	pending, err := store.Pending(ctx, "drone-7")
	require.NoError(t, err)
	require.Len(t, pending.Queued, 2)

	rec, err := store.UpdateStatus(ctx, "drone-7", first.JobID, model.JobInProgress, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), rec.VersionNumber)

	_, err = store.UpdateStatus(ctx, "drone-7", first.JobID, model.JobSucceeded, 1)
	require.ErrorIs(t, err, jobqueue.ErrVersionMismatch)
	_, err = store.UpdateStatus(ctx, "drone-7", first.JobID, model.JobQueued, 0)
	require.ErrorIs(t, err, jobqueue.ErrInvalidTransition)
	_, err = store.UpdateStatus(ctx, "drone-7", "nope", model.JobFailed, 0)
	require.ErrorIs(t, err, jobqueue.ErrNotFound)

	_, err = store.UpdateStatus(ctx, "drone-7", first.JobID, model.JobSucceeded, 2)
	require.NoError(t, err)

	pending, err = store.Pending(ctx, "drone-7")
	require.NoError(t, err)
	require.Len(t, pending.Queued, 1)
	require.Equal(t, second.JobID, pending.Queued[0].JobID)
	require.Empty(t, pending.InProgress)

	done, err := store.Get(ctx, "drone-7", first.JobID)
	require.NoError(t, err)
	require.Equal(t, model.JobSucceeded, done.Status)
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	store := jobqueue.NewStore(startRedis(t), time.Hour)
	job, err := store.Create(t.Context(), "drone-7", json.RawMessage(missionDoc))
	require.NoError(t, err)

	// only one of the racing terminal updates may win
	var wg sync.WaitGroup
	var mx sync.Mutex
	var won int
	for _, status := range []model.JobStatus{model.JobSucceeded, model.JobFailed, model.JobRejected, model.JobCanceled} {
		wg.Go(func() {
			if _, err := store.UpdateStatus(t.Context(), "drone-7", job.JobID, status, 0); err == nil {
				mx.Lock()
				won++
				mx.Unlock()
			}
		})
	}
	wg.Wait()
	require.Equal(t, 1, won)
}

// TestAgentRoundTrip drives the queue through the agent side client over a
// real NATS server.
func TestAgentRoundTrip(t *testing.T) {
	rdb := startRedis(t)
	nc := startNATS(t)
	store := jobqueue.NewStore(rdb, time.Hour)
	notifier := &fakeEnqueuer{}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	unsubscribe, err := jobqueue.NewResponder(store, notifier).Subscribe(ctx, nc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unsubscribe() })

	client, err := jobs.New(nc, "drone-7")
	require.NoError(t, err)

	notified := make(chan jobs.Notification, 1)
	require.NoError(t, client.SubscribeNotify(ctx, func(_ context.Context, n jobs.Notification) {
		notified <- n
	}))
	require.NoError(t, nc.Flush())

	created, err := store.Create(ctx, "drone-7", json.RawMessage(missionDoc))
	require.NoError(t, err)
	require.NoError(t, jobqueue.NewNotifyHandler(store, nc).Notify(ctx, "drone-7"))

	select {
	case n := <-notified:
		require.Len(t, n.Jobs[model.JobQueued], 1)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not received")
	}

	next, err := client.NextQueuedJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, created.JobID, next.JobID)

	details, err := client.Describe(ctx, next.JobID)
	require.NoError(t, err)
	_, ok := details.Document()
	require.True(t, ok)

	require.NoError(t, client.UpdateStatus(ctx, next.JobID, model.JobInProgress))
	require.NoError(t, client.UpdateStatus(ctx, next.JobID, model.JobSucceeded))

	var rejected *jobs.RejectedError
	err = client.UpdateStatus(ctx, next.JobID, model.JobFailed)
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, jobs.CodeInvalidStateTransition, rejected.Code)

	next, err = client.NextQueuedJob(ctx)
	require.NoError(t, err)
	require.Nil(t, next)
	require.Equal(t, []string{"drone-7", "drone-7"}, notifier.calls())
	require.NoError(t, client.Close())
}
