package jobs

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/skyfleet/missionagent/internal/model"
)

const DefaultRequestTimeout = 5 * time.Second

// Conn is the subset of *nats.Conn the client uses.
type Conn interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subj string, data []byte) error
	IsConnected() bool
}

// Client talks to the job queue on behalf of a single device.
type Client struct {
	conn           Conn
	thing          string
	requestTimeout time.Duration

	mx       sync.Mutex
	versions map[string]int64
	subs     []*nats.Subscription
	drain    func() error
}

type Option func(*Client)

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

func New(conn Conn, thing string, opts ...Option) (*Client, error) {
	if !ValidToken(thing) {
		return nil, fmt.Errorf("thing name %q: %w", thing, ErrInvalidToken)
	}
	c := &Client{
		conn:           conn,
		thing:          thing,
		requestTimeout: DefaultRequestTimeout,
		versions:       make(map[string]int64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect dials the messaging endpoint with the device credentials and
// returns a client which reconnects forever.
func Connect(cfg model.Config, opts ...Option) (*Client, error) {
	nc, err := nats.Connect(cfg.Endpoint,
		nats.Name("missionagent-"+cfg.ThingName),
		nats.ClientCert(cfg.CertFilePath, cfg.PrivateKeyFilePath),
		nats.RootCAs(cfg.CAFilePath),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("disconnected from job queue", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("reconnected to job queue", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Endpoint, err)
	}
	c, err := New(nc, cfg.ThingName, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	c.drain = nc.Drain
	return c, nil
}

func (c *Client) Thing() string   { return c.thing }
func (c *Client) Connected() bool { return c.conn.IsConnected() }

// Pending lists the queued and in progress jobs of the device, oldest first.
func (c *Client) Pending(ctx context.Context) (PendingResponse, error) {
	var resp PendingResponse
	if err := c.request(ctx, PendingSubject(c.thing), Request{ClientToken: token()}, &resp); err != nil {
		return PendingResponse{}, err
	}
	resp.QueuedJobs = sortedByQueuedAt(resp.QueuedJobs)
	resp.InProgressJobs = sortedByQueuedAt(resp.InProgressJobs)
	return resp, nil
}

// NextQueuedJob returns the oldest queued job, or nil when nothing is queued.
func (c *Client) NextQueuedJob(ctx context.Context) (*model.JobSummary, error) {
	pending, err := c.Pending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending.QueuedJobs) == 0 {
		return nil, nil
	}
	next := pending.QueuedJobs[0]
	return &next, nil
}

// Describe fetches the job details and remembers the job version for the
// subsequent status updates.
func (c *Client) Describe(ctx context.Context, id string) (*model.JobDetails, error) {
	if !ValidToken(id) {
		return nil, fmt.Errorf("job id %q: %w", id, ErrInvalidToken)
	}
	var resp DescribeResponse
	if err := c.request(ctx, DescribeSubject(c.thing, id), Request{ClientToken: token()}, &resp); err != nil {
		return nil, err
	}
	if resp.Execution == nil {
		return nil, &RejectedError{Code: CodeNotFound, Message: "no execution in reply for job " + id}
	}
	c.mx.Lock()
	c.versions[id] = resp.Execution.VersionNumber
	c.mx.Unlock()
	return resp.Execution, nil
}

// UpdateStatus reports the execution status of a job. When the job was
// described before, the update is conditional on the version seen last.
func (c *Client) UpdateStatus(ctx context.Context, id string, status model.JobStatus) error {
	if !ValidToken(id) {
		return fmt.Errorf("job id %q: %w", id, ErrInvalidToken)
	}
	c.mx.Lock()
	version := c.versions[id]
	c.mx.Unlock()

	req := UpdateRequest{Status: status, ClientToken: token(), ExpectedVersion: version}
	var resp UpdateResponse
	if err := c.request(ctx, UpdateSubject(c.thing, id), req, &resp); err != nil {
		return err
	}

	c.mx.Lock()
	if status.Terminal() {
		delete(c.versions, id)
	} else {
		c.versions[id] = resp.ExecutionState.VersionNumber
	}
	c.mx.Unlock()
	slog.DebugContext(ctx, "job status updated",
		slog.String("job_id", id),
		slog.String("status", string(resp.ExecutionState.Status)),
		slog.Int64("version", resp.ExecutionState.VersionNumber))
	return nil
}

// SubscribeNotify calls fn for every queue change notification. The payload
// is advisory: fn is called even when it cannot be decoded.
func (c *Client) SubscribeNotify(ctx context.Context, fn func(context.Context, Notification)) error {
	return c.subscribe(NotifySubject(c.thing), func(msg *nats.Msg) {
		var n Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			slog.WarnContext(ctx, "malformed job notification", "subject", msg.Subject, "error", err)
		}
		fn(ctx, n)
	})
}

// SubscribeCancel calls fn with the job id of every cancel request. An empty
// id cancels whatever job is in flight. Undecodable requests are dropped.
func (c *Client) SubscribeCancel(ctx context.Context, fn func(context.Context, string)) error {
	return c.subscribe(CancelSubject(c.thing), func(msg *nats.Msg) {
		var req CancelRequest
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				slog.WarnContext(ctx, "malformed cancel request", "subject", msg.Subject, "error", err)
				return
			}
		}
		fn(ctx, req.JobID)
	})
}

// TelemetryUploader returns an uploader publishing on the telemetry subject
// of the device.
func (c *Client) TelemetryUploader() *TelemetryUploader {
	return &TelemetryUploader{conn: c.conn, subject: TelemetrySubject(c.thing)}
}

// Close removes the subscriptions and drains the connection when the client
// owns it.
func (c *Client) Close() error {
	c.mx.Lock()
	subs := c.subs
	c.subs = nil
	c.mx.Unlock()

	var errs []error
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	if c.drain != nil {
		errs = append(errs, c.drain())
	}
	return errors.Join(errs...)
}

func (c *Client) subscribe(subject string, cb nats.MsgHandler) error {
	sub, err := c.conn.Subscribe(subject, cb)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	c.mx.Lock()
	c.subs = append(c.subs, sub)
	c.mx.Unlock()
	return nil
}

func (c *Client) request(ctx context.Context, subject string, req, out any) error {
	if _, ok := ctx.Deadline(); !ok && c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	return decodeReply(msg.Data, out)
}

func decodeReply(data []byte, out any) error {
	var rejected ErrorResponse
	if err := json.Unmarshal(data, &rejected); err != nil {
		return fmt.Errorf("decoding json reply failed: %w", err)
	}
	if rejected.Code != "" {
		return &RejectedError{Code: rejected.Code, Message: rejected.Message}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding json reply failed: %w", err)
	}
	return nil
}

func token() string {
	return uuid.NewString()
}

// TelemetryUploader publishes encoded snapshots. Publishing is fire and
// forget; nothing is buffered while disconnected beyond what the messaging
// client does.
type TelemetryUploader struct {
	conn    Conn
	subject string
}

func (u *TelemetryUploader) Upload(ctx context.Context, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return u.conn.Publish(u.subject, raw)
}

// Subject is where the snapshots go.
func (u *TelemetryUploader) Subject() string { return u.subject }

var _ model.Uploader = (*TelemetryUploader)(nil)

func sortedByQueuedAt(jobs []model.JobSummary) []model.JobSummary {
	return slices.SortedFunc(slices.Values(jobs), func(a, b model.JobSummary) int {
		return cmp.Or(a.QueuedAt.Compare(b.QueuedAt), cmp.Compare(a.JobID, b.JobID))
	})
}
