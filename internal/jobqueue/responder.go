package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/skyfleet/missionagent/internal/jobs"
	"github.com/skyfleet/missionagent/internal/log"
	"github.com/skyfleet/missionagent/internal/model"
)

const responderQueue = "missionqueue"

var requestSubjects = []string{
	"things.*.jobs.get",
	"things.*.jobs.*.get",
	"things.*.jobs.*.update",
}

// Responder answers the requests of the agents.
type Responder struct {
	store    Jobs
	notifier Enqueuer
	now      func() time.Time
}

func NewResponder(store Jobs, notifier Enqueuer) *Responder {
	return &Responder{store: store, notifier: notifier, now: time.Now}
}

// Subscribe joins the request subjects as a queue group, so several queue
// instances share the load. The returned func removes the subscriptions.
func (r *Responder) Subscribe(ctx context.Context, nc *nats.Conn) (func() error, error) {
	var subs []*nats.Subscription
	unsubscribe := func() error {
		var errs []error
		for _, sub := range subs {
			errs = append(errs, sub.Unsubscribe())
		}
		return errors.Join(errs...)
	}
	for _, subject := range requestSubjects {
		sub, err := nc.QueueSubscribe(subject, responderQueue, func(msg *nats.Msg) {
			if err := msg.Respond(r.Reply(ctx, msg.Subject, msg.Data)); err != nil {
				slog.WarnContext(ctx, "responding has failed", "subject", msg.Subject, "error", err)
			}
		})
		if err != nil {
			return nil, errors.Join(err, unsubscribe())
		}
		subs = append(subs, sub)
	}
	return unsubscribe, nil
}

// Reply computes the reply for a request received on subject.
func (r *Responder) Reply(ctx context.Context, subject string, data []byte) []byte {
	tokens := strings.Split(subject, ".")
	if len(tokens) < 4 || tokens[0] != "things" || tokens[2] != "jobs" {
		return r.encode(ctx, r.invalid("", "unknown subject "+subject))
	}
	thing := tokens[1]
	ctx = log.ContextAttrs(ctx, slog.String("thing", thing))

	var req jobs.Request
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return r.encode(ctx, r.invalid("", "malformed request: "+err.Error()))
		}
	}

	switch {
	case len(tokens) == 4 && tokens[3] == "get":
		return r.encode(ctx, r.pending(ctx, thing, req))
	case len(tokens) == 5 && tokens[4] == "get":
		return r.encode(ctx, r.describe(ctx, thing, tokens[3], req))
	case len(tokens) == 5 && tokens[4] == "update":
		var update jobs.UpdateRequest
		if err := json.Unmarshal(data, &update); err != nil {
			return r.encode(ctx, r.invalid(req.ClientToken, "malformed update: "+err.Error()))
		}
		return r.encode(ctx, r.update(ctx, thing, tokens[3], update))
	default:
		return r.encode(ctx, r.invalid(req.ClientToken, "unknown subject "+subject))
	}
}

func (r *Responder) pending(ctx context.Context, thing string, req jobs.Request) any {
	pending, err := r.store.Pending(ctx, thing)
	if err != nil {
		return r.failure(ctx, req.ClientToken, err)
	}
	return jobs.PendingResponse{
		QueuedJobs:     summaries(pending.Queued),
		InProgressJobs: summaries(pending.InProgress),
		Timestamp:      r.now(),
		ClientToken:    req.ClientToken,
	}
}

func (r *Responder) describe(ctx context.Context, thing, id string, req jobs.Request) any {
	record, err := r.store.Get(ctx, thing, id)
	if err != nil {
		return r.failure(ctx, req.ClientToken, err)
	}
	return jobs.DescribeResponse{
		Execution:   record.Details(),
		Timestamp:   r.now(),
		ClientToken: req.ClientToken,
	}
}

func (r *Responder) update(ctx context.Context, thing, id string, req jobs.UpdateRequest) any {
	if _, err := model.ParseJobStatus(string(req.Status)); err != nil {
		return r.invalid(req.ClientToken, err.Error())
	}
	record, err := r.store.UpdateStatus(ctx, thing, id, req.Status, req.ExpectedVersion)
	if err != nil {
		return r.failure(ctx, req.ClientToken, err)
	}
	slog.InfoContext(ctx, "job status changed", "job_id", id, "status", record.Status, "version", record.VersionNumber)
	if err := r.notifier.Enqueue(ctx, thing); err != nil {
		slog.WarnContext(ctx, "enqueueing notification has failed", "error", err)
	}
	return jobs.UpdateResponse{
		ExecutionState: jobs.ExecutionState{Status: record.Status, VersionNumber: record.VersionNumber},
		Timestamp:      r.now(),
		ClientToken:    req.ClientToken,
	}
}

func (r *Responder) invalid(token, message string) jobs.ErrorResponse {
	return jobs.ErrorResponse{Code: jobs.CodeInvalidRequest, Message: message, ClientToken: token}
}

func (r *Responder) failure(ctx context.Context, token string, err error) jobs.ErrorResponse {
	code := jobs.CodeInternalError
	switch {
	case errors.Is(err, ErrNotFound):
		code = jobs.CodeNotFound
	case errors.Is(err, ErrInvalidTransition):
		code = jobs.CodeInvalidStateTransition
	case errors.Is(err, ErrVersionMismatch):
		code = jobs.CodeVersionMismatch
	default:
		slog.ErrorContext(ctx, "request has failed", "error", err)
	}
	return jobs.ErrorResponse{Code: code, Message: err.Error(), ClientToken: token}
}

func (r *Responder) encode(ctx context.Context, v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		slog.ErrorContext(ctx, "encoding reply has failed", "error", err)
		return []byte(`{"code":"InternalError","message":"encoding reply"}`)
	}
	return b
}
