// Package jobqueue is a small job queue for mission agents. Operators create
// jobs over HTTP; agents list, describe and update them over NATS request
// reply on the subjects of package jobs. Records live in Redis and every
// change of a device's jobs is announced on its notify subject.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/skyfleet/missionagent/internal/model"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrVersionMismatch   = errors.New("version mismatch")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidDocument   = errors.New("job document must be a JSON object")
)

// Record is a job as stored by the queue.
type Record struct {
	Thing           string          `json:"thingName"`
	JobID           string          `json:"jobId"`
	Status          model.JobStatus `json:"status"`
	Document        json.RawMessage `json:"jobDocument"`
	QueuedAt        time.Time       `json:"queuedAt"`
	LastUpdatedAt   time.Time       `json:"lastUpdatedAt"`
	VersionNumber   int64           `json:"versionNumber"`
	ExecutionNumber int64           `json:"executionNumber"`
}

func (r Record) Summary() model.JobSummary {
	return model.JobSummary{
		JobID:           r.JobID,
		QueuedAt:        r.QueuedAt,
		LastUpdatedAt:   r.LastUpdatedAt,
		VersionNumber:   r.VersionNumber,
		ExecutionNumber: r.ExecutionNumber,
	}
}

func (r Record) Details() *model.JobDetails {
	return &model.JobDetails{
		JobID:         r.JobID,
		Status:        r.Status,
		JobDocument:   r.Document,
		QueuedAt:      r.QueuedAt,
		VersionNumber: r.VersionNumber,
	}
}

// Pending are the not yet terminal jobs of a device, oldest first.
type Pending struct {
	Queued     []Record
	InProgress []Record
}

// Jobs stores job records.
type Jobs interface {
	Create(ctx context.Context, thing string, doc json.RawMessage) (*Record, error)
	Get(ctx context.Context, thing, id string) (*Record, error)
	Pending(ctx context.Context, thing string) (Pending, error)
	// UpdateStatus moves a job forward. A non-zero expectedVersion must
	// match the stored version.
	UpdateStatus(ctx context.Context, thing, id string, status model.JobStatus, expectedVersion int64) (*Record, error)
}

// Enqueuer schedules a notification of the device's agent.
type Enqueuer interface {
	Enqueue(ctx context.Context, thing string) error
}

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subj string, data []byte) error
}

func summaries(records []Record) []model.JobSummary {
	out := make([]model.JobSummary, 0, len(records))
	for _, r := range records {
		out = append(out, r.Summary())
	}
	return out
}

func validDocument(doc json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(doc, &obj) == nil && obj != nil
}
