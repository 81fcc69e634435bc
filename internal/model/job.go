package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the execution status of a job as reported to the queue.
// The values are the literals used on the wire.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobSucceeded  JobStatus = "SUCCEEDED"
	JobFailed     JobStatus = "FAILED"
	JobCanceled   JobStatus = "CANCELED"
	JobRejected   JobStatus = "REJECTED"
	JobTimedOut   JobStatus = "TIMED_OUT"
)

var jobStatuses = []JobStatus{
	JobQueued, JobInProgress, JobSucceeded, JobFailed, JobCanceled, JobRejected, JobTimedOut,
}

func ParseJobStatus(s string) (JobStatus, error) {
	for _, st := range jobStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCanceled, JobRejected, JobTimedOut:
		return true
	default:
		return false
	}
}

// CanTransition reports whether status s may be followed by to.
// Transitions are forward only: QUEUED -> IN_PROGRESS -> terminal, and a
// queued job may be resolved directly, e.g. rejected before it ever ran.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobQueued:
		return to == JobInProgress || to.Terminal()
	case JobInProgress:
		return to.Terminal()
	default:
		return false
	}
}

// Job is one unit of queued work addressed to a single vehicle.
type Job struct {
	ID       string
	Status   JobStatus
	Document *JobDocument
}

// JobSummary is the short form of a job returned by pending job listings.
type JobSummary struct {
	JobID           string    `json:"jobId"`
	QueuedAt        time.Time `json:"queuedAt"`
	LastUpdatedAt   time.Time `json:"lastUpdatedAt,omitzero"`
	VersionNumber   int64     `json:"versionNumber"`
	ExecutionNumber int64     `json:"executionNumber,omitempty"`
}

// JobDetails is a job as described by the queue. The document is kept raw
// so a malformed one is reported as a validation failure by whoever
// parses it, not as a transport error.
type JobDetails struct {
	JobID         string          `json:"jobId"`
	Status        JobStatus       `json:"status"`
	JobDocument   json.RawMessage `json:"jobDocument"`
	QueuedAt      time.Time       `json:"queuedAt"`
	VersionNumber int64           `json:"versionNumber"`
}

// Document decodes the job document. It returns false when the document
// does not conform to the expected schema.
func (d *JobDetails) Document() (*JobDocument, bool) {
	doc, err := DecodeDocument(d.JobDocument)
	if err != nil {
		return nil, false
	}
	return doc, true
}

func (d *JobDetails) Mission() (Mission, error) {
	return ParseDocument(d.JobDocument)
}
