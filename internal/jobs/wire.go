// Package jobs is the agent side of the job queue protocol over NATS.
//
// Every device has its own subject space:
//
//	things.<thing>.jobs.notify          queue -> agent, queue changed
//	things.<thing>.jobs.get             request pending jobs
//	things.<thing>.jobs.<jobId>.get     request job details
//	things.<thing>.jobs.<jobId>.update  request status update
//	groups.<thing>.cancel               operator -> agent, cancel request
//	devices.<thing>.telemetry           agent -> operator, telemetry
//
// Requests and replies are JSON. A reply carrying a non-empty "code" is an
// error reply.
package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/skyfleet/missionagent/internal/model"
)

// Error codes of error replies.
const (
	CodeNotFound               = "NotFound"
	CodeInvalidStateTransition = "InvalidStateTransition"
	CodeVersionMismatch        = "VersionMismatch"
	CodeInvalidRequest         = "InvalidRequest"
	CodeInternalError          = "InternalError"
)

var ErrInvalidToken = errors.New("invalid subject token")

func NotifySubject(thing string) string  { return "things." + thing + ".jobs.notify" }
func PendingSubject(thing string) string { return "things." + thing + ".jobs.get" }
func CancelSubject(thing string) string  { return "groups." + thing + ".cancel" }

func TelemetrySubject(thing string) string {
	return "devices." + thing + ".telemetry"
}

func DescribeSubject(thing, jobID string) string {
	return "things." + thing + ".jobs." + jobID + ".get"
}

func UpdateSubject(thing, jobID string) string {
	return "things." + thing + ".jobs." + jobID + ".update"
}

// ValidToken reports whether s can be used as a single subject token.
func ValidToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}

type Request struct {
	ClientToken string `json:"clientToken,omitempty"`
}

type PendingResponse struct {
	QueuedJobs     []model.JobSummary `json:"queuedJobs"`
	InProgressJobs []model.JobSummary `json:"inProgressJobs"`
	Timestamp      time.Time          `json:"timestamp"`
	ClientToken    string             `json:"clientToken,omitempty"`
}

type DescribeResponse struct {
	Execution   *model.JobDetails `json:"execution"`
	Timestamp   time.Time         `json:"timestamp"`
	ClientToken string            `json:"clientToken,omitempty"`
}

type UpdateRequest struct {
	Status          model.JobStatus `json:"status"`
	ClientToken     string          `json:"clientToken,omitempty"`
	ExpectedVersion int64           `json:"expectedVersion,omitempty"`
}

type ExecutionState struct {
	Status        model.JobStatus `json:"status"`
	VersionNumber int64           `json:"versionNumber"`
}

type UpdateResponse struct {
	ExecutionState ExecutionState `json:"executionState"`
	Timestamp      time.Time      `json:"timestamp"`
	ClientToken    string         `json:"clientToken,omitempty"`
}

type ErrorResponse struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	ClientToken string `json:"clientToken,omitempty"`
}

// Notification is published on the notify subject whenever the jobs of a
// device change.
type Notification struct {
	Timestamp time.Time                              `json:"timestamp"`
	Jobs      map[model.JobStatus][]model.JobSummary `json:"jobs"`
}

type CancelRequest struct {
	JobID string `json:"jobId,omitempty"`
}

// RejectedError is an error reply of the queue.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
