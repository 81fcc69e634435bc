package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// ActionDownloadFile is the only action recognized in job documents.
const ActionDownloadFile = "Download-File"

// JobDocument is the action list attached to a job.
//
//	{"steps":[{"action":{"name":"Download-File","input":{"args":[url, dest]}}}]}
type JobDocument struct {
	Steps []Step `json:"steps"`
}

type Step struct {
	Action Action `json:"action"`
}

type Action struct {
	Name  string      `json:"name"`
	Input ActionInput `json:"input"`
}

type ActionInput struct {
	Args []string `json:"args"`
}

var ErrInvalidDocument = errors.New("invalid job document")

// ValidationError says why a job document was not accepted.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid job document: " + e.Reason
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidDocument
}

// Mission is the parsed form of a job document. DownloadFile is the only
// implementation.
type Mission interface {
	isMission()
}

// DownloadFile asks the agent to fetch a mission bundle from URL into the
// Destination directory and fly it.
type DownloadFile struct {
	URL         string
	Destination string
}

func (DownloadFile) isMission() {}

// MissionBundle follows a mission archive from its source to the extracted
// mission file. MissionFile is empty until the archive was extracted.
type MissionBundle struct {
	SourceURL   string
	Destination string
	MissionFile string
}

func (b MissionBundle) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("source_url", b.SourceURL),
		slog.String("destination", b.Destination),
	}
	if b.MissionFile != "" {
		attrs = append(attrs, slog.String("mission_file", b.MissionFile))
	}
	return slog.GroupValue(attrs...)
}

// DecodeDocument unmarshals a raw job document. Unknown fields are ignored,
// but a payload that is not an object of the expected shape is an error.
func DecodeDocument(raw []byte) (*JobDocument, error) {
	if len(raw) == 0 {
		return nil, &ValidationError{Reason: "empty document"}
	}
	var doc JobDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	return &doc, nil
}

// Mission validates the document and returns its single recognized step.
func (d *JobDocument) Mission() (Mission, error) {
	if d == nil {
		return nil, &ValidationError{Reason: "no document"}
	}
	if len(d.Steps) != 1 {
		return nil, &ValidationError{Reason: fmt.Sprintf("expected exactly one step, got %d", len(d.Steps))}
	}
	action := d.Steps[0].Action
	switch action.Name {
	case ActionDownloadFile:
		args := action.Input.Args
		if len(args) != 2 {
			return nil, &ValidationError{Reason: fmt.Sprintf("%s takes 2 arguments, got %d", ActionDownloadFile, len(args))}
		}
		if args[0] == "" || args[1] == "" {
			return nil, &ValidationError{Reason: ActionDownloadFile + " arguments must not be empty"}
		}
		return DownloadFile{URL: args[0], Destination: args[1]}, nil
	default:
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown action %q", action.Name)}
	}
}

// ParseDocument decodes and validates a raw job document in one step.
func ParseDocument(raw []byte) (Mission, error) {
	doc, err := DecodeDocument(raw)
	if err != nil {
		return nil, err
	}
	return doc.Mission()
}
