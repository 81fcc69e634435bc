// Package vehicle is the typed façade over the vehicle control link.
//
// A Controller must be connected before anything else is called on it.
// Calling Arm, UploadMission, StartMission, AwaitMissionFinished or
// CancelMission on an unconnected Controller is a programming error and
// panics with ErrNotConnected. Runtime failures are reported as
// *ConnectionError, *ActionError or *MissionError.
package vehicle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/skyfleet/missionagent/internal/model"
)

var ErrNotConnected = errors.New("vehicle not connected")

// Address locates the vehicle link. For serial links Host is the device
// and Port the baud rate.
type Address struct {
	Type model.ConnectionType
	Host string
	Port int
}

// String returns the connection string, e.g. udpin://0.0.0.0:14540 or
// serial:///dev/ttyACM0:57600.
func (a Address) String() string {
	host := a.Host
	sep := "://"
	if a.Type == model.ConnectionSerial {
		host = strings.TrimLeft(host, "/")
		sep = ":///"
	}
	return string(a.Type) + sep + host + ":" + strconv.Itoa(a.Port)
}

// Progress of the uploaded mission. Current counts the items reached.
type Progress struct {
	Current int
	Total   int
}

func (p Progress) Finished() bool {
	return p.Total > 0 && p.Current >= p.Total
}

// System is the control link to the vehicle autopilot.
type System interface {
	// Connect opens the link and returns once the vehicle has been heard from.
	Connect(ctx context.Context, addr Address) error
	Arm(ctx context.Context) error
	UploadMission(ctx context.Context, items []MissionItem) error
	StartMission(ctx context.Context) error
	ClearMission(ctx context.Context) error
	ReturnToLaunch(ctx context.Context) error
	// MissionProgress blocks until the next progress update.
	MissionProgress(ctx context.Context) (Progress, error)
	// InAir blocks until the next landed state update.
	InAir(ctx context.Context) (bool, error)
}

type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ActionError is returned when the vehicle refuses or fails a command.
type ActionError struct {
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

type MissionError struct {
	Op  string
	Err error
}

func (e *MissionError) Error() string {
	return fmt.Sprintf("mission %s: %v", e.Op, e.Err)
}

func (e *MissionError) Unwrap() error { return e.Err }
