// Package mavlink implements vehicle.System and the telemetry sources on top
// of a MAVLink 2 node.
//
// A single goroutine reads node events and fans every frame out to the
// currently subscribed waiters. Waiters subscribe before they write a
// request, so the reply cannot be missed.
package mavlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gomavlib/v2"
	"github.com/bluenviron/gomavlib/v2/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v2/pkg/message"

	"github.com/skyfleet/missionagent/internal/model"
	"github.com/skyfleet/missionagent/internal/vehicle"
)

var (
	ErrTimeout = errors.New("no reply from vehicle")
	ErrClosed  = errors.New("link closed")
)

// CommandError is a command acknowledged with a result other than accepted.
type CommandError struct {
	Command common.MAV_CMD
	Result  common.MAV_RESULT
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %d rejected with result %d", e.Command, e.Result)
}

// MissionAckError is a mission operation acknowledged with an error.
type MissionAckError struct {
	Result common.MAV_MISSION_RESULT
}

func (e *MissionAckError) Error() string {
	return fmt.Sprintf("mission rejected with result %d", e.Result)
}

type Conf struct {
	SystemID       uint8         // our system id, 255 when zero
	CommandTimeout time.Duration // per attempt, 1.5s when zero
	Retries        int           // command attempts, 3 when zero
}

type System struct {
	conf Conf

	mx     sync.Mutex
	node   *gomavlib.Node
	subs   map[chan *gomavlib.EventFrame]struct{}
	done   chan struct{}
	closed bool // event loop exited

	targetSystem    atomic.Uint32
	targetComponent atomic.Uint32

	total     atomic.Int32 // items of the uploaded mission
	reached   atomic.Int32 // items reached
	homeSeen  atomic.Bool
	localSeen atomic.Bool
}

var _ vehicle.System = (*System)(nil)

func New(conf Conf) *System {
	if conf.SystemID == 0 {
		conf.SystemID = 255
	}
	if conf.CommandTimeout == 0 {
		conf.CommandTimeout = 1500 * time.Millisecond
	}
	if conf.Retries == 0 {
		conf.Retries = 3
	}
	return &System{
		conf: conf,
		subs: make(map[chan *gomavlib.EventFrame]struct{}),
	}
}

func endpoint(addr vehicle.Address) (gomavlib.EndpointConf, error) {
	hostPort := net.JoinHostPort(addr.Host, strconv.Itoa(addr.Port))
	switch addr.Type {
	case model.ConnectionUDPIn:
		return gomavlib.EndpointUDPServer{Address: hostPort}, nil
	case model.ConnectionUDPOut:
		return gomavlib.EndpointUDPClient{Address: hostPort}, nil
	case model.ConnectionTCPIn:
		return gomavlib.EndpointTCPServer{Address: hostPort}, nil
	case model.ConnectionTCPOut:
		return gomavlib.EndpointTCPClient{Address: hostPort}, nil
	case model.ConnectionSerial:
		return gomavlib.EndpointSerial{Device: addr.Host, Baud: addr.Port}, nil
	default:
		return nil, fmt.Errorf("unsupported connection type %q", addr.Type)
	}
}

// Connect opens the node and waits for the first heartbeat of an autopilot,
// whose system and component ids become the target of every request.
func (s *System) Connect(ctx context.Context, addr vehicle.Address) error {
	ep, err := endpoint(addr)
	if err != nil {
		return err
	}

	s.mx.Lock()
	if s.node != nil {
		s.mx.Unlock()
		return errors.New("already connected")
	}
	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:           []gomavlib.EndpointConf{ep},
		Dialect:             common.Dialect,
		OutVersion:          gomavlib.V2,
		OutSystemID:         s.conf.SystemID,
		StreamRequestEnable: true,
	})
	if err != nil {
		s.mx.Unlock()
		return err
	}
	s.node = node
	s.done = make(chan struct{})
	s.closed = false
	s.mx.Unlock()

	sub, unsubscribe := s.subscribe()
	defer unsubscribe()
	go s.run(node)

	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return context.Cause(ctx)
		case frm, ok := <-sub:
			if !ok {
				return ErrClosed
			}
			hb, ok := frm.Message().(*common.MessageHeartbeat)
			if !ok || hb.Type == common.MAV_TYPE_GCS || hb.Autopilot == common.MAV_AUTOPILOT_INVALID {
				continue
			}
			s.targetSystem.Store(uint32(frm.SystemID()))
			s.targetComponent.Store(uint32(frm.ComponentID()))
			slog.DebugContext(ctx, "vehicle heartbeat",
				"system_id", frm.SystemID(),
				"component_id", frm.ComponentID(),
				"autopilot", int(hb.Autopilot))
			return nil
		}
	}
}

// Close shuts the node down and waits for the event loop to exit.
func (s *System) Close() error {
	s.mx.Lock()
	node, done := s.node, s.done
	s.node = nil
	s.mx.Unlock()
	if node == nil {
		return nil
	}
	node.Close()
	<-done
	return nil
}

func (s *System) run(node *gomavlib.Node) {
	defer func() {
		s.mx.Lock()
		for ch := range s.subs {
			close(ch)
			delete(s.subs, ch)
		}
		s.closed = true
		close(s.done)
		s.mx.Unlock()
	}()

	for evt := range node.Events() {
		switch e := evt.(type) {
		case *gomavlib.EventChannelOpen:
			slog.Debug("mavlink channel open")
		case *gomavlib.EventChannelClose:
			slog.Debug("mavlink channel closed")
		case *gomavlib.EventFrame:
			if target := s.targetSystem.Load(); target != 0 && uint32(e.SystemID()) != target {
				continue
			}
			s.observe(e.Message())
			s.publish(e)
		}
	}
}

// observe keeps the state which is derived from the whole stream rather
// than from the next message.
func (s *System) observe(msg message.Message) {
	switch m := msg.(type) {
	case *common.MessageMissionItemReached:
		if r := int32(m.Seq) + 1; r > s.reached.Load() {
			s.reached.Store(r)
		}
	case *common.MessageHomePosition:
		s.homeSeen.Store(true)
	case *common.MessageLocalPositionNed:
		s.localSeen.Store(true)
	}
}

func (s *System) publish(frm *gomavlib.EventFrame) {
	s.mx.Lock()
	defer s.mx.Unlock()
	for ch := range s.subs {
		select {
		case ch <- frm:
		default:
			// slow waiter; telemetry is periodic and requests are retried
		}
	}
}

func (s *System) subscribe() (<-chan *gomavlib.EventFrame, func()) {
	ch := make(chan *gomavlib.EventFrame, 64)
	s.mx.Lock()
	if s.closed {
		close(ch)
	} else {
		s.subs[ch] = struct{}{}
	}
	s.mx.Unlock()
	return ch, func() {
		s.mx.Lock()
		delete(s.subs, ch)
		s.mx.Unlock()
	}
}

func (s *System) write(msg message.Message) error {
	s.mx.Lock()
	node := s.node
	s.mx.Unlock()
	if node == nil {
		return ErrClosed
	}
	node.WriteMessageAll(msg)
	return nil
}

func (s *System) target() (uint8, uint8) {
	return uint8(s.targetSystem.Load()), uint8(s.targetComponent.Load())
}

// await feeds frames to handle until it reports done or fails. It gives up
// with ErrTimeout after timeout, a zero timeout waits until ctx is done.
func await(ctx context.Context, sub <-chan *gomavlib.EventFrame, timeout time.Duration, handle func(message.Message) (bool, error)) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-expired:
			return ErrTimeout
		case frm, ok := <-sub:
			if !ok {
				return ErrClosed
			}
			done, err := handle(frm.Message())
			if err != nil || done {
				return err
			}
		}
	}
}

// next returns the next message of type M received from the vehicle.
func next[M message.Message](ctx context.Context, s *System) (M, error) {
	var zero M
	sub, unsubscribe := s.subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return zero, context.Cause(ctx)
		case frm, ok := <-sub:
			if !ok {
				return zero, ErrClosed
			}
			if m, ok := frm.Message().(M); ok {
				return m, nil
			}
		}
	}
}
