package mavlink

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bluenviron/gomavlib/v2/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v2/pkg/message"

	"github.com/skyfleet/missionagent/internal/vehicle"
)

func (s *System) Arm(ctx context.Context) error {
	return s.command(ctx, common.MAV_CMD_COMPONENT_ARM_DISARM, 1)
}

func (s *System) StartMission(ctx context.Context) error {
	s.reached.Store(0)
	return s.command(ctx, common.MAV_CMD_MISSION_START)
}

func (s *System) ReturnToLaunch(ctx context.Context) error {
	return s.command(ctx, common.MAV_CMD_NAV_RETURN_TO_LAUNCH)
}

// command sends COMMAND_LONG and waits for its COMMAND_ACK, resending on
// timeout with an increasing confirmation number.
func (s *System) command(ctx context.Context, cmd common.MAV_CMD, params ...float32) error {
	var p [7]float32
	copy(p[:], params)
	sys, comp := s.target()

	sub, unsubscribe := s.subscribe()
	defer unsubscribe()

	for attempt := range s.conf.Retries {
		err := s.write(&common.MessageCommandLong{
			TargetSystem:    sys,
			TargetComponent: comp,
			Command:         cmd,
			Confirmation:    uint8(attempt),
			Param1:          p[0],
			Param2:          p[1],
			Param3:          p[2],
			Param4:          p[3],
			Param5:          p[4],
			Param6:          p[5],
			Param7:          p[6],
		})
		if err != nil {
			return err
		}
		err = await(ctx, sub, s.conf.CommandTimeout, func(msg message.Message) (bool, error) {
			ack, ok := msg.(*common.MessageCommandAck)
			if !ok || ack.Command != cmd {
				return false, nil
			}
			switch ack.Result {
			case common.MAV_RESULT_ACCEPTED:
				return true, nil
			case common.MAV_RESULT_IN_PROGRESS:
				return false, nil
			default:
				return false, &CommandError{Command: cmd, Result: ack.Result}
			}
		})
		if !errors.Is(err, ErrTimeout) {
			return err
		}
		slog.DebugContext(ctx, "command not acknowledged", "command", int(cmd), "attempt", attempt+1)
	}
	return ErrTimeout
}

// UploadMission runs the mission upload handshake: MISSION_COUNT, then one
// MISSION_ITEM_INT per request until the vehicle answers with MISSION_ACK.
func (s *System) UploadMission(ctx context.Context, items []vehicle.MissionItem) error {
	sys, comp := s.target()
	sub, unsubscribe := s.subscribe()
	defer unsubscribe()

	err := s.write(&common.MessageMissionCount{
		TargetSystem:    sys,
		TargetComponent: comp,
		Count:           uint16(len(items)),
		MissionType:     common.MAV_MISSION_TYPE_MISSION,
	})
	if err != nil {
		return err
	}

	sendItem := func(seq uint16) error {
		if int(seq) >= len(items) {
			return nil
		}
		it := items[seq]
		return s.write(&common.MessageMissionItemInt{
			TargetSystem:    sys,
			TargetComponent: comp,
			Seq:             seq,
			Frame:           common.MAV_FRAME(it.Frame),
			Command:         common.MAV_CMD(it.Command),
			Current:         boolByte(it.Current),
			Autocontinue:    boolByte(it.AutoContinue),
			Param1:          it.Param1,
			Param2:          it.Param2,
			Param3:          it.Param3,
			Param4:          it.Param4,
			X:               it.X,
			Y:               it.Y,
			Z:               it.Z,
			MissionType:     common.MAV_MISSION_TYPE_MISSION,
		})
	}

	timeout := s.conf.CommandTimeout * time.Duration(len(items)+2)
	err = await(ctx, sub, timeout, func(msg message.Message) (bool, error) {
		switch m := msg.(type) {
		case *common.MessageMissionRequestInt:
			return false, sendItem(m.Seq)
		case *common.MessageMissionRequest:
			return false, sendItem(m.Seq)
		case *common.MessageMissionAck:
			if m.Type != common.MAV_MISSION_ACCEPTED {
				return false, &MissionAckError{Result: m.Type}
			}
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	s.total.Store(int32(len(items)))
	s.reached.Store(0)
	return nil
}

func (s *System) ClearMission(ctx context.Context) error {
	sys, comp := s.target()
	sub, unsubscribe := s.subscribe()
	defer unsubscribe()

	err := s.write(&common.MessageMissionClearAll{
		TargetSystem:    sys,
		TargetComponent: comp,
		MissionType:     common.MAV_MISSION_TYPE_MISSION,
	})
	if err != nil {
		return err
	}
	err = await(ctx, sub, s.conf.CommandTimeout, func(msg message.Message) (bool, error) {
		ack, ok := msg.(*common.MessageMissionAck)
		if !ok {
			return false, nil
		}
		if ack.Type != common.MAV_MISSION_ACCEPTED {
			return false, &MissionAckError{Result: ack.Type}
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	s.total.Store(0)
	return nil
}

// MissionProgress waits for the next MISSION_CURRENT or MISSION_ITEM_REACHED.
func (s *System) MissionProgress(ctx context.Context) (vehicle.Progress, error) {
	sub, unsubscribe := s.subscribe()
	defer unsubscribe()
	err := await(ctx, sub, 0, func(msg message.Message) (bool, error) {
		switch msg.(type) {
		case *common.MessageMissionCurrent, *common.MessageMissionItemReached:
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return vehicle.Progress{}, err
	}
	return vehicle.Progress{
		Current: int(s.reached.Load()),
		Total:   int(s.total.Load()),
	}, nil
}

// InAir waits for the next known landed state.
func (s *System) InAir(ctx context.Context) (bool, error) {
	for {
		st, err := next[*common.MessageExtendedSysState](ctx, s)
		if err != nil {
			return false, err
		}
		switch st.LandedState {
		case common.MAV_LANDED_STATE_ON_GROUND:
			return false, nil
		case common.MAV_LANDED_STATE_IN_AIR, common.MAV_LANDED_STATE_TAKEOFF, common.MAV_LANDED_STATE_LANDING:
			return true, nil
		}
	}
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
