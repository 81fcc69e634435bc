package mavlink

import (
	"context"
	"math"

	"github.com/bluenviron/gomavlib/v2/pkg/dialects/common"

	"github.com/skyfleet/missionagent/internal/telemetry"
)

var _ telemetry.Sources = (*System)(nil)

func (s *System) Position(ctx context.Context) (telemetry.Position, error) {
	m, err := next[*common.MessageGlobalPositionInt](ctx, s)
	if err != nil {
		return telemetry.Position{}, err
	}
	return telemetry.Position{
		LatitudeDeg:       float64(m.Lat) / 1e7,
		LongitudeDeg:      float64(m.Lon) / 1e7,
		AbsoluteAltitudeM: float64(m.Alt) / 1e3,
		RelativeAltitudeM: float64(m.RelativeAlt) / 1e3,
	}, nil
}

func (s *System) Battery(ctx context.Context) (telemetry.Battery, error) {
	m, err := next[*common.MessageBatteryStatus](ctx, s)
	if err != nil {
		return telemetry.Battery{}, err
	}
	var b telemetry.Battery
	if m.Temperature != math.MaxInt16 {
		b.TemperatureDegC = scaled(float64(m.Temperature), 100)
	}
	for _, mv := range m.Voltages {
		if mv != math.MaxUint16 {
			b.VoltageV += float64(mv) / 1e3
		}
	}
	if m.CurrentBattery != -1 {
		b.CurrentBatteryA = scaled(float64(m.CurrentBattery), 100)
	}
	if m.CurrentConsumed != -1 {
		b.CapacityConsumedAh = scaled(float64(m.CurrentConsumed), 1e3)
	}
	if m.BatteryRemaining != -1 {
		b.RemainingPercent = scaled(float64(m.BatteryRemaining), 1)
	}
	return b, nil
}

// Health derives the readiness flags from SYS_STATUS and from whether home
// and local position were reported so far.
func (s *System) Health(ctx context.Context) (telemetry.Health, error) {
	m, err := next[*common.MessageSysStatus](ctx, s)
	if err != nil {
		return telemetry.Health{}, err
	}
	healthy := func(sensor common.MAV_SYS_STATUS_SENSOR) bool {
		return m.OnboardControlSensorsPresent&sensor != 0 && m.OnboardControlSensorsHealth&sensor != 0
	}
	return telemetry.Health{
		IsGyrometerCalibrationOK:     healthy(common.MAV_SYS_STATUS_SENSOR_3D_GYRO),
		IsAccelerometerCalibrationOK: healthy(common.MAV_SYS_STATUS_SENSOR_3D_ACCEL),
		IsMagnetometerCalibrationOK:  healthy(common.MAV_SYS_STATUS_SENSOR_3D_MAG),
		IsLocalPositionOK:            s.localSeen.Load(),
		IsGlobalPositionOK:           healthy(common.MAV_SYS_STATUS_SENSOR_GPS),
		IsHomePositionOK:             s.homeSeen.Load(),
		IsArmable:                    healthy(common.MAV_SYS_STATUS_PREARM_CHECK),
	}, nil
}

func scaled(v, div float64) *float64 {
	r := v / div
	return &r
}
