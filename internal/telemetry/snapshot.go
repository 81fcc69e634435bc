// Package telemetry assembles point in time snapshots of the vehicle state
// and encodes them for publication.
package telemetry

import "context"

type Position struct {
	LatitudeDeg       float64 `json:"latitude_deg"`
	LongitudeDeg      float64 `json:"longitude_deg"`
	AbsoluteAltitudeM float64 `json:"absolute_altitude_m"`
	RelativeAltitudeM float64 `json:"relative_altitude_m"`
}

// Battery readings the autopilot does not know are nil.
type Battery struct {
	TemperatureDegC    *float64 `json:"temperature_degc"`
	VoltageV           float64  `json:"voltage_v"`
	CurrentBatteryA    *float64 `json:"current_battery_a"`
	CapacityConsumedAh *float64 `json:"capacity_consumed_ah"`
	RemainingPercent   *float64 `json:"remaining_percent"`
}

type Health struct {
	IsGyrometerCalibrationOK     bool `json:"is_gyrometer_calibration_ok"`
	IsAccelerometerCalibrationOK bool `json:"is_accelerometer_calibration_ok"`
	IsMagnetometerCalibrationOK  bool `json:"is_magnetometer_calibration_ok"`
	IsLocalPositionOK            bool `json:"is_local_position_ok"`
	IsGlobalPositionOK           bool `json:"is_global_position_ok"`
	IsHomePositionOK             bool `json:"is_home_position_ok"`
	IsArmable                    bool `json:"is_armable"`
}

// Snapshot is one reading of every source. The parts are not sampled at
// the same instant.
type Snapshot struct {
	Position Position `json:"position"`
	Battery  Battery  `json:"battery"`
	Health   Health   `json:"health"`
	InAir    bool     `json:"in_air"`
}

// Sources return the next value of each live data stream.
type Sources interface {
	Position(ctx context.Context) (Position, error)
	Battery(ctx context.Context) (Battery, error)
	Health(ctx context.Context) (Health, error)
	InAir(ctx context.Context) (bool, error)
}
