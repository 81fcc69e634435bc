package telemetry_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/skyfleet/missionagent/internal/model"
	"github.com/skyfleet/missionagent/internal/telemetry"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSources struct {
	snap       telemetry.Snapshot
	batteryErr error
}

func (f fakeSources) Position(context.Context) (telemetry.Position, error) {
	return f.snap.Position, nil
}

func (f fakeSources) Battery(context.Context) (telemetry.Battery, error) {
	return f.snap.Battery, f.batteryErr
}

// Health blocks until the failing battery cancels the group.
func (f fakeSources) Health(ctx context.Context) (telemetry.Health, error) {
	if f.batteryErr != nil {
		<-ctx.Done()
		return telemetry.Health{}, ctx.Err()
	}
	return f.snap.Health, nil
}

func (f fakeSources) InAir(context.Context) (bool, error) {
	return f.snap.InAir, nil
}

func ptr(f float64) *float64 { return &f }

var sample = telemetry.Snapshot{
	Position: telemetry.Position{
		LatitudeDeg:       47.3977419,
		LongitudeDeg:      8.5455938,
		AbsoluteAltitudeM: 503.1,
		RelativeAltitudeM: 15.02,
	},
	Battery: telemetry.Battery{
		TemperatureDegC:    ptr(31.5),
		VoltageV:           16.2,
		CurrentBatteryA:    ptr(12.34),
		CapacityConsumedAh: ptr(0.812),
		RemainingPercent:   ptr(73),
	},
	Health: telemetry.Health{
		IsGyrometerCalibrationOK:     true,
		IsAccelerometerCalibrationOK: true,
		IsMagnetometerCalibrationOK:  true,
		IsGlobalPositionOK:           true,
		IsArmable:                    true,
	},
	InAir: true,
}

func TestCollector_Snapshot(t *testing.T) {
	snap, err := telemetry.NewCollector(fakeSources{snap: sample}).Snapshot(t.Context())
	require.NoError(t, err)
	require.Equal(t, sample, snap)
}

func TestCollector_NoPartialSnapshot(t *testing.T) {
	boom := errors.New("battery stream closed")
	snap, err := telemetry.NewCollector(fakeSources{snap: sample, batteryErr: boom}).Snapshot(t.Context())
	require.ErrorIs(t, err, boom)
	require.Zero(t, snap)
}

func TestJSONFieldNames(t *testing.T) {
	raw, err := telemetry.EncodeJSON(telemetry.Snapshot{})
	require.NoError(t, err)
	require.JSONEq(t, `{
		"position": {"latitude_deg":0,"longitude_deg":0,"absolute_altitude_m":0,"relative_altitude_m":0},
		"battery": {"temperature_degc":null,"voltage_v":0,"current_battery_a":null,"capacity_consumed_ah":null,"remaining_percent":null},
		"health": {"is_gyrometer_calibration_ok":false,"is_accelerometer_calibration_ok":false,"is_magnetometer_calibration_ok":false,
			"is_local_position_ok":false,"is_global_position_ok":false,"is_home_position_ok":false,"is_armable":false},
		"in_air": false
	}`, string(raw))
}

func randomSnapshot(r *rand.Rand) telemetry.Snapshot {
	maybe := func() *float64 {
		if r.IntN(3) == 0 {
			return nil
		}
		return ptr(r.NormFloat64() * 100)
	}
	return telemetry.Snapshot{
		Position: telemetry.Position{
			LatitudeDeg:       r.Float64()*180 - 90,
			LongitudeDeg:      r.Float64()*360 - 180,
			AbsoluteAltitudeM: r.NormFloat64() * 1000,
			RelativeAltitudeM: r.NormFloat64() * 100,
		},
		Battery: telemetry.Battery{
			TemperatureDegC:    maybe(),
			VoltageV:           r.Float64() * 50,
			CurrentBatteryA:    maybe(),
			CapacityConsumedAh: maybe(),
			RemainingPercent:   maybe(),
		},
		Health: telemetry.Health{
			IsGyrometerCalibrationOK: r.IntN(2) == 0,
			IsLocalPositionOK:        r.IntN(2) == 0,
			IsHomePositionOK:         r.IntN(2) == 0,
			IsArmable:                r.IntN(2) == 0,
		},
		InAir: r.IntN(2) == 0,
	}
}

func TestRoundTrip(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for _, format := range []string{model.TelemetryJSON, model.TelemetryCBOR} {
		t.Run(format, func(t *testing.T) {
			for range 200 {
				snap := randomSnapshot(r)
				raw, err := telemetry.Encode(format, snap)
				require.NoError(t, err)
				got, err := telemetry.Decode(format, raw)
				require.NoError(t, err)
				require.Equal(t, snap, got)
			}
		})
	}

	raw, err := telemetry.EncodeCBOR(sample)
	require.NoError(t, err)
	got, err := telemetry.DecodeCBOR(raw)
	require.NoError(t, err)
	require.Equal(t, sample, got)
}

type recorder struct {
	payloads [][]byte
}

func (r *recorder) Upload(_ context.Context, raw []byte) error {
	r.payloads = append(r.payloads, raw)
	return nil
}

func TestPublisher(t *testing.T) {
	rec := &recorder{}
	p := telemetry.NewPublisher(telemetry.NewCollector(fakeSources{snap: sample}), model.TelemetryCBOR, rec)
	require.NoError(t, p.Publish(t.Context()))
	require.Len(t, rec.payloads, 1)

	got, err := telemetry.DecodeCBORBase64(rec.payloads[0])
	require.NoError(t, err)
	require.Equal(t, sample, got)

	_, err = telemetry.Encode("xml", sample)
	require.Error(t, err)
}
