package telemetry

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/skyfleet/missionagent/internal/model"
)

var cborEnc cbor.EncMode

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

func EncodeJSON(s Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

func DecodeJSON(b []byte) (Snapshot, error) {
	var s Snapshot
	err := json.Unmarshal(b, &s)
	return s, err
}

func EncodeCBOR(s Snapshot) ([]byte, error) {
	return cborEnc.Marshal(s)
}

func DecodeCBOR(b []byte) (Snapshot, error) {
	var s Snapshot
	err := cbor.Unmarshal(b, &s)
	return s, err
}

// EncodeCBORBase64 wraps the CBOR encoding for text only channels.
func EncodeCBORBase64(s Snapshot) ([]byte, error) {
	raw, err := EncodeCBOR(s)
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

func DecodeCBORBase64(b []byte) (Snapshot, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(b)))
	n, err := base64.StdEncoding.Decode(raw, b)
	if err != nil {
		return Snapshot{}, err
	}
	return DecodeCBOR(raw[:n])
}

// Encode uses the configured telemetry format. CBOR is base64 wrapped since
// the result travels as a text payload.
func Encode(format string, s Snapshot) ([]byte, error) {
	switch format {
	case model.TelemetryJSON, "":
		return EncodeJSON(s)
	case model.TelemetryCBOR:
		return EncodeCBORBase64(s)
	default:
		return nil, fmt.Errorf("unsupported telemetry format %q", format)
	}
}

func Decode(format string, b []byte) (Snapshot, error) {
	switch format {
	case model.TelemetryJSON, "":
		return DecodeJSON(b)
	case model.TelemetryCBOR:
		return DecodeCBORBase64(b)
	default:
		return Snapshot{}, fmt.Errorf("unsupported telemetry format %q", format)
	}
}
