package vehicle

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

// MAVLink values used when building mission items.
const (
	CmdNavReturnToLaunch = 20

	FrameGlobal               = 0
	FrameMission              = 2
	FrameGlobalRelativeAlt    = 3
	FrameGlobalInt            = 5
	FrameGlobalRelativeAltInt = 6
	FrameGlobalTerrainAlt     = 10
	FrameGlobalTerrainAltInt  = 11
)

// MissionItem is one raw mission item. For global frames X and Y are
// latitude and longitude in degrees * 1e7, otherwise local coordinates.
type MissionItem struct {
	Seq          uint16
	Frame        uint8
	Command      uint16
	Current      bool
	AutoContinue bool
	Param1       float32
	Param2       float32
	Param3       float32
	Param4       float32
	X            int32
	Y            int32
	Z            float32
}

var (
	ErrNotAPlan        = errors.New("not a QGroundControl plan")
	ErrUnsupportedItem = errors.New("unsupported mission item")
)

type planFile struct {
	FileType string `json:"fileType"`
	Mission  struct {
		Items []planItem `json:"items"`
	} `json:"mission"`
}

type planItem struct {
	Type         string     `json:"type"`
	Command      uint16     `json:"command"`
	Frame        uint8      `json:"frame"`
	Params       []*float64 `json:"params"`
	AutoContinue *bool      `json:"autoContinue"`
	ComplexType  string     `json:"complexItemType"`
}

// LoadPlan reads a QGroundControl .plan file and converts its simple items
// to raw mission items.
func LoadPlan(path string) ([]MissionItem, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePlan(b)
}

func ParsePlan(b []byte) ([]MissionItem, error) {
	var plan planFile
	if err := json.Unmarshal(b, &plan); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotAPlan, err)
	}
	if plan.FileType != "Plan" {
		return nil, fmt.Errorf("%w: fileType %q", ErrNotAPlan, plan.FileType)
	}

	items := make([]MissionItem, 0, len(plan.Mission.Items))
	for i, pi := range plan.Mission.Items {
		if pi.Type != "SimpleItem" {
			return nil, fmt.Errorf("%w: item %d has type %q %s", ErrUnsupportedItem, i, pi.Type, pi.ComplexType)
		}
		if len(pi.Params) != 7 {
			return nil, fmt.Errorf("%w: item %d has %d params, expected 7", ErrUnsupportedItem, i, len(pi.Params))
		}
		item := MissionItem{
			Seq:          uint16(i),
			Frame:        pi.Frame,
			Command:      pi.Command,
			Current:      i == 0,
			AutoContinue: pi.AutoContinue == nil || *pi.AutoContinue,
			Param1:       param(pi.Params[0]),
			Param2:       param(pi.Params[1]),
			Param3:       param(pi.Params[2]),
			Param4:       param(pi.Params[3]),
			Z:            float32(value(pi.Params[6])),
		}
		x, y := value(pi.Params[4]), value(pi.Params[5])
		if isGlobal(pi.Frame) {
			item.X = int32(math.Round(x * 1e7))
			item.Y = int32(math.Round(y * 1e7))
		} else {
			item.X = int32(x)
			item.Y = int32(y)
		}
		items = append(items, item)
	}
	return items, nil
}

// AppendReturnToLaunch returns items with a return-to-launch item at the end.
func AppendReturnToLaunch(items []MissionItem) []MissionItem {
	return append(items, MissionItem{
		Seq:          uint16(len(items)),
		Frame:        FrameMission,
		Command:      CmdNavReturnToLaunch,
		Current:      len(items) == 0,
		AutoContinue: true,
	})
}

// param maps null to NaN, which MAVLink reads as "unchanged".
func param(p *float64) float32 {
	if p == nil {
		return float32(math.NaN())
	}
	return float32(*p)
}

func value(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func isGlobal(frame uint8) bool {
	switch frame {
	case FrameGlobal, FrameGlobalRelativeAlt, FrameGlobalInt, FrameGlobalRelativeAltInt,
		FrameGlobalTerrainAlt, FrameGlobalTerrainAltInt:
		return true
	default:
		return false
	}
}
