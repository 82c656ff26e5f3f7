package telemetry

import (
	"encoding/json"
	"math"
	"time"

	"aquatrack/internal/model"
)

// frame mirrors the bottle firmware's notification payload. All fields are
// optional; decoding is defensive because firmware revisions differ in which
// fields they emit.
type frame struct {
	Volume     json.RawMessage `json:"volume"`
	Distancia  json.RawMessage `json:"distancia"`
	BateriaV   json.RawMessage `json:"bateria_v"`
	BateriaPct json.RawMessage `json:"bateria_pct"`
	LdrPct     json.RawMessage `json:"ldr_pct"`
}

// Decode parses a raw notification payload into a Reading. The second return
// is false when the payload is not a telemetry frame at all (not an error:
// the device also notifies plain-text acks on the same characteristic).
func Decode(payload []byte, at time.Time) (*model.Reading, bool) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, false
	}
	if f.Volume == nil && f.Distancia == nil && f.BateriaV == nil && f.BateriaPct == nil && f.LdrPct == nil {
		return nil, false
	}

	if at.IsZero() {
		at = time.Now().UTC()
	}
	return &model.Reading{
		VolumeMl:    numberField(f.Volume),
		DistanceCm:  numberField(f.Distancia),
		BatteryVolt: numberField(f.BateriaV),
		BatteryPct:  numberField(f.BateriaPct),
		LightPct:    numberField(f.LdrPct),
		At:          at,
	}, true
}

// numberField returns nil for absent, non-numeric, or non-finite values.
func numberField(raw json.RawMessage) *float64 {
	if raw == nil {
		return nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
