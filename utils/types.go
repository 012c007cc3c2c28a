package utils

import (
	"time"

	"github.com/usenocturne/envsensed/telemetry"
)

// WebSocket
type WebSocketEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

const (
	EventTelemetry    = "telemetry"
	EventSessionState = "session_state"
	EventDeviceFound  = "device_found"
	EventBacklog      = "backlog"
	EventUplink       = "network_status"
)

type KindReading struct {
	Value      float64           `json:"value"`
	Unit       string            `json:"unit"`
	ObservedAt time.Time         `json:"observed_at"`
	Quality    telemetry.Quality `json:"quality"`
}

type TelemetryPayload struct {
	Connected  bool                                 `json:"connected"`
	Device     string                               `json:"device,omitempty"`
	LastUpdate time.Time                            `json:"last_update"`
	Readings   map[telemetry.Kind]KindReading       `json:"readings"`
	Series     map[telemetry.Kind][]telemetry.Point `json:"series,omitempty"`
}

// QualityThresholds selects the bands applied to telemetry payloads.
type QualityThresholds struct {
	Temperature telemetry.Thresholds
	Humidity    telemetry.Thresholds
}

func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		Temperature: telemetry.DefaultTemperatureThresholds,
		Humidity:    telemetry.DefaultHumidityThresholds,
	}
}

// NewTelemetryPayload attaches a quality band to every reading. Series are
// included only when withSeries is set.
func NewTelemetryPayload(snap *telemetry.Snapshot, th QualityThresholds, withSeries bool) TelemetryPayload {
	p := TelemetryPayload{
		Connected:  snap.Connected,
		Device:     snap.Device,
		LastUpdate: snap.LastUpdate,
		Readings:   make(map[telemetry.Kind]KindReading, len(snap.Readings)),
	}
	for k, r := range snap.Readings {
		v := r.Value
		q := telemetry.QualityUnknown
		switch k {
		case telemetry.KindTemperature:
			q = th.Temperature.Evaluate(&v)
		case telemetry.KindHumidity:
			q = th.Humidity.Evaluate(&v)
		}
		p.Readings[k] = KindReading{Value: v, Unit: k.Unit(), ObservedAt: r.ObservedAt, Quality: q}
	}
	if withSeries {
		p.Series = snap.Series
	}
	return p
}

type SessionStatePayload struct {
	From    string    `json:"from"`
	To      string    `json:"to"`
	Address string    `json:"address,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

type DeviceFoundPayload struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	RSSI    int16  `json:"rssi"`
	Sensor  bool   `json:"sensor"`
}

type BacklogPayload struct {
	Phase   string `json:"phase"`
	Address string `json:"address"`
	Offset  uint32 `json:"offset"`
	Bytes   int    `json:"bytes"`
	Rows    int    `json:"rows"`
	Skipped int    `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

type NetworkStatusPayload struct {
	Status string  `json:"status"`
	RTTMs  float64 `json:"rtt_ms,omitempty"`
}
