package utils

import (
	"github.com/rs/zerolog/log"

	"github.com/usenocturne/envsensed/bluetooth"
	"github.com/usenocturne/envsensed/telemetry"
)

// WebSocketBroadcaster turns session and store activity into WebSocket
// events. Its methods never block and are safe to call from the session
// goroutine.
type WebSocketBroadcaster struct {
	wsHub      *WebSocketHub
	thresholds QualityThresholds
}

func NewWebSocketBroadcaster(wsHub *WebSocketHub, thresholds QualityThresholds) *WebSocketBroadcaster {
	return &WebSocketBroadcaster{
		wsHub:      wsHub,
		thresholds: thresholds,
	}
}

// BroadcastTelemetry sends the latest readings; series are left to the HTTP
// API.
func (b *WebSocketBroadcaster) BroadcastTelemetry(snap *telemetry.Snapshot) {
	b.wsHub.Publish(WebSocketEvent{
		Type:    EventTelemetry,
		Payload: NewTelemetryPayload(snap, b.thresholds, false),
	})
}

func (b *WebSocketBroadcaster) BroadcastSessionState(ch bluetooth.StateChange) {
	p := SessionStatePayload{
		From:    ch.From.String(),
		To:      ch.To.String(),
		Address: ch.Address,
		At:      ch.At,
	}
	if ch.Reason != nil {
		p.Reason = ch.Reason.Error()
	}
	b.wsHub.Publish(WebSocketEvent{Type: EventSessionState, Payload: p})
}

func (b *WebSocketBroadcaster) BroadcastDeviceFound(d bluetooth.DeviceIdentity) {
	b.wsHub.Publish(WebSocketEvent{
		Type: EventDeviceFound,
		Payload: DeviceFoundPayload{
			Address: d.Address,
			Name:    d.Name,
			RSSI:    d.RSSI,
			Sensor:  d.Sensor,
		},
	})
}

func (b *WebSocketBroadcaster) BroadcastBacklog(ev bluetooth.BacklogEvent) {
	p := BacklogPayload{
		Phase:   string(ev.Phase),
		Address: ev.Address,
		Offset:  ev.Offset,
		Bytes:   ev.Stats.Bytes,
		Rows:    ev.Stats.Rows,
		Skipped: ev.Stats.Skipped,
	}
	if ev.Err != nil {
		p.Error = ev.Err.Error()
	}
	if ev.Phase != bluetooth.BacklogProgress {
		log.Debug().Str("component", "ws").Str("phase", p.Phase).Uint32("offset", p.Offset).Msg("broadcasting backlog event")
	}
	b.wsHub.Publish(WebSocketEvent{Type: EventBacklog, Payload: p})
}

func (b *WebSocketBroadcaster) BroadcastNetworkStatus(st UplinkStatus) {
	p := NetworkStatusPayload{Status: "offline"}
	if st.Online {
		p.Status = "online"
		p.RTTMs = float64(st.AvgRTT.Microseconds()) / 1000
	}
	b.wsHub.Publish(WebSocketEvent{Type: EventUplink, Payload: p})
}
