package websocket

import (
	"time"

	"github.com/KevinKickass/OpenFEACore/internal/monitor"
	"github.com/KevinKickass/OpenFEACore/internal/session"
	"github.com/KevinKickass/OpenFEACore/internal/status"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Mainframe event messages
	MessageTypeReadiness   MessageType = "readiness"
	MessageTypeDeviceError MessageType = "device_error"
	MessageTypeStatus      MessageType = "status"
	MessageTypeMonitorFail MessageType = "monitor_error"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"

	// Connection messages
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
	MessageTypeSubscribed  MessageType = "subscribed"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	SessionID string      `json:"session_id,omitempty"`
	// Module is set on per-module messages and used for subscription filtering.
	Module int         `json:"module,omitempty"`
	Data   interface{} `json:"data"`
}

// ReadinessData is a settle state change of one channel.
type ReadinessData struct {
	Module  int  `json:"module"`
	Channel int  `json:"channel"`
	Ready   bool `json:"ready"`
}

// DeviceErrorData is an entry drained from the device error queue.
type DeviceErrorData struct {
	Code int    `json:"code"`
	Text string `json:"text"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewReadinessMessage(sessionID string, u session.ReadinessUpdate) Message {
	msg := NewMessage(MessageTypeReadiness, ReadinessData{Module: u.Module, Channel: u.Channel, Ready: u.Ready})
	msg.SessionID = sessionID
	msg.Module = u.Module
	return msg
}

func NewDeviceErrorMessage(sessionID string, e *session.DeviceError) Message {
	msg := NewMessage(MessageTypeDeviceError, DeviceErrorData{Code: e.Code, Text: e.Text})
	msg.SessionID = sessionID
	return msg
}

func NewStatusMessage(sessionID string, s status.Snapshot) Message {
	msg := NewMessage(MessageTypeStatus, s)
	msg.SessionID = sessionID
	return msg
}

// EventMessages converts one monitor decode into the messages clients see.
// A status message is sent only when nothing more specific happened.
func EventMessages(ev monitor.Event) []Message {
	var out []Message

	if ev.Err != nil {
		msg := NewMessage(MessageTypeMonitorFail, map[string]string{"error": ev.Err.Error()})
		msg.SessionID = ev.SessionID
		msg.Timestamp = ev.Time
		return append(out, msg)
	}
	if ev.DeviceError != nil {
		out = append(out, NewDeviceErrorMessage(ev.SessionID, ev.DeviceError))
	}
	for _, u := range ev.Readiness {
		out = append(out, NewReadinessMessage(ev.SessionID, u))
	}
	if len(out) == 0 {
		out = append(out, NewStatusMessage(ev.SessionID, ev.Status))
	}

	for i := range out {
		if !ev.Time.IsZero() {
			out[i].Timestamp = ev.Time
		}
	}
	return out
}
