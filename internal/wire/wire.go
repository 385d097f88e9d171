// Package wire defines the JSON frames exchanged over the realtime channel.
// Every WebSocket text frame carries one Message.
package wire

import (
	"encoding/json"

	"github.com/web-casa/dockwatch/internal/model"
)

// Server to client events.
const (
	EventConnectionEstablished = "connection_established"
	EventInitialState          = "initial_state"
	EventContainerStateChange  = "container_state_change"
	// EventContainerStateChanged is an older spelling some servers still emit.
	EventContainerStateChanged = "container_state_changed"
	EventLogUpdate             = "log_update"
	EventStatsUpdate           = "stats_update"
	EventError                 = "error"
)

// Client to server commands.
const (
	CmdStartLogStream   = "start_log_stream"
	CmdStopLogStream    = "stop_log_stream"
	CmdStartStatsStream = "start_stats_stream"
	CmdStopStatsStream  = "stop_stats_stream"
)

// Message is one frame on the realtime channel.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Connected is the payload of connection_established.
type Connected struct {
	Message string `json:"message"`
}

// InitialState is the payload of initial_state.
type InitialState struct {
	Containers []model.Container `json:"containers"`
}

// StreamRequest is the payload of the start/stop stream commands.
type StreamRequest struct {
	ContainerID string `json:"container_id"`
	Tail        int    `json:"tail,omitempty"`
}

// Error is the payload of error.
type Error struct {
	Error string `json:"error"`
}

// Encode marshals event and data into a frame.
func Encode(event string, data interface{}) ([]byte, error) {
	msg := Message{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}

// Decode parses a frame.
func Decode(frame []byte) (Message, error) {
	var msg Message
	err := json.Unmarshal(frame, &msg)
	return msg, err
}
