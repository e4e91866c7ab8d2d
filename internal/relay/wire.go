package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/n10l/speechrelay/internal/vocabulary"
)

// Producer events.
const (
	EventSpeechStart    = "speech-start"
	EventSpeechRealtime = "speech-realtime"
	EventSpeechStop     = "speech-stop"
	EventSpeechSave     = "speech-save"
	EventSpeechSubmit   = "speech-submit"
	EventSaveAck        = "speech-save-ack"
)

// Observer events.
const (
	EventStudentSpeechStart  = "student-speech-start"
	EventStudentSpeechUpdate = "student-speech-update"
	EventStudentSpeechStop   = "student-speech-stop"
	EventStudentSpeechSave   = "student-speech-save"
	EventStudentSpeechSubmit = "student-speech-submit"
	EventStudentConnected    = "student-connected"
	EventStudentDisconnected = "student-disconnected"
	EventStudentRoster       = "student-roster"
	EventAdminPing           = "admin-ping"
	EventAdminPong           = "admin-pong"
)

// relayedName maps producer events to the name observers receive.
var relayedName = map[string]string{
	EventSpeechStart:    EventStudentSpeechStart,
	EventSpeechRealtime: EventStudentSpeechUpdate,
	EventSpeechStop:     EventStudentSpeechStop,
	EventSpeechSave:     EventStudentSpeechSave,
	EventSpeechSubmit:   EventStudentSpeechSubmit,
}

// Envelope is the frame shape in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SpeechPayload covers every producer event. Fields a given event does not
// use are left empty.
type SpeechPayload struct {
	SessionID         string                   `json:"sessionId"`
	ProducerID        string                   `json:"producerId"`
	ChannelID         string                   `json:"channelId,omitempty"`
	StartTime         *time.Time               `json:"startTime,omitempty"`
	FinalTranscript   string                   `json:"finalTranscript,omitempty"`
	InterimTranscript string                   `json:"interimTranscript,omitempty"`
	LatestFinal       string                   `json:"latestFinal,omitempty"`
	LatestInterim     string                   `json:"latestInterim,omitempty"`
	Alternatives      []vocabulary.Alternative `json:"alternatives,omitempty"`
	IsFinal           bool                     `json:"isFinal"`
	Duration          float64                  `json:"duration,omitempty"` // seconds, may be fractional
	SaveType          string                   `json:"saveType,omitempty"`
}

// SaveAck tells a producer whether its stop, save or submit was stored.
type SaveAck struct {
	SessionID string `json:"sessionId"`
	SaveType  string `json:"saveType"`
	OK        bool   `json:"ok"`
	Outcome   string `json:"outcome,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ProducerInfo describes a connected producer to observers.
type ProducerInfo struct {
	SocketID    string    `json:"socketId"`
	ProducerID  string    `json:"producerId"`
	ChannelID   string    `json:"channelId,omitempty"`
	Status      string    `json:"status"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Ping is the admin-ping payload. Timestamp is in unix milliseconds.
type Ping struct {
	Timestamp *int64 `json:"timestamp,omitempty"`
	Type      string `json:"type,omitempty"`
}

// Pong answers a Ping. Latency is nil when the ping carried no timestamp.
type Pong struct {
	ServerTime int64  `json:"serverTime"`
	Latency    *int64 `json:"latency"`
	Type       string `json:"type"`
}

func encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// annotate adds relay receipt metadata to a producer payload while keeping
// any fields the relay does not model.
func annotate(data json.RawMessage, overrides map[string]any) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("payload is not an object: %w", err)
		}
	}
	for k, v := range overrides {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		fields[k] = raw
	}
	return json.Marshal(fields)
}
