// Package telephony defines the media-stream wire protocol between the
// carrier and the call session: an ordered event stream of start, media and
// stop messages over one websocket per call.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Event kinds, in the order the carrier delivers them.
const (
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventConnected = "connected"
)

// Call directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

type DecodeError struct {
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Message: message, Param: param}
}

// StartPayload carries the call identity delivered with the first event.
type StartPayload struct {
	CallSID   string            `json:"callSid"`
	StreamSID string            `json:"streamSid"`
	Direction string            `json:"direction,omitempty"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
	Custom    map[string]string `json:"customParameters,omitempty"`
}

// MediaPayload carries one inbound audio frame. Sequence numbers increase
// monotonically within a stream.
type MediaPayload struct {
	Payload  string `json:"payload"` // base64 mu-law audio
	Sequence int64  `json:"chunk,omitempty"`
}

// Audio decodes the base64 payload.
func (m MediaPayload) Audio() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	return data, nil
}

// Event is one message from the carrier. Exactly one payload field is set,
// matching Kind; Stop carries no payload.
type Event struct {
	Kind     string        `json:"event"`
	Sequence int64         `json:"sequenceNumber,string,omitempty"`
	Start    *StartPayload `json:"start,omitempty"`
	Media    *MediaPayload `json:"media,omitempty"`
}

// ParseEvent strictly decodes one carrier message. Unknown event kinds are
// returned with their kind set so the caller can skip them in order.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, badFrame("malformed media stream event", "")
	}
	switch ev.Kind {
	case EventStart:
		if ev.Start == nil {
			return nil, badFrame("start event missing payload", "start")
		}
		if strings.TrimSpace(ev.Start.CallSID) == "" {
			return nil, badFrame("start event missing call sid", "start.callSid")
		}
	case EventMedia:
		if ev.Media == nil {
			return nil, badFrame("media event missing payload", "media")
		}
	case EventStop, EventMark, EventConnected:
	case "":
		return nil, badFrame("event kind is required", "event")
	}
	return &ev, nil
}

// MediaMessage encodes one outbound audio frame for the caller.
func MediaMessage(streamSID string, audio []byte) ([]byte, error) {
	msg := map[string]any{
		"event":     EventMedia,
		"streamSid": streamSID,
		"media": map[string]string{
			"payload": base64.StdEncoding.EncodeToString(audio),
		},
	}
	return json.Marshal(msg)
}

// ClearMessage tells the carrier to drop any buffered outbound audio. Sent
// on barge-in so playback stops at the edge too, not just in our queue.
func ClearMessage(streamSID string) ([]byte, error) {
	msg := map[string]any{
		"event":     "clear",
		"streamSid": streamSID,
	}
	return json.Marshal(msg)
}

// MarkMessage labels a position in the outbound audio stream; the carrier
// echoes it back once everything before it has played.
func MarkMessage(streamSID, name string) ([]byte, error) {
	msg := map[string]any{
		"event":     EventMark,
		"streamSid": streamSID,
		"mark": map[string]string{
			"name": name,
		},
	}
	return json.Marshal(msg)
}
