// Package webhook turns inbound LiveKit events into durable jobs and applies
// them to seminar state. Receiving is synchronous and cheap: verify, decode,
// persist, try an immediate claim. Applying happens on the queue's workers.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Event types handled by the executor.
const (
	EventRoomStarted       = "room_started"
	EventRoomCreated       = "room_created"
	EventRoomFinished      = "room_finished"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventRecordingFinished = "recording_finished"
)

var (
	// ErrMalformedEvent is returned for bodies that are not a JSON object.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrMissingEventType is returned when neither "event" nor "type" is set.
	ErrMissingEventType = errors.New("missing event type")
)

// Event is the subset of a LiveKit webhook payload the handlers read.
type Event struct {
	Type        string       `json:"-"`
	ID          string       `json:"id,omitempty"`
	Room        Room         `json:"room"`
	Participant *Participant `json:"participant,omitempty"`
	Recording   *Recording   `json:"recording,omitempty"`
}

// Room identifies the LiveKit room. In payloads it is either the room name
// as a plain string or an object.
type Room struct {
	Name     string `json:"name,omitempty"`
	SID      string `json:"sid,omitempty"`
	Metadata string `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts a bare room name or a room object.
func (r *Room) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &r.Name)
	}
	type plain Room
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("room: %w", err)
	}
	*r = Room(p)
	return nil
}

// Participant is a room participant. Metadata is a JSON string set by the
// token issuer.
type Participant struct {
	Identity string `json:"identity,omitempty"`
	SID      string `json:"sid,omitempty"`
	Metadata string `json:"metadata,omitempty"`
}

// Recording is a finished egress.
type Recording struct {
	Location string   `json:"location,omitempty"`
	File     string   `json:"file,omitempty"`
	Duration *float64 `json:"duration,omitempty"`
	Size     *int64   `json:"size,omitempty"`
	Metadata string   `json:"metadata,omitempty"`
}

// AssetURL is the recording's location, falling back to its file name.
func (r *Recording) AssetURL() string {
	if r.Location != "" {
		return r.Location
	}
	return r.File
}

// DurationSeconds rounds the reported duration, or returns nil.
func (r *Recording) DurationSeconds() *int {
	if r.Duration == nil || *r.Duration < 0 || math.IsNaN(*r.Duration) {
		return nil
	}
	d := int(math.Round(*r.Duration))
	return &d
}

// DecodeEvent parses a webhook body. The type is read from "event", falling
// back to "type".
func DecodeEvent(body []byte) (Event, error) {
	var envelope struct {
		Event string `json:"event"`
		Type  string `json:"type"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	ev.Type = strings.TrimSpace(envelope.Event)
	if ev.Type == "" {
		ev.Type = strings.TrimSpace(envelope.Type)
	}
	if ev.Type == "" {
		return Event{}, ErrMissingEventType
	}
	return ev, nil
}

// decodeMetadata parses a metadata JSON string into dst. An empty string
// leaves dst untouched.
func decodeMetadata(raw string, dst any) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}
