// Package stream implements the line-delimited event protocol used to relay a
// pipeline run to a live client.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// EventType identifies the payload shape of a frame.
type EventType int

const (
	// EventText carries an incremental chunk of synthesized text.
	EventText EventType = iota
	// EventMessage carries a status update that is not part of the output.
	EventMessage
	// EventError is fatal and terminates the stream.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventText:
		return "text"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is one frame of the protocol.
type Event struct {
	Type EventType
	Body string
}

func Text(s string) Event    { return Event{Type: EventText, Body: s} }
func Message(s string) Event { return Event{Type: EventMessage, Body: s} }
func Error(s string) Event   { return Event{Type: EventError, Body: s} }

// MarshalJSON encodes the event as {"text":…}, {"message":…} or {"error":…}.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventText:
		return json.Marshal(struct {
			Text string `json:"text"`
		}{e.Body})
	case EventMessage:
		return json.Marshal(struct {
			Message string `json:"message"`
		}{e.Body})
	case EventError:
		return json.Marshal(struct {
			Error string `json:"error"`
		}{e.Body})
	}
	return nil, fmt.Errorf("unknown event type %d", e.Type)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Text    *string `json:"text"`
		Message *string `json:"message"`
		Error   *string `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.Error != nil:
		*e = Error(*raw.Error)
	case raw.Text != nil:
		*e = Text(*raw.Text)
	case raw.Message != nil:
		*e = Message(*raw.Message)
	default:
		return fmt.Errorf("frame has no text, message or error field")
	}
	return nil
}

const dataPrefix = "data: "

// WriteEvent writes one data frame followed by a blank line.
func WriteEvent(w io.Writer, e Event) error {
	return WriteJSON(w, e)
}

// WriteJSON writes v as the payload of a single data frame.
func WriteJSON(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.Grow(len(dataPrefix) + len(payload) + 2)
	buf.WriteString(dataPrefix)
	buf.Write(payload)
	buf.WriteString("\n\n")
	_, err = w.Write(buf.Bytes())
	return err
}

// WriteComment writes a comment frame, which receivers ignore.
func WriteComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}

// ParseEvent decodes the payload of a data line.
func ParseEvent(payload string) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Event{}, fmt.Errorf("malformed frame %q: %w", truncate(payload, 80), err)
	}
	return e, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
