package relay

import (
	"encoding/json"
	"io"
)

type EventKind string

const (
	EventText  EventKind = "text"
	EventError EventKind = "error"
	EventDone  EventKind = "done"
)

// Event is one item of a relayed stream. Text carries the delta for
// EventText and the message for EventError.
type Event struct {
	Kind EventKind
	Text string
}

func TextEvent(text string) Event { return Event{Kind: EventText, Text: text} }

func ErrorEvent(msg string) Event { return Event{Kind: EventError, Text: msg} }

func DoneEvent() Event { return Event{Kind: EventDone} }

// Terminal reports whether the event ends a stream.
func (e Event) Terminal() bool {
	return e.Kind == EventError || e.Kind == EventDone
}

var doneFrame = []byte("data: [DONE]\n\n")

// WriteEvent encodes an event as a server-sent events frame for the web client.
func WriteEvent(w io.Writer, e Event) error {
	var payload interface{}
	switch e.Kind {
	case EventDone:
		_, err := w.Write(doneFrame)
		return err
	case EventError:
		payload = struct {
			Error string `json:"error"`
		}{e.Text}
	default:
		payload = struct {
			Text string `json:"text"`
		}{e.Text}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	_, err = w.Write(frame)
	return err
}
