// Package events defines the asynchronous notifications produced by the
// session engines and the bus that carries them to subscribers.
//
// Engines emit typed values through a Sink. Serialization to the JSON
// envelope used on the wire happens only in Marshal, at the boundary.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind names an event on the wire.
type Kind string

const (
	KindSessionOutput Kind = "session-output"
	KindSessionExit   Kind = "session-exit"
	KindPortDetected  Kind = "port-detected"
	KindChatChunk     Kind = "chat-chunk"
	KindChatDone      Kind = "chat-done"
)

// Event is one of the variants below.
type Event interface {
	Kind() Kind
	isEvent()
}

// SessionOutput carries raw bytes read from a terminal, local or remote.
type SessionOutput struct {
	ID   string
	Data []byte
}

// SessionExit is the last event a session emits.
type SessionExit struct {
	ID string
}

// PortDetected reports a localhost port first seen in a session's output.
type PortDetected struct {
	ID   string
	Port uint16
	URL  string
}

// ChatChunk is a cleaned, non-empty piece of chat process output.
type ChatChunk struct {
	Provider string
	Content  string
}

// ChatDone follows the last ChatChunk of a chat run.
type ChatDone struct {
	Provider string
}

func (SessionOutput) Kind() Kind { return KindSessionOutput }
func (SessionExit) Kind() Kind   { return KindSessionExit }
func (PortDetected) Kind() Kind  { return KindPortDetected }
func (ChatChunk) Kind() Kind     { return KindChatChunk }
func (ChatDone) Kind() Kind      { return KindChatDone }

func (SessionOutput) isEvent() {}
func (SessionExit) isEvent()   {}
func (PortDetected) isEvent()  {}
func (ChatChunk) isEvent()     {}
func (ChatDone) isEvent()      {}

// SessionID returns the session an event belongs to, or "" for chat events.
func SessionID(ev Event) string {
	switch e := ev.(type) {
	case SessionOutput:
		return e.ID
	case SessionExit:
		return e.ID
	case PortDetected:
		return e.ID
	}
	return ""
}

// Sink receives events. Implementations must not block for long: engines
// call Emit from their reader goroutines.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

type envelope struct {
	Event   Kind `json:"event"`
	Payload any  `json:"payload"`
}

// Marshal encodes ev as {"event": <kind>, "payload": {...}}.
func Marshal(ev Event) ([]byte, error) {
	var payload any
	switch e := ev.(type) {
	case SessionOutput:
		payload = struct {
			ID   string `json:"id"`
			Data string `json:"data"`
		}{e.ID, strings.ToValidUTF8(string(e.Data), "�")}
	case SessionExit:
		payload = struct {
			ID string `json:"id"`
		}{e.ID}
	case PortDetected:
		payload = struct {
			ID   string `json:"id"`
			Port uint16 `json:"port"`
			URL  string `json:"url"`
		}{e.ID, e.Port, e.URL}
	case ChatChunk:
		payload = struct {
			Provider string `json:"provider"`
			Content  string `json:"content"`
		}{e.Provider, e.Content}
	case ChatDone:
		payload = struct {
			Provider string `json:"provider"`
		}{e.Provider}
	default:
		return nil, fmt.Errorf("marshal event: unknown variant %T", ev)
	}
	return json.Marshal(envelope{Event: ev.Kind(), Payload: payload})
}
