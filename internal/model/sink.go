package model

// EventSink receives handshake events. Emit must not block the packet path.
type EventSink interface {
	Emit(ev Event)
}

// EventSinkFunc adapts a plain function to the EventSink interface.
type EventSinkFunc func(ev Event)

func (f EventSinkFunc) Emit(ev Event) { f(ev) }

// Discard is an EventSink that drops every event.
var Discard EventSink = EventSinkFunc(func(Event) {})
