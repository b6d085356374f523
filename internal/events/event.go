// Package events provides warden's in-process event bus: named events
// dispatched to ordered handlers, callbacks and collectors.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Well-known event names.
const (
	// EventCheckFinished is emitted when a full check of an object completes.
	EventCheckFinished = "check_finished"
	// EventWatchStateChanged is emitted when enforcement of an object is toggled.
	EventWatchStateChanged = "watch_state_changed"
	// EventRulesReloaded is emitted after an object's rule set is reloaded.
	EventRulesReloaded = "rules_reloaded"
	// EventCollectorReinit is emitted shortly after a collector registers so
	// that publishers can resend state the collector missed.
	EventCollectorReinit = "collector_reinit"
)

var (
	// ErrStop aborts the remaining handlers and callbacks of a synchronous
	// emit and is returned to its caller. Asynchronous dispatch ignores it.
	ErrStop = errors.New("stop event processing")
	// ErrConfiguration reports an invalid combination of emit options.
	ErrConfiguration = errors.New("invalid emit configuration")
)

// Event is a named occurrence with an optional payload.
type Event struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
	Sender string         `json:"sender,omitempty"`
	// Forward asks relaying collectors to pass the event to remote peers.
	Forward bool `json:"forward,omitempty"`
	// Forwarded marks an event that arrived from a peer and must not be
	// forwarded again.
	Forwarded bool      `json:"forwarded,omitempty"`
	Time      time.Time `json:"time"`
}

// New creates an event with a fresh ID.
func New(name string, args ...any) *Event {
	return &Event{
		ID:   uuid.NewString(),
		Name: name,
		Args: args,
	}
}

// With sets a keyword payload value and returns e.
func (e *Event) With(key string, value any) *Event {
	if e.Kwargs == nil {
		e.Kwargs = make(map[string]any)
	}
	e.Kwargs[key] = value
	return e
}

// From sets the sender and returns e.
func (e *Event) From(sender string) *Event {
	e.Sender = sender
	return e
}

// String returns a name and short ID suitable for log lines.
func (e *Event) String() string {
	id := e.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s[%s]", e.Name, id)
}

// Handler reacts to an event before any callback runs. Name identifies the
// handler for registration bookkeeping and must be stable.
type Handler interface {
	Name() string
	HandleEvent(ev *Event) error
}

// Callback reacts to an event after every handler has run.
type Callback interface {
	Name() string
	EventCallback(ev *Event) error
}

// Collector observes every dispatched event. A collector whose Collect
// fails is unregistered.
type Collector interface {
	Name() string
	Collect(ev *Event) error
}

type handlerFunc struct {
	name string
	fn   func(*Event) error
}

func (h handlerFunc) Name() string                { return h.name }
func (h handlerFunc) HandleEvent(ev *Event) error { return h.fn(ev) }

// HandlerFunc adapts fn to Handler.
func HandlerFunc(name string, fn func(*Event) error) Handler {
	return handlerFunc{name: name, fn: fn}
}

type callbackFunc struct {
	name string
	fn   func(*Event) error
}

func (c callbackFunc) Name() string                  { return c.name }
func (c callbackFunc) EventCallback(ev *Event) error { return c.fn(ev) }

// CallbackFunc adapts fn to Callback.
func CallbackFunc(name string, fn func(*Event) error) Callback {
	return callbackFunc{name: name, fn: fn}
}
