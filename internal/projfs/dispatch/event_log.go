package dispatch

import (
	"fmt"
	"io"
	"sync"

	"github.com/rfratto/projfs/internal/projfs"
)

// EventLog writes the line-delimited event and error streams. One line
// "<kind> <path>" is written per dispatched event, and one line
// "<errno name> <kind> <path>" per handler error.
//
// Both streams share a lock, so lines appear in dispatch order. The zero
// value discards everything.
type EventLog struct {
	mut    sync.Mutex
	events io.Writer
	errors io.Writer
}

// NewEventLog returns an EventLog writing to events and errors. Either may be
// nil to discard that stream.
func NewEventLog(events, errors io.Writer) *EventLog {
	return &EventLog{events: events, errors: errors}
}

// Event records that ev was dispatched.
func (el *EventLog) Event(ev *projfs.Event) error {
	el.mut.Lock()
	defer el.mut.Unlock()
	if el.events == nil {
		return nil
	}
	_, err := fmt.Fprintf(el.events, "%s %s\n", ev.Kind, ev.Path)
	return err
}

// Error records that the handler failed ev with code.
func (el *EventLog) Error(ev *projfs.Event, code projfs.Error) error {
	el.mut.Lock()
	defer el.mut.Unlock()
	if el.errors == nil {
		return nil
	}
	_, err := fmt.Fprintf(el.errors, "%s %s %s\n", code.Name(), ev.Kind, ev.Path)
	return err
}
