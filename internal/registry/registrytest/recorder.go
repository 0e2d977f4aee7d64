// Package registrytest provides an in-memory registry.Conn for tests.
package registrytest

import (
	"sync"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/registry"
)

// Recorder is a registry.Conn that keeps every event it is sent.
type Recorder struct {
	id     string
	userID string

	mu     sync.Mutex
	events []model.Event
	closed bool
}

var _ registry.Conn = (*Recorder)(nil)

// NewRecorder returns a recorder for userID with connection id id.
func NewRecorder(id, userID string) *Recorder {
	return &Recorder{id: id, userID: userID}
}

// ID implements registry.Conn.
func (r *Recorder) ID() string { return r.id }

// UserID implements registry.Conn.
func (r *Recorder) UserID() string { return r.userID }

// Send implements registry.Conn.
func (r *Recorder) Send(ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return registry.ErrClosed
	}
	r.events = append(r.events, ev)
	return nil
}

// Close makes subsequent sends fail with registry.ErrClosed.
func (r *Recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

// Names returns the recorded event names in order.
func (r *Recorder) Names() []model.EventName {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]model.EventName, len(r.events))
	for i, ev := range r.events {
		names[i] = ev.Name
	}
	return names
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name model.EventName) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Reset drops the recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
