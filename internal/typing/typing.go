// Package typing keeps the ephemeral "is typing" state per
// conversation and relays start/stop signals to the other participant.
package typing

import (
	"sync"
	"time"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/registry"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

type key struct {
	conversationID string
	userID         string
}

type entry struct {
	state model.TypingState
	timer *time.Timer
	// gen invalidates expiry timers armed by an earlier Start.
	gen uint64
}

// Tracker is safe for concurrent use.
type Tracker struct {
	registry *registry.Registry
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[key]*entry
	gen     uint64
}

// NewTracker creates a tracker. Each Start arms an automatic Stop after
// ttl; a ttl of zero leaves indicators up until Stop or ClearUser.
func NewTracker(reg *registry.Registry, ttl time.Duration) *Tracker {
	return &Tracker{
		registry: reg,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[key]*entry),
	}
}

// Start marks userID as typing in conversationID and tells receiverID
// if reachable. Repeated starts refresh started_at and the expiry.
func (t *Tracker) Start(conversationID, userID, receiverID string) {
	k := key{conversationID, userID}

	t.mu.Lock()
	e, ok := t.entries[k]
	if !ok {
		e = &entry{}
		t.entries[k] = e
		metrics.TypingActive.Inc()
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	t.gen++
	e.gen = t.gen
	e.state = model.TypingState{
		ConversationID: conversationID,
		UserID:         userID,
		ReceiverID:     receiverID,
		IsTyping:       true,
		StartedAt:      t.now().UTC(),
	}
	if t.ttl > 0 {
		gen := e.gen
		e.timer = time.AfterFunc(t.ttl, func() { t.expire(k, gen) })
	}
	t.mu.Unlock()

	t.push(receiverID, model.EventTypingStart, conversationID, userID)
}

// Stop clears the indicator and tells receiverID. Stopping an
// indicator that is not active still relays typing:stop so a client
// that missed the start converges.
func (t *Tracker) Stop(conversationID, userID, receiverID string) {
	t.mu.Lock()
	if e, ok := t.entries[key{conversationID, userID}]; ok {
		if receiverID == "" {
			receiverID = e.state.ReceiverID
		}
		t.removeLocked(key{conversationID, userID}, e)
	}
	t.mu.Unlock()

	if receiverID != "" {
		t.push(receiverID, model.EventTypingStop, conversationID, userID)
	}
}

// ClearUser stops every indicator userID has up. Called when the
// user's connection goes away.
func (t *Tracker) ClearUser(userID string) {
	var stopped []model.TypingState

	t.mu.Lock()
	for k, e := range t.entries {
		if k.userID != userID {
			continue
		}
		stopped = append(stopped, e.state)
		t.removeLocked(k, e)
	}
	t.mu.Unlock()

	for _, s := range stopped {
		t.push(s.ReceiverID, model.EventTypingStop, s.ConversationID, s.UserID)
	}
}

// State returns the current indicator of userID in conversationID.
func (t *Tracker) State(conversationID, userID string) (model.TypingState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key{conversationID, userID}]
	if !ok {
		return model.TypingState{}, false
	}
	return e.state, true
}

// Active returns the number of live indicators.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) expire(k key, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[k]
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	s := e.state
	t.removeLocked(k, e)
	t.mu.Unlock()

	t.push(s.ReceiverID, model.EventTypingStop, s.ConversationID, s.UserID)
}

func (t *Tracker) removeLocked(k key, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(t.entries, k)
	metrics.TypingActive.Dec()
}

func (t *Tracker) push(receiverID string, name model.EventName, conversationID, userID string) {
	err := t.registry.Send(receiverID, model.Event{
		Name: name,
		Data: model.TypingEvent{ConversationID: conversationID, UserID: userID},
	})
	if err == registry.ErrClosed {
		// Receiver offline; typing is never queued.
		return
	}
	metrics.RecordPush(string(name), err)
}
