package typing

import (
	"testing"
	"time"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/registry"
	"github.com/capitalize-ai/messaging-core/internal/registry/registrytest"
)

func setup(ttl time.Duration) (*Tracker, *registrytest.Recorder) {
	reg := registry.New()
	bob := registrytest.NewRecorder("c-bob", "bob")
	reg.Register(bob)
	return NewTracker(reg, ttl), bob
}

func TestStartAndStopRelay(t *testing.T) {
	tr, bob := setup(0)

	tr.Start("conv", "alice", "bob")
	st, ok := tr.State("conv", "alice")
	if !ok || !st.IsTyping || st.ReceiverID != "bob" || st.StartedAt.IsZero() {
		t.Fatalf("State after Start = %+v, %v", st, ok)
	}

	tr.Stop("conv", "alice", "bob")
	if _, ok := tr.State("conv", "alice"); ok {
		t.Fatal("state kept after Stop")
	}

	names := bob.Names()
	if len(names) != 2 || names[0] != model.EventTypingStart || names[1] != model.EventTypingStop {
		t.Fatalf("bob received %v", names)
	}
	ev := bob.Events()[0].Data.(model.TypingEvent)
	if ev.ConversationID != "conv" || ev.UserID != "alice" {
		t.Fatalf("typing payload = %+v", ev)
	}
}

func TestStartToUnreachableReceiverKeepsState(t *testing.T) {
	tr, _ := setup(0)
	tr.Start("conv", "alice", "nobody")
	if _, ok := tr.State("conv", "alice"); !ok {
		t.Fatal("state dropped for unreachable receiver")
	}
}

func TestClearUserStopsEveryIndicator(t *testing.T) {
	tr, bob := setup(0)
	tr.Start("c1", "alice", "bob")
	tr.Start("c2", "alice", "bob")
	tr.Start("c3", "carol", "bob")
	bob.Reset()

	tr.ClearUser("alice")

	if n := len(bob.Named(model.EventTypingStop)); n != 2 {
		t.Fatalf("bob got %d typing:stop, want 2", n)
	}
	if tr.Active() != 1 {
		t.Fatalf("Active = %d, want 1", tr.Active())
	}
	if _, ok := tr.State("c3", "carol"); !ok {
		t.Fatal("other user's indicator cleared")
	}
}

func TestIndicatorExpires(t *testing.T) {
	tr, bob := setup(20 * time.Millisecond)
	tr.Start("conv", "alice", "bob")

	deadline := time.Now().Add(2 * time.Second)
	for tr.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("indicator did not expire")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(bob.Named(model.EventTypingStop)); n != 1 {
		t.Fatalf("bob got %d typing:stop after expiry, want 1", n)
	}
}

func TestRestartRearmsExpiry(t *testing.T) {
	tr, bob := setup(time.Hour)
	tr.Start("conv", "alice", "bob")
	first := tr.entries[key{"conv", "alice"}].gen
	tr.Start("conv", "alice", "bob")

	// A timer from the first Start firing late must be ignored.
	tr.expire(key{"conv", "alice"}, first)
	if _, ok := tr.State("conv", "alice"); !ok {
		t.Fatal("stale expiry removed a refreshed indicator")
	}
	if n := len(bob.Named(model.EventTypingStop)); n != 0 {
		t.Fatalf("stale expiry relayed %d typing:stop", n)
	}
	tr.ClearUser("alice")
}
