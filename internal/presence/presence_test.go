package presence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mediocregopher/radix/v3"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/registry"
	"github.com/capitalize-ai/messaging-core/internal/registry/registrytest"
	"github.com/capitalize-ai/messaging-core/internal/store"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

type flagWrite struct {
	userID   string
	online   bool
	lastSeen *time.Time
}

type fakeMirror struct {
	mu     sync.Mutex
	writes []flagWrite
	err    error
}

func (m *fakeMirror) Name() string { return "fake" }

func (m *fakeMirror) SetOnline(_ context.Context, userID string, online bool, lastSeen *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, flagWrite{userID, online, lastSeen})
	return m.err
}

func newTracker(mirror Mirror) (*Tracker, *registry.Registry) {
	reg := registry.New()
	tr := NewTracker(reg, mirror, logger.NewNop())
	tr.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return tr, reg
}

func TestConnectBroadcastsOnlineToOthers(t *testing.T) {
	mirror := &fakeMirror{}
	tr, _ := newTracker(mirror)
	ctx := context.Background()

	bob := registrytest.NewRecorder("c-bob", "bob")
	tr.Connect(ctx, bob)
	alice := registrytest.NewRecorder("c-alice", "alice")
	if prev := tr.Connect(ctx, alice); prev != nil {
		t.Fatalf("Connect returned replaced connection %v", prev.ID())
	}

	online := bob.Named(model.EventUserOnline)
	if len(online) != 1 {
		t.Fatalf("bob got %d user:online events, want 1", len(online))
	}
	if got := online[0].Data.(model.PresenceEvent).UserID; got != "alice" {
		t.Fatalf("user:online for %q, want alice", got)
	}
	if n := len(alice.Named(model.EventUserOnline)); n != 0 {
		t.Fatalf("alice received %d events about herself", n)
	}
	if len(mirror.writes) != 2 || !mirror.writes[1].online || mirror.writes[1].userID != "alice" {
		t.Fatalf("unexpected mirror writes %+v", mirror.writes)
	}
}

func TestReconnectReturnsPreviousWithoutBroadcast(t *testing.T) {
	tr, reg := newTracker(nil)
	ctx := context.Background()

	watcher := registrytest.NewRecorder("c-w", "watcher")
	tr.Connect(ctx, watcher)
	first := registrytest.NewRecorder("c1", "alice")
	second := registrytest.NewRecorder("c2", "alice")
	tr.Connect(ctx, first)
	watcher.Reset()

	prev := tr.Connect(ctx, second)
	if prev == nil || prev.ID() != "c1" {
		t.Fatalf("Connect returned %v, want c1", prev)
	}
	if n := len(watcher.Events()); n != 0 {
		t.Fatalf("reconnect broadcast %d events", n)
	}

	// The old socket closing afterwards must not take alice offline.
	if tr.Disconnect(ctx, first) {
		t.Fatal("stale Disconnect reported removal")
	}
	if n := len(watcher.Named(model.EventUserOffline)); n != 0 {
		t.Fatal("stale Disconnect broadcast user:offline")
	}
	if c, ok := reg.Lookup("alice"); !ok || c.ID() != "c2" {
		t.Fatal("alice no longer reachable on the new connection")
	}
}

func TestDisconnectBroadcastsOfflineWithLastSeen(t *testing.T) {
	mirror := &fakeMirror{}
	tr, reg := newTracker(mirror)
	ctx := context.Background()

	bob := registrytest.NewRecorder("c-bob", "bob")
	alice := registrytest.NewRecorder("c-alice", "alice")
	tr.Connect(ctx, bob)
	tr.Connect(ctx, alice)

	if !tr.Disconnect(ctx, alice) {
		t.Fatal("Disconnect returned false")
	}
	if _, ok := reg.Lookup("alice"); ok {
		t.Fatal("alice still registered")
	}
	offline := bob.Named(model.EventUserOffline)
	if len(offline) != 1 {
		t.Fatalf("bob got %d user:offline, want 1", len(offline))
	}
	ev := offline[0].Data.(model.PresenceEvent)
	if ev.LastSeenAt == nil || !ev.LastSeenAt.Equal(tr.now()) {
		t.Fatalf("LastSeenAt = %v", ev.LastSeenAt)
	}
	last := mirror.writes[len(mirror.writes)-1]
	if last.online || last.lastSeen == nil {
		t.Fatalf("last mirror write = %+v, want offline with last seen", last)
	}
}

func TestMirrorFailureDoesNotBlockBroadcast(t *testing.T) {
	tr, _ := newTracker(&fakeMirror{err: errors.New("db down")})
	ctx := context.Background()

	bob := registrytest.NewRecorder("c-bob", "bob")
	tr.Connect(ctx, bob)
	tr.Connect(ctx, registrytest.NewRecorder("c-alice", "alice"))

	if n := len(bob.Named(model.EventUserOnline)); n != 1 {
		t.Fatalf("bob got %d user:online events, want 1", n)
	}
}

func TestBroadcastSkipsClosedConnections(t *testing.T) {
	tr, _ := newTracker(nil)
	ctx := context.Background()

	gone := registrytest.NewRecorder("c-gone", "gone")
	bob := registrytest.NewRecorder("c-bob", "bob")
	tr.Connect(ctx, gone)
	tr.Connect(ctx, bob)
	gone.Close()
	bob.Reset()

	tr.Connect(ctx, registrytest.NewRecorder("c-alice", "alice"))
	if n := len(bob.Named(model.EventUserOnline)); n != 1 {
		t.Fatalf("bob got %d user:online events, want 1", n)
	}
}

func TestSetPresenceOverride(t *testing.T) {
	tr, reg := newTracker(nil)
	ctx := context.Background()

	bob := registrytest.NewRecorder("c-bob", "bob")
	alice := registrytest.NewRecorder("c-alice", "alice")
	tr.Connect(ctx, bob)
	tr.Connect(ctx, alice)
	bob.Reset()

	tr.SetPresence(ctx, "alice", false)
	if n := len(bob.Named(model.EventUserOffline)); n != 1 {
		t.Fatalf("bob got %d user:offline events, want 1", n)
	}
	if _, ok := reg.Lookup("alice"); !ok {
		t.Fatal("manual offline removed alice from the registry")
	}

	tr.SetPresence(ctx, "alice", true)
	if n := len(bob.Named(model.EventUserOnline)); n != 1 {
		t.Fatalf("bob got %d user:online events, want 1", n)
	}
}

func TestMirrorsJoinsErrors(t *testing.T) {
	ok := &fakeMirror{}
	bad := &fakeMirror{err: store.ErrNotFound}
	err := Mirrors{bad, ok}.SetOnline(context.Background(), "alice", true, nil)
	if err == nil {
		t.Fatal("expected joined error")
	}
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cause lost: %v", err)
	}
	if !strings.Contains(err.Error(), bad.Name()+": ") {
		t.Fatalf("error %q does not name the mirror", err)
	}
	if len(ok.writes) != 1 {
		t.Fatal("healthy mirror skipped after a failure")
	}
}

// fakeRedis records the keys of every action instead of running it.
type fakeRedis struct {
	keys [][]string
}

func (f *fakeRedis) Do(a radix.Action) error {
	f.keys = append(f.keys, a.Keys())
	return nil
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisMirrorWritesHashAndExpiry(t *testing.T) {
	client := &fakeRedis{}
	seen := time.Now()

	if err := NewRedisMirror(client, time.Hour).SetOnline(context.Background(), "alice", false, &seen); err != nil {
		t.Fatal(err)
	}
	if len(client.keys) != 2 {
		t.Fatalf("ran %d commands, want HSET and EXPIRE", len(client.keys))
	}
	for _, keys := range client.keys {
		if len(keys) != 1 || keys[0] != "presence:alice" {
			t.Errorf("command keys = %v", keys)
		}
	}

	client.keys = nil
	if err := NewRedisMirror(client, 0).SetOnline(context.Background(), "alice", true, nil); err != nil {
		t.Fatal(err)
	}
	if len(client.keys) != 1 {
		t.Errorf("ran %d commands without ttl, want 1", len(client.keys))
	}
}
