package registry_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/registry"
	"github.com/capitalize-ai/messaging-core/internal/registry/registrytest"
)

func TestRegisterReplacesPreviousConnection(t *testing.T) {
	r := registry.New()
	first := registrytest.NewRecorder("c1", "alice")
	second := registrytest.NewRecorder("c2", "alice")

	if prev, replaced := r.Register(first); replaced || prev != nil {
		t.Fatalf("first Register replaced %v", prev)
	}
	prev, replaced := r.Register(second)
	if !replaced || prev.ID() != "c1" {
		t.Fatalf("second Register = (%v, %v), want c1 replaced", prev, replaced)
	}

	got, ok := r.Lookup("alice")
	if !ok || got.ID() != "c2" {
		t.Fatalf("Lookup = (%v, %v), want c2", got, ok)
	}
}

func TestRegisterSameConnectionTwice(t *testing.T) {
	r := registry.New()
	conn := registrytest.NewRecorder("c1", "alice")
	r.Register(conn)
	if prev, replaced := r.Register(conn); replaced {
		t.Fatalf("re-registering the same connection reported replacement of %v", prev)
	}
}

func TestStaleUnregisterKeepsNewerConnection(t *testing.T) {
	r := registry.New()
	old := registrytest.NewRecorder("c1", "alice")
	newer := registrytest.NewRecorder("c2", "alice")
	r.Register(old)
	r.Register(newer)

	if r.Unregister(old) {
		t.Fatal("stale Unregister removed the entry")
	}
	if got, ok := r.Lookup("alice"); !ok || got.ID() != "c2" {
		t.Fatalf("Lookup after stale unregister = (%v, %v)", got, ok)
	}
	if !r.Unregister(newer) {
		t.Fatal("Unregister of current connection returned false")
	}
	if _, ok := r.Lookup("alice"); ok {
		t.Fatal("user still reachable after Unregister")
	}
}

func TestSendToUnreachableUser(t *testing.T) {
	r := registry.New()
	if err := r.Send("nobody", model.Event{Name: model.EventUserOnline}); err != registry.ErrClosed {
		t.Fatalf("Send to absent user = %v, want ErrClosed", err)
	}
}

func TestEachAndLen(t *testing.T) {
	r := registry.New()
	for i := 0; i < 10; i++ {
		r.Register(registrytest.NewRecorder(fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i)))
	}
	if r.Len() != 10 {
		t.Fatalf("Len = %d, want 10", r.Len())
	}
	seen := map[string]bool{}
	r.Each(func(c registry.Conn) { seen[c.UserID()] = true })
	if len(seen) != 10 {
		t.Fatalf("Each visited %d users, want 10", len(seen))
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := registry.New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", i%5)
			conn := registrytest.NewRecorder(fmt.Sprintf("c%d", i), user)
			r.Register(conn)
			r.Lookup(user)
			r.Unregister(conn)
		}(i)
	}
	wg.Wait()

	// Every connection unregistered itself if it was still current, and
	// stale unregisters were no-ops, so nothing may remain whose
	// Unregister already ran.
	r.Each(func(c registry.Conn) {
		t.Errorf("connection %s for %s left registered", c.ID(), c.UserID())
	})
}
