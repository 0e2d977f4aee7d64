package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

type collector struct {
	mu   sync.Mutex
	recs []Record
	fail int
}

func (c *collector) handle(_ context.Context, rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail > 0 {
		c.fail--
		return errors.New("try again")
	}
	c.recs = append(c.recs, rec)
	return nil
}

func (c *collector) wait(t *testing.T, n int) []Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		got := append([]Record(nil), c.recs...)
		c.mu.Unlock()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("consumed %d records, want %d", len(got), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewRecordIDsAreOrdered(t *testing.T) {
	a := NewRecord(KindMessageCreated, "c", "m1")
	b := NewRecord(KindMessageCreated, "c", "m2")
	if a.ID == "" || a.ID >= b.ID {
		t.Fatalf("record ids %q, %q are not increasing", a.ID, b.ID)
	}
}

func TestInProcessDeliversInOrder(t *testing.T) {
	backend := NewInProcess(8)
	j := New(backend, logger.NewNop())
	defer j.Close()

	c := &collector{}
	ctx := context.Background()
	if err := j.Consume(ctx, c.handle); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	msg := &model.Message{ID: "m1", ConversationID: "conv", ReceiverID: "bob"}
	j.Append(ctx, NewRecord(KindMessageCreated, "conv", "m1"))
	j.Degraded(ctx, msg, StepSummary, errors.New("db down"))

	recs := c.wait(t, 2)
	if recs[0].Kind != KindMessageCreated || recs[1].Kind != KindSummaryDegraded {
		t.Fatalf("kinds = %s, %s", recs[0].Kind, recs[1].Kind)
	}
	if recs[1].Step != StepSummary || recs[1].UserID != "bob" || recs[1].Reason != "db down" {
		t.Fatalf("degraded record = %+v", recs[1])
	}
}

func TestInProcessRetriesOnce(t *testing.T) {
	backend := NewInProcess(8)
	defer backend.Close()

	c := &collector{fail: 1}
	if err := backend.Subscribe(context.Background(), c.handle); err != nil {
		t.Fatal(err)
	}
	if err := backend.Publish(context.Background(), NewRecord(KindStatusChanged, "conv", "m1")); err != nil {
		t.Fatal(err)
	}
	c.wait(t, 1)
}

func TestInProcessFullAndClosed(t *testing.T) {
	backend := NewInProcess(1)
	ctx := context.Background()
	if err := backend.Publish(ctx, NewRecord(KindMessageCreated, "c", "m1")); err != nil {
		t.Fatal(err)
	}
	if err := backend.Publish(ctx, NewRecord(KindMessageCreated, "c", "m2")); !errors.Is(err, ErrFull) {
		t.Fatalf("Publish on full buffer = %v, want ErrFull", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatal(err)
	}
	if err := backend.Publish(ctx, NewRecord(KindMessageCreated, "c", "m3")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish after Close = %v, want ErrClosed", err)
	}
	if err := backend.Ready(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Ready after Close = %v", err)
	}
}

func TestAppendNeverFails(t *testing.T) {
	backend := NewInProcess(1)
	backend.Close()
	j := New(backend, logger.NewNop())
	j.Append(context.Background(), NewRecord(KindMessageCreated, "c", "m1"))
}
