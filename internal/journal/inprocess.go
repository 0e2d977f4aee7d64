package journal

import (
	"context"
	"sync"
)

// InProcess keeps records in a bounded channel and hands them to the
// consumer goroutine. Records are lost on restart.
type InProcess struct {
	records chan Record

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewInProcess creates a backend buffering up to size records.
func NewInProcess(size int) *InProcess {
	if size <= 0 {
		size = 1024
	}
	return &InProcess{
		records: make(chan Record, size),
		done:    make(chan struct{}),
	}
}

// Name implements Backend.
func (b *InProcess) Name() string { return "inprocess" }

// Publish implements Backend.
func (b *InProcess) Publish(ctx context.Context, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case b.records <- rec:
		return nil
	default:
		return ErrFull
	}
}

// Subscribe implements Backend. A failed record is retried once; after
// that it is dropped.
func (b *InProcess) Subscribe(ctx context.Context, h Handler) error {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case rec := <-b.records:
				if err := h(ctx, rec); err != nil {
					_ = h(ctx, rec)
				}
			}
		}
	}()
	return nil
}

// Ready implements Backend.
func (b *InProcess) Ready() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops the consumer and waits for it to return.
func (b *InProcess) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// Nop drops every record.
type Nop struct{}

// Name implements Backend.
func (Nop) Name() string { return "none" }

// Publish implements Backend.
func (Nop) Publish(context.Context, Record) error { return nil }

// Subscribe implements Backend.
func (Nop) Subscribe(context.Context, Handler) error { return nil }

// Ready implements Backend.
func (Nop) Ready() error { return nil }

// Close implements Backend.
func (Nop) Close() error { return nil }
