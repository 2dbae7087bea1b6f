package testsupport

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"shmq/internal/client"
	"shmq/internal/msgqueue"
	"shmq/internal/transport"
)

// Update is one call recorded by RecordingSink.
type Update struct {
	ResourceID uint32
	Level      int32
	Data       []byte
}

// RecordingSink is a ResourceSink that keeps a copy of every applied update.
type RecordingSink struct {
	mu      sync.Mutex
	updates []Update
	err     error
}

func (s *RecordingSink) Apply(_ context.Context, resourceID uint32, level int32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.updates = append(s.updates, Update{ResourceID: resourceID, Level: level, Data: slices.Clone(data)})
	return nil
}

// Fail makes subsequent Apply calls return err; nil restores success.
func (s *RecordingSink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Updates returns the recorded updates in arrival order.
func (s *RecordingSink) Updates() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.updates)
}

// MustQueue builds and initializes a queue, closing it on cleanup.
func MustQueue(t testing.TB, sink msgqueue.ResourceSink, opts msgqueue.Options) *msgqueue.Queue {
	t.Helper()

	if opts.NamePrefix == "" {
		opts.NamePrefix = "shmq-test"
	}
	q, err := msgqueue.New(sink, opts)
	if err != nil {
		t.Fatalf("msgqueue.New: %v", err)
	}
	if err := q.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() {
		q.Close()
	})
	return q
}

// Drive runs the drain loop on its own goroutine until the test ends, the
// way a host would. Call it after MustQueue so it stops before the queue
// closes.
func Drive(t testing.TB, q *msgqueue.Queue) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(100 * time.Microsecond)
		defer ticker.Stop()
		for {
			_, err := q.CheckForNewMessages(ctx)
			if err != nil && ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) {
				t.Errorf("CheckForNewMessages: %v", err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// MustDial connects a client to address and closes it on cleanup.
func MustDial(t testing.TB, address string) *client.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, address, client.Options{})
	if err != nil {
		t.Fatalf("client.Dial(%s): %v", address, err)
	}
	t.Cleanup(func() {
		c.Close()
	})
	return c
}
