package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

var (
	ErrQueueFull   = errors.New("notification queue full")
	ErrQueueClosed = errors.New("notification queue closed")
)

// Queue is an in-process Dispatcher. Dispatch never blocks: when the buffer
// is full the event is refused so the caller can retry later.
type Queue struct {
	sender Sender
	events chan Event

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewQueue(sender Sender, buffer, workers int) *Queue {
	if buffer < 1 {
		buffer = 1
	}
	if workers < 1 {
		workers = 1
	}
	q := &Queue{sender: sender, events: make(chan Event, buffer)}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.work()
	}
	return q
}

func (q *Queue) Dispatch(_ context.Context, e Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.events)
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) work() {
	defer q.wg.Done()
	for e := range q.events {
		q.deliver(e)
	}
}

func (q *Queue) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Notify] panic delivering %s %s: %v", e.Type, e.ID, r)
			e.failed(fmt.Errorf("panic: %v", r))
		}
	}()
	if e.Recipient.Email == "" {
		log.Printf("[Notify] %s %s for user %s has no email, dropped", e.Type, e.ID, e.Recipient.UserID)
		return
	}
	if err := q.sender.Send(context.Background(), Render(e)); err != nil {
		log.Printf("[Notify] failed to deliver %s %s to %s: %v", e.Type, e.ID, e.Recipient.Email, err)
		e.failed(err)
	}
}
