// Package bus implements FerretBot's serialized, typed event bus: the spine
// every other component communicates through. A single logical consumer
// drains a FIFO queue, running typed handlers before wildcard handlers for
// each event and awaiting each handler before moving to the next.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HandlerFunc processes one event. A returned error is logged and does not
// stop subsequent handlers from running, nor does it poison the queue.
type HandlerFunc func(ctx context.Context, evt *Event) error

// UnsubscribeFunc removes a previously registered subscription. Safe to call
// more than once.
type UnsubscribeFunc func()

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// EmitInput is the caller-supplied, not-yet-normalized envelope.
type EmitInput struct {
	Type      string
	Content   map[string]any
	Channel   string
	SessionID string
	ClientID  string
}

type subscription struct {
	id      uint64
	handler HandlerFunc
}

type queuedEvent struct {
	event *Event
	done  chan struct{}
}

// Bus is a serialized, typed pub/sub dispatcher (spec §4.1).
type Bus struct {
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	typed   map[string][]*subscription
	wild    []*subscription
	nextSub uint64
	queue   []*queuedEvent
	closed  bool

	loopWG sync.WaitGroup
}

// New creates a Bus and starts its single consumer goroutine.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger: logger.With("component", "bus"),
		typed:  make(map[string][]*subscription),
	}
	b.cond = sync.NewCond(&b.mu)
	b.loopWG.Add(1)
	go b.loop()
	return b
}

// Subscribe registers handler for events of the given type, or every event
// when evtType is Wildcard. Typed handlers fire before wildcard handlers,
// each in registration order.
func (b *Bus) Subscribe(evtType string, handler HandlerFunc) UnsubscribeFunc {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	sub := &subscription{id: id, handler: handler}

	if evtType == Wildcard {
		b.wild = append(b.wild, sub)
	} else {
		b.typed[evtType] = append(b.typed[evtType], sub)
	}

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(evtType, id) })
	}
}

func (b *Bus) unsubscribe(evtType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remove := func(subs []*subscription) []*subscription {
		out := subs[:0]
		for _, s := range subs {
			if s.id != id {
				out = append(out, s)
			}
		}
		return out
	}

	if evtType == Wildcard {
		b.wild = remove(b.wild)
		return
	}
	b.typed[evtType] = remove(b.typed[evtType])
}

// Emit normalizes and enqueues an event at the tail of the queue, returning
// the normalized event and a channel that closes once every handler
// subscribed at dequeue time has run to completion. Calling Emit from within
// a handler is safe: the new event lands behind whatever is already queued,
// never ahead of it, and is processed on a later turn of the same consumer
// loop rather than recursively.
func (b *Bus) Emit(in EmitInput) (*Event, <-chan struct{}) {
	evt := b.normalize(in)
	done := make(chan struct{})

	b.mu.Lock()
	b.queue = append(b.queue, &queuedEvent{event: evt, done: done})
	b.cond.Signal()
	b.mu.Unlock()

	return evt, done
}

// EmitAndWait emits an event and blocks until its handlers finish or ctx is
// done, whichever comes first.
func (b *Bus) EmitAndWait(ctx context.Context, in EmitInput) (*Event, error) {
	evt, done := b.Emit(in)
	select {
	case <-done:
		return evt, nil
	case <-ctx.Done():
		return evt, ctx.Err()
	}
}

// QueueDepth returns the number of events not yet dequeued.
func (b *Bus) QueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close stops the consumer after draining events already enqueued. It blocks
// until the loop exits.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	b.loopWG.Wait()
}

func (b *Bus) normalize(in EmitInput) *Event {
	if in.Type == "" {
		panic("bus: Emit called with empty event type")
	}
	channel := in.Channel
	if channel == "" {
		channel = "system"
	}
	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = "default"
	}
	return &Event{
		Type:      in.Type,
		Content:   in.Content,
		Channel:   channel,
		SessionID: sessionID,
		ClientID:  in.ClientID,
		Timestamp: time.Now().UnixMilli(),
	}
}

func (b *Bus) loop() {
	defer b.loopWG.Done()

	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.mu.Unlock()
			return
		}

		qe := b.queue[0]
		b.queue = b.queue[1:]

		handlers := make([]*subscription, 0, len(b.typed[qe.event.Type])+len(b.wild))
		handlers = append(handlers, b.typed[qe.event.Type]...)
		handlers = append(handlers, b.wild...)
		b.mu.Unlock()

		for _, sub := range handlers {
			b.invoke(sub, qe.event)
		}
		close(qe.done)
	}
}

func (b *Bus) invoke(sub *subscription, evt *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked", "event_type", evt.Type, "panic", fmt.Sprint(r))
		}
	}()

	if err := sub.handler(context.Background(), evt); err != nil {
		b.logger.Error("bus handler failed", "event_type", evt.Type, "error", err)
	}
}
