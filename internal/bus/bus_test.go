package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New(nil)
	t.Cleanup(b.Close)
	return b
}

func TestEmit_NormalizesDefaults(t *testing.T) {
	b := newTestBus(t)

	var got *Event
	done := make(chan struct{})
	b.Subscribe("widget:created", func(ctx context.Context, evt *Event) error {
		got = evt
		close(done)
		return nil
	})

	b.Emit(EmitInput{Type: "widget:created"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}

	if got.Channel != "system" {
		t.Errorf("Channel = %q, want system", got.Channel)
	}
	if got.SessionID != "default" {
		t.Errorf("SessionID = %q, want default", got.SessionID)
	}
	if got.Timestamp == 0 {
		t.Error("Timestamp should be set")
	}
}

func TestSubscribe_TypedBeforeWildcard(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var order []string
	record := func(label string) HandlerFunc {
		return func(ctx context.Context, evt *Event) error {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			return nil
		}
	}

	b.Subscribe(Wildcard, record("wild"))
	b.Subscribe("foo", record("typed"))

	_, done := b.Emit(EmitInput{Type: "foo"})
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "typed" || order[1] != "wild" {
		t.Errorf("order = %v, want [typed wild]", order)
	}
}

func TestEmit_PreservesFIFOOrder(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var seen []int
	b.Subscribe("seq", func(ctx context.Context, evt *Event) error {
		mu.Lock()
		seen = append(seen, int(evt.Content["n"].(int)))
		mu.Unlock()
		return nil
	})

	var dones []<-chan struct{}
	for i := 0; i < 20; i++ {
		_, done := b.Emit(EmitInput{Type: "seq", Content: map[string]any{"n": i}})
		dones = append(dones, done)
	}
	for _, d := range dones {
		<-d
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		if v != i {
			t.Fatalf("seen[%d] = %d, want %d (out of order: %v)", i, v, i, seen)
		}
	}
}

func TestEmit_FromWithinHandlerAppendsToTail(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var order []string

	b.Subscribe("first", func(ctx context.Context, evt *Event) error {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
		b.Emit(EmitInput{Type: "nested"})
		return nil
	})
	b.Subscribe("second", func(ctx context.Context, evt *Event) error {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		return nil
	})
	nestedDone := make(chan struct{})
	b.Subscribe("nested", func(ctx context.Context, evt *Event) error {
		mu.Lock()
		order = append(order, "nested")
		mu.Unlock()
		close(nestedDone)
		return nil
	})

	b.Emit(EmitInput{Type: "first"})
	_, secondDone := b.Emit(EmitInput{Type: "second"})
	<-secondDone
	<-nestedDone

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "nested" {
		t.Errorf("order = %v, want [first second nested] (nested must not jump the queue)", order)
	}
}

func TestEmit_HandlerFailureDoesNotPoisonQueue(t *testing.T) {
	b := newTestBus(t)

	var secondRan bool
	done1 := make(chan struct{})
	b.Subscribe("a", func(ctx context.Context, evt *Event) error {
		close(done1)
		panic("boom")
	})
	done2 := make(chan struct{})
	b.Subscribe("b", func(ctx context.Context, evt *Event) error {
		secondRan = true
		close(done2)
		return nil
	})

	b.Emit(EmitInput{Type: "a"})
	<-done1
	_, d := b.Emit(EmitInput{Type: "b"})
	<-d

	if !secondRan {
		t.Error("second handler should still run after first panics")
	}
}

func TestQueueDepth(t *testing.T) {
	b := newTestBus(t)

	release := make(chan struct{})
	started := make(chan struct{})
	b.Subscribe("blocker", func(ctx context.Context, evt *Event) error {
		close(started)
		<-release
		return nil
	})

	b.Emit(EmitInput{Type: "blocker"})
	<-started
	_, done2 := b.Emit(EmitInput{Type: "blocker2"})

	if depth := b.QueueDepth(); depth != 1 {
		t.Errorf("QueueDepth() = %d, want 1", depth)
	}

	close(release)
	<-done2
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := newTestBus(t)

	var count int
	var mu sync.Mutex
	unsub := b.Subscribe("x", func(ctx context.Context, evt *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	_, d1 := b.Emit(EmitInput{Type: "x"})
	<-d1

	unsub()
	unsub() // idempotent

	_, d2 := b.Emit(EmitInput{Type: "x"})
	<-d2

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("count = %d, want 1 (handler should stop after unsubscribe)", count)
	}
}

func TestEvent_ConsumedFlag(t *testing.T) {
	e := &Event{Type: "user:input"}
	if e.Consumed() {
		t.Fatal("new event should not be consumed")
	}
	e.MarkConsumed()
	if !e.Consumed() {
		t.Fatal("event should be consumed after MarkConsumed")
	}
}

func TestEvent_JSONRoundtrip(t *testing.T) {
	e := &Event{
		Type:      "workflow:step:start",
		Content:   map[string]any{"stepId": "s1"},
		Channel:   "system",
		SessionID: "sess-1",
		ClientID:  "client-1",
		Timestamp: 123,
	}

	data, err := e.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}

	var out Event
	if err := out.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if out.Type != e.Type || out.SessionID != e.SessionID || out.ClientID != e.ClientID {
		t.Errorf("roundtrip mismatch: %+v vs %+v", out, e)
	}
}
