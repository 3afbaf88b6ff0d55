package bus

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testLogger())

	var got []Event
	eb.On(EventDispatched, func(e Event) { got = append(got, e) })

	eb.Emit(Event{Type: EventDispatched, Account: "primary", MessageID: "m1", Consumer: "main"})
	eb.Emit(Event{Type: EventQueued, MessageID: "m2"})

	if len(got) != 1 || got[0].MessageID != "m1" || got[0].Consumer != "main" {
		t.Fatalf("unexpected events %+v", got)
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testLogger())

	count := 0
	eb.On("*", func(Event) { count++ })
	eb.Emit(Event{Type: EventAccepted})
	eb.Emit(Event{Type: EventRejected})

	if count != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_TypedBeforeWildcard(t *testing.T) {
	eb := NewEventBus(testLogger())

	var order []string
	eb.On("*", func(Event) { order = append(order, "all") })
	eb.On(EventAcked, func(Event) { order = append(order, "acked") })
	eb.Emit(Event{Type: EventAcked})

	if len(order) != 2 || order[0] != "acked" || order[1] != "all" {
		t.Errorf("order = %v", order)
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testLogger())

	after := false
	eb.On(EventRetried, func(Event) { panic("test panic") })
	eb.On(EventRetried, func(Event) { after = true })

	eb.Emit(Event{Type: EventRetried})
	if !after {
		t.Error("handlers after a panicking one must still run")
	}
}

func TestEventBus_TimestampAutoSet(t *testing.T) {
	eb := NewEventBus(testLogger())
	var got Event
	eb.On(EventAccepted, func(e Event) { got = e })
	eb.Emit(Event{Type: EventAccepted})

	if got.Timestamp.IsZero() {
		t.Fatal("timestamp should be auto-set")
	}

	fixed := time.Now().Add(-time.Hour)
	eb.Emit(Event{Type: EventAccepted, Timestamp: fixed})
	if !got.Timestamp.Equal(fixed) {
		t.Errorf("explicit timestamp overwritten: %v", got.Timestamp)
	}
}
