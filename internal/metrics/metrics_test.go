package metrics

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"agentrelay/internal/bus"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestObserve_DeliveryOutcomes(t *testing.T) {
	m := New()
	eb := bus.NewEventBus(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	m.Subscribe(eb)

	eb.Emit(bus.Event{Type: bus.EventDispatched, Account: "a", Consumer: "main", Duration: 300 * time.Millisecond})
	eb.Emit(bus.Event{Type: bus.EventDispatched, Account: "a", Consumer: "main", Duration: 2 * time.Second})
	eb.Emit(bus.Event{Type: bus.EventQueued, Account: "a"})
	eb.Emit(bus.Event{Type: bus.EventAcked, Account: "a", Count: 3})
	eb.Emit(bus.Event{Type: bus.EventForwardFailed, Account: "a"})
	eb.Emit(bus.Event{Type: bus.EventQueueDepth, Account: "a", Count: 4})
	eb.Emit(bus.Event{Type: bus.EventTransportFallback, Account: "a"})

	out := scrape(t, m)
	for _, want := range []string{
		`agentrelay_deliveries_total{account="a",outcome="dispatched"} 2`,
		`agentrelay_deliveries_total{account="a",outcome="queued"} 1`,
		`agentrelay_acks_total{account="a",result="ok"} 3`,
		`agentrelay_forwards_total{account="a",result="error"} 1`,
		`agentrelay_retry_queue_depth{account="a"} 4`,
		`agentrelay_transport_events_total{account="a",event="fallback"} 1`,
		`agentrelay_dispatch_duration_seconds_count{account="a",consumer="main"} 2`,
		`agentrelay_uptime_seconds`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestObserve_IgnoresUnknownEvents(t *testing.T) {
	m := New()
	m.Observe(bus.Event{Type: "something.else", Account: "a"})
	if strings.Contains(scrape(t, m), `account="a"`) {
		t.Error("unknown events must not create series")
	}
}
