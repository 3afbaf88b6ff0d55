package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"agentrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestClient(srv *httptest.Server) *Client {
	return New(Config{
		BaseURL:        srv.URL,
		Credential:     "account-cred",
		RequestTimeout: 5 * time.Second,
		PollWait:       time.Second,
		Logger:         testLogger(),
	})
}

func TestPollAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/poll-account" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer account-cred" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		if r.URL.Query().Get("wait") != "5" || r.URL.Query().Get("limit") != "10" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		fmt.Fprint(w, `{"messages":[{"id":"m1","from":"bob","to_name":"alice","body":"hi","attachments":[{"file_id":"f1","filename":"a.txt","mime_type":"text/plain"}]}]}`)
	}))
	defer srv.Close()

	msgs, err := newTestClient(srv).PollAccount(context.Background(), 5, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ToName != "alice" || msgs[0].Attachments[0].FileID != "f1" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestPoll_LegacyQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/poll" || r.URL.Query().Get("name") != "alice" || r.URL.Query().Get("unread") != "true" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		fmt.Fprint(w, `{"messages":[]}`)
	}))
	defer srv.Close()

	if _, err := newTestClient(srv).Poll(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
}

func TestAck_SendsBatch(t *testing.T) {
	var got ackRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/ack" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	if err := newTestClient(srv).Ack(context.Background(), []string{"m1", "m2"}); err != nil {
		t.Fatal(err)
	}
	if len(got.IDs) != 2 || got.IDs[0] != "m1" {
		t.Errorf("unexpected ack body %+v", got)
	}
}

func TestAck_EmptyIsNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("empty ack must not hit the broker")
	}))
	defer srv.Close()

	if err := newTestClient(srv).Ack(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
}

func TestSend_UsesGivenCredential(t *testing.T) {
	var auth string
	var body domain.OutgoingMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	err := newTestClient(srv).Send(context.Background(), "route-cred", domain.OutgoingMessage{
		To: "bob", Body: "pong", FromName: "alice", ReplyToID: "m1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if auth != "Bearer route-cred" {
		t.Errorf("reply must use route credential, got %q", auth)
	}
	if body.To != "bob" || body.FromName != "alice" || body.ReplyToID != "m1" {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestSend_ServerErrorNotRepeated(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "stored, then failed", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newTestClient(srv).Send(context.Background(), "", domain.OutgoingMessage{To: "bob", Body: "pong"})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
		t.Fatalf("expected StatusError 502, got %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("send attempted %d times, want 1", n)
	}
}

func TestSend_RateLimitedRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
		}
	}))
	defer srv.Close()

	if err := newTestClient(srv).Send(context.Background(), "", domain.OutgoingMessage{To: "bob", Body: "pong"}); err != nil {
		t.Fatal(err)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("send attempted %d times, want 2", n)
	}
}

func TestIsDialError(t *testing.T) {
	if !isDialError(&net.OpError{Op: "dial", Err: errors.New("refused")}) {
		t.Error("dial failure should be retryable")
	}
	if isDialError(&net.OpError{Op: "read", Err: errors.New("reset")}) {
		t.Error("read failure must not be retried")
	}
}

func TestUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).PollAccount(context.Background(), 1, 1)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("expected StatusError 401, got %v", err)
	}
}

func TestFileURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files/f_1-a" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"url":"https://cdn.example/signed"}`)
	}))
	defer srv.Close()

	u, err := newTestClient(srv).FileURL(context.Background(), "f_1-a")
	if err != nil {
		t.Fatal(err)
	}
	if u != "https://cdn.example/signed" {
		t.Errorf("got %s", u)
	}
}

func TestStream_DeliversEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("missing event-stream accept header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": hello\n\nevent: message\ndata: {\"id\":\"m1\"}\n\nevent: timeout\ndata: {}\n\n")
	}))
	defer srv.Close()

	connected := false
	var types []domain.StreamEventType
	err := newTestClient(srv).Stream(context.Background(), func() { connected = true }, func(e domain.StreamEvent) error {
		types = append(types, e.Type)
		if e.Type == domain.StreamTimeout {
			return ErrReconnect
		}
		return nil
	})
	if !errors.Is(err, ErrReconnect) {
		t.Fatalf("expected ErrReconnect, got %v", err)
	}
	if !connected {
		t.Error("onConnect not called")
	}
	if len(types) != 3 || types[1] != domain.StreamMessage {
		t.Errorf("unexpected event types %v", types)
	}
}

func TestStream_ServerCloseWithoutTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
	}))
	defer srv.Close()

	connected := false
	err := newTestClient(srv).Stream(context.Background(), func() { connected = true }, func(domain.StreamEvent) error { return nil })
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
	if !connected {
		t.Error("onConnect not called")
	}
}

func TestStream_ConnectError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := newTestClient(srv).Stream(context.Background(), func() { t.Error("onConnect must not run") }, func(domain.StreamEvent) error { return nil })
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectError, got %v", err)
	}
}
