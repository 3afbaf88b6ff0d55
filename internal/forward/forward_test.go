package forward

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"agentrelay/internal/channel"
	"agentrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type sent struct{ address, text string }

type recordingSender struct {
	name string
	mu   sync.Mutex
	sent []sent
	err  error
}

func (r *recordingSender) Name() string { return r.name }

func (r *recordingSender) Send(_ context.Context, address, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{address, text})
	return r.err
}

func writeSessions(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, SessionsFile), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestResolve_Priority(t *testing.T) {
	dir := t.TempDir()
	writeSessions(t, dir, `{"agent:main:telegram:dm:1": {"updatedAt": 10, "lastChannel": "telegram", "lastTo": "1"}}`)

	global := &domain.ForwardTarget{Channel: "slack", Address: "C-global"}
	f := New(Config{Target: global, Sessions: NewSessionLocator(dir), Logger: testLogger()})

	perRoute := domain.RouteEntry{Consumer: "main", ForwardTo: &domain.ForwardTarget{Channel: "discord", Address: "D-route"}}
	dc, err := f.Resolve(perRoute)
	if err != nil || dc.Channel != "discord" || dc.Address != "D-route" {
		t.Fatalf("per-route target should win, got %+v %v", dc, err)
	}

	dc, err = f.Resolve(domain.RouteEntry{Consumer: "main"})
	if err != nil || dc.Address != "C-global" {
		t.Fatalf("global target should be second, got %+v %v", dc, err)
	}

	f.target = nil
	dc, err = f.Resolve(domain.RouteEntry{Consumer: "main"})
	if err != nil || dc.Channel != "telegram" || dc.Address != "1" {
		t.Fatalf("session target should be last, got %+v %v", dc, err)
	}
}

func TestResolve_NoTarget(t *testing.T) {
	f := New(Config{Sessions: NewSessionLocator(t.TempDir()), Logger: testLogger()})
	if _, err := f.Resolve(domain.RouteEntry{Consumer: "main"}); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget, got %v", err)
	}
}

func TestSessionLocator_PrefersOwnedThenRecent(t *testing.T) {
	dir := t.TempDir()
	writeSessions(t, dir, `{
		"agent:other:telegram:dm:9": {"updatedAt": 999, "lastChannel": "telegram", "lastTo": "9"},
		"agent:main:slack:C1":       {"updatedAt": 100, "lastChannel": "slack", "lastTo": "C1"},
		"agent:main:telegram:dm:2":  {"updatedAt": 200, "lastChannel": "telegram", "lastTo": "2", "lastAccountId": "bot2"},
		"agent:main:relay:alice":    {"updatedAt": 500, "lastChannel": "relay", "lastTo": "alice"},
		"agent:main:empty":          {"updatedAt": 600}
	}`)

	dc, ok, err := NewSessionLocator(dir).Locate("main")
	if err != nil || !ok {
		t.Fatalf("locate: ok=%v err=%v", ok, err)
	}
	if dc.Channel != "telegram" || dc.Address != "2" || dc.Account != "bot2" {
		t.Errorf("unexpected target %+v", dc)
	}

	dc, ok, _ = NewSessionLocator(dir).Locate("nobody")
	if !ok || dc.Address != "9" {
		t.Errorf("without owned sessions the most recent should win, got %+v", dc)
	}
}

func TestSessionLocator_Malformed(t *testing.T) {
	dir := t.TempDir()
	writeSessions(t, dir, "{nope")
	if _, _, err := NewSessionLocator(dir).Locate("main"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestForward_SendsRendering(t *testing.T) {
	tg := &recordingSender{name: "telegram"}
	f := New(Config{
		Senders: []channel.Sender{tg},
		Target:  &domain.ForwardTarget{Channel: "telegram", Address: "42"},
		Logger:  testLogger(),
	})
	msg := domain.Message{ID: "m1", From: "bob", ToName: "alice", Subject: "hi", Body: "hello there",
		Attachments: []domain.Attachment{{FileID: "f1", Filename: "a.txt"}}}

	if err := f.Forward(context.Background(), msg, domain.RouteEntry{Consumer: "main", Forward: true}); err != nil {
		t.Fatal(err)
	}
	if len(tg.sent) != 1 || tg.sent[0].address != "42" {
		t.Fatalf("unexpected sends %+v", tg.sent)
	}
	text := tg.sent[0].text
	for _, want := range []string{"bob -> alice", "Subject: hi", "hello there", "a.txt"} {
		if !strings.Contains(text, want) {
			t.Errorf("rendering missing %q: %q", want, text)
		}
	}
}

func TestAlert(t *testing.T) {
	tg := &recordingSender{name: "telegram"}
	f := New(Config{Senders: []channel.Sender{tg}, Target: &domain.ForwardTarget{Channel: "telegram", Address: "42"}, Logger: testLogger()})
	if err := f.Alert(context.Background(), "message m1 dead-lettered", domain.RouteEntry{}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(tg.sent[0].text, "[relay alert]") {
		t.Errorf("unexpected alert text %q", tg.sent[0].text)
	}
}

func TestForward_UnknownChannel(t *testing.T) {
	f := New(Config{Target: &domain.ForwardTarget{Channel: "discord", Address: "x"}, Logger: testLogger()})
	err := f.Forward(context.Background(), domain.Message{ID: "m1"}, domain.RouteEntry{})
	if !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestForward_RateLimited(t *testing.T) {
	tg := &recordingSender{name: "telegram"}
	f := New(Config{
		Senders:       []channel.Sender{tg},
		Target:        &domain.ForwardTarget{Channel: "telegram", Address: "42"},
		RatePerMinute: 1,
		Logger:        testLogger(),
	})
	var limited int
	for i := 0; i < rateBurst+1; i++ {
		if err := f.Forward(context.Background(), domain.Message{ID: "m"}, domain.RouteEntry{}); errors.Is(err, ErrRateLimited) {
			limited++
		}
	}
	if len(tg.sent) != rateBurst || limited != 1 {
		t.Errorf("sent=%d limited=%d, want burst %d then limited", len(tg.sent), limited, rateBurst)
	}
}

func TestRenderMessage_TruncatesBody(t *testing.T) {
	out := RenderMessage(domain.Message{From: "a", ToName: "b", Body: strings.Repeat("x", maxForwardBody+10)})
	if strings.Count(out, "x") != maxForwardBody {
		t.Errorf("body not truncated to %d", maxForwardBody)
	}
}
