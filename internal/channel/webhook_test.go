package channel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"text":"hello"}`)
	sig := Sign(body, "test-secret")
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("unexpected signature format %q", sig)
	}
	if !VerifySignature(body, "test-secret", sig) {
		t.Error("valid signature should verify")
	}
	if VerifySignature(body, "test-secret", "sha256=invalid") {
		t.Error("invalid signature should not verify")
	}
	if VerifySignature(body, "test-secret", "") {
		t.Error("empty signature should not verify")
	}
}

func TestWebhook_SendsSignedPayload(t *testing.T) {
	var payload WebhookPayload
	var valid bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		valid = VerifySignature(body, "my-secret", r.Header.Get(SignatureHeader))
		json.Unmarshal(body, &payload)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{Secret: "my-secret", Logger: testLogger()})
	if err := wh.Send(context.Background(), srv.URL, "forwarded text"); err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Error("signature did not verify on the receiving side")
	}
	if payload.Text != "forwarded text" || payload.SentAt.IsZero() {
		t.Errorf("unexpected payload %+v", payload)
	}
}

func TestWebhook_Unsigned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(SignatureHeader) != "" {
			t.Error("no signature expected without a secret")
		}
	}))
	defer srv.Close()

	if err := NewWebhook(WebhookConfig{Logger: testLogger()}).Send(context.Background(), srv.URL, "x"); err != nil {
		t.Fatal(err)
	}
}

func TestWebhook_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhook(WebhookConfig{Logger: testLogger()}).Send(context.Background(), srv.URL, "x"); err == nil {
		t.Fatal("expected error for 502")
	}
}

func TestSplitMessage_Short(t *testing.T) {
	chunks := splitMessage("short message", 100)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}
}

func TestSplitMessage_Long(t *testing.T) {
	long := strings.Repeat("word ", 100)
	chunks := splitMessage(long, 50)
	if len(chunks) < 2 {
		t.Errorf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 50 {
			t.Errorf("chunk %d too long: %d", i, len(c))
		}
	}
	if strings.Join(chunks, "") != long {
		t.Error("chunks must reassemble to the original")
	}
}

func TestSplitMessage_PrefersNewline(t *testing.T) {
	msg := strings.Repeat("a", 40) + "\n" + strings.Repeat("b", 40)
	chunks := splitMessage(msg, 50)
	if len(chunks) != 2 || !strings.HasSuffix(chunks[0], "\n") {
		t.Errorf("expected split after newline, got %q", chunks)
	}
}

func TestSplitMessage_Empty(t *testing.T) {
	chunks := splitMessage("", 100)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk for empty, got %d", len(chunks))
	}
}
