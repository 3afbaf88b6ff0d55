package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"agentrelay/internal/domain"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(t.TempDir(), slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func entry(id string) domain.QueuedMessage {
	return domain.QueuedMessage{
		Message:           domain.Message{ID: id, From: "bob", ToName: "helper-bot", Body: "hi"},
		LastError:         "consumer offline",
		AccountCredential: "acct",
		ReplyCredential:   "route",
	}
}

func TestEnqueue_Idempotent(t *testing.T) {
	q := openTestQueue(t)

	added, err := q.Enqueue(entry("m1"))
	if err != nil || !added {
		t.Fatalf("first enqueue: added=%v err=%v", added, err)
	}
	added, err = q.Enqueue(entry("m1"))
	if err != nil || added {
		t.Fatalf("second enqueue: added=%v err=%v", added, err)
	}

	pending, _ := q.ListPending()
	if len(pending) != 1 {
		t.Fatalf("expected exactly one pending entry, got %d", len(pending))
	}
	if pending[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", pending[0].Attempts)
	}
	if pending[0].QueuedAt.IsZero() {
		t.Error("queuedAt not set")
	}
}

func TestDequeue(t *testing.T) {
	q := openTestQueue(t)
	q.Enqueue(entry("m1"))
	q.Enqueue(entry("m2"))

	if err := q.Dequeue("m1"); err != nil {
		t.Fatal(err)
	}
	if err := q.Dequeue("nope"); err != nil {
		t.Fatalf("unknown id should be ignored: %v", err)
	}
	pending, _ := q.ListPending()
	if len(pending) != 1 || pending[0].Message.ID != "m2" {
		t.Fatalf("unexpected pending %+v", pending)
	}
}

func TestMarkAttempt_DeadLettersAtCap(t *testing.T) {
	q := openTestQueue(t)
	q.Enqueue(entry("m1"))

	// Enqueue counts as the first failed attempt.
	for i := 2; i < domain.MaxAttempts; i++ {
		dead, err := q.MarkAttempt("m1", fmt.Sprintf("fail %d", i))
		if err != nil {
			t.Fatal(err)
		}
		if dead != nil {
			t.Fatalf("dead-lettered early at attempt %d", i)
		}
	}
	pending, _ := q.ListPending()
	if pending[0].Attempts != domain.MaxAttempts-1 || pending[0].LastError != "fail 9" {
		t.Fatalf("unexpected entry %+v", pending[0])
	}

	dead, err := q.MarkAttempt("m1", "final")
	if err != nil {
		t.Fatal(err)
	}
	if dead == nil || dead.Attempts != domain.MaxAttempts || dead.LastError != "final" {
		t.Fatalf("expected dead-lettered entry, got %+v", dead)
	}

	pending, _ = q.ListPending()
	deadList, _ := q.ListDeadLetter()
	if len(pending) != 0 {
		t.Errorf("pending should be empty, got %d", len(pending))
	}
	if len(deadList) != 1 || deadList[0].Message.ID != "m1" {
		t.Errorf("dead-letter should hold m1 exactly once, got %+v", deadList)
	}

	if dead, _ := q.MarkAttempt("m1", "again"); dead != nil {
		t.Error("dead-lettered entry must not be marked again")
	}
}

func TestDeadLetterCap(t *testing.T) {
	q := openTestQueue(t)
	q.maxAttempts = 2
	for i := 0; i < DeadLetterCap+5; i++ {
		id := fmt.Sprintf("m%d", i)
		q.Enqueue(entry(id))
		if dead, err := q.MarkAttempt(id, "x"); err != nil || dead == nil {
			t.Fatalf("expected %s dead-lettered: %v", id, err)
		}
	}
	deadList, _ := q.ListDeadLetter()
	if len(deadList) != DeadLetterCap {
		t.Fatalf("dead-letter len = %d, want %d", len(deadList), DeadLetterCap)
	}
	if deadList[0].Message.ID != "m5" {
		t.Errorf("oldest entries should be dropped, first is %s", deadList[0].Message.ID)
	}
}

func TestPersistenceFormat(t *testing.T) {
	dir := t.TempDir()
	q, _ := Open(dir, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	q.Enqueue(entry("m1"))

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["pending"]; !ok {
		t.Error("missing pending key")
	}
	if string(raw["deadLetter"]) != "[]" {
		t.Errorf("deadLetter = %s, want []", raw["deadLetter"])
	}
	if !strings.Contains(string(raw["pending"]), `"replyCredential": "route"`) {
		t.Errorf("reply credential not persisted: %s", raw["pending"])
	}

	// A second handle over the same directory sees the same state.
	q2, _ := Open(dir, q.logger)
	pending, _ := q2.ListPending()
	if len(pending) != 1 {
		t.Fatalf("reopened queue lost entries")
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestCorruptFileMovedAside(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, FileName), []byte("{broken"), 0o600)
	q, _ := Open(dir, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))

	pending, err := q.ListPending()
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected empty queue after corrupt file, got %v %v", pending, err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, FileName+".corrupt-*"))
	if len(matches) != 1 {
		t.Errorf("corrupt file should be preserved, found %v", matches)
	}
}
