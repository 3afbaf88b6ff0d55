// Package queue is a durable per-account retry queue for messages whose
// dispatch to an intermittently available consumer failed.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agentrelay/internal/domain"
)

// DeadLetterCap bounds the dead-letter list; the oldest entries are dropped.
const DeadLetterCap = 100

// FileName is the queue file inside an account directory.
const FileName = "queue.json"

type state struct {
	Pending    []domain.QueuedMessage `json:"pending"`
	DeadLetter []domain.QueuedMessage `json:"deadLetter"`
}

// Queue persists pending and dead-lettered messages in a single JSON file.
// Every mutation rewrites the whole file through a temp file and rename.
type Queue struct {
	mu          sync.Mutex
	path        string
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

// Open returns a queue stored at <dir>/queue.json, creating dir if needed.
func Open(dir string, logger *slog.Logger) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	return &Queue{
		path:        filepath.Join(dir, FileName),
		maxAttempts: domain.MaxAttempts,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Path returns the backing file path.
func (q *Queue) Path() string { return q.path }

// Enqueue adds an entry unless its message id is already pending.
// It reports whether the entry was added.
func (q *Queue) Enqueue(entry domain.QueuedMessage) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, err := q.load()
	if err != nil {
		return false, err
	}
	if indexOf(st.Pending, entry.Message.ID) >= 0 {
		return false, nil
	}
	if entry.Attempts < 1 {
		entry.Attempts = 1
	}
	if entry.QueuedAt.IsZero() {
		entry.QueuedAt = q.now().UTC()
	}
	st.Pending = append(st.Pending, entry)
	if err := q.save(st); err != nil {
		return false, err
	}
	return true, nil
}

// Dequeue removes a pending entry. Unknown ids are ignored.
func (q *Queue) Dequeue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, err := q.load()
	if err != nil {
		return err
	}
	i := indexOf(st.Pending, id)
	if i < 0 {
		return nil
	}
	st.Pending = append(st.Pending[:i], st.Pending[i+1:]...)
	return q.save(st)
}

// MarkAttempt records a failed attempt. When the attempt count reaches the
// cap the entry moves to the dead-letter list and is returned.
func (q *Queue) MarkAttempt(id, lastError string) (*domain.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, err := q.load()
	if err != nil {
		return nil, err
	}
	i := indexOf(st.Pending, id)
	if i < 0 {
		return nil, nil
	}

	entry := st.Pending[i]
	entry.Attempts++
	entry.LastError = lastError

	var dead *domain.QueuedMessage
	if entry.Attempts >= q.maxAttempts {
		st.Pending = append(st.Pending[:i], st.Pending[i+1:]...)
		st.DeadLetter = append(st.DeadLetter, entry)
		if n := len(st.DeadLetter); n > DeadLetterCap {
			st.DeadLetter = st.DeadLetter[n-DeadLetterCap:]
		}
		dead = &entry
	} else {
		st.Pending[i] = entry
	}

	if err := q.save(st); err != nil {
		return nil, err
	}
	return dead, nil
}

// ListPending returns a snapshot of pending entries in queue order.
func (q *Queue) ListPending() ([]domain.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, err := q.load()
	if err != nil {
		return nil, err
	}
	return st.Pending, nil
}

// ListDeadLetter returns a snapshot of dead-lettered entries, oldest first.
func (q *Queue) ListDeadLetter() ([]domain.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, err := q.load()
	if err != nil {
		return nil, err
	}
	return st.DeadLetter, nil
}

func (q *Queue) load() (*state, error) {
	st := &state{}
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	if len(data) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, st); err != nil {
		// Keep the unreadable file for inspection and start over.
		aside := fmt.Sprintf("%s.corrupt-%d", q.path, q.now().Unix())
		if rerr := os.Rename(q.path, aside); rerr != nil {
			return nil, fmt.Errorf("parse queue: %w", err)
		}
		q.logger.Error("queue file unreadable, moved aside", "path", aside, "err", err)
		return &state{}, nil
	}
	return st, nil
}

func (q *Queue) save(st *state) error {
	if st.Pending == nil {
		st.Pending = []domain.QueuedMessage{}
	}
	if st.DeadLetter == nil {
		st.DeadLetter = []domain.QueuedMessage{}
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	return writeFileAtomic(q.path, data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp queue file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp queue file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp queue file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp queue file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace queue file: %w", err)
	}
	return nil
}

func indexOf(entries []domain.QueuedMessage, id string) int {
	for i, e := range entries {
		if e.Message.ID == id {
			return i
		}
	}
	return -1
}
