package forward

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"agentrelay/internal/domain"
)

// SessionsFile is the session index a consumer host keeps in its sessions
// directory.
const SessionsFile = "sessions.json"

// sessionEntry is the subset of a consumer session record needed to find
// where its human last spoke.
type sessionEntry struct {
	UpdatedAt     int64  `json:"updatedAt"` // unix millis
	LastChannel   string `json:"lastChannel"`
	LastTo        string `json:"lastTo"`
	LastAccountID string `json:"lastAccountId"`
}

// SessionLocator derives a forward target from the most recently active
// human-facing session of a consumer.
type SessionLocator struct {
	dir string
}

func NewSessionLocator(dir string) *SessionLocator {
	return &SessionLocator{dir: dir}
}

// Locate returns the most recently updated session with a usable channel.
// Sessions belonging to consumer win over other sessions; relay sessions are
// never candidates. ok is false when nothing usable exists.
func (l *SessionLocator) Locate(consumer string) (domain.DeliveryContext, bool, error) {
	if l == nil || l.dir == "" {
		return domain.DeliveryContext{}, false, nil
	}
	data, err := os.ReadFile(filepath.Join(l.dir, SessionsFile))
	if errors.Is(err, os.ErrNotExist) {
		return domain.DeliveryContext{}, false, nil
	}
	if err != nil {
		return domain.DeliveryContext{}, false, fmt.Errorf("read sessions: %w", err)
	}

	var sessions map[string]sessionEntry
	if err := json.Unmarshal(data, &sessions); err != nil {
		return domain.DeliveryContext{}, false, fmt.Errorf("parse sessions: %w", err)
	}

	prefix := "agent:" + consumer + ":"
	var best sessionEntry
	bestKey, bestOwned := "", false
	for key, s := range sessions {
		if s.LastChannel == "" || s.LastTo == "" || strings.Contains(key, ":relay:") {
			continue
		}
		owned := consumer != "" && strings.HasPrefix(key, prefix)
		switch {
		case bestKey == "":
		case owned && !bestOwned:
		case owned == bestOwned && (s.UpdatedAt > best.UpdatedAt || (s.UpdatedAt == best.UpdatedAt && key < bestKey)):
		default:
			continue
		}
		best, bestKey, bestOwned = s, key, owned
	}
	if bestKey == "" {
		return domain.DeliveryContext{}, false, nil
	}
	return domain.DeliveryContext{
		Channel: best.LastChannel,
		Address: best.LastTo,
		Account: best.LastAccountID,
	}, true, nil
}
