package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentrelay/internal/domain"
)

// ErrSessionPath is returned by a consumer host that rejected the inbound
// session key, so the gateway may retry through the session API.
var ErrSessionPath = errors.New("consumer rejected session path")

const (
	defaultHostTimeout = 120 * time.Second
	maxErrorBody       = 4096
)

// replyEnvelope is both the single-object response and one NDJSON chunk.
type replyEnvelope struct {
	Replies []domain.Reply `json:"replies,omitempty"`
	Text    string         `json:"text,omitempty"`
	Subject string         `json:"subject,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// HTTPHost delivers inbound contexts to a consumer listening on an HTTP
// endpoint. The consumer answers with {"replies":[...]} or streams
// newline-delimited reply objects.
type HTTPHost struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPHost creates a host posting to endpoint.
func NewHTTPHost(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPHost {
	if timeout <= 0 {
		timeout = defaultHostTimeout
	}
	return &HTTPHost{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

func (h *HTTPHost) Deliver(ctx context.Context, in domain.InboundContext, replies chan<- domain.Reply) error {
	return postInbound(ctx, h.client, h.endpoint, in, replies)
}

// SessionHost delivers through a sibling process's session API:
// POST <base>/sessions/{sessionKey}/messages.
type SessionHost struct {
	base   string
	client *http.Client
	logger *slog.Logger
}

// NewSessionHost creates a session API host rooted at base.
func NewSessionHost(base string, timeout time.Duration, logger *slog.Logger) *SessionHost {
	if timeout <= 0 {
		timeout = defaultHostTimeout
	}
	return &SessionHost{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (s *SessionHost) Deliver(ctx context.Context, in domain.InboundContext, replies chan<- domain.Reply) error {
	endpoint := s.base + "/sessions/" + url.PathEscape(in.SessionKey) + "/messages"
	return postInbound(ctx, s.client, endpoint, in, replies)
}

func postInbound(ctx context.Context, client *http.Client, endpoint string, in domain.InboundContext, replies chan<- domain.Reply) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal inbound context: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, application/x-ndjson")
	req.Header.Set("X-Request-ID", in.RequestID)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var env replyEnvelope
		if resp.StatusCode == http.StatusUnprocessableEntity &&
			json.Unmarshal(data, &env) == nil && env.Error == "session_path" {
			return ErrSessionPath
		}
		return fmt.Errorf("consumer HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	decoder := json.NewDecoder(resp.Body)
	for decoder.More() {
		var env replyEnvelope
		if err := decoder.Decode(&env); err != nil {
			return fmt.Errorf("decode consumer response: %w", err)
		}
		if env.Error != "" {
			return fmt.Errorf("consumer error: %s", env.Error)
		}
		out := env.Replies
		if env.Text != "" {
			out = append(out, domain.Reply{Text: env.Text, Subject: env.Subject})
		}
		for _, r := range out {
			select {
			case replies <- r:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}
