package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"agentrelay/internal/domain"
)

const (
	defaultRequestTimeout = 15 * time.Second
	pollGrace             = 15 * time.Second
	streamHeaderTimeout   = 30 * time.Second
	maxResponseBytes      = 8 * 1024 * 1024
)

// Config configures a Client bound to one broker account.
type Config struct {
	BaseURL        string
	StreamURL      string // optional override of BaseURL + "/stream"
	Credential     string
	RequestTimeout time.Duration
	PollWait       time.Duration
	Logger         *slog.Logger
}

// Client implements domain.Broker over HTTP with bearer authentication.
type Client struct {
	baseURL    string
	streamURL  string
	credential string
	logger     *slog.Logger

	http   *http.Client // ack, read, send, files
	poll   *http.Client // long-poll: wait + grace
	stream *http.Client // no overall timeout
}

// New creates a broker client.
func New(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	streamURL := cfg.StreamURL
	if streamURL == "" {
		streamURL = cfg.BaseURL + "/stream"
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		streamURL:  streamURL,
		credential: cfg.Credential,
		logger:     cfg.Logger,
		http:       newHTTPClient(cfg.RequestTimeout, 0),
		poll:       newHTTPClient(cfg.PollWait+pollGrace, 0),
		stream:     newHTTPClient(0, streamHeaderTimeout),
	}
}

type messageList struct {
	Messages []domain.Message `json:"messages"`
}

// Poll lists unread messages for a single identity (legacy inbox endpoint).
func (c *Client) Poll(ctx context.Context, identity string) ([]domain.Message, error) {
	q := url.Values{"name": {identity}, "unread": {"true"}}
	var out messageList
	if err := c.getJSON(ctx, c.poll, "/poll?"+q.Encode(), c.credential, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// PollAccount long-polls for up to limit messages across every identity of
// the account, waiting at most wait seconds server-side.
func (c *Client) PollAccount(ctx context.Context, wait, limit int) ([]domain.Message, error) {
	q := url.Values{"wait": {strconv.Itoa(wait)}, "limit": {strconv.Itoa(limit)}}
	var out messageList
	if err := c.getJSON(ctx, c.poll, "/poll-account?"+q.Encode(), c.credential, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Stream opens the server-push endpoint and feeds events to onEvent until the
// stream ends, ctx is cancelled, or onEvent returns an error. onConnect runs
// once the server has accepted the connection. Failures before that point are
// returned as *ConnectError; a stream the server simply closes returns
// ErrStreamClosed.
func (c *Client) Stream(ctx context.Context, onConnect func(), onEvent func(domain.StreamEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL, nil)
	if err != nil {
		return &ConnectError{Err: err}
	}
	c.authorize(req, c.credential)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(req)
	if err != nil {
		return &ConnectError{Err: err}
	}
	if err := checkStatus(resp); err != nil {
		return &ConnectError{Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("broker stream connected", "url", c.streamURL)
	if onConnect != nil {
		onConnect()
	}

	err = ReadEvents(resp.Body, onEvent)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		return ErrStreamClosed
	}
	return err
}

type ackRequest struct {
	IDs []string `json:"ids"`
}

// Ack acknowledges a batch of message ids in one call. Failures are not retried.
func (c *Client) Ack(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.postJSON(ctx, "/ack", c.credential, ackRequest{IDs: ids}, false)
}

// MarkRead marks one message read (legacy inbox semantics).
func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.postJSON(ctx, "/read", c.credential, map[string]string{"id": id}, false)
}

// Send posts an outbound message using credential, which may differ from the
// account's own so replies originate from the routed identity.
func (c *Client) Send(ctx context.Context, credential string, msg domain.OutgoingMessage) error {
	if credential == "" {
		credential = c.credential
	}
	return c.postJSON(ctx, "/send", credential, msg, true)
}

type fileURLResponse struct {
	URL string `json:"url"`
}

// FileURL requests a short-lived signed download URL for an attachment.
func (c *Client) FileURL(ctx context.Context, fileID string) (string, error) {
	var out fileURLResponse
	if err := c.getJSON(ctx, c.http, "/files/"+url.PathEscape(fileID), c.credential, &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", fmt.Errorf("broker returned empty download url for %s", fileID)
	}
	return out.URL, nil
}

func (c *Client) authorize(req *http.Request, credential string) {
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("User-Agent", "agentrelay")
}

func (c *Client) getJSON(ctx context.Context, client *http.Client, path, credential string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.authorize(req, credential)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path, credential string, body any, retry bool) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		c.authorize(req, credential)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	var resp *http.Response
	if retry {
		resp, err = doWithRetry(ctx, c.http, build, c.logger)
	} else {
		var req *http.Request
		if req, err = build(); err == nil {
			resp, err = c.http.Do(req)
		}
	}
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()
	return nil
}
