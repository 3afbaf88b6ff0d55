package broker

import (
	"bufio"
	"io"
	"strings"

	"agentrelay/internal/domain"
)

const maxEventLine = 1024 * 1024

// ReadEvents parses the broker's line-oriented event protocol and calls fn for
// each event. A blank line terminates an event; "event:" sets its type (default
// "message"); "data:" lines are joined with newlines; lines starting with ":" are
// keepalives and are reported immediately. ReadEvents returns fn's first error,
// the reader's error, or nil at EOF.
func ReadEvents(r io.Reader, fn func(domain.StreamEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)

	var eventType string
	var dataLines []string

	flush := func() error {
		if eventType == "" && len(dataLines) == 0 {
			return nil
		}
		t := domain.StreamEventType(eventType)
		if t == "" {
			t = domain.StreamMessage
		}
		evt := domain.StreamEvent{Type: t, Data: strings.Join(dataLines, "\n")}
		eventType = ""
		dataLines = nil
		return fn(evt)
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")

		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			if err := fn(domain.StreamEvent{Type: domain.StreamKeepalive}); err != nil {
				return err
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(line[len("data:"):], " "))
		}
		// id:, retry: and unknown fields are ignored.
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}
