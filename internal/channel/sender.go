// Package channel delivers text to human chat channels.
package channel

import (
	"context"
	"strings"
	"time"
)

// Sender posts text to an address on one human chat channel. The address
// format is channel specific: a chat id, channel id, phone number or URL.
type Sender interface {
	Name() string
	Send(ctx context.Context, address, text string) error
}

// splitMessage breaks msg into chunks of at most maxLen bytes, preferring
// newline boundaries in the second half of a chunk.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
