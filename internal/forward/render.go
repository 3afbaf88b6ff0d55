package forward

import (
	"fmt"
	"strings"

	"agentrelay/internal/domain"
)

const maxForwardBody = 3000

// RenderMessage formats an inbound message for a human reader.
func RenderMessage(msg domain.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[relay] %s -> %s", msg.From, msg.ToName)
	if msg.Subject != "" {
		fmt.Fprintf(&b, "\nSubject: %s", msg.Subject)
	}
	body := msg.Body
	if len(body) > maxForwardBody {
		body = body[:maxForwardBody] + "…"
	}
	b.WriteString("\n\n")
	b.WriteString(body)
	if n := len(msg.Attachments); n > 0 {
		names := make([]string, 0, n)
		for _, a := range msg.Attachments {
			names = append(names, a.Filename)
		}
		fmt.Fprintf(&b, "\n\n[%d attachment(s): %s]", n, strings.Join(names, ", "))
	}
	return b.String()
}

// RenderAlert formats an operational alert.
func RenderAlert(text string) string {
	return "[relay alert] " + text
}
