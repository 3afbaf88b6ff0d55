package channel

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

// Console prints forwarded messages to a terminal. Useful when running
// the relay in the foreground.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = os.Stdout
	}
	return &Console{out: out}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Send(_ context.Context, address, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	header := "--- agentrelay ---"
	if address != "" {
		header = "--- agentrelay (" + address + ") ---"
	}
	_, err := fmt.Fprintf(c.out, "%s\n%s\n-------------------\n", header, text)
	return err
}
