package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Console is a development transport: outbound messages print to a writer,
// inbound lines arrive from a reader. Used by the -dev flag.
type Console struct {
	userID string
	out    io.Writer
	in     io.Reader

	mu      sync.Mutex
	handler func(Inbound)
}

func NewConsole(userID string, in io.Reader, out io.Writer) *Console {
	return &Console{userID: userID, in: in, out: out}
}

func (c *Console) Send(ctx context.Context, userID, text string) (string, error) {
	id := NewBotMsgID()
	for _, chunk := range Chunk(text, MaxChunk) {
		if _, err := fmt.Fprintf(c.out, "agent> %s\n", chunk); err != nil {
			return "", err
		}
	}
	return id, nil
}

func (c *Console) SendFile(ctx context.Context, userID, path, caption string) error {
	_, err := fmt.Fprintf(c.out, "agent> [file %s] %s\n", path, caption)
	return err
}

func (c *Console) OnMessage(handler func(Inbound)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Start reads stdin lines until EOF or ctx cancellation.
func (c *Console) Start(ctx context.Context) error {
	scanner := bufio.NewScanner(c.in)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			c.mu.Lock()
			h := c.handler
			c.mu.Unlock()
			if h != nil {
				h(Inbound{UserID: c.userID, Text: text, TS: time.Now().UnixMilli()})
			}
		}
	}
}
