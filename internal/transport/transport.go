// Package transport abstracts the messaging surface the agent speaks
// through. The agent core depends only on this interface; concrete bridges
// (WhatsApp, console) live behind it.
package transport

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// MaxChunk is the outbound message size limit of the messaging surface.
const MaxChunk = 3800

// Inbound is a received user message.
type Inbound struct {
	UserID string
	Text   string
	TS     int64
}

// Transport sends and receives messages. Implementations must be safe for
// concurrent Send calls.
type Transport interface {
	// Send delivers text to the user, chunking internally as needed.
	// Returns the bot message id of the first chunk.
	Send(ctx context.Context, userID, text string) (botMsgID string, err error)
	// SendFile delivers a file with an optional caption.
	SendFile(ctx context.Context, userID, path, caption string) error
	// OnMessage registers the inbound handler. Must be called before Start.
	OnMessage(handler func(Inbound))
	// Start connects; blocks until ctx is done or the connection fails.
	Start(ctx context.Context) error
}

// NewBotMsgID mints an outbox id used for send dedup and reply-outcome
// correlation.
func NewBotMsgID() string {
	return "bot-" + uuid.NewString()
}

// Chunk splits text into <= max sized pieces, preferring paragraph breaks,
// then line breaks, then word boundaries. A single overlong word hard-cuts.
func Chunk(text string, max int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= max {
		return []string{text}
	}

	var chunks []string
	for len(text) > max {
		cut := findCut(text, max)
		chunks = append(chunks, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// findCut picks the best split point at or before max.
func findCut(text string, max int) int {
	window := text[:max]
	for _, sep := range []string{"\n\n", "\n", " "} {
		if i := strings.LastIndex(window, sep); i > 0 {
			return i + len(sep)
		}
	}
	return max
}
