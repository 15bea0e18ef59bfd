package transport

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/antigravity-dev/vigil/internal/store"
)

func TestChunkShortTextUntouched(t *testing.T) {
	got := Chunk("hello there", MaxChunk)
	if len(got) != 1 || got[0] != "hello there" {
		t.Errorf("chunks = %v", got)
	}
}

func TestChunkPrefersParagraphBreaks(t *testing.T) {
	para1 := strings.Repeat("a", 60)
	para2 := strings.Repeat("b", 60)
	got := Chunk(para1+"\n\n"+para2, 100)
	if len(got) != 2 || got[0] != para1 || got[1] != para2 {
		t.Errorf("chunks = %v", got)
	}
}

func TestChunkFallsBackToWords(t *testing.T) {
	text := strings.Repeat("word ", 50) // 250 chars, no newlines
	got := Chunk(text, 100)
	if len(got) < 3 {
		t.Fatalf("chunks = %d", len(got))
	}
	for _, c := range got {
		if len(c) > 100 {
			t.Errorf("chunk over limit: %d chars", len(c))
		}
		for _, w := range strings.Fields(c) {
			if w != "word" {
				t.Errorf("word split mid-token: %q", c)
			}
		}
	}
}

func TestChunkHardCutsOverlongWord(t *testing.T) {
	got := Chunk(strings.Repeat("x", 250), 100)
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	if len(got[0]) != 100 || len(got[2]) != 50 {
		t.Errorf("lengths = %d %d %d", len(got[0]), len(got[1]), len(got[2]))
	}
}

type fakeTransport struct {
	sent []string
}

func (f *fakeTransport) Send(ctx context.Context, userID, text string) (string, error) {
	f.sent = append(f.sent, text)
	return "id", nil
}
func (f *fakeTransport) SendFile(ctx context.Context, userID, path, caption string) error {
	return nil
}
func (f *fakeTransport) OnMessage(func(Inbound))         {}
func (f *fakeTransport) Start(ctx context.Context) error { return nil }

func TestOutboxDedup(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), time.UTC, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ft := &fakeTransport{}
	ob := NewOutbox(ft, st, slog.Default())
	ctx := context.Background()

	if err := ob.Deliver(ctx, "user", "first send", "bot-1"); err != nil {
		t.Fatal(err)
	}
	if err := ob.Deliver(ctx, "user", "first send", "bot-1"); err != nil {
		t.Fatal(err)
	}
	if len(ft.sent) != 1 {
		t.Errorf("sent %d times, want dedup to 1", len(ft.sent))
	}

	// Different id goes through.
	if err := ob.Deliver(ctx, "user", "second send", "bot-2"); err != nil {
		t.Fatal(err)
	}
	if len(ft.sent) != 2 {
		t.Errorf("sent = %v", ft.sent)
	}
}

func TestConsoleDeliversInbound(t *testing.T) {
	in := strings.NewReader("hello agent\n\n  \nsecond line\n")
	var out strings.Builder
	c := NewConsole("dev", in, &out)

	var got []Inbound
	c.OnMessage(func(m Inbound) { got = append(got, m) })

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Text != "hello agent" || got[1].Text != "second line" {
		t.Errorf("inbound = %+v", got)
	}

	c.Send(context.Background(), "dev", "hi")
	if !strings.Contains(out.String(), "agent> hi") {
		t.Errorf("out = %q", out.String())
	}
}
