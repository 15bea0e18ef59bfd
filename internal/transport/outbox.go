package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/antigravity-dev/vigil/internal/store"
)

const dedupWindow = 24 * time.Hour

// Outbox wraps a transport with send dedup and archiving. Every outbound
// message passes through here so a crash-retry never double-texts the user.
type Outbox struct {
	t      Transport
	st     *store.Store
	logger *slog.Logger
}

func NewOutbox(t Transport, st *store.Store, logger *slog.Logger) *Outbox {
	return &Outbox{t: t, st: st, logger: logger}
}

// Deliver sends text under a caller-chosen bot message id. A repeat id
// within the dedup window is silently skipped.
func (o *Outbox) Deliver(ctx context.Context, userID, text, botMsgID string) error {
	sent, err := o.st.WasBotMsgSent(botMsgID, dedupWindow)
	if err != nil {
		o.logger.Warn("dedup check failed, sending anyway", "botMsgId", botMsgID, "error", err)
	}
	if sent {
		o.logger.Info("skipping duplicate send", "botMsgId", botMsgID)
		return nil
	}

	if _, err := o.t.Send(ctx, userID, text); err != nil {
		return err
	}
	if _, err := o.st.InsertMessage(store.Message{
		Direction: "out",
		Sender:    "agent",
		BotMsgID:  botMsgID,
		Body:      text,
	}); err != nil {
		o.logger.Warn("failed to archive outbound message", "botMsgId", botMsgID, "error", err)
	}
	return nil
}
