package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"tutorbot/internal/transport"
)

// telegramHandler mirrors records at or above the configured level into
// the operator chat, rate limited so a log storm cannot flood Telegram.
type telegramHandler struct {
	svc   *Service
	level slog.Level
}

func (t *telegramHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= t.level
}

func (t *telegramHandler) Handle(ctx context.Context, r slog.Record) error {
	t.svc.mu.Lock()
	chatID := t.svc.chatID
	threadID := t.svc.threadID
	lim := t.svc.limiter
	minLevel := t.svc.minLevel
	t.svc.mu.Unlock()

	if chatID == 0 || t.svc.sender == nil || lim == nil {
		return nil
	}
	if r.Level < minLevel || !lim.Allow() {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", r.Level.String(), r.Message)
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, "\n- %s=%v", a.Key, a.Value.Any())
		return true
	})

	to := transport.ChatTarget{ChatID: chatID, ThreadID: threadID}
	_, _ = t.svc.sender.SendText(ctx, to, b.String(), &transport.SendOptions{})
	return nil
}

func (t *telegramHandler) WithAttrs([]slog.Attr) slog.Handler { return t }
func (t *telegramHandler) WithGroup(string) slog.Handler      { return t }
