package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"tutorbot/internal/transport"
)

func Stdout() io.Writer { return os.Stdout }

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig mirrors log records into the operator log channel.
type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Service wires slog output to console, file and optionally Telegram.
// The returned *slog.Logger stays valid across Apply calls because the
// handler behind it is swapped, not the logger.
type Service struct {
	swap   *swapHandler
	logger *slog.Logger
	sender transport.Adapter

	mu   sync.Mutex
	file *os.File

	chatID   int64
	threadID int
	limiter  *rate.Limiter
	minLevel slog.Level
}

func New(cfg Config, sender transport.Adapter) (*Service, *slog.Logger) {
	sh := &swapHandler{h: slog.NewTextHandler(Stdout(), &slog.HandlerOptions{Level: slog.LevelInfo})}
	svc := &Service{
		swap:   sh,
		logger: slog.New(sh),
		sender: sender,
	}
	svc.Apply(cfg)
	return svc, svc.logger
}

func (s *Service) Logger() *slog.Logger { return s.logger }

// SetTelegramTarget routes mirrored records to the given chat. A zero
// chat id disables mirroring without touching the handler chain.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	s.mu.Lock()
	s.chatID = chatID
	s.threadID = threadID
	s.mu.Unlock()
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	level := parseLevel(cfg.Level, slog.LevelInfo)
	chain := make([]slog.Handler, 0, 3)

	if cfg.Console {
		chain = append(chain, NewPrettyHandler(Stdout(), level))
	}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if cfg.File.Enabled && strings.TrimSpace(cfg.File.Path) != "" {
		if f, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			s.file = f
			chain = append(chain, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		}
	}

	if cfg.Telegram.Enabled && s.sender != nil {
		s.minLevel = parseLevel(cfg.Telegram.MinLevel, slog.LevelInfo)
		rps := max(cfg.Telegram.RatePerSec, 1)
		s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
		s.threadID = cfg.Telegram.ThreadID
		chain = append(chain, &telegramHandler{svc: s, level: level})
	}

	if len(chain) == 0 {
		chain = append(chain, slog.NewTextHandler(Stdout(), &slog.HandlerOptions{Level: level}))
	}
	s.swap.Store(fanout(chain))
}

func parseLevel(s string, def slog.Level) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return def
	}
}

// swapHandler lets Apply replace the handler chain under a live logger.
type swapHandler struct {
	mu sync.RWMutex
	h  slog.Handler
}

func (a *swapHandler) Store(h slog.Handler) {
	a.mu.Lock()
	a.h = h
	a.mu.Unlock()
}

func (a *swapHandler) load() slog.Handler {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.h
}

func (a *swapHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return a.load().Enabled(ctx, level)
}

func (a *swapHandler) Handle(ctx context.Context, r slog.Record) error {
	return a.load().Handle(ctx, r)
}

func (a *swapHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return a.load().WithAttrs(attrs) }
func (a *swapHandler) WithGroup(name string) slog.Handler       { return a.load().WithGroup(name) }

// fanout forwards each record to every handler in the chain.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f {
		_ = h.Handle(ctx, r)
	}
	return nil
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler { return f }
func (f fanout) WithGroup(name string) slog.Handler       { return f }
