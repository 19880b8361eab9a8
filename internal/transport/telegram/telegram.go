package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "tutorbot/pkg/logx"

	kit "tutorbot/internal/transport"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter bridges telebot long polling to the transport.Adapter interface.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	outMu sync.RWMutex
	out   chan<- kit.Update

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// Counted instead of logged per update; the reporter goroutine
	// summarizes drops every few seconds.
	dropped atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
	http     *http.Client
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		cfg:  cfg,
		log:  log,
		bot:  bot,
		http: &http.Client{Timeout: 8 * time.Second},
	}
	bot.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil
	}
	a.forward(kit.Update{Message: &kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         m.Text,
		IsGroup:      m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
	}})
	return nil
}

func (a *Adapter) forward(up kit.Update) {
	a.outMu.RLock()
	out := a.out
	a.outMu.RUnlock()
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.stopCh = make(chan struct{})
	stopCh := a.stopCh
	a.runMu.Unlock()

	a.outMu.Lock()
	a.out = out
	a.outMu.Unlock()

	// Watches for shutdown and reports dropped-update counts on a timer.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				a.bot.Stop()
				return
			case <-stopCh:
				a.reportDrops()
				a.bot.Stop()
				return
			case <-ticker.C:
				a.reportDrops()
			}
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.log.Info("polling started")
		a.bot.Start() // blocks until bot.Stop()
		a.log.Info("polling stopped")
	}()
	return nil
}

func (a *Adapter) reportDrops() {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	wasRunning := a.running
	a.running = false
	stopCh := a.stopCh
	a.stopCh = nil
	a.runMu.Unlock()

	a.outMu.Lock()
	a.out = nil
	a.outMu.Unlock()

	if !wasRunning {
		return nil
	}
	close(stopCh)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	// A getUpdates long poll may still be in flight; do not let it hold
	// up shutdown longer than a short grace window.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	select {
	case <-done:
	case <-time.After(grace):
		a.log.Warn("telegram stop timed out")
	case <-ctx.Done():
	}
	return nil
}

const telegramTextLimit = 4000

// splitTelegramText breaks a message into chunks of at most limit runes.
// Lines are kept whole when they fit; a single line longer than the
// limit is hard-cut.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	if len([]rune(s)) <= limit {
		return []string{s}
	}

	var out []string
	var cur []rune
	flush := func() {
		if c := strings.TrimRight(string(cur), "\n"); c != "" {
			out = append(out, c)
		}
		cur = cur[:0]
	}

	for _, line := range strings.Split(s, "\n") {
		lr := []rune(line)
		for len(lr) > limit {
			flush()
			out = append(out, string(lr[:limit]))
			lr = lr[limit:]
		}
		need := len(lr)
		if len(cur) > 0 {
			need++ // joining newline
		}
		if len(cur)+need > limit {
			flush()
		}
		if len(cur) > 0 {
			cur = append(cur, '\n')
		}
		cur = append(cur, lr...)
	}
	flush()
	return out
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	chat := &tele.Chat{ID: to.ChatID}
	sendOpt := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if ctx != nil && ctx.Err() != nil {
			return first, ctx.Err()
		}
		msg, err := a.bot.Send(chat, chunk, sendOpt)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

type menuEntry struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// Telegram caps the command menu at 100 entries with 256-char descriptions.
func buildMenuEntries(cmds []kit.BotCommand) []menuEntry {
	out := make([]menuEntry, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = c.Command
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		out = append(out, menuEntry{Command: c.Command, Description: desc})
		if len(out) == 100 {
			break
		}
	}
	return out
}

func menuFingerprint(cmds []kit.BotCommand) uint64 {
	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// UpdateMenuCommands syncs Telegram's /menu list via setMyCommands.
// The call is skipped when the command set has not changed.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	sum := menuFingerprint(cmds)
	if sum == a.menuHash {
		return nil
	}

	entries := buildMenuEntries(cmds)
	body, err := json.Marshal(struct {
		Commands []menuEntry `json:"commands"`
	}{Commands: entries})
	if err != nil {
		return err
	}

	url := "https://api.telegram.org/bot" + strings.TrimSpace(a.cfg.Token) + "/setMyCommands"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := a.http
	if client == nil {
		client = &http.Client{Timeout: 8 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var apiResp struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&apiResp)
	if resp.StatusCode/100 != 2 || !apiResp.OK {
		if apiResp.Description != "" {
			return fmt.Errorf("telegram setMyCommands failed: %s (code=%d http=%d)", apiResp.Description, apiResp.ErrorCode, resp.StatusCode)
		}
		return fmt.Errorf("telegram setMyCommands failed: http=%d", resp.StatusCode)
	}

	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(entries)))
	return nil
}
