package app

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tutorbot/internal/transport"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

// Command is one slash command. Name is the primary (Korean) route; Menu is
// the latin name registered with the platform command menu, empty to omit.
type Command struct {
	Name        string
	Aliases     []string
	Menu        string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      func(ctx context.Context, req *Request) error
}

type Request struct {
	Chat    transport.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Logger  *slog.Logger
}

// Router matches incoming messages against the command table and runs
// handlers on a bounded worker pool.
type Router struct {
	mu     sync.RWMutex
	cmds   map[string]*Command
	names  []string
	owners []int64

	log     *slog.Logger
	adapter transport.Adapter
	jobs    chan func()
}

func NewRouter(log *slog.Logger, adapter transport.Adapter, owners []int64) *Router {
	return &Router{
		cmds:    map[string]*Command{},
		owners:  append([]int64(nil), owners...),
		log:     log,
		adapter: adapter,
		jobs:    make(chan func(), 64),
	}
}

// SetOwners replaces the owner list used for AccessOwnerOnly checks.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) Register(cmds []Command) {
	table := map[string]*Command{}
	var names []string
	add := func(c Command) {
		cc := c
		table[cc.Name] = &cc
		names = append(names, cc.Name)
		for _, a := range cc.Aliases {
			a = strings.TrimSpace(a)
			if a != "" && !strings.Contains(a, " ") {
				table[a] = &cc
			}
		}
		if cc.Menu != "" {
			table[cc.Menu] = &cc
		}
	}
	for _, c := range cmds {
		if c.Name == "" || c.Handle == nil {
			continue
		}
		add(c)
	}
	add(Command{
		Name:        "도움말",
		Menu:        "help",
		Description: "명령어 목록",
		Handle: func(ctx context.Context, req *Request) error {
			r.reply(ctx, req.Chat, r.helpText())
			return nil
		},
	})

	r.mu.Lock()
	r.cmds = table
	r.names = names
	r.mu.Unlock()
}

// MenuCommands lists the latin menu entries for the platform command list.
func (r *Router) MenuCommands() []transport.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var out []transport.BotCommand
	for _, name := range r.names {
		c := r.cmds[name]
		if c == nil || c.Menu == "" || seen[c.Menu] {
			continue
		}
		seen[c.Menu] = true
		out = append(out, transport.BotCommand{Command: c.Menu, Description: c.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

func (r *Router) helpText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b strings.Builder
	b.WriteString("명령어:\n")
	for _, name := range r.names {
		c := r.cmds[name]
		if c == nil {
			continue
		}
		b.WriteString("/" + c.Name)
		if c.Usage != "" {
			b.WriteString(" " + c.Usage)
		}
		if c.Description != "" {
			b.WriteString(" - " + c.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// DispatchLoop consumes adapter updates until ctx is done or the channel
// closes. Handlers run on a small worker pool so one slow command does not
// starve the rest.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	const workers = 4

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					r.log.Error("panic in command worker",
						slog.Any("panic", p),
						slog.String("stack", string(debug.Stack())))
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-r.jobs:
					if !ok {
						return
					}
					job()
				}
			}
		}()
	}
	defer wg.Wait()

	r.log.Info("command dispatcher started", slog.Int("workers", workers))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("command dispatcher stopped")
			return nil
		case up, ok := <-updates:
			if !ok {
				r.log.Info("command dispatcher stopped (updates closed)")
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(root context.Context, up transport.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	parts := tokenize(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]

	r.mu.RLock()
	cmd := r.cmds[word]
	owners := append([]int64(nil), r.owners...)
	r.mu.RUnlock()

	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if cmd == nil {
		// Stay quiet in groups; other bots own their own commands there.
		if !msg.IsGroup {
			r.reply(root, chat, "알 수 없는 명령어입니다. /도움말")
		}
		return
	}
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, owners) {
		r.reply(root, chat, "권한이 없습니다.")
		return
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Logger: r.log.With(
			slog.String("rid", rid),
			slog.Int64("chat_id", msg.ChatID),
			slog.Int64("from_id", msg.FromID),
			slog.String("cmd", cmd.Name),
		),
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	handle := cmd.Handle
	job := func() {
		ctx, cancel := context.WithTimeout(root, timeout)
		defer cancel()
		start := time.Now()
		err := func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					req.Logger.Error("panic recovered",
						slog.Any("panic", p),
						slog.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", p)
				}
			}()
			return handle(ctx, req)
		}()
		dur := time.Since(start)
		if err != nil {
			req.Logger.Warn("command failed", slog.Duration("dur", dur), slog.String("err", err.Error()))
			r.reply(root, req.Chat, "처리 중 오류가 발생했습니다: "+err.Error())
		} else {
			req.Logger.Info("command ok", slog.Duration("dur", dur))
		}
	}

	select {
	case r.jobs <- job:
	default:
		r.reply(root, chat, "잠시 후 다시 시도해 주세요.")
	}
}

func (r *Router) reply(ctx context.Context, to transport.ChatTarget, text string) {
	_, err := r.adapter.SendText(ctx, to, text, nil)
	if err != nil {
		r.log.Warn("reply failed", slog.Int64("chat_id", to.ChatID), slog.String("err", err.Error()))
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}

// tokenize splits command text on whitespace with double-quote support, so
// names containing spaces can be quoted.
func tokenize(s string) []string {
	var (
		out []string
		buf strings.Builder
		inQ bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for _, ch := range s {
		switch {
		case ch == '"':
			inQ = !inQ
		case !inQ && (ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r'):
			flush()
		default:
			buf.WriteRune(ch)
		}
	}
	flush()
	return out
}
