package app

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tutorbot/internal/timetable"
	"tutorbot/internal/transport"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                               { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newUpdate(fromID int64, text string, group bool) transport.Update {
	return transport.Update{Message: &transport.Message{
		ChatID:  100,
		FromID:  fromID,
		Text:    text,
		IsGroup: group,
	}}
}

func TestRouterDispatchesCommand(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	r := NewRouter(discard(), ad, nil)

	var mu sync.Mutex
	var gotArgs []string
	r.Register([]Command{{
		Name: "테스트",
		Handle: func(ctx context.Context, req *Request) error {
			mu.Lock()
			gotArgs = append([]string(nil), req.Args...)
			mu.Unlock()
			return nil
		},
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan transport.Update, 4)
	go func() { _ = r.DispatchLoop(ctx, updates) }()

	updates <- newUpdate(1, "/테스트 내일 김철수", false)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotArgs) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if gotArgs[0] != "내일" || gotArgs[1] != "김철수" {
		t.Fatalf("args = %v", gotArgs)
	}
}

func TestRouterOwnerOnlyRejected(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	r := NewRouter(discard(), ad, []int64{42})

	var called atomic.Bool
	r.Register([]Command{{
		Name:   "휴강",
		Access: AccessOwnerOnly,
		Handle: func(ctx context.Context, req *Request) error {
			called.Store(true)
			return nil
		},
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan transport.Update, 4)
	go func() { _ = r.DispatchLoop(ctx, updates) }()

	updates <- newUpdate(7, "/휴강 김철수", false)
	waitFor(t, func() bool { return len(ad.texts()) == 1 })
	if called.Load() {
		t.Fatal("handler ran for non-owner")
	}
	if !strings.Contains(ad.texts()[0], "권한") {
		t.Fatalf("reply = %q", ad.texts()[0])
	}

	// owner passes
	updates <- newUpdate(42, "/휴강 김철수", false)
	waitFor(t, func() bool { return called.Load() })
}

func TestRouterUnknownCommandQuietInGroups(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	r := NewRouter(discard(), ad, nil)
	r.Register(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan transport.Update, 4)
	go func() { _ = r.DispatchLoop(ctx, updates) }()

	updates <- newUpdate(1, "/없는명령", true)
	updates <- newUpdate(1, "/없는명령", false)
	waitFor(t, func() bool { return len(ad.texts()) == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := len(ad.texts()); n != 1 {
		t.Fatalf("replies = %d, want 1 (private only)", n)
	}
}

func TestRouterAliasAndMention(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	r := NewRouter(discard(), ad, nil)

	var hits int32
	var mu sync.Mutex
	r.Register([]Command{{
		Name:    "오늘",
		Aliases: []string{"시간표"},
		Menu:    "today",
		Handle: func(ctx context.Context, req *Request) error {
			mu.Lock()
			hits++
			mu.Unlock()
			return nil
		},
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan transport.Update, 4)
	go func() { _ = r.DispatchLoop(ctx, updates) }()

	updates <- newUpdate(1, "/시간표", false)
	updates <- newUpdate(1, "/today@tutor_bot", false)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hits == 2
	})
}

func TestMenuCommands(t *testing.T) {
	t.Parallel()
	r := NewRouter(discard(), &fakeAdapter{}, nil)
	r.Register([]Command{
		{Name: "오늘", Menu: "today", Description: "오늘 시간표", Handle: func(context.Context, *Request) error { return nil }},
		{Name: "내부", Handle: func(context.Context, *Request) error { return nil }}, // no menu entry
	})
	menu := r.MenuCommands()
	var names []string
	for _, c := range menu {
		names = append(names, c.Command)
	}
	if strings.Join(names, ",") != "help,today" {
		t.Fatalf("menu = %v", names)
	}
}

func TestTokenize(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []string
	}{
		{"/변경 오늘 김철수 14:00", []string{"/변경", "오늘", "김철수", "14:00"}},
		{`/휴강 "김 철수"`, []string{"/휴강", "김 철수"}},
		{"   ", nil},
		{"/상태", []string{"/상태"}},
	}
	for _, tc := range cases {
		got := tokenize(tc.in)
		if len(got) != len(tc.want) {
			t.Fatalf("tokenize(%q) = %v, want %v", tc.in, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("tokenize(%q) = %v, want %v", tc.in, got, tc.want)
			}
		}
	}
}

func TestParseDay(t *testing.T) {
	t.Parallel()
	today := timetable.Date{Year: 2025, Month: 3, Day: 10}
	cases := []struct {
		tok  string
		want string
		ok   bool
	}{
		{"오늘", "2025-03-10", true},
		{"내일", "2025-03-11", true},
		{"모레", "2025-03-12", true},
		{"2025-04-01", "2025-04-01", true},
		{"김철수", "", false},
		{"14:00", "", false},
	}
	for _, tc := range cases {
		d, ok := parseDay(tc.tok, today)
		if ok != tc.ok {
			t.Fatalf("parseDay(%q) ok = %v, want %v", tc.tok, ok, tc.ok)
		}
		if ok && d.ISO() != tc.want {
			t.Fatalf("parseDay(%q) = %s, want %s", tc.tok, d.ISO(), tc.want)
		}
	}
}
