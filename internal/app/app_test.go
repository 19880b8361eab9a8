package app

import (
	"context"
	"errors"
	"testing"

	"tutorbot/internal/config"
	"tutorbot/internal/transport"
)

func TestStudentTargets(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Telegram.Students = map[string]int64{
		"7":    555,
		"12":   0,  // no chat configured
		"abc":  99, // bad key
		"0":    77, // id 0 is never addressable
		" 42 ": 888,
	}
	got := studentTargets(cfg)
	if len(got) != 2 {
		t.Fatalf("targets = %v, want 2 entries", got)
	}
	if got[7].ChatID != 555 || got[42].ChatID != 888 {
		t.Fatalf("targets = %v", got)
	}
}

func TestNotifyConfigDefaultsWhenOmitted(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	nc := notifyConfigFrom(cfg)
	if !nc.Enabled {
		t.Fatal("notifier should default to enabled")
	}
}

func TestSinkResolveDestination(t *testing.T) {
	t.Parallel()
	s := newNotifySink(nil)
	s.SetRouting(map[int64]transport.ChatTarget{7: {ChatID: 555}}, transport.ChatTarget{ChatID: 900})

	if _, ok := s.ResolveDestination(0); ok {
		t.Fatal("id 0 must never resolve")
	}
	if _, ok := s.ResolveDestination(8); ok {
		t.Fatal("unknown id resolved")
	}
	to, ok := s.ResolveDestination(7)
	if !ok || to.ChatID != 555 {
		t.Fatalf("ResolveDestination(7) = %v, %v", to, ok)
	}
}

func TestSinkDeliverLogWithoutChannel(t *testing.T) {
	t.Parallel()
	s := newNotifySink(nil)
	err := s.DeliverLog(context.Background(), "hello")
	if !errors.Is(err, errNoLogChannel) {
		t.Fatalf("err = %v, want errNoLogChannel", err)
	}
}
