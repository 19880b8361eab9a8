package app

import (
	"context"
	"errors"
	"sync"

	"tutorbot/internal/notify"
	"tutorbot/internal/transport"
)

var errNoLogChannel = errors.New("log channel not configured")

// notifySink routes alert text through the notifier pipeline. Per-student
// destinations come from the telegram.students config map; everything else
// lands in the operator log channel.
type notifySink struct {
	notif *notify.Service

	mu       sync.RWMutex
	students map[int64]transport.ChatTarget
	logChat  transport.ChatTarget
}

func newNotifySink(notif *notify.Service) *notifySink {
	return &notifySink{notif: notif, students: map[int64]transport.ChatTarget{}}
}

// SetRouting replaces the destination tables. Called at startup and on
// config hot-reload.
func (s *notifySink) SetRouting(students map[int64]transport.ChatTarget, logChat transport.ChatTarget) {
	cp := make(map[int64]transport.ChatTarget, len(students))
	for k, v := range students {
		cp[k] = v
	}
	s.mu.Lock()
	s.students = cp
	s.logChat = logChat
	s.mu.Unlock()
}

func (s *notifySink) ResolveDestination(subjectID int64) (transport.ChatTarget, bool) {
	if subjectID == 0 {
		return transport.ChatTarget{}, false
	}
	s.mu.RLock()
	t, ok := s.students[subjectID]
	s.mu.RUnlock()
	return t, ok
}

func (s *notifySink) Deliver(ctx context.Context, to transport.ChatTarget, text string) error {
	return s.notif.Notify(ctx, transport.Notification{
		Channel:  notify.ChannelAlerts,
		Priority: 7,
		Target:   to,
		Text:     text,
	})
}

func (s *notifySink) DeliverLog(ctx context.Context, text string) error {
	s.mu.RLock()
	logChat := s.logChat
	s.mu.RUnlock()
	if logChat.IsZero() {
		return errNoLogChannel
	}
	return s.notif.Notify(ctx, transport.Notification{
		Channel:  notify.ChannelOps,
		Priority: 5,
		Target:   logChat,
		Text:     text,
	})
}
