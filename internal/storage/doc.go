package storage

// Package storage provides a minimal persistence layer used by the bot.
//
// It currently supports:
//   - Audit log appends (alert/reminder deliveries, operator actions)
//   - Notifier dedup state (to survive restarts)
