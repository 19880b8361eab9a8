// Package logging configures tutorbot's structured logging.
//
// The package builds slog handlers based on configuration and can emit logs to
// multiple sinks:
//   - Console (human-friendly pretty output)
//   - File (JSON lines)
//   - Telegram (via transport.Adapter) with rate limiting and minimum level
//
// Telegram logging is intended for concise operator visibility. It should be
// configured with an explicit chat target (typically the log channel) and a
// min_level to avoid excessive noise.
package logging
