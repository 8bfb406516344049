/*
Package log provides structured logging for parley using zerolog.

The log package wraps zerolog with a process-global logger, a small set of
child-logger helpers for the identifiers that show up in almost every log line
(component, realm, user, event queue), and convenience functions for one-off
messages.

# Configuration

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Level filters everything below the threshold through zerolog's global level.
JSONOutput selects JSON lines (production) or zerolog's console writer
(development). Output defaults to stdout.

# Context Loggers

	pubLog := log.WithComponent("publisher")
	pubLog.Debug().
		Int64("realm_id", 42).
		Str("type", "realm_linkifiers").
		Int("recipients", 17).
		Msg("event enqueued")

	qLog := log.WithQueueID("9b7c...")
	qLog.Info().Msg("event queue garbage collected")

Components keep their child logger in a struct field and never reach for the
global Logger directly, which keeps the component name on every line.

# Audit Lines

The publisher writes one line per publish call (debug on success, warn on a
retried attempt, error on exhaustion) with realm_id, type, recipients,
attempts, latency and notice_id. These lines are the audit trail correlated
with realm state changes.
*/
package log
