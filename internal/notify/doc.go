// Package notify turns supervision events into operator alerts.
//
// Notifier is an async pipeline: queue, worker pool, token-bucket rate limit,
// retry with jittered backoff and a per-key dedup window. Watch feeds it from
// the event bus; a Sender (Telegram by default) delivers the text.
package notify
