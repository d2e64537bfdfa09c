// Package storage persists supervision history: lifecycle events published by
// the manager, operator actions taken through the HTTP API, and the notifier's
// dedup windows so repeated alerts stay quiet across restarts.
//
// History is write-mostly and never replayed into the manager.
package storage
