// Package storage persists what feedbot needs across restarts:
//   - the per-feed set of seen item GUIDs
//   - an append-only delivery log
//   - optional notifier dedup state
//
// The dispatch queue itself is never persisted.
package storage
