// Package notifier delivers operator alerts asynchronously.
//
// Alerts are short, high-signal messages: a destination that keeps failing
// to flush, a feed that keeps failing to fetch. Each alert has a priority,
// a target chat and a channel naming its source.
//
// # Transport
//
// Delivery is delegated to a transport.Sender (the Telegram sender in
// production). The service owns queueing, rate limiting, retries and dedup
// so callers can fire and forget.
//
// # Dedup
//
// Identical alerts within DedupWindow are dropped. With PersistDedup the
// suppression survives restarts through storage.Store.
package notifier
