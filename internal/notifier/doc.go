// Package notifier delivers chat messages asynchronously.
//
// A notification names a target room and a text. The service queues it,
// spreads delivery over a small worker pool, throttles the transport with a
// token bucket and retries failed sends with jittered exponential backoff.
//
// # Dedup
//
// Identical notifications inside a short window are suppressed. Callers can
// pass an explicit DedupKey (for example one per subscription and day) to
// make a repeated fire a no-op.
//
// # History
//
// The service keeps a small in-memory history of delivered messages for
// diagnostics.
package notifier
