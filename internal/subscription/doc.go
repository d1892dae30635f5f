// Package subscription holds the durable set of per-room weather
// subscriptions and the id allocator that numbers them.
//
// Store is the only writer of the persisted blob. Every mutation encodes the
// complete next state, saves it, and only then swaps it in, so memory never
// holds state that failed to reach storage.
package subscription
