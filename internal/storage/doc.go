// Package storage persists the subscription blob and an append-only audit
// trail. Every driver stores one opaque blob per key; the caller owns the
// encoding.
package storage
