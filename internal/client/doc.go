// Package client is the HTTP(S) layer of the download engine.
//
// It knows how to probe a resource with HEAD (size and Range support) and
// how to open a GET stream starting at a byte offset. Per-request server
// credentials are sent as basic auth; a per-request proxy gets its own
// transport. Every body read is bounded by a read timeout so a stalled
// connection surfaces as ErrReadTimeout instead of blocking forever.
//
// The client never retries: whether and when to try again is the caller's
// decision.
package client
