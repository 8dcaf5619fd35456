// Package protocol implements the gateway event codec.
//
// # Frames
//
// Every gateway message is a JSON object with four fields:
//
//	{"op": 0, "s": 42, "t": "MESSAGE_CREATE", "d": {...}}
//
// Decode turns raw transport bytes into a Frame. Binary messages that start
// with a zlib header are inflated first (the client identifies with
// "compress": true). Decoding peeks the four fields with gjson and keeps the
// payload as raw JSON, so the cache and listeners only pay for the fields
// they read.
//
// A DecodeError is per-frame and recoverable: the shard logs it, skips the
// frame, and keeps the connection.
//
// Encode builds outbound frames ({"op": N, "d": payload}).
//
// # Close codes
//
// ClassifyClose decides whether a closed connection resumes, re-identifies, or
// is unrecoverable (bad token, invalid shard, disallowed intents).
//
// # Events
//
// Event is what the cache and the dispatch router consume: the dispatch name,
// the shard it came from, its sequence number and the raw payload. Synthetic
// lifecycle events (SHARD_READY, SHARD_CLOSED, ...) use the same type.
package protocol
