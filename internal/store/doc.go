// Package store persists shard resume snapshots.
//
// When a process shuts down gracefully it closes every shard with a resumable
// close code and saves, per shard, the session id, the last sequence number
// and the resume gateway URL. On the next start the shard manager loads the
// snapshots taken for the same shard count and seeds each shard with them, so
// its first Hello is answered with Resume instead of Identify. This spares the
// daily identify quota and replays the events missed during the restart.
//
// Snapshots older than the configured max age are ignored: the remote drops
// idle sessions after a few minutes and resuming them only costs a round trip
// before the inevitable re-identify.
//
// SQLiteStore is the production implementation (modernc.org/sqlite, no cgo).
// MockStore keeps everything in memory for tests.
package store
