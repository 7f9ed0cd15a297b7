// Package store provides durable storage for conversation logs.
//
// # Architecture
//
// The conversation log is a mapping from conversation id to an ordered
// sequence of Records. Storage backends implement the small KV interface:
//
//   - Get(ctx, id): the full sequence, or ErrNotFound
//   - Put(ctx, id, records): replace the full sequence
//   - Delete(ctx, id)
//   - Keys(ctx)
//
// Ordering, locking and caching live one layer up in the conversation
// package; backends only need each Put to be atomic.
//
// # Backends
//
//   - FileStore ("json"): a single JSON object {id: [records]} rewritten in
//     full on every mutation via temp file + rename
//   - BoltStore ("bolt"): go.etcd.io/bbolt, one key per conversation
//   - SQLiteStore ("sqlite"): modernc.org/sqlite by default, or
//     mattn/go-sqlite3 with driver "sqlite3"
//   - MemoryStore ("memory"): tests and throwaway runs
//
// Use Open(Options{...}) to build the configured backend.
//
// # Record format
//
// Records serialize as:
//
//	{"time": "2024-01-02T03:04:05.123456789Z", "username": "c1",
//	 "message": {"type": "text", "text": "hi"}, "uuid": "..."}
//
// The message field is kept as raw JSON so payloads written by other
// tools round-trip untouched.
package store
