// Package storage defines the durable key/value contract used to persist
// state snapshots, together with an in-memory implementation for tests and a
// BadgerDB implementation for real deployments.
//
// Responsibilities:
//   - KV only gets and sets opaque string values under string keys.
//   - Ref.Identifier() provides the deterministic key for one persisted
//     subtree (`<namespace>/<path>`).
//   - SaveSnapshot and LoadSnapshot wrap a subtree in a JSON Record carrying
//     storage-owned Meta (snapshot id, etag, update time).
//
// Data flow:
//
//	store write -> persistence middleware (debounced) -> SaveSnapshot -> KV
//	startup     -> LoadSnapshot -> merge with defaults -> silent store write
package storage
