// Package storage provides the durable key-value store behind the kestrel
// key, session, and sender-key managers. Values are opaque byte slices
// addressed by (bucket, key); the managers above decide what lives in each
// bucket and how it is encoded.
//
// Two implementations are provided: MemoryStore for tests and short-lived
// engines, and FileStore for on-disk persistence with one file per record.
package storage
