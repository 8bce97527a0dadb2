// Package store implements the encrypted vector store.
//
// Each repository owns one shard: a set of immutable segment blobs listed by
// a per-repository manifest. Batch payloads are compressed, sealed into
// authenticated envelopes, and written as segment records whose checksums are
// verifiable without key material. Every committed write advances the shard's
// manifest version (an atomic pointer swap) and appends a hash-chained entry
// to the audit ledger.
//
// Readers never block writers: a query snapshots the current version at
// start and evaluates metadata filters against an in-memory row index before
// decrypting only the candidate batches. Writes during a backend outage are
// absorbed by the replay buffer and acknowledged with a buffered receipt.
package store
