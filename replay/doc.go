// Package replay absorbs writes that could not reach the durable backend and
// re-commits them once it is reachable again.
//
// The Buffer is a bounded FIFO keyed by a buffer-local sequence assigned when
// a write is first deferred. Overflow evicts the oldest queued entry, never
// an arbitrary one, and age-based expiry drops entries that outlived their
// usefulness. Snapshot/Restore persist unresolved entries as
// newline-delimited JSON for crash recovery.
//
// The Coordinator drains the buffer in sequence order: a failure partway
// through a batch requeues the failed entry and everything behind it, so an
// entry never commits ahead of an older entry of the same repository.
// Repositories replay independently and in parallel.
package replay
