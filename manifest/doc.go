// Package manifest implements atomic per-repository manifest persistence.
//
// A manifest is a snapshot of a repository shard at one commit version: the
// set of sealed segment blobs, the batches they hold, and the sealing key
// each was written under. The commit version is what makes reads repeatable:
// two queries that load the same version see the same segment set.
//
// # Atomic Protocol
//
// Save follows a two-phase protocol:
//
//  1. Write the manifest blob to <repo>/MANIFEST-NNNNNN.json
//  2. Swap the <repo>/CURRENT pointer to reference it
//
// On local filesystems step 2 is an atomic rename. On S3 the swap is routed
// through a DynamoDB conditional write (see blobstore/s3.CommitStore), which
// supplies the compare-and-swap that plain S3 lacks.
package manifest
