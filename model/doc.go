// Package model contains the shared value types of the vecvault persistence
// engine: repository and batch identity, embedding batches and manifest
// diffs, write receipts, query criteria/results, and rotation reports.
//
// The package is intentionally dependency-light so every component can import
// it without cycles.
package model
