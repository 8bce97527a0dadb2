package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hupe1980/vecvault/distance"
	"github.com/hupe1980/vecvault/model"
)

// Query runs an exact k-nearest-neighbor search against the repository's
// current shard version.
//
// The snapshot is taken once at query start: concurrent commits advance the
// shard to a new version without affecting this query, and two queries
// observing the same version return identical orderings. Metadata filters are
// evaluated against the row index first, so only candidate batches are ever
// decrypted.
func (s *Store) Query(ctx context.Context, criteria model.QueryCriteria) (*model.QueryResultSet, error) {
	if criteria.K <= 0 {
		return nil, errors.New("k must be positive")
	}

	sh, err := s.lookupShard(ctx, criteria.Repo)
	if err != nil {
		return nil, err
	}
	if sh.quarantined.Load() {
		return nil, fmt.Errorf("%w: %s", ErrShardQuarantined, criteria.Repo)
	}

	sv, err := s.version(ctx, sh)
	if err != nil {
		return nil, err
	}

	if sv.manifest.Dimension != 0 && len(criteria.Vector) != sv.manifest.Dimension {
		return nil, fmt.Errorf("query vector has dimension %d, shard has %d", len(criteria.Vector), sv.manifest.Dimension)
	}

	matched := sv.index.Apply(criteria.Filter)

	// Decrypt each candidate batch exactly once.
	type batchKey struct {
		segment int
		batch   model.BatchID
	}
	payloads := make(map[batchKey]*batchPayload)

	results := make([]model.QueryResult, 0, matched.GetCardinality())

	it := matched.Iterator()
	for it.HasNext() {
		row := it.Next()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		ref := sv.rows[row]
		key := batchKey{segment: ref.segment, batch: ref.batch}

		payload, ok := payloads[key]
		if !ok {
			rec := findRecord(sv.segments[ref.segment], ref.batch)
			if rec == nil {
				return nil, fmt.Errorf("batch %d missing from segment %d", ref.batch, ref.segment)
			}
			payload, err = s.openRecord(rec, criteria.Repo, sv.compressions[ref.segment])
			if err != nil {
				return nil, err
			}
			payloads[key] = payload
		}

		result := model.QueryResult{
			BatchID: ref.batch,
			Index:   ref.index,
			Score:   distance.Score(criteria.Metric, criteria.Vector, payload.Vectors[ref.index]),
		}
		if criteria.IncludeVector {
			result.Vector = payload.Vectors[ref.index]
		}
		if criteria.IncludePayload && payload.Payloads != nil {
			result.Payload = payload.Payloads[ref.index]
		}
		if criteria.IncludeMetadata {
			result.Metadata = docAt(payload.Metadata, ref.index)
		}
		results = append(results, result)
	}

	// Deterministic order: score, then batch, then position within batch.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score < results[j].Score
		}
		if results[i].BatchID != results[j].BatchID {
			return results[i].BatchID < results[j].BatchID
		}
		return results[i].Index < results[j].Index
	})

	if len(results) > criteria.K {
		results = results[:criteria.K]
	}

	return &model.QueryResultSet{
		Results: results,
		Version: sv.manifest.Version,
	}, nil
}

func findRecord(records []segmentRecord, batch model.BatchID) *segmentRecord {
	for i := range records {
		if records[i].BatchID == batch {
			return &records[i]
		}
	}
	return nil
}
