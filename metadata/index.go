package metadata

import (
	"github.com/RoaringBitmap/roaring/v2"
)

// Index is an inverted index from (key, value) pairs to row positions.
//
// It is built once per shard version and used to pre-filter query candidates
// before any row is decrypted. Rows are addressed by their dense position
// within the shard version, which makes roaring bitmaps a natural fit.
//
// Index is immutable after Build and safe for concurrent readers.
type Index struct {
	postings map[string]map[string]*roaring.Bitmap // key -> value.Key() -> rows
	existing map[string]*roaring.Bitmap            // key -> rows where key exists
	rows     uint32
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		postings: make(map[string]map[string]*roaring.Bitmap),
		existing: make(map[string]*roaring.Bitmap),
	}
}

// Add indexes the document at the given dense row position.
// Add must not be called after the index has been published to readers.
func (ix *Index) Add(row uint32, doc Document) {
	if row >= ix.rows {
		ix.rows = row + 1
	}
	for key, value := range doc {
		byValue, ok := ix.postings[key]
		if !ok {
			byValue = make(map[string]*roaring.Bitmap)
			ix.postings[key] = byValue
		}
		vk := value.Key()
		bm, ok := byValue[vk]
		if !ok {
			bm = roaring.New()
			byValue[vk] = bm
		}
		bm.Add(row)

		ex, ok := ix.existing[key]
		if !ok {
			ex = roaring.New()
			ix.existing[key] = ex
		}
		ex.Add(row)
	}
}

// Rows returns the number of indexed row positions.
func (ix *Index) Rows() uint32 { return ix.rows }

// Apply evaluates the filter set and returns the matching row positions.
// A nil or empty filter set matches every row.
func (ix *Index) Apply(fs *FilterSet) *roaring.Bitmap {
	all := roaring.New()
	all.AddRange(0, uint64(ix.rows))
	if fs.Empty() {
		return all
	}

	result := all
	for i := range fs.Filters {
		f := &fs.Filters[i]
		result.And(ix.applyOne(f))
		if result.IsEmpty() {
			return result
		}
	}
	return result
}

func (ix *Index) applyOne(f *Filter) *roaring.Bitmap {
	switch f.Operator {
	case OpEqual:
		if bm := ix.lookup(f.Key, f.Value); bm != nil {
			return bm.Clone()
		}
		return roaring.New()
	case OpNotEqual:
		out := roaring.New()
		out.AddRange(0, uint64(ix.rows))
		if bm := ix.lookup(f.Key, f.Value); bm != nil {
			out.AndNot(bm)
		}
		return out
	case OpIn:
		out := roaring.New()
		for _, v := range f.Values {
			if bm := ix.lookup(f.Key, v); bm != nil {
				out.Or(bm)
			}
		}
		return out
	case OpExists:
		if ex, ok := ix.existing[f.Key]; ok {
			return ex.Clone()
		}
		return roaring.New()
	default:
		return roaring.New()
	}
}

func (ix *Index) lookup(key string, value Value) *roaring.Bitmap {
	byValue, ok := ix.postings[key]
	if !ok {
		return nil
	}
	return byValue[value.Key()]
}
