package metadata

// Operator identifies a filter comparison.
type Operator uint8

const (
	// OpEqual matches documents whose value equals the filter value.
	OpEqual Operator = iota
	// OpNotEqual matches documents whose value differs from the filter value.
	OpNotEqual
	// OpIn matches documents whose value equals any of the filter values.
	OpIn
	// OpExists matches documents that contain the filter key at all.
	OpExists
)

// Filter is a single comparison against one document key.
type Filter struct {
	Key      string   `json:"key"`
	Operator Operator `json:"op"`
	Value    Value    `json:"value,omitempty"`
	Values   []Value  `json:"values,omitempty"`
}

// Eq creates an equality filter.
func Eq(key string, value Value) Filter {
	return Filter{Key: key, Operator: OpEqual, Value: value}
}

// Ne creates a not-equal filter.
func Ne(key string, value Value) Filter {
	return Filter{Key: key, Operator: OpNotEqual, Value: value}
}

// In creates a membership filter.
func In(key string, values ...Value) Filter {
	return Filter{Key: key, Operator: OpIn, Values: values}
}

// Exists creates an existence filter.
func Exists(key string) Filter {
	return Filter{Key: key, Operator: OpExists}
}

// Matches checks if the provided document matches this filter.
func (f *Filter) Matches(doc Document) bool {
	value, exists := doc[f.Key]

	switch f.Operator {
	case OpEqual:
		return exists && value.Equal(f.Value)
	case OpNotEqual:
		return !exists || !value.Equal(f.Value)
	case OpIn:
		if !exists {
			return false
		}
		for _, candidate := range f.Values {
			if value.Equal(candidate) {
				return true
			}
		}
		return false
	case OpExists:
		return exists
	default:
		return false
	}
}

// FilterSet is a conjunction of filters.
type FilterSet struct {
	Filters []Filter `json:"filters"`
}

// NewFilterSet creates a filter set from the given filters.
func NewFilterSet(filters ...Filter) *FilterSet {
	return &FilterSet{Filters: filters}
}

// Matches checks if the provided document matches all filters in the set.
func (fs *FilterSet) Matches(doc Document) bool {
	if fs == nil {
		return true
	}
	for i := range fs.Filters {
		if !fs.Filters[i].Matches(doc) {
			return false
		}
	}
	return true
}

// Empty reports whether the set contains no filters.
func (fs *FilterSet) Empty() bool {
	return fs == nil || len(fs.Filters) == 0
}
