package journal

// FilterFunc decides whether an entry is recorded. True keeps the entry.
type FilterFunc func(*Entry) bool

// KeepKinds builds a predicate that keeps only the given kinds. Checkpoint
// markers are always kept so a filtered stream remains restorable.
func KeepKinds(kinds ...Kind) FilterFunc {
	keep := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		keep[k] = true
	}
	return func(e *Entry) bool {
		k := e.Kind()
		return keep[k] || k == KindCheckpointBegin || k == KindCheckpointEnd
	}
}

// DropKinds builds a predicate that drops the given kinds. Checkpoint markers
// are never dropped.
func DropKinds(kinds ...Kind) FilterFunc {
	drop := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		drop[k] = true
	}
	return func(e *Entry) bool {
		k := e.Kind()
		if k == KindCheckpointBegin || k == KindCheckpointEnd {
			return true
		}
		return !drop[k]
	}
}

// Filtered wraps a Writable and forwards only entries the predicate keeps.
// Dropped entries report success to the producer; everything else is
// transparent.
type Filtered struct {
	inner Writable
	keep  FilterFunc
}

// NewFiltered wraps w with a filter predicate. A nil predicate keeps
// everything.
func NewFiltered(w Writable, keep FilterFunc) *Filtered {
	return &Filtered{inner: w, keep: keep}
}

func (f *Filtered) Write(e *Entry) error {
	if f.keep != nil && !f.keep(e) {
		return nil
	}
	return f.inner.Write(e)
}

func (f *Filtered) Close() error { return f.inner.Close() }
