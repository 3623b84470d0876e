package journal

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// BroadcastError reports which targets of a broadcast write failed. The
// write was still attempted on every target, so the caller knows each
// backend's state: targets absent from Failures accepted the entry.
type BroadcastError struct {
	Failures map[string]error
}

func (e *BroadcastError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s: %v", name, e.Failures[name])
	}
	return "journal: broadcast write failed on " + strings.Join(parts, "; ")
}

// Failed reports whether the named target failed.
func (e *BroadcastError) Failed(name string) bool {
	_, ok := e.Failures[name]
	return ok
}

// Broadcast fans every write out to N named targets behind a single
// Writable. A write succeeds only if every target accepts it; a partial
// failure is reported as a BroadcastError identifying the failed targets,
// and the caller decides whether to treat it as fatal or Drop the failed
// target and continue with the rest.
type Broadcast struct {
	mu      sync.Mutex
	targets []broadcastTarget
}

type broadcastTarget struct {
	name string
	w    Writable
}

// NewBroadcast creates an empty broadcast set.
func NewBroadcast() *Broadcast { return &Broadcast{} }

// Add registers a named target. Names must be unique.
func (b *Broadcast) Add(name string, w Writable) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range b.targets {
		if t.name == name {
			return fmt.Errorf("journal: broadcast target %q already registered", name)
		}
	}
	b.targets = append(b.targets, broadcastTarget{name: name, w: w})
	return nil
}

// Drop removes a target, typically after it failed. The dropped target is
// not closed; ownership returns to the caller.
func (b *Broadcast) Drop(name string) (Writable, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, t := range b.targets {
		if t.name == name {
			b.targets = append(b.targets[:i], b.targets[i+1:]...)
			return t.w, true
		}
	}
	return nil, false
}

// Targets returns the registered target names in order.
func (b *Broadcast) Targets() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, len(b.targets))
	for i, t := range b.targets {
		names[i] = t.name
	}
	return names
}

// Write fans one entry out to every target. The lock spans the whole
// fan-out so concurrent producers land in the same relative order on every
// target; replicas of one stream must not diverge.
func (b *Broadcast) Write(e *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var failures map[string]error
	for _, t := range b.targets {
		if err := t.w.Write(e); err != nil {
			if failures == nil {
				failures = make(map[string]error)
			}
			failures[t.name] = err
		}
	}

	if failures != nil {
		return &BroadcastError{Failures: failures}
	}
	return nil
}

// Close closes every target, reporting the first failure.
func (b *Broadcast) Close() error {
	b.mu.Lock()
	targets := b.targets
	b.targets = nil
	b.mu.Unlock()

	var first error
	for _, t := range targets {
		if err := t.w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
